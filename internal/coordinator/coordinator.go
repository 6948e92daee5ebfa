package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"ringkv/internal/forward"
	"ringkv/internal/logging"
	"ringkv/internal/replication"
	"ringkv/internal/ring"
	"ringkv/internal/storage"
	"ringkv/internal/wire"
)

var (
	// ErrReplicationFailed wraps replica write failures. It is logged, never
	// returned to the client.
	ErrReplicationFailed = errors.New("replication failed")
	// ErrMisrouted is returned when a forwarded request reaches a node that
	// is not the key's primary in its own ring.
	ErrMisrouted = errors.New("misrouted")
	// ErrRemote wraps an ERROR line returned by a peer.
	ErrRemote = errors.New("remote error")
)

// ReplicationMode selects whether replica writes finish before the client
// gets its answer.
type ReplicationMode string

const (
	ReplicateAsync ReplicationMode = "async"
	ReplicateSync  ReplicationMode = "sync"
)

// Options tune a Coordinator.
type Options struct {
	ReplicationFactor int
	ReplicationMode   ReplicationMode
	// ForwardFailover tries the rest of the replica chain when the primary
	// cannot be reached.
	ForwardFailover bool
	// ReplicaTimeout bounds each replica write. Zero means
	// replication.DefaultPerReplicaTimeout.
	ReplicaTimeout time.Duration
}

// Coordinator serves requests for one node.
type Coordinator struct {
	self   ring.Descriptor
	ring   *ring.Ring
	policy *replication.Policy
	store  storage.Store
	fwd    forward.Forwarder
	opts   Options
	log    zerolog.Logger

	pending sync.WaitGroup

	// order holds the replication queue tail of every key with a fan-out in
	// flight. Applying a write and joining its key's queue happen under mu.
	mu    sync.Mutex
	order map[string]chan struct{}
}

// New returns the coordinator for node self.
func New(self ring.Descriptor, r *ring.Ring, store storage.Store, fwd forward.Forwarder, log zerolog.Logger, opts Options) *Coordinator {
	if opts.ReplicationMode == "" {
		opts.ReplicationMode = ReplicateAsync
	}
	return &Coordinator{
		self:   self,
		ring:   r,
		policy: replication.NewPolicy(r, opts.ReplicationFactor),
		store:  store,
		fwd:    fwd,
		opts:   opts,
		order:  make(map[string]chan struct{}),
		log:    logging.For(log, "coordinator").With().Str("node", self.String()).Logger(),
	}
}

// Self returns this node's descriptor.
func (c *Coordinator) Self() ring.Descriptor {
	return c.self
}

// Ring returns the cluster view the coordinator routes with.
func (c *Coordinator) Ring() *ring.Ring {
	return c.ring
}

// Policy returns the replication policy.
func (c *Coordinator) Policy() *replication.Policy {
	return c.policy
}

// Handle serves one decoded request and always produces a response line.
func (c *Coordinator) Handle(ctx context.Context, req wire.Request) wire.Response {
	resp, err := c.dispatch(ctx, req)
	if err != nil {
		c.log.Debug().Err(err).Str("req", req.Encode()).Msg("request failed")
		return wire.ErrorFor(err)
	}
	return resp
}

// Put stores value under key.
func (c *Coordinator) Put(ctx context.Context, key, value string) error {
	resp, err := c.dispatch(ctx, wire.Put(key, value))
	if err != nil {
		return err
	}
	return expect(resp, wire.StatusOK)
}

// Get returns the value stored under key, or storage.ErrKeyNotFound.
func (c *Coordinator) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.dispatch(ctx, wire.Get(key))
	if err != nil {
		return "", err
	}
	if err := expect(resp, wire.StatusValue); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Delete removes key, returning storage.ErrKeyNotFound if it was absent.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	resp, err := c.dispatch(ctx, wire.Delete(key))
	if err != nil {
		return err
	}
	return expect(resp, wire.StatusDeleted)
}

// Wait blocks until all pending asynchronous replication has finished.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

// Location describes where a key lives.
type Location struct {
	Key      string
	Position ring.Position
	Primary  ring.Descriptor
	Replicas []ring.Descriptor
}

// Locate returns the position, primary and replica chain of key.
func (c *Coordinator) Locate(key string) (Location, error) {
	chain, err := c.policy.ReplicasFor(key)
	if err != nil {
		return Location{}, err
	}
	return Location{
		Key:      key,
		Position: c.ring.PositionOf(key),
		Primary:  chain[0],
		Replicas: chain,
	}, nil
}

func (c *Coordinator) dispatch(ctx context.Context, req wire.Request) (wire.Response, error) {
	if err := req.Validate(); err != nil {
		return wire.Response{}, err
	}
	if req.Mode == wire.ModeReplicate {
		return c.apply(req), nil
	}

	chain, err := c.policy.ReplicasFor(req.Key)
	if err != nil {
		return wire.Response{}, err
	}

	if chain[0].Equal(c.self) {
		c.log.Debug().Str("key", req.Key).Str("op", req.Op.String()).Msg("serving as primary")
		if req.Op == wire.OpGet || len(chain) == 1 {
			return c.apply(req), nil
		}

		c.mu.Lock()
		resp := c.apply(req)
		t := c.enqueue(req.Key)
		c.mu.Unlock()

		c.replicate(ctx, req, chain[1:], t)
		return resp, nil
	}

	if req.Mode == wire.ModeForwarded {
		return wire.Response{}, xerrors.Errorf("primary for %q is %s: %w", req.Key, chain[0], ErrMisrouted)
	}
	return c.forward(ctx, req, chain)
}

// apply runs req against the local store.
func (c *Coordinator) apply(req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpGet:
		value, err := c.store.Get(req.Key)
		if err != nil {
			return wire.NotFound()
		}
		return wire.Value(value)
	case wire.OpPut:
		c.store.Put(req.Key, req.Value)
		return wire.OK()
	case wire.OpDelete:
		if !c.store.Delete(req.Key) {
			return wire.NotFound()
		}
		return wire.Deleted()
	default:
		return wire.ErrorFor(wire.ErrUnsupportedOperation)
	}
}

// forward relays req to the primary chain[0] and returns its raw response.
func (c *Coordinator) forward(ctx context.Context, req wire.Request, chain []ring.Descriptor) (wire.Response, error) {
	primary := chain[0]
	c.log.Debug().Str("key", req.Key).Str("op", req.Op.String()).Str("primary", primary.String()).Msg("forwarding")

	resp, err := c.fwd.Forward(ctx, primary, req.WithMode(wire.ModeForwarded))
	if err == nil {
		return resp, nil
	}
	c.log.Warn().Err(err).Str("key", req.Key).Str("primary", primary.String()).Msg("forward failed")

	if !c.opts.ForwardFailover {
		return wire.Response{}, err
	}

	for _, candidate := range chain[1:] {
		if candidate.Equal(c.self) {
			c.log.Info().Str("key", req.Key).Msg("primary unreachable, serving from local replica")
			return c.apply(req), nil
		}
		resp, ferr := c.fwd.Forward(ctx, candidate, req.WithMode(wire.ModeReplicate))
		if ferr == nil {
			c.log.Info().Str("key", req.Key).Str("replica", candidate.String()).Msg("primary unreachable, served by replica")
			return resp, nil
		}
		c.log.Warn().Err(ferr).Str("key", req.Key).Str("replica", candidate.String()).Msg("failover forward failed")
	}
	return wire.Response{}, err
}

// turn is one write's place in its key's replication queue.
type turn struct {
	key  string
	prev chan struct{} // closed when the previous fan-out for key is done; nil if none
	done chan struct{}
}

// enqueue appends a fan-out to key's queue. Must be called with c.mu held.
func (c *Coordinator) enqueue(key string) turn {
	t := turn{key: key, prev: c.order[key], done: make(chan struct{})}
	c.order[key] = t.done
	return t
}

// finish marks t's fan-out done and lets the next write to its key proceed.
func (c *Coordinator) finish(t turn) {
	close(t.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order[t.key] == t.done {
		delete(c.order, t.key)
	}
}

// replicate copies a write to replicas once every earlier write to the same
// key has been fanned out, so replicas see one key's writes in the order the
// primary applied them. Failures are logged only.
func (c *Coordinator) replicate(ctx context.Context, req wire.Request, replicas []ring.Descriptor, t turn) {
	rreq := req.WithMode(wire.ModeReplicate)

	run := func(ctx context.Context) {
		defer c.finish(t)
		if t.prev != nil {
			<-t.prev
		}

		result := replication.FanOut(ctx, replicas, c.opts.ReplicaTimeout, func(ctx context.Context, target ring.Descriptor) error {
			resp, err := c.fwd.Forward(ctx, target, rreq)
			if err != nil {
				return err
			}
			if resp.IsError() {
				return xerrors.Errorf("%s: %w", resp.Value, ErrRemote)
			}
			return nil
		})
		for _, f := range result.Failures {
			err := xerrors.Errorf("%s to %s: %v: %w", req.Op, f.Node, f.Err, ErrReplicationFailed)
			c.log.Warn().Err(err).Str("key", req.Key).Str("replica", f.Node.String()).Msg("replication failed")
		}
		c.log.Debug().Str("key", req.Key).Int("acks", result.Acks).Int("replicas", result.Replicas).Msg("replicated")
	}

	if c.opts.ReplicationMode == ReplicateSync {
		run(ctx)
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		run(context.WithoutCancel(ctx))
	}()
}

// expect converts a response that is not want into an error.
func expect(resp wire.Response, want wire.Status) error {
	switch resp.Status {
	case want:
		return nil
	case wire.StatusNotFound:
		return storage.ErrKeyNotFound
	case wire.StatusError:
		return xerrors.Errorf("%s: %w", resp.Value, ErrRemote)
	default:
		return xerrors.Errorf("unexpected response %q: %w", resp.Encode(), wire.ErrMalformedResponse)
	}
}
