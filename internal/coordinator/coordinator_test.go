package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringkv/internal/forward"
	"ringkv/internal/logging"
	"ringkv/internal/ring"
	"ringkv/internal/storage"
	"ringkv/internal/wire"
)

type call struct {
	Target ring.Descriptor
	Req    wire.Request
}

// fakeForwarder records calls and answers from a per-target handler.
type fakeForwarder struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]func(wire.Request) (wire.Response, error)
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{handlers: make(map[string]func(wire.Request) (wire.Response, error))}
}

func (f *fakeForwarder) on(target ring.Descriptor, h func(wire.Request) (wire.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[target.ID] = h
}

func (f *fakeForwarder) Forward(ctx context.Context, target ring.Descriptor, req wire.Request) (wire.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Target: target, Req: req})
	h := f.handlers[target.ID]
	f.mu.Unlock()

	if h == nil {
		return wire.Response{}, &forward.Error{Addr: target.Addr(), Reason: forward.ReasonUnreachable, Err: errors.New("connection refused")}
	}
	return h(req)
}

func (f *fakeForwarder) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func answer(resp wire.Response) func(wire.Request) (wire.Response, error) {
	return func(wire.Request) (wire.Response, error) { return resp, nil }
}

var (
	nodeA = ring.NewDescriptor("10.0.0.1", 7001)
	nodeB = ring.NewDescriptor("10.0.0.2", 7001)
	nodeC = ring.NewDescriptor("10.0.0.3", 7001)
)

// testRing places A@10, B@50, C@90 and keys at the given positions.
func testRing(t *testing.T, keys map[string]ring.Position, nodes ...ring.Descriptor) *ring.Ring {
	t.Helper()
	positions := map[string]ring.Position{nodeA.ID: 10, nodeB.ID: 50, nodeC.ID: 90}
	for k, p := range keys {
		positions[k] = p
	}
	r := ring.NewRing(ring.HasherFunc(func(s string) ring.Position { return positions[s] }))
	require.NoError(t, r.SetNodes(nodes))
	return r
}

var keys = map[string]ring.Position{"x": 30, "y": 60, "z": 5}

func TestCoordinator_SingleNodeServesLocally(t *testing.T) {
	fwd := newFakeForwarder()
	c := New(nodeA, testRing(t, keys, nodeA), storage.NewInMemoryStore(), fwd, logging.Nop(), Options{})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "name", "Alice"))
	value, err := c.Get(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "Alice", value)
	require.NoError(t, c.Delete(ctx, "name"))
	_, err = c.Get(ctx, "name")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	c.Wait()
	assert.Empty(t, fwd.Calls(), "single node ring must never forward")
}

func TestCoordinator_HandleResponses(t *testing.T) {
	c := New(nodeA, testRing(t, keys, nodeA), storage.NewInMemoryStore(), newFakeForwarder(), logging.Nop(), Options{})
	ctx := context.Background()

	assert.Equal(t, "404 Key not found", c.Handle(ctx, wire.Get("name")).Encode())
	assert.Equal(t, "404 Key not found", c.Handle(ctx, wire.Delete("name")).Encode())
	assert.Equal(t, "200 OK", c.Handle(ctx, wire.Put("name", "Alice")).Encode())
	assert.Equal(t, "Alice", c.Handle(ctx, wire.Get("name")).Encode())
	assert.Equal(t, "200 Deleted", c.Handle(ctx, wire.Delete("name")).Encode())
	assert.Equal(t, "404 Key not found", c.Handle(ctx, wire.Get("name")).Encode())
	assert.Equal(t, "ERROR: Unsupported operation", c.Handle(ctx, wire.Request{Key: "k"}).Encode())
}

func TestCoordinator_EmptyRing(t *testing.T) {
	c := New(nodeA, ring.NewRing(nil), storage.NewInMemoryStore(), newFakeForwarder(), logging.Nop(), Options{})

	resp := c.Handle(context.Background(), wire.Get("k"))
	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Value, "empty ring")

	assert.ErrorIs(t, c.Put(context.Background(), "k", "v"), ring.ErrEmptyRing)
	_, err := c.Locate("k")
	assert.ErrorIs(t, err, ring.ErrEmptyRing)
}

func TestCoordinator_ForwardsToPrimary(t *testing.T) {
	fwd := newFakeForwarder()
	fwd.on(nodeB, answer(wire.Value("remote")))
	store := storage.NewInMemoryStore()
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), store, fwd, logging.Nop(), Options{ReplicationFactor: 2})

	resp := c.Handle(context.Background(), wire.Get("x"))
	assert.Equal(t, wire.Value("remote"), resp)

	calls := fwd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, nodeB, calls[0].Target)
	assert.Equal(t, "FORWARDED GET x", calls[0].Req.Encode())

	// A non-primary does not replicate on behalf of the primary.
	fwd.on(nodeB, answer(wire.OK()))
	require.NoError(t, c.Put(context.Background(), "x", "v"))
	c.Wait()
	assert.Len(t, fwd.Calls(), 2)
	assert.Equal(t, 0, store.Len())
}

func TestCoordinator_PrimaryReplicates(t *testing.T) {
	for _, mode := range []ReplicationMode{ReplicateSync, ReplicateAsync} {
		t.Run(string(mode), func(t *testing.T) {
			fwd := newFakeForwarder()
			fwd.on(nodeA, answer(wire.OK()))
			store := storage.NewInMemoryStore()
			c := New(nodeB, testRing(t, keys, nodeA, nodeB, nodeC), store, fwd, logging.Nop(),
				Options{ReplicationFactor: 2, ReplicationMode: mode})

			// x@30 -> chain [B, C]
			fwd.on(nodeC, answer(wire.OK()))
			require.NoError(t, c.Put(context.Background(), "x", "v1"))
			c.Wait()

			value, err := store.Get("x")
			require.NoError(t, err)
			assert.Equal(t, "v1", value)

			calls := fwd.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, nodeC, calls[0].Target)
			assert.Equal(t, "REPLICATE PUT x v1", calls[0].Req.Encode())
		})
	}
}

func TestCoordinator_ReplicationKeepsPerKeyOrder(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fwd := newFakeForwarder()
	fwd.on(nodeC, func(req wire.Request) (wire.Response, error) {
		if req.Key == "x" && req.Value == "v1" {
			close(started)
			<-release
		}
		return wire.OK(), nil
	})

	// x@30 and w@40 both -> chain [B, C]
	r := testRing(t, map[string]ring.Position{"x": 30, "w": 40}, nodeA, nodeB, nodeC)
	c := New(nodeB, r, storage.NewInMemoryStore(), fwd, logging.Nop(),
		Options{ReplicationFactor: 2, ReplicationMode: ReplicateAsync})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "x", "v1"))
	<-started
	require.NoError(t, c.Put(ctx, "x", "v2"))
	require.NoError(t, c.Delete(ctx, "x"))
	require.NoError(t, c.Put(ctx, "w", "other"))

	// Another key is not held up by x.
	require.Eventually(t, func() bool {
		for _, cl := range fwd.Calls() {
			if cl.Req.Key == "w" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	var pending []string
	for _, cl := range fwd.Calls() {
		if cl.Req.Key == "x" {
			pending = append(pending, cl.Req.Encode())
		}
	}
	assert.Equal(t, []string{"REPLICATE PUT x v1"}, pending, "later writes to x must wait")

	close(release)
	c.Wait()

	var got []string
	for _, cl := range fwd.Calls() {
		if cl.Req.Key == "x" {
			got = append(got, cl.Req.Encode())
		}
	}
	assert.Equal(t, []string{"REPLICATE PUT x v1", "REPLICATE PUT x v2", "REPLICATE DELETE x"}, got)
}

func TestCoordinator_ReplicatesDeleteOfAbsentKey(t *testing.T) {
	fwd := newFakeForwarder()
	fwd.on(nodeC, answer(wire.NotFound()))
	c := New(nodeB, testRing(t, keys, nodeA, nodeB, nodeC), storage.NewInMemoryStore(), fwd, logging.Nop(),
		Options{ReplicationFactor: 2, ReplicationMode: ReplicateSync})

	err := c.Delete(context.Background(), "x")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	calls := fwd.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "REPLICATE DELETE x", calls[0].Req.Encode())
}

func TestCoordinator_ReplicationFailureIsNotSurfaced(t *testing.T) {
	fwd := newFakeForwarder() // every replica unreachable
	c := New(nodeB, testRing(t, keys, nodeA, nodeB, nodeC), storage.NewInMemoryStore(), fwd, logging.Nop(),
		Options{ReplicationFactor: 3, ReplicationMode: ReplicateSync})

	assert.Equal(t, wire.OK(), c.Handle(context.Background(), wire.Put("x", "v")))
	assert.Len(t, fwd.Calls(), 2)
}

func TestCoordinator_ForwardFailure(t *testing.T) {
	fwd := newFakeForwarder() // B unreachable
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), storage.NewInMemoryStore(), fwd, logging.Nop(), Options{})
	ctx := context.Background()

	resp := c.Handle(ctx, wire.Get("x"))
	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Value, "forward to")

	_, err := c.Get(ctx, "x")
	assert.ErrorIs(t, err, forward.ErrForwardFailed)

	// The node keeps serving keys it owns.
	require.NoError(t, c.Put(ctx, "y", "local")) // y@60 wraps to A
	value, err := c.Get(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "local", value)
}

func TestCoordinator_FailoverToReplica(t *testing.T) {
	fwd := newFakeForwarder()
	fwd.on(nodeC, answer(wire.Value("from-c")))
	// self=A, x@30 -> chain [B, C]; B is down.
	c := New(nodeA, testRing(t, keys, nodeA, nodeB, nodeC), storage.NewInMemoryStore(), fwd, logging.Nop(),
		Options{ReplicationFactor: 2, ForwardFailover: true})

	resp := c.Handle(context.Background(), wire.Get("x"))
	assert.Equal(t, wire.Value("from-c"), resp)

	calls := fwd.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "FORWARDED GET x", calls[0].Req.Encode())
	assert.Equal(t, nodeC, calls[1].Target)
	assert.Equal(t, "REPLICATE GET x", calls[1].Req.Encode())
}

func TestCoordinator_FailoverToSelf(t *testing.T) {
	fwd := newFakeForwarder()
	store := storage.NewInMemoryStore()
	store.Put("x", "replica-copy")
	// self=A, x@30 -> chain [B, A]
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), store, fwd, logging.Nop(),
		Options{ReplicationFactor: 2, ForwardFailover: true})

	value, err := c.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "replica-copy", value)
	assert.Len(t, fwd.Calls(), 1)
}

func TestCoordinator_NoFailoverByDefault(t *testing.T) {
	fwd := newFakeForwarder()
	fwd.on(nodeC, answer(wire.Value("from-c")))
	c := New(nodeA, testRing(t, keys, nodeA, nodeB, nodeC), storage.NewInMemoryStore(), fwd, logging.Nop(),
		Options{ReplicationFactor: 2})

	_, err := c.Get(context.Background(), "x")
	assert.ErrorIs(t, err, forward.ErrForwardFailed)
	assert.Len(t, fwd.Calls(), 1)
}

func TestCoordinator_Misrouted(t *testing.T) {
	fwd := newFakeForwarder()
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), storage.NewInMemoryStore(), fwd, logging.Nop(), Options{})

	resp := c.Handle(context.Background(), wire.Get("x").WithMode(wire.ModeForwarded))
	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Value, "misrouted")
	assert.Empty(t, fwd.Calls(), "a forwarded request is never forwarded again")
}

func TestCoordinator_ReplicateModeSkipsRouting(t *testing.T) {
	fwd := newFakeForwarder()
	store := storage.NewInMemoryStore()
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), store, fwd, logging.Nop(), Options{ReplicationFactor: 2})

	assert.Equal(t, wire.OK(), c.Handle(context.Background(), wire.Put("x", "copy").WithMode(wire.ModeReplicate)))
	c.Wait()
	assert.Empty(t, fwd.Calls())

	value, err := store.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "copy", value)
}

func TestCoordinator_RemoteError(t *testing.T) {
	fwd := newFakeForwarder()
	fwd.on(nodeB, answer(wire.Error("misrouted")))
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), storage.NewInMemoryStore(), fwd, logging.Nop(), Options{})

	_, err := c.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, "ERROR: misrouted", c.Handle(context.Background(), wire.Get("x")).Encode())
}

func TestCoordinator_Locate(t *testing.T) {
	c := New(nodeA, testRing(t, keys, nodeA, nodeB), storage.NewInMemoryStore(), newFakeForwarder(), logging.Nop(),
		Options{ReplicationFactor: 2})

	loc, err := c.Locate("x")
	require.NoError(t, err)
	assert.Equal(t, ring.Position(30), loc.Position)
	assert.Equal(t, nodeB, loc.Primary)
	assert.Equal(t, []ring.Descriptor{nodeB, nodeA}, loc.Replicas)
}

// loopback routes forwarded requests to in-process coordinators.
type loopback struct {
	mu    sync.RWMutex
	nodes map[string]*Coordinator
}

func (l *loopback) Forward(ctx context.Context, target ring.Descriptor, req wire.Request) (wire.Response, error) {
	l.mu.RLock()
	c := l.nodes[target.ID]
	l.mu.RUnlock()
	if c == nil {
		return wire.Response{}, &forward.Error{Addr: target.Addr(), Reason: forward.ReasonUnreachable, Err: errors.New("no such node")}
	}
	return c.Handle(ctx, req), nil
}

func TestCoordinator_ClusterRoundTrip(t *testing.T) {
	members := []ring.Descriptor{
		ring.NewDescriptor("127.0.0.1", 9001),
		ring.NewDescriptor("127.0.0.1", 9002),
		ring.NewDescriptor("127.0.0.1", 9003),
	}
	lb := &loopback{nodes: make(map[string]*Coordinator)}
	stores := make(map[string]*storage.InMemoryStore)
	for _, m := range members {
		r := ring.NewRing(nil)
		require.NoError(t, r.SetNodes(members))
		stores[m.ID] = storage.NewInMemoryStore()
		lb.nodes[m.ID] = New(m, r, stores[m.ID], lb, logging.Nop(), Options{ReplicationFactor: 2})
	}
	ctx := context.Background()

	for i, entry := range members {
		key := fmt.Sprintf("name-%d", i)
		require.NoError(t, lb.nodes[entry.ID].Put(ctx, key, "Alice"))
		for _, reader := range members {
			value, err := lb.nodes[reader.ID].Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "Alice", value)
		}
	}

	for _, c := range lb.nodes {
		c.Wait()
	}

	total := 0
	for _, s := range stores {
		total += s.Len()
	}
	assert.Equal(t, 2*len(members), total, "every key is held by primary and one replica")
}
