// Package node wires the ring, store, coordinator, text server and admin
// service of one cluster member and owns their lifecycle.
package node

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"ringkv/internal/admin"
	"ringkv/internal/config"
	"ringkv/internal/coordinator"
	"ringkv/internal/forward"
	"ringkv/internal/logging"
	"ringkv/internal/ring"
	"ringkv/internal/server"
	"ringkv/internal/storage"
)

// Node represents a single node in the distributed system.
type Node struct {
	cfg  config.Config
	log  zerolog.Logger
	self ring.Descriptor

	ring   *ring.Ring
	store  *storage.InMemoryStore
	coord  *coordinator.Coordinator
	server *server.Server

	grpcServer *grpc.Server
	health     *health.Server

	ln      net.Listener
	adminLn net.Listener

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option customizes a Node.
type Option func(*Node)

// WithListener serves the text protocol on ln instead of cfg.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(n *Node) { n.ln = ln }
}

// WithAdminListener serves the admin service on ln instead of cfg.AdminAddr.
func WithAdminListener(ln net.Listener) Option {
	return func(n *Node) { n.adminLn = ln }
}

// New binds the node's listeners and builds its components. The ring starts
// with this node and every configured peer.
func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}

	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.listen(); err != nil {
		n.Close()
		return nil, err
	}
	if err := n.build(log); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) listen() error {
	if n.ln == nil {
		ln, err := net.Listen("tcp", n.cfg.ListenAddr)
		if err != nil {
			return xerrors.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
		}
		n.ln = ln
	}
	if n.adminLn == nil && n.cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.AdminAddr)
		if err != nil {
			return xerrors.Errorf("failed to listen on %s: %w", n.cfg.AdminAddr, err)
		}
		n.adminLn = ln
	}
	return nil
}

func (n *Node) build(log zerolog.Logger) error {
	advertise := n.cfg.AdvertiseAddr
	if advertise == "" {
		advertise = n.ln.Addr().String()
	}
	self, err := ring.ParseDescriptor(advertise)
	if err != nil {
		return xerrors.Errorf("self address: %w", err)
	}
	n.self = self
	n.log = logging.For(log, "node").With().Str("node", self.String()).Logger()

	if ip := net.ParseIP(self.Address); ip != nil && ip.IsUnspecified() {
		n.log.Warn().Msg("listening on an unspecified address without --advertise; peers cannot match this node on their rings")
	}

	hasher, err := ring.HasherByName(n.cfg.Hash)
	if err != nil {
		return err
	}
	n.ring = ring.NewRing(hasher)

	members, err := n.cfg.Descriptors(self)
	if err != nil {
		return err
	}
	if err := n.ring.SetNodes(members); err != nil {
		return xerrors.Errorf("build ring: %w", err)
	}

	mode := coordinator.ReplicateAsync
	if n.cfg.ReplicationMode == config.ReplicationSync {
		mode = coordinator.ReplicateSync
	}

	n.store = storage.NewInMemoryStore()
	n.coord = coordinator.New(self, n.ring, n.store, forward.NewTCPForwarder(n.cfg.ForwardTimeout, log), log,
		coordinator.Options{
			ReplicationFactor: n.cfg.ReplicationFactor,
			ReplicationMode:   mode,
			ForwardFailover:   n.cfg.ForwardFailover,
			ReplicaTimeout:    n.cfg.ForwardTimeout,
		})
	n.server = server.New(n.coord, log.With().Str("node", self.String()).Logger(), server.Options{
		Workers:     n.cfg.Workers,
		IdleTimeout: n.cfg.IdleTimeout,
	})
	if n.adminLn != nil {
		n.grpcServer, n.health = admin.NewGRPCServer(n.coord, log)
	}

	n.log.Info().
		Str("id", self.ShortID()).
		Int("ring_size", n.ring.Len()).
		Int("rf", n.coord.Policy().Factor()).
		Str("hash", n.cfg.Hash).
		Str("replication", n.cfg.ReplicationMode).
		Msg("node configured")
	return nil
}

// Run serves until ctx is cancelled or Shutdown is called, then waits for
// in-flight requests and pending replication.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return n.server.Serve(gctx, n.ln)
	})

	if n.grpcServer != nil {
		g.Go(func() error {
			defer cancel()
			n.log.Info().Str("addr", n.adminLn.Addr().String()).Msg("admin listening")
			if err := n.grpcServer.Serve(n.adminLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return xerrors.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			n.health.Shutdown()
			n.grpcServer.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	n.coord.Wait()
	n.log.Info().Msg("node stopped")
	return err
}

// Shutdown stops a running node. Run returns once draining completes.
func (n *Node) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
	}
}

// Close releases the listeners of a node that will not be run.
func (n *Node) Close() {
	if n.ln != nil {
		_ = n.ln.Close()
	}
	if n.adminLn != nil {
		_ = n.adminLn.Close()
	}
}

// Self returns the node's ring descriptor.
func (n *Node) Self() ring.Descriptor {
	return n.self
}

// Addr returns the bound address of the text protocol listener.
func (n *Node) Addr() string {
	return n.ln.Addr().String()
}

// AdminAddr returns the bound admin address, or "" when admin is disabled.
func (n *Node) AdminAddr() string {
	if n.adminLn == nil {
		return ""
	}
	return n.adminLn.Addr().String()
}

// Ring returns the node's view of the cluster.
func (n *Node) Ring() *ring.Ring {
	return n.ring
}

// Store returns the node's local store.
func (n *Node) Store() *storage.InMemoryStore {
	return n.store
}

// Coordinator returns the node's coordinator.
func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coord
}
