// Package it runs multi-node clusters in-process for integration tests.
package it

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ringkv/internal/admin"
	"ringkv/internal/client"
	"ringkv/internal/config"
	"ringkv/internal/logging"
	"ringkv/internal/node"
	"ringkv/internal/ring"
)

// Cluster represents a test cluster of nodes
type Cluster struct {
	mu    sync.Mutex
	nodes []*Node
}

// Node represents a single node in the test cluster
type Node struct {
	Name      string
	Addr      string
	AdminAddr string

	node   *node.Node
	done   chan error
	client *client.Client
	admin  *admin.Client
	health healthpb.HealthClient
	conn   *grpc.ClientConn
}

// StartCluster starts size nodes that all know each other. mutate, if not
// nil, adjusts every node's config before start.
func StartCluster(ctx context.Context, size int, mutate func(*config.Config)) (*Cluster, error) {
	listeners := make([]net.Listener, 0, size)
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}
	for i := 0; i < size; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to listen: %w", err)
		}
		listeners = append(listeners, ln)
	}

	peers := make([]string, 0, size)
	for _, ln := range listeners {
		peers = append(peers, ln.Addr().String())
	}

	c := &Cluster{}
	for i, ln := range listeners {
		cfg := config.Default()
		cfg.ListenAddr = ln.Addr().String()
		cfg.AdminAddr = "127.0.0.1:0"
		cfg.Peers = peers
		cfg.ForwardTimeout = 2 * time.Second
		if mutate != nil {
			mutate(&cfg)
		}

		if err := c.startNode(ctx, fmt.Sprintf("n%d", i+1), cfg, ln); err != nil {
			c.Stop()
			for _, rest := range listeners[i+1:] {
				rest.Close()
			}
			return nil, err
		}
	}
	return c, nil
}

func (c *Cluster) startNode(ctx context.Context, name string, cfg config.Config, ln net.Listener) error {
	n, err := node.New(cfg, logging.Nop(), node.WithListener(ln))
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", name, err)
	}

	conn, err := grpc.NewClient(n.AdminAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		n.Close()
		return fmt.Errorf("failed to dial admin of %s: %w", name, err)
	}

	tn := &Node{
		Name:      name,
		Addr:      n.Addr(),
		AdminAddr: n.AdminAddr(),
		node:      n,
		done:      make(chan error, 1),
		client:    client.New(n.Addr(), cfg.ForwardTimeout, logging.Nop()),
		admin:     admin.NewClient(conn),
		health:    healthpb.NewHealthClient(conn),
		conn:      conn,
	}
	go func() {
		tn.done <- n.Run(context.Background())
	}()

	c.mu.Lock()
	c.nodes = append(c.nodes, tn)
	c.mu.Unlock()

	if err := waitForReady(ctx, tn, 10*time.Second); err != nil {
		return fmt.Errorf("node %s failed to become ready: %w", name, err)
	}
	return nil
}

// waitForReady waits for a node to be ready by checking health endpoint
func waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", n.Name)
			}

			healthCtx, cancel := context.WithTimeout(ctx, time.Second)
			resp, err := n.health.Check(healthCtx, &healthpb.HealthCheckRequest{Service: admin.ServiceName})
			cancel()

			if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
				return nil
			}
		}
	}
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, n := range nodes {
		n.Stop()
	}
}

// Stop stops a single node and waits for it to drain. It is safe to call
// more than once.
func (n *Node) Stop() {
	n.node.Shutdown()
	if n.done != nil {
		<-n.done
		n.done = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Nodes returns the running nodes in start order.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// GetNode returns a node by name
func (c *Cluster) GetNode(name string) *Node {
	for _, n := range c.Nodes() {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// NodeFor returns the test node behind descriptor d.
func (c *Cluster) NodeFor(d ring.Descriptor) *Node {
	for _, n := range c.Nodes() {
		if n.node.Self().Equal(d) {
			return n
		}
	}
	return nil
}

// KillNode stops a node while leaving it on every ring, as a crash would.
func (c *Cluster) KillNode(name string) error {
	n := c.GetNode(name)
	if n == nil {
		return fmt.Errorf("node %s not found", name)
	}
	n.Stop()
	return nil
}

// WaitReplication blocks until no node has replication in flight.
func (c *Cluster) WaitReplication() {
	for _, n := range c.Nodes() {
		n.node.Coordinator().Wait()
	}
}

// Client returns the text protocol client of the node.
func (n *Node) Client() *client.Client {
	return n.client
}

// Admin returns the admin client of the node.
func (n *Node) Admin() *admin.Client {
	return n.admin
}

// Self returns the node's descriptor.
func (n *Node) Self() ring.Descriptor {
	return n.node.Self()
}

// Ring returns the node's ring.
func (n *Node) Ring() *ring.Ring {
	return n.node.Ring()
}

// Has reports whether the node's local store holds key.
func (n *Node) Has(key string) bool {
	_, err := n.node.Store().Get(key)
	return err == nil
}
