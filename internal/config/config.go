// Package config holds node configuration: defaults, the peer list flag and
// the YAML cluster file that every node of a cluster shares.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"ringkv/internal/ring"
)

// Replication modes.
const (
	ReplicationAsync = "async"
	ReplicationSync  = "sync"
)

// Config holds the node configuration.
type Config struct {
	// ListenAddr is where the text protocol listens.
	ListenAddr string
	// AdvertiseAddr is the address peers know this node by. Empty means the
	// bound ListenAddr.
	AdvertiseAddr string
	// AdminAddr is where the gRPC admin service listens. Empty disables it.
	AdminAddr string
	// Peers are the other cluster members as host:port.
	Peers       []string
	ClusterFile string

	ReplicationFactor int
	Hash              string
	Workers           int
	ForwardTimeout    time.Duration
	IdleTimeout       time.Duration
	ReplicationMode   string
	ForwardFailover   bool
	LogLevel          string
}

// Default returns the configuration of a standalone node.
func Default() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		AdminAddr:         "127.0.0.1:9080",
		ReplicationFactor: 2,
		Hash:              ring.HashSHA1,
		Workers:           10,
		ForwardTimeout:    5 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReplicationMode:   ReplicationAsync,
		LogLevel:          "info",
	}
}

// ClusterFile is the membership file shared by every node.
type ClusterFile struct {
	ReplicationFactor int      `yaml:"replication_factor"`
	Hash              string   `yaml:"hash"`
	Nodes             []string `yaml:"nodes"`
}

// ParsePeers parses a comma-separated list of peers in the format:
// "host1:port1,host2:port2"
func ParsePeers(peersStr string) ([]string, error) {
	if strings.TrimSpace(peersStr) == "" {
		return []string{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := ring.ParseDescriptor(part); err != nil {
			return nil, xerrors.Errorf("invalid peer %q (expected host:port): %w", part, err)
		}
		peers = append(peers, part)
	}

	return peers, nil
}

// LoadClusterFile reads and checks a cluster file. Unknown keys are rejected.
func LoadClusterFile(path string) (ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterFile{}, xerrors.Errorf("read cluster file: %w", err)
	}

	var f ClusterFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return ClusterFile{}, xerrors.Errorf("parse cluster file %s: %w", path, err)
	}

	for _, n := range f.Nodes {
		if _, err := ring.ParseDescriptor(n); err != nil {
			return ClusterFile{}, xerrors.Errorf("cluster file %s: %w", path, err)
		}
	}
	return f, nil
}

// Merge fills fields left unset in c from the cluster file and adds its
// nodes to the peer list.
func (c *Config) Merge(f ClusterFile) {
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = f.ReplicationFactor
	}
	if c.Hash == "" {
		c.Hash = f.Hash
	}
	c.Peers = append(c.Peers, f.Nodes...)
}

// WithDefaults returns c with every unset field taken from Default.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = d.ReplicationFactor
	}
	if c.Hash == "" {
		c.Hash = d.Hash
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = d.ForwardTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReplicationMode == "" {
		c.ReplicationMode = d.ReplicationMode
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c
}

// Validate checks c for values no node can run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return xerrors.New("listen address is required")
	}
	if c.AdvertiseAddr != "" {
		if _, err := ring.ParseDescriptor(c.AdvertiseAddr); err != nil {
			return xerrors.Errorf("advertise address: %w", err)
		}
	}
	if c.ReplicationFactor < 1 {
		return xerrors.Errorf("replication factor must be at least 1, got %d", c.ReplicationFactor)
	}
	if c.Workers < 1 {
		return xerrors.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := ring.HasherByName(c.Hash); err != nil {
		return err
	}
	if c.ForwardTimeout <= 0 {
		return xerrors.Errorf("forward timeout must be positive, got %s", c.ForwardTimeout)
	}
	if c.IdleTimeout <= 0 {
		return xerrors.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	switch c.ReplicationMode {
	case ReplicationAsync, ReplicationSync:
	default:
		return xerrors.Errorf("replication mode must be %s or %s, got %q", ReplicationAsync, ReplicationSync, c.ReplicationMode)
	}
	for _, p := range c.Peers {
		if _, err := ring.ParseDescriptor(p); err != nil {
			return xerrors.Errorf("peer: %w", err)
		}
	}
	return nil
}

// Descriptors returns self followed by every peer, without duplicates.
// Includes self node in the list.
func (c Config) Descriptors(self ring.Descriptor) ([]ring.Descriptor, error) {
	nodes := make([]ring.Descriptor, 0, len(c.Peers)+1)
	seen := make(map[string]bool, len(c.Peers)+1)

	nodes = append(nodes, self)
	seen[self.ID] = true

	for _, p := range c.Peers {
		d, err := ring.ParseDescriptor(p)
		if err != nil {
			return nil, xerrors.Errorf("peer: %w", err)
		}
		// Skip self if it appears in peers list
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		nodes = append(nodes, d)
	}
	return nodes, nil
}
