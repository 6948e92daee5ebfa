package ring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/xerrors"
)

// Descriptor identifies a cluster node by address. It carries no live state;
// reaching the node always goes through the wire protocol.
type Descriptor struct {
	ID      string
	Address string
	Port    int
}

// NewDescriptor builds the descriptor for address:port.
func NewDescriptor(address string, port int) Descriptor {
	return Descriptor{
		ID:      NodeID(address, port),
		Address: address,
		Port:    port,
	}
}

// ParseDescriptor parses a "host:port" string.
func ParseDescriptor(hostport string) (Descriptor, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Descriptor{}, xerrors.Errorf("invalid node address %q: %w", hostport, err)
	}
	if host == "" {
		return Descriptor{}, xerrors.Errorf("invalid node address %q: empty host", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Descriptor{}, xerrors.Errorf("invalid node address %q: bad port", hostport)
	}
	return NewDescriptor(host, port), nil
}

// NodeID returns the hex encoded SHA-256 of "address:port".
func NodeID(address string, port int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", address, port)))
	return hex.EncodeToString(sum[:])
}

// Addr returns the dialable address of the node.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// Equal reports whether both descriptors name the same node.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.ID == other.ID
}

// IsZero reports whether d is the zero descriptor.
func (d Descriptor) IsZero() bool {
	return d.ID == ""
}

func (d Descriptor) String() string {
	return d.Addr()
}

// ShortID is the first 8 hex characters of the node id, for logs.
func (d Descriptor) ShortID() string {
	if len(d.ID) < 8 {
		return d.ID
	}
	return d.ID[:8]
}
