package replication

import (
	"ringkv/internal/ring"
)

// DefaultFactor is the number of copies kept for each key, primary included.
const DefaultFactor = 2

// Policy wraps the ring's replica chain with a fixed replication factor.
type Policy struct {
	ring   *ring.Ring
	factor int
}

// NewPolicy returns a policy over r. A factor below 1 falls back to DefaultFactor.
func NewPolicy(r *ring.Ring, factor int) *Policy {
	if factor <= 0 {
		factor = DefaultFactor
	}
	return &Policy{ring: r, factor: factor}
}

// Factor returns the configured replication factor.
func (p *Policy) Factor() int {
	return p.factor
}

// ReplicasFor returns min(factor, ring size) distinct nodes for key,
// starting at the primary.
func (p *Policy) ReplicasFor(key string) ([]ring.Descriptor, error) {
	return p.ring.ReplicaChain(key, p.factor)
}

// PrimaryFor returns the node responsible for key.
func (p *Policy) PrimaryFor(key string) (ring.Descriptor, error) {
	return p.ring.PrimaryFor(key)
}
