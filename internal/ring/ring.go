package ring

import (
	"errors"
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

var (
	// ErrEmptyRing is returned by lookups on a ring with no nodes.
	ErrEmptyRing = errors.New("empty ring")
	// ErrDuplicatePosition is returned when a node hashes onto a position
	// already held by a different node.
	ErrDuplicatePosition = errors.New("duplicate ring position")
)

// Member is a node together with its ring position.
type Member struct {
	Position Position
	Node     Descriptor
}

// Ring implements consistent hashing with one position per node.
type Ring struct {
	mu      sync.RWMutex
	hasher  Hasher
	members []Member // sorted by Position
}

// NewRing creates an empty ring. A nil hasher means SHA1.
func NewRing(h Hasher) *Ring {
	if h == nil {
		h = SHA1{}
	}
	return &Ring{
		hasher:  h,
		members: make([]Member, 0),
	}
}

// SetNodes replaces the ring contents with nodes in one step. On error the
// ring is left unchanged.
func (r *Ring) SetNodes(nodes []Descriptor) error {
	next := make([]Member, 0, len(nodes))
	for _, node := range nodes {
		var err error
		next, err = insert(next, Member{Position: r.hasher.Position(node.ID), Node: node})
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.members = next
	r.mu.Unlock()
	return nil
}

// AddNode places node at the position of its id and returns that position.
// Re-adding the same node is a no-op.
func (r *Ring) AddNode(node Descriptor) (Position, error) {
	pos := r.hasher.Position(node.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := insert(r.members, Member{Position: pos, Node: node})
	if err != nil {
		return pos, err
	}
	r.members = next
	return pos, nil
}

// RemoveNode removes node from the ring. It reports whether the node was present.
func (r *Ring) RemoveNode(node Descriptor) bool {
	pos := r.hasher.Position(node.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.search(pos)
	if idx >= len(r.members) || r.members[idx].Position != pos || !r.members[idx].Node.Equal(node) {
		return false
	}
	next := make([]Member, 0, len(r.members)-1)
	next = append(next, r.members[:idx]...)
	next = append(next, r.members[idx+1:]...)
	r.members = next
	return true
}

// PositionOf returns the ring position of key.
func (r *Ring) PositionOf(key string) Position {
	return r.hasher.Position(key)
}

// PrimaryFor returns the node responsible for key: the first node at or
// after the key's position, wrapping to the lowest position.
func (r *Ring) PrimaryFor(key string) (Descriptor, error) {
	pos := r.hasher.Position(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) == 0 {
		return Descriptor{}, ErrEmptyRing
	}
	idx := r.search(pos)
	if idx >= len(r.members) {
		idx = 0
	}
	return r.members[idx].Node, nil
}

// ReplicaChain returns up to count distinct nodes starting at the primary for
// key and walking successors clockwise. The walk stops after one revolution,
// so fewer than count nodes come back when the ring is smaller than count.
func (r *Ring) ReplicaChain(key string, count int) ([]Descriptor, error) {
	pos := r.hasher.Position(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) == 0 {
		return nil, ErrEmptyRing
	}
	if count <= 0 {
		return []Descriptor{}, nil
	}

	start := r.search(pos)
	if start >= len(r.members) {
		start = 0
	}

	seen := make(map[string]bool, count)
	chain := make([]Descriptor, 0, min(count, len(r.members)))
	for i := 0; i < len(r.members) && len(chain) < count; i++ {
		node := r.members[(start+i)%len(r.members)].Node
		if seen[node.ID] {
			continue
		}
		seen[node.ID] = true
		chain = append(chain, node)
	}
	return chain, nil
}

// Contains reports whether node is on the ring.
func (r *Ring) Contains(node Descriptor) bool {
	pos := r.hasher.Position(node.ID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.search(pos)
	return idx < len(r.members) && r.members[idx].Node.Equal(node)
}

// Members returns a snapshot of the ring ordered by position.
func (r *Ring) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// Len returns the number of nodes on the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// search returns the index of the first member with Position >= pos.
// Must be called with the lock held.
func (r *Ring) search(pos Position) int {
	return sort.Search(len(r.members), func(i int) bool {
		return r.members[i].Position >= pos
	})
}

// insert returns members with m added in order. The input slice is never
// modified so readers holding an old snapshot stay consistent.
func insert(members []Member, m Member) ([]Member, error) {
	idx := sort.Search(len(members), func(i int) bool {
		return members[i].Position >= m.Position
	})
	if idx < len(members) && members[idx].Position == m.Position {
		if members[idx].Node.Equal(m.Node) {
			return members, nil
		}
		return nil, xerrors.Errorf("%s collides with %s at %d: %w",
			m.Node, members[idx].Node, m.Position, ErrDuplicatePosition)
	}

	next := make([]Member, 0, len(members)+1)
	next = append(next, members[:idx]...)
	next = append(next, m)
	next = append(next, members[idx:]...)
	return next, nil
}
