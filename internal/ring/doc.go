// Package ring implements the consistent hashing ring that assigns keys to
// cluster nodes. Every node occupies exactly one position derived from its
// identifier; a key belongs to the first node at or after the key's position,
// wrapping around to the lowest position.
package ring
