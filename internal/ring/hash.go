package ring

import (
	"crypto/sha1"
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/xerrors"
)

// Position is a point in the 32-bit hash space.
type Position uint32

// Hasher maps strings onto the ring. All nodes of a cluster must use the
// same Hasher or they will route the same key to different owners.
type Hasher interface {
	Position(s string) Position
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(s string) Position

// Position implements Hasher.
func (f HasherFunc) Position(s string) Position {
	return f(s)
}

// SHA1 takes the first four bytes of the SHA-1 digest, big endian.
type SHA1 struct{}

// Position implements Hasher.
func (SHA1) Position(s string) Position {
	sum := sha1.Sum([]byte(s))
	return Position(binary.BigEndian.Uint32(sum[:4]))
}

// XXHash takes the low 32 bits of xxhash64.
type XXHash struct{}

// Position implements Hasher.
func (XXHash) Position(s string) Position {
	return Position(xxhash.Sum64String(s))
}

// Hasher names accepted by HasherByName.
const (
	HashSHA1   = "sha1"
	HashXXHash = "xxhash"
)

// HasherByName returns the hasher registered under name.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case HashSHA1, "":
		return SHA1{}, nil
	case HashXXHash:
		return XXHash{}, nil
	default:
		return nil, xerrors.Errorf("unknown hash %q (want %s or %s)", name, HashSHA1, HashXXHash)
	}
}
