// Package crypto provides the pure cryptographic primitives behind the
// hashing, signature, curve and address-derivation syscalls.
//
// Every function here is deterministic and safe for concurrent use.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// HashKind selects a hash function.
type HashKind uint8

// Supported hash functions.
const (
	SHA256 HashKind = iota
	Keccak256
	Blake3
)

func (k HashKind) String() string {
	switch k {
	case SHA256:
		return "sha256"
	case Keccak256:
		return "keccak256"
	case Blake3:
		return "blake3"
	default:
		return fmt.Sprintf("HashKind(%d)", uint8(k))
	}
}

// HashSize is the digest size of every supported hash.
const HashSize = 32

func newHasher(kind HashKind) hash.Hash {
	switch kind {
	case SHA256:
		return sha256.New()
	case Keccak256:
		return sha3.NewLegacyKeccak256()
	case Blake3:
		return blake3.New()
	default:
		panic(fmt.Sprintf("crypto: unknown hash kind %d", kind))
	}
}

// Hash returns the digest of the concatenated slices.
func Hash(kind HashKind, slices ...[]byte) [HashSize]byte {
	h := newHasher(kind)
	for _, s := range slices {
		h.Write(s)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
