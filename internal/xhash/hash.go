// Package xhash abstracts the hash function used for trie node hashing.
// The concrete algorithm (Keccak-256) is consumed through an interface
// rather than called directly, since the cryptographic primitive itself is
// treated as an external collaborator.
package xhash

import (
	"golang.org/x/crypto/sha3"

	"github.com/monad-labs/execution-core/internal/types"
)

// Hasher computes a content hash over arbitrary bytes.
type Hasher interface {
	Hash(data []byte) types.Hash
}

// keccak256Hasher is the default Hasher, grounded on use of
// golang.org/x/crypto/sha3 for Keccak-256 (see pkg/crypto).
type keccak256Hasher struct{}

// Keccak256 is the default Hasher used when no override is configured.
var Keccak256 Hasher = keccak256Hasher{}

func (keccak256Hasher) Hash(data []byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out types.Hash
	h.Sum(out[:0])
	return out
}
