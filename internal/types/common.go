// Package types defines the small set of value types shared by the storage
// pool, the MPT engine, the EVM code generator, and the staking precompile:
// addresses, hashes, and 256-bit words.
package types

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	HashLength    = 32
	AddressLength = 20
)

// Hash is a 32-byte content hash (node hash, block id, tx hash, ...).
type Hash [HashLength]byte

// Address is a 20-byte account address.
type Address [AddressLength]byte

// U256 is a 256-bit EVM word, a type alias for uint256.Int rather than a
// wrapper. No other package in this module refers to it: staking amounts
// and the reward accumulator are uint64, the EVM literal pool holds [32]byte
// values, and MPT values are []byte.
type U256 = uint256.Int

// BytesToHash left-pads or truncates b to 32 bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash converts a "0x..."-prefixed hex string to a Hash.
func HexToHash(s string) Hash { return BytesToHash(fromHex(s)) }

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// Hex returns the "0x"-prefixed hex representation.
func (h Hash) Hex() string { return fmt.Sprintf("0x%x", h[:]) }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }

// SetBytes sets the hash from b, left-padding if b is shorter than 32 bytes
// and truncating the leading bytes if it is longer.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// BytesToAddress left-pads or truncates b to 20 bytes.
func BytesToAddress(b []byte) Address {
	var a Address
	a.SetBytes(b)
	return a
}

// HexToAddress converts a "0x..."-prefixed hex string to an Address.
func HexToAddress(s string) Address { return BytesToAddress(fromHex(s)) }

// Bytes returns the byte representation of the address.
func (a Address) Bytes() []byte { return a[:] }

// Hex returns the "0x"-prefixed hex representation.
func (a Address) Hex() string { return fmt.Sprintf("0x%x", a[:]) }

// String implements fmt.Stringer.
func (a Address) String() string { return a.Hex() }

// SetBytes sets the address from b, left-padding or truncating as needed.
func (a *Address) SetBytes(b []byte) {
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a == Address{} }

// Less orders addresses by ascending byte-lexicographic value. Used by the
// staking consensus valset cap to break stake ties deterministically.
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func fromHex(s string) []byte {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, _ := hex.DecodeString(s)
	return b
}
