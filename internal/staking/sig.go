package staking

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/monad-labs/execution-core/internal/xhash"
)

var defaultHasher = xhash.Keccak256

// Secp256k1Verifier checks the secp256k1 signature add_validator requires
// over the declared stake and BLS public key.
type Secp256k1Verifier interface {
	Verify(pubKey [33]byte, message, signature []byte) bool
}

// BlsVerifier checks the BLS proof-of-possession signature add_validator
// also requires. BLS arithmetic itself is out of scope; this package only
// consumes the verifier as an opaque call, matching the domain-stack
// decision to leave blst/go-eth-kzg unwired (see DESIGN.md). Unlike
// Secp256k1Verifier, there is no default implementation to fall back to: a
// State constructed with a nil BlsVerifier fails every add_validator call
// with CodeBlsSignatureVerificationFailed rather than skipping the check.
type BlsVerifier interface {
	VerifyProofOfPossession(pubKey [48]byte, signature []byte) bool
}

// defaultSecp256k1Verifier is grounded on core/vm ecrecover
// precompile (which also verifies a secp256k1 signature over a message
// hash), using github.com/decred/dcrd/dcrec/secp256k1/v4 directly rather
// than go-ethereum's crypto.Ecrecover wrapper, since add_validator verifies
// a plain ECDSA signature (not an ecrecover-style v/r/s triple with address
// recovery).
type defaultSecp256k1Verifier struct{}

// DefaultSecp256k1Verifier is the production Secp256k1Verifier.
var DefaultSecp256k1Verifier Secp256k1Verifier = defaultSecp256k1Verifier{}

func (defaultSecp256k1Verifier) Verify(pubKeyBytes [33]byte, message, signature []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubKeyBytes[:])
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := staticHash(message)
	return sig.Verify(digest[:], pub)
}

// staticHash is the message digest add_validator's signatures are computed
// over. Hashing itself is explicitly out of scope for this core; this delegates to the shared xhash.Keccak256
// default so the staking package never needs its own hash import. The
// digest function is fixed; callers cannot supply a different one.
func staticHash(message []byte) [32]byte {
	return defaultHasher.Hash(message)
}
