// Package staking implements the validator/delegation precompile: a
// validator set with epoch-based activation, proportional reward
// distribution via a rewards-per-token accumulator, delegation, reward
// compounding, and time-delayed withdrawals.
//
// Grounded on core/vm precompile registry
// (PrecompiledContract, the address-keyed contract map) for the entry-point
// shape, generalized from gas-metered byte-in/byte-out contracts to a
// typed Go API returning a closed StakingError enum, since the ABI
// boundary itself is explicitly out of scope but the error
// vocabulary crossing it is part of the wire contract.
package staking

import "fmt"

// Code is a closed enumeration of precompile-level failures.
// Unlike internal package errors (plain sentinels), these cross the
// contract-call ABI boundary and so are represented as values, not as
// distinguishable-only-by-errors.Is sentinels.
type Code byte

const (
	CodeOK Code = iota
	CodeInvalidInput
	CodeInsufficientStake
	CodeUnknownValidator
	CodeUnknownWithdrawalID
	CodeWithdrawalNotReady
	CodeValidatorExists
	CodeSecpSignatureVerificationFailed
	CodeBlsSignatureVerificationFailed
	CodeBlockAuthorNotInSet
	CodeSolvencyError
	CodeMethodNotSupported
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidInput:
		return "InvalidInput"
	case CodeInsufficientStake:
		return "InsufficientStake"
	case CodeUnknownValidator:
		return "UnknownValidator"
	case CodeUnknownWithdrawalID:
		return "UnknownWithdrawalId"
	case CodeWithdrawalNotReady:
		return "WithdrawalNotReady"
	case CodeValidatorExists:
		return "ValidatorExists"
	case CodeSecpSignatureVerificationFailed:
		return "SecpSignatureVerificationFailed"
	case CodeBlsSignatureVerificationFailed:
		return "BlsSignatureVerificationFailed"
	case CodeBlockAuthorNotInSet:
		return "BlockAuthorNotInSet"
	case CodeSolvencyError:
		return "SolvencyError"
	case CodeMethodNotSupported:
		return "MethodNotSupported"
	default:
		return fmt.Sprintf("Code(%d)", byte(c))
	}
}

// Error wraps a Code with the context that produced it. The precompile
// call site reverts its state checkpoint and returns
// this to the caller rather than unwinding the surrounding transaction.
type Error struct {
	Code Code
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Context)
}

func newError(c Code, context string) *Error { return &Error{Code: c, Context: context} }
