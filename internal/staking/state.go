package staking

import (
	"sort"

	"github.com/monad-labs/execution-core/internal/log"
	"github.com/monad-labs/execution-core/internal/types"
)

// State is the staking precompile's full persistent state: the validator
// book, the three valset generations (execution/snapshot/consensus), and
// epoch bookkeeping. Grounded on core/vm precompile_registry
// (a single address-keyed state object shared by every call into the
// precompile), generalized from a stateless gas/byte-in-byte-out contract
// to a stateful one since staking inherently carries cross-call state.
type State struct {
	log *log.Logger

	nextValidatorID ValidatorID
	validators map[ValidatorID]*Validator
	validatorOrder []ValidatorID // insertion order, for stable iteration

	accumulatorHistory map[ValidatorID]*validatorAccumulatorHistory

	currentEpoch uint64
	snapshotDone bool // whether syscall_snapshot has run for currentEpoch yet

	// valsetExecution holds every validator currently meeting the active
	// threshold regardless of the ACTIVE_VALSET_SIZE cap; valsetSnapshot is
	// a frozen copy taken at syscall_snapshot; valsetConsensus is the
	// capped, tie-broken set that actually governs consensus two epochs
	// later.
	valsetExecution []ValidatorID
	valsetSnapshot []ValidatorID
	valsetConsensus []ValidatorID

	// nativeBalance is the precompile's own native-token balance: every
	// message value attached to add_validator/delegate and every
	// syscall_reward credit increases it; claim_rewards/withdraw debit it
	// and fail with CodeSolvencyError rather than transfer more than it
	// holds.
	nativeBalance uint64

	secpVerifier Secp256k1Verifier
	blsVerifier BlsVerifier
}

// NewState constructs an empty staking precompile state.
func NewState(secpVerifier Secp256k1Verifier, blsVerifier BlsVerifier) *State {
	if secpVerifier == nil {
		secpVerifier = DefaultSecp256k1Verifier
	}
	return &State{
		log: log.Default().Module("staking"),
		nextValidatorID: 1,
		validators: make(map[ValidatorID]*Validator),
		accumulatorHistory: make(map[ValidatorID]*validatorAccumulatorHistory),
		secpVerifier: secpVerifier,
		blsVerifier: blsVerifier,
	}
}

// creditNativeBalance records native tokens moved into the precompile by a
// message-value-carrying call or a block-reward credit.
func (s *State) creditNativeBalance(amount uint64) {
	s.nativeBalance += amount
}

// debitNativeBalance checks amount against the precompile's current
// balance, returning CodeSolvencyError without mutating anything if the
// transfer would exceed it, per the solvency invariant every claim or
// withdrawal is subject to.
func (s *State) debitNativeBalance(amount uint64) *Error {
	if amount > s.nativeBalance {
		return newError(CodeSolvencyError, "")
	}
	s.nativeBalance -= amount
	return nil
}

// checkSolvency reports whether amount is coverable by the current balance
// without debiting it, for calls like compound that never move tokens out
// of the precompile but still convert a claim into restaked principal.
func (s *State) checkSolvency(amount uint64) *Error {
	if amount > s.nativeBalance {
		return newError(CodeSolvencyError, "")
	}
	return nil
}

func (s *State) history(id ValidatorID) *validatorAccumulatorHistory {
	h, ok := s.accumulatorHistory[id]
	if !ok {
		h = newValidatorAccumulatorHistory()
		s.accumulatorHistory[id] = h
	}
	return h
}

// activationEpoch computes the epoch at which an action taken this call
// becomes active, following the activation pipeline's critical ordering:
// E+2 if called before this epoch's snapshot, E+3 if after.
func (s *State) activationEpoch() uint64 {
	if s.snapshotDone {
		return s.currentEpoch + activationDelayAfterSnapshot
	}
	return s.currentEpoch + activationDelayBeforeSnapshot
}

// recomputeValsetExecution rebuilds valsetExecution from every validator
// meeting ActiveValidatorStake with ValidatorFlagOK (no StakeTooLow/
// Withdrawn flags), in ascending ValidatorID order for deterministic
// tie-breaking downstream.
func (s *State) recomputeValsetExecution() {
	var out []ValidatorID
	for _, id := range s.validatorOrder {
		v := s.validators[id]
		if v.Flags == ValidatorFlagOK && v.ActiveStake >= ActiveValidatorStake {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	s.valsetExecution = out
}

// addValidatorToBook inserts a newly created validator and returns it.
func (s *State) addValidatorToBook() *Validator {
	id := s.nextValidatorID
	s.nextValidatorID++
	v := newValidator(id)
	s.validators[id] = v
	s.validatorOrder = append(s.validatorOrder, id)
	return v
}

func (s *State) validator(id ValidatorID) (*Validator, *Error) {
	v, ok := s.validators[id]
	if !ok {
		return nil, newError(CodeUnknownValidator, "")
	}
	return v, nil
}

// validatorBySecpPubKey rejects re-registering an already-known secp
// public key as a second validator.
func (s *State) validatorBySecpPubKey(pubKey [33]byte) (*Validator, bool) {
	for _, id := range s.validatorOrder {
		v := s.validators[id]
		if v.SecpPubKey == pubKey {
			return v, true
		}
	}
	return nil, false
}

// validatorByBlsPubKey rejects re-registering an already-known BLS public
// key as a second validator, independent of the secp key check: a
// validator is uniquely identified by either key, not just the secp one.
func (s *State) validatorByBlsPubKey(pubKey [48]byte) (*Validator, bool) {
	for _, id := range s.validatorOrder {
		v := s.validators[id]
		if v.BlsPubKey == pubKey {
			return v, true
		}
	}
	return nil, false
}

// validatorByAuthAddress finds the validator whose signing address
// produced the current block, used by syscall_reward.
func (s *State) validatorByAuthAddress(addr types.Address) (*Validator, bool) {
	for _, id := range s.validatorOrder {
		v := s.validators[id]
		if v.AuthAddress == addr {
			return v, true
		}
	}
	return nil, false
}
