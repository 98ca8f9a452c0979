package staking

import "github.com/monad-labs/execution-core/internal/types"

// SyscallReward credits REWARD to the validator identified by the block
// author's signing address. Only callable
// from block-author context; the caller is trusted to have already
// enforced that.
func (s *State) SyscallReward(blockAuthor types.Address, reward uint64) *Error {
	v, ok := s.validatorByAuthAddress(blockAuthor)
	if !ok {
		return newError(CodeBlockAuthorNotInSet, "")
	}
	s.creditNativeBalance(reward)
	v.creditReward(reward)
	return nil
}

// SyscallSnapshot copies valset_execution into valset_snapshot. Must be
// called exactly once per epoch, before SyscallOnEpochChange.
func (s *State) SyscallSnapshot() *Error {
	if s.snapshotDone {
		return newError(CodeInvalidInput, "snapshot already taken this epoch")
	}
	s.recomputeValsetExecution()
	snap := make([]ValidatorID, len(s.valsetExecution))
	copy(snap, s.valsetExecution)
	s.valsetSnapshot = snap
	s.snapshotDone = true
	return nil
}

// SyscallOnEpochChange advances the epoch to e, promotes valset_snapshot
// into valset_consensus, applies every delegator's pending delta_stake whose epoch
// now matches e, rolls next_delta_stake forward, and releases the
// accumulator snapshots those delegators no longer need.
func (s *State) SyscallOnEpochChange(e uint64) *Error {
	if e <= s.currentEpoch {
		return newError(CodeInvalidInput, "epoch must strictly increase")
	}

	s.valsetConsensus = capValset(s.valsetSnapshot, s.validators, ActiveValsetSize)
	s.markThisEpochStake()

	for _, id := range s.validatorOrder {
		v := s.validators[id]
		for _, addr := range v.delegatorOrder {
			d := v.Delegators[addr]
			s.promotePendingDelta(v, d, e)
		}
		v.recomputeFlags()
	}

	s.currentEpoch = e
	s.snapshotDone = false
	s.recomputeValsetExecution()
	return nil
}

// promotePendingDelta: "delegators whose
// delta_stake.epoch == new_epoch have their pending stake promoted to
// active; next_delta_stake rolls into delta_stake." A rolled-in delta
// scheduled for newEpoch itself is promoted in the same call.
func (s *State) promotePendingDelta(v *Validator, d *Delegator, newEpoch uint64) {
	for d.PendingDelta != nil && d.PendingDelta.epoch == newEpoch {
		v.catchUp(d)
		d.ActiveStake += d.PendingDelta.amount
		v.ActiveStake += d.PendingDelta.amount
		if d.hasJoinRef {
			s.history(v.ID).releaseAt(d.joinEpoch)
			d.hasJoinRef = false
		}
		d.PendingDelta = d.NextDelta
		d.NextDelta = nil
		if d.PendingDelta != nil {
			if val, ok := s.history(v.ID).valueAt(d.PendingDelta.epoch); ok {
				d.RewardPerTokenPaid = val
			} else {
				s.history(v.ID).recordAt(d.PendingDelta.epoch, v.AccumulatedRewardPerToken)
				d.RewardPerTokenPaid = v.AccumulatedRewardPerToken
			}
			d.joinEpoch = d.PendingDelta.epoch
			d.hasJoinRef = true
		}
	}
}

// capValset prunes ids to the top ActiveValsetSize by stake, ties broken by
// ascending validator id.
func capValset(ids []ValidatorID, validators map[ValidatorID]*Validator, cap int) []ValidatorID {
	sorted := make([]ValidatorID, len(ids))
	copy(sorted, ids)
	sortByStakeDescThenIDAsc(sorted, validators)
	if len(sorted) > cap {
		sorted = sorted[:cap]
	}
	return sorted
}

func sortByStakeDescThenIDAsc(ids []ValidatorID, validators map[ValidatorID]*Validator) {
	// insertion sort: valsets are bounded by protocol constants in practice
	// and this keeps the tie-break rule (ascending id) explicit and stable.
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 && less(validators[ids[j]], validators[ids[j-1]]) {
			ids[j], ids[j-1] = ids[j-1], ids[j]
			j--
		}
	}
}

func less(a, b *Validator) bool {
	if a.ActiveStake != b.ActiveStake {
		return a.ActiveStake > b.ActiveStake
	}
	return a.ID < b.ID
}

// markThisEpochStake sets ThisEpochStake for every validator: full stake
// for members of valsetConsensus, zero otherwise.
func (s *State) markThisEpochStake() {
	inSet := make(map[ValidatorID]bool, len(s.valsetConsensus))
	for _, id := range s.valsetConsensus {
		inSet[id] = true
	}
	for _, id := range s.validatorOrder {
		v := s.validators[id]
		if inSet[id] {
			v.ThisEpochStake = v.ActiveStake
		} else {
			v.ThisEpochStake = 0
		}
	}
}
