package staking

import "math/bits"

// accumulatorSnapshot is a stored accumulated_reward_per_token value at the
// epoch boundary a set of delegators joined during, kept alive by a
// refcount equal to the number of delegators still pending against it.
// When the last pending delegator catches up, the record is removed.
type accumulatorSnapshot struct {
	value   uint64
	refcount int
}

// validatorAccumulatorHistory tracks, per validator, the per-epoch
// accumulator snapshots still referenced by a not-yet-activated delegator.
type validatorAccumulatorHistory struct {
	byEpoch map[uint64]*accumulatorSnapshot
}

func newValidatorAccumulatorHistory() *validatorAccumulatorHistory {
	return &validatorAccumulatorHistory{byEpoch: make(map[uint64]*accumulatorSnapshot)}
}

// recordAt captures validator's current accumulator value for epoch e,
// incrementing the snapshot's refcount (one pending delegator now depends
// on it). Called when a delegate/add_validator action registers a pending
// delta_stake.
func (h *validatorAccumulatorHistory) recordAt(e uint64, currentValue uint64) {
	snap, ok := h.byEpoch[e]
	if !ok {
		snap = &accumulatorSnapshot{value: currentValue}
		h.byEpoch[e] = snap
	}
	snap.refcount++
}

// releaseAt decrements the snapshot's refcount and removes it once no
// pending delegator still needs it.
func (h *validatorAccumulatorHistory) releaseAt(e uint64) {
	snap, ok := h.byEpoch[e]
	if !ok {
		return
	}
	snap.refcount--
	if snap.refcount <= 0 {
		delete(h.byEpoch, e)
	}
}

func (h *validatorAccumulatorHistory) valueAt(e uint64) (uint64, bool) {
	snap, ok := h.byEpoch[e]
	if !ok {
		return 0, false
	}
	return snap.value, true
}

// creditReward applies one syscall_reward to validator, splitting off
// commission before folding the remainder into the per-token accumulator
// ("On each syscall_reward, validator.accumulated_reward_per_token
// += (reward_after_commission * UNIT_BIAS) / validator.active_stake", and
// the exact commission arithmetic: "reward*commission/
// UNIT_BIAS ... skimmed before the per-token accumulator update").
func (v *Validator) creditReward(reward uint64) {
	if v.ActiveStake == 0 {
		return
	}
	commissionAmount := mulDiv(reward, v.Commission, UnitBias)
	rewardAfterCommission := reward - commissionAmount

	v.AccumulatedRewardPerToken += mulDiv(rewardAfterCommission, UnitBias, v.ActiveStake)

	if auth, ok := v.Delegators[v.AuthAddress]; ok {
		auth.ClaimableRewards += commissionAmount
	}
}

// catchUp brings d's claimable rewards up to validator's current
// accumulator value ("A delegator's claimable rewards catch up
// from its last-seen value D to the current value A by adding
// (A - D) * D.stake / UNIT_BIAS").
func (v *Validator) catchUp(d *Delegator) {
	if v.AccumulatedRewardPerToken <= d.RewardPerTokenPaid {
		return
	}
	delta := v.AccumulatedRewardPerToken - d.RewardPerTokenPaid
	d.ClaimableRewards += mulDiv(delta, d.ActiveStake, UnitBias)
	d.RewardPerTokenPaid = v.AccumulatedRewardPerToken
}

// mulDiv returns a*b/d using a 128-bit intermediate product, so the result
// is exact whenever it fits in 64 bits.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi%d, lo, d)
	return q
}
