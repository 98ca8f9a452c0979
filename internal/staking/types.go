package staking

import "github.com/monad-labs/execution-core/internal/types"

// Protocol constants. UNIT_BIAS is the fixed-
// point scale the reward-per-token accumulator and commission arithmetic
// are both expressed in.
const (
	UnitBias = uint64(1_000_000_000_000_000_000) // 1e18

	// MinValidateStake is the minimum stake to exist as a validator at all.
	// ActiveValidatorStake is the (higher) threshold to be consensus-set
	// eligible; the two are deliberately distinct.
	MinValidateStake     = uint64(1_000_000_000_000_000_000)  // 1 MON, placeholder scale
	ActiveValidatorStake = uint64(10_000_000_000_000_000_000) // 10 MON, placeholder scale

	// ActiveValsetSize bounds the consensus valset.
	ActiveValsetSize = 200

	// activationDelayBeforeSnapshot/AfterSnapshot are the epoch offsets an
	// action's effect is scheduled at depending on whether it lands before
	// or after that epoch's syscall_snapshot.
	activationDelayBeforeSnapshot = 2
	activationDelayAfterSnapshot  = 3
)

// ValidatorFlags is a bitset of per-validator status conditions recomputed
// after every state-changing op.
type ValidatorFlags uint8

const (
	ValidatorFlagOK ValidatorFlags = 0
	// ValidatorFlagStakeTooLow marks a validator whose current stake has
	// fallen below ActiveValidatorStake; it may still exist and accept
	// delegations, but is excluded from valset_consensus.
	ValidatorFlagStakeTooLow ValidatorFlags = 1 << iota
	// ValidatorFlagWithdrawn marks a validator whose authorized signer's
	// own delegation has fallen to zero; removed from the execution valset
	// regardless of total stake.
	ValidatorFlagWithdrawn
)

// ValidatorID identifies a validator; assigned sequentially at
// add_validator time.
type ValidatorID uint64

// WithdrawalID is caller-supplied and scoped to one (validator, delegator)
// pair.
type WithdrawalID uint64

// deltaStake is a pending stake change scheduled to activate at a future
// epoch.
type deltaStake struct {
	epoch  uint64
	amount uint64 // signed effect folded into amount by the caller: positive=add, tracked separately for undelegate
}

// Delegator is one delegator's position against one validator.
type Delegator struct {
	Address types.Address

	ActiveStake  uint64
	PendingDelta *deltaStake // nil if none pending
	NextDelta    *deltaStake // overflow slot for a second pending delegation before the first activates

	// RewardPerTokenPaid is this delegator's last-seen accumulator value.
	RewardPerTokenPaid uint64
	ClaimableRewards    uint64

	// joinEpoch and hasJoinRef identify the accumulatedRewardPerTokenAt
	// snapshot this delegator's pending stake will start from once
	// promoted to active ("starts its accumulator at the value
	// captured in accumulated_reward_per_token_at(e, validator_id)").
	joinEpoch  uint64
	hasJoinRef bool
}

// Withdrawal is a scheduled, unlock-delayed transfer of previously
// undelegated stake plus the rewards that stake earns from the undelegate
// call until it is withdrawn. Rewards accrued before the undelegate call
// are moved to the delegator's ClaimableRewards instead.
type Withdrawal struct {
	ID          WithdrawalID
	Delegator   types.Address
	ValidatorID ValidatorID
	Amount      uint64
	UnlockEpoch uint64
	SnapshotRewardPerToken uint64
}

// Validator is one registered validator and its delegation book.
type Validator struct {
	ID ValidatorID

	SecpPubKey [33]byte
	BlsPubKey  [48]byte
	AuthAddress types.Address

	ActiveStake   uint64
	ThisEpochStake uint64 // stake counted toward valset_consensus this epoch; 0 if capped out by the valset-size ranking
	Commission    uint64  // fraction of UnitBias

	AccumulatedRewardPerToken uint64
	Flags                     ValidatorFlags

	Delegators  map[types.Address]*Delegator
	Withdrawals map[WithdrawalID]*Withdrawal

	delegatorOrder []types.Address // insertion order, for stable pagination
}

func newValidator(id ValidatorID) *Validator {
	return &Validator{
		ID:          id,
		Delegators:  make(map[types.Address]*Delegator),
		Withdrawals: make(map[WithdrawalID]*Withdrawal),
	}
}

func (v *Validator) delegator(addr types.Address) *Delegator {
	d, ok := v.Delegators[addr]
	if !ok {
		d = &Delegator{Address: addr}
		v.Delegators[addr] = d
		v.delegatorOrder = append(v.delegatorOrder, addr)
	}
	return d
}

// recomputeFlags applies the validator activation flag policy.
func (v *Validator) recomputeFlags() {
	v.Flags &^= ValidatorFlagStakeTooLow | ValidatorFlagWithdrawn
	if v.ActiveStake < ActiveValidatorStake {
		v.Flags |= ValidatorFlagStakeTooLow
	}
	if auth, ok := v.Delegators[v.AuthAddress]; ok {
		if auth.ActiveStake == 0 {
			v.Flags |= ValidatorFlagWithdrawn
		}
	} else {
		v.Flags |= ValidatorFlagWithdrawn
	}
}
