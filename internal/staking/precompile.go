package staking

import (
	"bytes"

	"github.com/monad-labs/execution-core/internal/types"
)

// AddValidatorInput is the decoded argument set for add_validator. ABI
// encode/decode across the contract-call boundary is out of scope; callers
// are expected to have already decoded the function-selector payload into
// this struct.
type AddValidatorInput struct {
	SecpPubKey  [33]byte
	BlsPubKey   [48]byte
	AuthAddress types.Address
	Stake       uint64
	Commission  uint64
	SecpSig     []byte
	BlsSig      []byte
}

// AddValidator registers a new validator.
// messageValue is the caller's attached native-token value, which must
// equal the declared stake.
func (s *State) AddValidator(in AddValidatorInput, messageValue uint64) (ValidatorID, *Error) {
	if messageValue != in.Stake {
		return 0, newError(CodeInvalidInput, "message value does not match declared stake")
	}
	if in.Stake < MinValidateStake {
		return 0, newError(CodeInsufficientStake, "")
	}
	if in.Commission > UnitBias {
		return 0, newError(CodeInvalidInput, "commission exceeds UNIT_BIAS")
	}
	if _, exists := s.validatorBySecpPubKey(in.SecpPubKey); exists {
		return 0, newError(CodeValidatorExists, "")
	}
	var zeroBls [48]byte
	if in.BlsPubKey != zeroBls {
		if _, exists := s.validatorByBlsPubKey(in.BlsPubKey); exists {
			return 0, newError(CodeValidatorExists, "")
		}
	}
	if _, exists := s.validatorByAuthAddress(in.AuthAddress); exists {
		return 0, newError(CodeValidatorExists, "")
	}

	message := concatValidatorMessage(in)
	if !s.secpVerifier.Verify(in.SecpPubKey, message, in.SecpSig) {
		return 0, newError(CodeSecpSignatureVerificationFailed, "")
	}
	// Both signatures must verify unconditionally: a validator with no
	// BlsVerifier wired has nothing that has actually checked the BLS
	// proof of possession, so it fails the same way an explicit bad
	// signature would rather than silently admitting the validator.
	if s.blsVerifier == nil || !s.blsVerifier.VerifyProofOfPossession(in.BlsPubKey, in.BlsSig) {
		return 0, newError(CodeBlsSignatureVerificationFailed, "")
	}

	v := s.addValidatorToBook()
	v.SecpPubKey = in.SecpPubKey
	v.BlsPubKey = in.BlsPubKey
	v.AuthAddress = in.AuthAddress
	v.Commission = in.Commission

	s.creditNativeBalance(in.Stake)
	s.creditPendingStake(v, in.AuthAddress, in.Stake)
	v.recomputeFlags()
	return v.ID, nil
}

func concatValidatorMessage(in AddValidatorInput) []byte {
	var buf bytes.Buffer
	buf.Write(in.SecpPubKey[:])
	buf.Write(in.BlsPubKey[:])
	buf.Write(in.AuthAddress[:])
	var stakeBytes [8]byte
	for i := range stakeBytes {
		stakeBytes[7-i] = byte(in.Stake >> (8 * i))
	}
	buf.Write(stakeBytes[:])
	return buf.Bytes()
}

// Delegate adds messageValue to the caller's pending stake against
// validatorID.
func (s *State) Delegate(validatorID ValidatorID, delegator types.Address, messageValue uint64) *Error {
	v, err := s.validator(validatorID)
	if err != nil {
		return err
	}
	s.creditNativeBalance(messageValue)
	s.creditPendingStake(v, delegator, messageValue)
	v.recomputeFlags()
	return nil
}

// creditPendingStake implements the activation pipeline's first two steps:
// registers a delta_stake for epoch activationEpoch(), or, if one is
// already pending at a later epoch, stashes the new amount in
// next_delta_stake instead.
func (s *State) creditPendingStake(v *Validator, who types.Address, amount uint64) {
	d := v.delegator(who)
	epoch := s.activationEpoch()

	if d.PendingDelta != nil && d.PendingDelta.epoch > s.currentEpoch {
		if d.NextDelta == nil {
			d.NextDelta = &deltaStake{epoch: epoch, amount: amount}
		} else {
			d.NextDelta.amount += amount
		}
		return
	}

	if d.PendingDelta == nil {
		d.PendingDelta = &deltaStake{epoch: epoch, amount: amount}
		if !d.hasJoinRef {
			if val, ok := s.history(v.ID).valueAt(epoch); ok {
				d.RewardPerTokenPaid = val
			} else {
				s.history(v.ID).recordAt(epoch, v.AccumulatedRewardPerToken)
				d.RewardPerTokenPaid = v.AccumulatedRewardPerToken
			}
			d.joinEpoch = epoch
			d.hasJoinRef = true
		}
	} else {
		d.PendingDelta.amount += amount
	}
}

// Undelegate schedules a withdrawal for amount against validatorID. amount
// must not exceed the delegator's active+pending stake. amount == 0 is a
// documented no-op success: it returns nil and creates no withdrawal
// record.
func (s *State) Undelegate(validatorID ValidatorID, delegator types.Address, amount uint64, id WithdrawalID) *Error {
	v, err := s.validator(validatorID)
	if err != nil {
		return err
	}
	d, ok := v.Delegators[delegator]
	if !ok {
		return newError(CodeUnknownValidator, "delegator has no position")
	}

	if amount == 0 {
		return nil
	}

	pending := uint64(0)
	if d.PendingDelta != nil {
		pending = d.PendingDelta.amount
	}
	if amount > d.ActiveStake+pending {
		return newError(CodeInsufficientStake, "")
	}

	s.catchUpDelegator(v, d)

	// remove from pending first, then active: "Immediately
	// remove from active stake".
	remaining := amount
	if d.PendingDelta != nil {
		if d.PendingDelta.amount >= remaining {
			d.PendingDelta.amount -= remaining
			remaining = 0
			if d.PendingDelta.amount == 0 {
				d.PendingDelta = nil
			}
		} else {
			remaining -= d.PendingDelta.amount
			d.PendingDelta = nil
		}
	}
	d.ActiveStake -= remaining

	epoch := s.activationEpoch()
	w := &Withdrawal{
		ID:                     id,
		Delegator:              delegator,
		ValidatorID:            validatorID,
		Amount:                 amount,
		UnlockEpoch:            epoch,
		SnapshotRewardPerToken: v.AccumulatedRewardPerToken,
	}
	v.Withdrawals[id] = w

	v.recomputeFlags()
	s.recomputeValsetExecution()
	return nil
}

func (s *State) catchUpDelegator(v *Validator, d *Delegator) {
	v.catchUp(d)
}

// Withdraw transfers an unlocked withdrawal to the delegator: its amount
// plus the rewards that amount earned from the undelegate call until now.
// Returns the transferred total. Fails with CodeSolvencyError, leaving
// state unchanged, if the precompile's native balance cannot cover it.
func (s *State) Withdraw(validatorID ValidatorID, id WithdrawalID) (uint64, *Error) {
	v, err := s.validator(validatorID)
	if err != nil {
		return 0, err
	}
	w, ok := v.Withdrawals[id]
	if !ok {
		return 0, newError(CodeUnknownWithdrawalID, "")
	}
	if s.currentEpoch < w.UnlockEpoch {
		return 0, newError(CodeWithdrawalNotReady, "")
	}
	amount := w.Amount
	if v.AccumulatedRewardPerToken > w.SnapshotRewardPerToken {
		amount += mulDiv(v.AccumulatedRewardPerToken-w.SnapshotRewardPerToken, w.Amount, UnitBias)
	}
	if err := s.debitNativeBalance(amount); err != nil {
		return 0, err
	}
	delete(v.Withdrawals, id)
	return amount, nil
}

// Compound converts the delegator's claimable rewards into pending stake
// with the same two-epoch activation delay as delegate. Since the amount
// never leaves the precompile (it is immediately restaked rather than
// transferred out), this only checks solvency rather than debiting the
// balance — compounding more than the precompile actually holds would
// still conjure principal out of nothing.
func (s *State) Compound(validatorID ValidatorID, delegator types.Address) *Error {
	v, err := s.validator(validatorID)
	if err != nil {
		return err
	}
	d, ok := v.Delegators[delegator]
	if !ok {
		return newError(CodeUnknownValidator, "delegator has no position")
	}
	s.catchUpDelegator(v, d)
	amount := d.ClaimableRewards
	if amount == 0 {
		return nil
	}
	if err := s.checkSolvency(amount); err != nil {
		return err
	}
	d.ClaimableRewards = 0
	s.creditPendingStake(v, delegator, amount)
	return nil
}

// ClaimRewards transfers the delegator's claimable rewards, returning the
// transferred amount. Fails with CodeSolvencyError, leaving state
// unchanged, if the precompile's native balance cannot cover it.
func (s *State) ClaimRewards(validatorID ValidatorID, delegator types.Address) (uint64, *Error) {
	v, err := s.validator(validatorID)
	if err != nil {
		return 0, err
	}
	d, ok := v.Delegators[delegator]
	if !ok {
		return 0, newError(CodeUnknownValidator, "delegator has no position")
	}
	s.catchUpDelegator(v, d)
	amount := d.ClaimableRewards
	if amount == 0 {
		return 0, nil
	}
	if err := s.debitNativeBalance(amount); err != nil {
		return 0, err
	}
	d.ClaimableRewards = 0
	return amount, nil
}
