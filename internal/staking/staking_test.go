package staking

import (
	"testing"

	"github.com/monad-labs/execution-core/internal/types"
)

type alwaysValidSecp struct{}

func (alwaysValidSecp) Verify(pubKey [33]byte, message, signature []byte) bool { return true }

type alwaysValidBls struct{}

func (alwaysValidBls) VerifyProofOfPossession(pubKey [48]byte, signature []byte) bool { return true }

func newTestState() *State {
	return NewState(alwaysValidSecp{}, alwaysValidBls{})
}

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func addTestValidator(t *testing.T, s *State, key byte, stake uint64, commission uint64) ValidatorID {
	t.Helper()
	var secp [33]byte
	secp[0] = key
	id, err := s.AddValidator(AddValidatorInput{
		SecpPubKey:  secp,
		AuthAddress: addr(key),
		Stake:       stake,
		Commission:  commission,
	}, stake)
	if err != nil {
		t.Fatalf("AddValidator(%d): %v", key, err)
	}
	return id
}

// advance runs syscall_snapshot + syscall_on_epoch_change(s.currentEpoch+1)
// n times, to move the activation pipeline forward.
func advance(t *testing.T, s *State, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.SyscallSnapshot(); err != nil {
			t.Fatalf("SyscallSnapshot: %v", err)
		}
		if err := s.SyscallOnEpochChange(s.currentEpoch + 1); err != nil {
			t.Fatalf("SyscallOnEpochChange: %v", err)
		}
	}
}

func TestAddValidatorRejectsUnderStake(t *testing.T) {
	s := newTestState()
	_, err := s.AddValidator(AddValidatorInput{Stake: 1, Commission: 0, AuthAddress: addr(1)}, 1)
	if err == nil || err.Code != CodeInsufficientStake {
		t.Fatalf("want InsufficientStake, got %v", err)
	}
}

func TestAddValidatorRejectsValueMismatch(t *testing.T) {
	s := newTestState()
	_, err := s.AddValidator(AddValidatorInput{Stake: MinValidateStake, AuthAddress: addr(1)}, MinValidateStake-1)
	if err == nil || err.Code != CodeInvalidInput {
		t.Fatalf("want InvalidInput, got %v", err)
	}
}

func TestAddValidatorRejectsDuplicatePubKey(t *testing.T) {
	s := newTestState()
	addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	_, err := s.AddValidator(AddValidatorInput{
		SecpPubKey: func() [33]byte { var k [33]byte; k[0] = 1; return k }(),
		AuthAddress: addr(2), Stake: ActiveValidatorStake,
	}, ActiveValidatorStake)
	if err == nil || err.Code != CodeValidatorExists {
		t.Fatalf("want ValidatorExists, got %v", err)
	}
}

// TestAddValidatorRejectsWithoutBlsVerifier checks that a state constructed
// with no BlsVerifier wired fails add_validator rather than silently
// skipping the BLS proof-of-possession check: both signatures must verify
// unconditionally, and a missing verifier has verified nothing.
func TestAddValidatorRejectsWithoutBlsVerifier(t *testing.T) {
	s := NewState(alwaysValidSecp{}, nil)
	_, err := s.AddValidator(AddValidatorInput{
		SecpPubKey:  func() [33]byte { var k [33]byte; k[0] = 1; return k }(),
		AuthAddress: addr(1),
		Stake:       ActiveValidatorStake,
		Commission:  0,
	}, ActiveValidatorStake)
	if err == nil || err.Code != CodeBlsSignatureVerificationFailed {
		t.Fatalf("want BlsSignatureVerificationFailed, got %v", err)
	}
}

// TestActivationPipelineDelay exercises the activation pipeline's "E+2 before snapshot,
// E+3 after snapshot" rule: a validator's own initial self-stake must not
// appear in valset_execution until its delta_stake activates.
func TestActivationPipelineDelay(t *testing.T) {
	s := newTestState()
	addTestValidator(t, s, 1, ActiveValidatorStake, 0)

	if len(s.valsetExecution) != 0 {
		t.Fatalf("stake should not be active yet, got valsetExecution=%v", s.valsetExecution)
	}

	advance(t, s, 1) // epoch 0 -> 1
	if len(s.valsetExecution) != 0 {
		t.Fatalf("stake should still be pending after one epoch, got %v", s.valsetExecution)
	}

	advance(t, s, 1) // epoch 1 -> 2, delta_stake activates at E+2
	if len(s.valsetExecution) != 1 {
		t.Fatalf("stake should be active at E+2, got %v", s.valsetExecution)
	}
}

// TestConsensusValsetCap checks that the consensus valset is pruned to the
// top ACTIVE_VALSET_SIZE validators by stake, ties broken by ascending id.
func TestConsensusValsetCap(t *testing.T) {
	s := newTestState()
	const n = ActiveValsetSize + 5
	for i := 0; i < n; i++ {
		addTestValidator(t, s, byte(i+1), ActiveValidatorStake+uint64(i), 0)
	}
	advance(t, s, 3)

	if err := s.SyscallSnapshot(); err != nil {
		t.Fatalf("SyscallSnapshot: %v", err)
	}
	if err := s.SyscallOnEpochChange(s.currentEpoch + 1); err != nil {
		t.Fatalf("SyscallOnEpochChange: %v", err)
	}

	if len(s.valsetConsensus) != ActiveValsetSize {
		t.Fatalf("want %d in consensus valset, got %d", ActiveValsetSize, len(s.valsetConsensus))
	}
	// highest-stake validators (added last, i large) should have won the cap.
	for _, id := range s.valsetConsensus {
		if int(id) <= n-ActiveValsetSize {
			t.Fatalf("validator %d should have been pruned by stake ranking", id)
		}
	}
}

// TestRewardCommissionSplit exercises the reward accumulator: the
// commission fraction is skimmed to the validator's own delegator position
// before the per-token accumulator folds in the remainder.
func TestRewardCommissionSplit(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, UnitBias/10) // 10% commission
	advance(t, s, 2)

	v, err := s.validator(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SyscallReward(addr(1), 1_000_000); err != nil {
		t.Fatalf("SyscallReward: %v", err)
	}

	auth := v.Delegators[addr(1)]
	if auth.ClaimableRewards != 100_000 {
		t.Fatalf("want 100000 commission, got %d", auth.ClaimableRewards)
	}
	if v.AccumulatedRewardPerToken == 0 {
		t.Fatalf("accumulator should have advanced")
	}
}

func TestUndelegateZeroIsNoOp(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	if err := s.Undelegate(id, addr(1), 0, 1); err != nil {
		t.Fatalf("amount=0 undelegate should succeed as a no-op, got %v", err)
	}
	v, _ := s.validator(id)
	if len(v.Withdrawals) != 0 {
		t.Fatalf("no withdrawal should have been created")
	}
}

// TestWithdrawUnlockAndClaim exercises undelegate through withdraw
// end-to-end: a withdrawal created by Undelegate is rejected before its
// UnlockEpoch and transfers its full amount once the epoch arrives.
func TestWithdrawUnlockAndClaim(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	advance(t, s, 2)

	if err := s.Undelegate(id, addr(1), ActiveValidatorStake, 7); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}

	v, _ := s.validator(id)
	w, ok := v.Withdrawals[7]
	if !ok {
		t.Fatalf("expected withdrawal 7 to be recorded")
	}

	if _, err := s.Withdraw(id, 7); err == nil || err.Code != CodeWithdrawalNotReady {
		t.Fatalf("want WithdrawalNotReady before unlock epoch, got %v", err)
	}

	for s.currentEpoch < w.UnlockEpoch {
		advance(t, s, 1)
	}

	amount, err := s.Withdraw(id, 7)
	if err != nil {
		t.Fatalf("Withdraw after unlock: %v", err)
	}
	if amount != ActiveValidatorStake {
		t.Fatalf("want %d withdrawn, got %d", ActiveValidatorStake, amount)
	}
	if _, ok := v.Withdrawals[7]; ok {
		t.Fatalf("withdrawal should have been removed after claim")
	}

	if _, err := s.Withdraw(id, 7); err == nil || err.Code != CodeUnknownWithdrawalID {
		t.Fatalf("want UnknownWithdrawalID on repeat claim, got %v", err)
	}
}

// TestNextDeltaOverflowSlot exercises creditPendingStake's overflow path: a
// second delegate call before the first's delta_stake has activated stashes
// its amount in NextDelta rather than clobbering the pending one, and both
// land in ActiveStake once each activates in turn.
func TestNextDeltaOverflowSlot(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)

	if err := s.Delegate(id, addr(2), 1000); err != nil {
		t.Fatalf("first Delegate: %v", err)
	}
	if err := s.Delegate(id, addr(2), 2000); err != nil {
		t.Fatalf("second Delegate: %v", err)
	}

	v, _ := s.validator(id)
	d := v.Delegators[addr(2)]
	if d.PendingDelta == nil || d.PendingDelta.amount != 1000 {
		t.Fatalf("want PendingDelta.amount=1000, got %+v", d.PendingDelta)
	}
	if d.NextDelta == nil || d.NextDelta.amount != 2000 {
		t.Fatalf("want NextDelta.amount=2000, got %+v", d.NextDelta)
	}

	// a third call while both slots are occupied folds into NextDelta.
	if err := s.Delegate(id, addr(2), 500); err != nil {
		t.Fatalf("third Delegate: %v", err)
	}
	if d.NextDelta.amount != 2500 {
		t.Fatalf("want NextDelta.amount=2500 after fold, got %d", d.NextDelta.amount)
	}

	if d.ActiveStake != 0 {
		t.Fatalf("nothing should be active yet, got %d", d.ActiveStake)
	}
}

// TestWithdrawRejectsWhenInsolvent checks that a withdraw whose amount
// exceeds the precompile's own native balance fails with CodeSolvencyError
// and leaves the withdrawal record intact instead of transferring.
func TestWithdrawRejectsWhenInsolvent(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	advance(t, s, 2)

	if err := s.Undelegate(id, addr(1), ActiveValidatorStake, 7); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	v, _ := s.validator(id)
	w := v.Withdrawals[7]
	for s.currentEpoch < w.UnlockEpoch {
		advance(t, s, 1)
	}

	// drain the balance out from under the pending withdrawal, simulating
	// tokens the precompile no longer actually holds.
	s.nativeBalance = 0

	if _, err := s.Withdraw(id, 7); err == nil || err.Code != CodeSolvencyError {
		t.Fatalf("want SolvencyError, got %v", err)
	}
	if _, ok := v.Withdrawals[7]; !ok {
		t.Fatalf("withdrawal should still be pending after a failed claim")
	}
}

// TestClaimRewardsRejectsWhenInsolvent mirrors the withdraw case for
// claim_rewards: claimable rewards credited outside the normal
// syscall_reward balance bookkeeping must not be payable past the
// precompile's actual balance.
func TestClaimRewardsRejectsWhenInsolvent(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	advance(t, s, 2)

	v, _ := s.validator(id)
	v.Delegators[addr(1)].ClaimableRewards = 1_000_000 // bypasses SyscallReward's balance credit
	s.nativeBalance = 0

	if _, err := s.ClaimRewards(id, addr(1)); err == nil || err.Code != CodeSolvencyError {
		t.Fatalf("want SolvencyError, got %v", err)
	}
	if v.Delegators[addr(1)].ClaimableRewards == 0 {
		t.Fatalf("claimable rewards should be unchanged after a failed claim")
	}
}

// TestCompoundRejectsWhenInsolvent checks compound's solvency pre-check:
// even though compound never transfers tokens out, it must not convert a
// claim the precompile couldn't actually back into new principal.
func TestCompoundRejectsWhenInsolvent(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	advance(t, s, 2)

	v, _ := s.validator(id)
	v.Delegators[addr(1)].ClaimableRewards = 1_000_000
	s.nativeBalance = 0

	if err := s.Compound(id, addr(1)); err == nil || err.Code != CodeSolvencyError {
		t.Fatalf("want SolvencyError, got %v", err)
	}
	if v.Delegators[addr(1)].ClaimableRewards == 0 {
		t.Fatalf("claimable rewards should be unchanged after a failed compound")
	}
}

func TestPaginationRoundTrips(t *testing.T) {
	s := newTestState()
	id := addTestValidator(t, s, 1, ActiveValidatorStake, 0)
	v, _ := s.validator(id)
	for i := 0; i < 25; i++ {
		s.Delegate(id, addr(byte(10+i)), ActiveValidatorStake)
	}

	var all []types.Address
	var cursor []byte
	for {
		page, next, err := s.GetDelegatorsForValidator(id, cursor, 7)
		if err != nil {
			t.Fatalf("GetDelegatorsForValidator: %v", err)
		}
		all = append(all, page...)
		if next == nil {
			break
		}
		cursor = next
	}

	if len(all) != len(v.delegatorOrder) {
		t.Fatalf("paginated read returned %d entries, want %d", len(all), len(v.delegatorOrder))
	}
	for i, a := range all {
		if a != v.delegatorOrder[i] {
			t.Fatalf("paginated order mismatch at %d", i)
		}
	}
}
