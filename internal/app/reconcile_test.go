package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/transfa/cashflow-service/internal/domain"
)

func TestSettleAmount(t *testing.T) {
	tests := []struct {
		name      string
		total     string
		paid      string
		hold      string
		amount    string
		wantField string
		wantPaid  string
		wantHold  string
		wantStage domain.WithdrawalStage
	}{
		{name: "partial payment", total: "100", paid: "0", hold: "40", amount: "40", wantPaid: "40", wantHold: "0", wantStage: domain.WithdrawalStageFinancePartiallyPaid},
		{name: "final payment completes", total: "100", paid: "40", hold: "60", amount: "60", wantPaid: "100", wantHold: "0", wantStage: domain.WithdrawalStageCompleted},
		{name: "cents", total: "10.05", paid: "5.02", hold: "5.03", amount: "5.03", wantPaid: "10.05", wantHold: "0", wantStage: domain.WithdrawalStageCompleted},
		{name: "hold would go negative", total: "100", paid: "0", hold: "10", amount: "40", wantField: "amount_hold"},
		{name: "overpayment", total: "100", paid: "80", hold: "40", amount: "40", wantField: "amount_paid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withdrawal := &domain.WithdrawalRequest{
				ID:          uuid.New(),
				TotalAmount: dec(t, tt.total),
				AmountPaid:  dec(t, tt.paid),
				AmountHold:  dec(t, tt.hold),
				Stage:       domain.WithdrawalStageFinance,
			}
			err := settleAmount(withdrawal, dec(t, tt.amount))
			if tt.wantField != "" {
				var consistency *domain.ConsistencyError
				require.True(t, errors.As(err, &consistency), "expected consistency error, got %v", err)
				require.Equal(t, tt.wantField, consistency.Field)
				return
			}
			require.NoError(t, err)
			requireDecimal(t, tt.wantPaid, withdrawal.AmountPaid)
			requireDecimal(t, tt.wantHold, withdrawal.AmountHold)
			require.Equal(t, tt.wantStage, withdrawal.Stage)
		})
	}
}

// assignAndSettle runs a deposit through matching and finance settlement.
func assignAndSettle(t *testing.T, env *testEnv, withdrawalID uuid.UUID, amount string) *SettlementResult {
	t.Helper()
	ctx := context.Background()
	deposit := env.putDeposit(t, domain.DepositStageVerification, amount, "cashapp", nil)

	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentOperations, "agent-ops")
	_, err := env.svc.AssignDeposit(ctx, deposit.ID, "agent-ops", domain.AssignmentRequest{WithdrawalID: withdrawalID})
	require.NoError(t, err)

	key := env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")
	result, err := env.svc.ApproveAndRelease(ctx, key, "agent-fin", domain.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, domain.DepositStageCompleted, result.Deposit.Stage)

	lock, err := env.repo.FindLock(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.LockStatusIdle, lock.Status)

	settled := env.deposit(t, deposit.ID)
	require.Equal(t, domain.DepositStageCompleted, settled.Stage)
	return &SettlementResult{Deposit: settled, Withdrawal: env.withdrawal(t, withdrawalID)}
}

func TestPartialThenFinalSettlement(t *testing.T) {
	env := newTestEnv(t)
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "CashApp")

	first := assignAndSettle(t, env, withdrawal.ID, "40")
	requireDecimal(t, "40", first.Withdrawal.AmountPaid)
	requireDecimal(t, "0", first.Withdrawal.AmountHold)
	require.Equal(t, domain.WithdrawalStageFinancePartiallyPaid, first.Withdrawal.Stage)

	second := assignAndSettle(t, env, withdrawal.ID, "60")
	requireDecimal(t, "100", second.Withdrawal.AmountPaid)
	requireDecimal(t, "0", second.Withdrawal.AmountHold)
	require.Equal(t, domain.WithdrawalStageCompleted, second.Withdrawal.Stage)

	require.Contains(t, env.publisher.types(), domain.EventDepositSettled)

	report, err := env.svc.AuditConsistency(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Violations)
}

func TestSettleDepositNegativeHoldIsHalted(t *testing.T) {
	env := newTestEnv(t)
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "10", "")
	target := withdrawal.ID
	deposit := env.putDeposit(t, domain.DepositStageOperations, "40", "", &target)
	key := env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")

	_, err := env.svc.SettleDeposit(context.Background(), deposit.ID, "agent-fin")
	require.ErrorIs(t, err, domain.ErrConsistency)

	stored := env.withdrawal(t, withdrawal.ID)
	requireDecimal(t, "0", stored.AmountPaid)
	requireDecimal(t, "10", stored.AmountHold)
	require.Equal(t, domain.WithdrawalStageFinance, stored.Stage)
	require.Equal(t, domain.DepositStageOperations, env.deposit(t, deposit.ID).Stage)

	lock, err := env.repo.FindLock(context.Background(), key)
	require.NoError(t, err)
	require.True(t, lock.HeldByAgent("agent-fin", env.clock.Now()))
	require.Contains(t, env.publisher.types(), domain.EventConsistencyAlert)
}

func TestSettleUnlinkedDeposit(t *testing.T) {
	env := newTestEnv(t)
	deposit := env.putDeposit(t, domain.DepositStageOperations, "25", "", nil)
	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")

	result, err := env.svc.SettleDeposit(context.Background(), deposit.ID, "agent-fin")
	require.NoError(t, err)
	require.Nil(t, result.Withdrawal)
	require.Equal(t, domain.DepositStageCompleted, result.Deposit.Stage)
}

func TestSettleDepositRequiresFinanceLock(t *testing.T) {
	env := newTestEnv(t)
	deposit := env.putDeposit(t, domain.DepositStageOperations, "25", "", nil)
	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-a")

	_, err := env.svc.SettleDeposit(context.Background(), deposit.ID, "agent-b")
	require.ErrorIs(t, err, domain.ErrLockNotHeld)
	require.Equal(t, domain.DepositStageOperations, env.deposit(t, deposit.ID).Stage)
}

func TestFinanceRejectUnlinksDeposit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "")
	deposit := env.putDeposit(t, domain.DepositStageVerification, "40", "", nil)

	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentOperations, "agent-ops")
	_, err := env.svc.AssignDeposit(ctx, deposit.ID, "agent-ops", domain.AssignmentRequest{WithdrawalID: withdrawal.ID})
	require.NoError(t, err)
	requireDecimal(t, "40", env.withdrawal(t, withdrawal.ID).AmountHold)

	key := env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")
	result, err := env.svc.ApproveAndRelease(ctx, key, "agent-fin", domain.ActionReject)
	require.NoError(t, err)
	require.Equal(t, domain.DepositStageVerification, result.Deposit.Stage)
	require.False(t, result.Deposit.IsLinked())
	require.Empty(t, result.Deposit.TransferType)

	requireDecimal(t, "0", env.withdrawal(t, withdrawal.ID).AmountHold)
	require.False(t, env.deposit(t, deposit.ID).IsLinked())
}

func TestAuditConsistencyReportsViolations(t *testing.T) {
	env := newTestEnv(t)
	env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "20", "30", "")
	env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "80", "40", "")
	env.putWithdrawal(t, domain.WithdrawalStageCompleted, "100", "60", "0", "")

	report, err := env.svc.AuditConsistency(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Len(t, report.Violations, 2)
}

func TestSettleDepositRefusesWithdrawalOutsideFinance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageVerification, "100", "0", "100", "")
	target := withdrawal.ID
	deposit := env.putDeposit(t, domain.DepositStageOperations, "100", "", &target)
	verifierKey := env.acquire(t, domain.RequestKindWithdrawal, withdrawal.ID, domain.DepartmentVerification, "verifier")
	financeKey := env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "finance")

	_, err := env.svc.SettleDeposit(ctx, deposit.ID, "finance")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	stored := env.withdrawal(t, withdrawal.ID)
	require.Equal(t, domain.WithdrawalStageVerification, stored.Stage)
	requireDecimal(t, "0", stored.AmountPaid)
	requireDecimal(t, "100", stored.AmountHold)
	require.Equal(t, domain.DepositStageOperations, env.deposit(t, deposit.ID).Stage)

	// The deposit finance is still working cannot be pulled back.
	_, err = env.svc.ApproveAndRelease(ctx, verifierKey, "verifier", domain.ActionReject)
	var contention *domain.ContentionError
	require.True(t, errors.As(err, &contention), "expected contention, got %v", err)
	require.Equal(t, financeKey, contention.Key)
	require.Equal(t, "finance", contention.Holder)

	require.NoError(t, env.svc.ReleaseLock(ctx, financeKey, "finance"))
	result, err := env.svc.ApproveAndRelease(ctx, verifierKey, "verifier", domain.ActionReject)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStageOperationFailed, result.Withdrawal.Stage)
	requireDecimal(t, "0", result.Withdrawal.AmountHold)
	require.Len(t, result.ReleasedDeposits, 1)

	released := env.deposit(t, deposit.ID)
	require.False(t, released.IsLinked())
	require.Equal(t, domain.DepositStageVerification, released.Stage)
}

func TestSettleDepositRefusesWithdrawalLockedByAnotherAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "40", "")
	target := withdrawal.ID
	deposit := env.putDeposit(t, domain.DepositStageOperations, "40", "", &target)
	otherKey := env.acquire(t, domain.RequestKindWithdrawal, withdrawal.ID, domain.DepartmentFinance, "agent-other")
	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")

	_, err := env.svc.SettleDeposit(ctx, deposit.ID, "agent-fin")
	var contention *domain.ContentionError
	require.True(t, errors.As(err, &contention), "expected contention, got %v", err)
	require.Equal(t, otherKey, contention.Key)
	require.Equal(t, "agent-other", contention.Holder)
	requireDecimal(t, "40", env.withdrawal(t, withdrawal.ID).AmountHold)
	require.Equal(t, domain.DepositStageOperations, env.deposit(t, deposit.ID).Stage)

	// An expired lease no longer blocks settlement.
	env.clock.Advance(16 * time.Minute)
	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")
	result, err := env.svc.SettleDeposit(ctx, deposit.ID, "agent-fin")
	require.NoError(t, err)
	requireDecimal(t, "40", result.Withdrawal.AmountPaid)
	require.Equal(t, domain.WithdrawalStageFinancePartiallyPaid, result.Withdrawal.Stage)
}

func TestSettleDepositAllowsSettlerHoldingWithdrawalLock(t *testing.T) {
	env := newTestEnv(t)
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "100", "")
	target := withdrawal.ID
	deposit := env.putDeposit(t, domain.DepositStageOperations, "100", "", &target)
	env.acquire(t, domain.RequestKindWithdrawal, withdrawal.ID, domain.DepartmentFinance, "agent-fin")
	env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance, "agent-fin")

	result, err := env.svc.SettleDeposit(context.Background(), deposit.ID, "agent-fin")
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStageCompleted, result.Withdrawal.Stage)
}
