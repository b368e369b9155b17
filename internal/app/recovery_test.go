package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/transfa/cashflow-service/internal/domain"
)

func TestRecoverSessionReturnsOnlyLiveOwnLocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expired := env.putWithdrawal(t, domain.WithdrawalStageOperations, "100", "0", "0", "")
	env.acquire(t, domain.RequestKindWithdrawal, expired.ID, domain.DepartmentOperations, "agent-a")

	env.clock.Advance(10 * time.Minute)
	live := env.putDeposit(t, domain.DepositStageFrontline, "25", "", nil)
	liveKey := env.acquire(t, domain.RequestKindDeposit, live.ID, domain.DepartmentVerification, "agent-a")

	someoneElse := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "")
	env.acquire(t, domain.RequestKindWithdrawal, someoneElse.ID, domain.DepartmentFinance, "agent-b")

	env.clock.Advance(6 * time.Minute)

	held, err := env.svc.RecoverSession(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, held, 1)
	require.Equal(t, liveKey, held[0].Lock.Key)
	require.NotNil(t, held[0].Deposit)
	require.Equal(t, live.ID, held[0].Deposit.ID)
	require.Nil(t, held[0].Withdrawal)

	// The lease was renewed from the recovery time.
	require.Equal(t, env.clock.Now().Add(15*time.Minute), *held[0].Lock.LeaseExpiresAt)
}

func TestRecoverSessionWithNoLocks(t *testing.T) {
	env := newTestEnv(t)
	held, err := env.svc.RecoverSession(context.Background(), "agent-a")
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestRecoveredLockCanBeCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageVerification, "100", "0", "0", "")
	env.acquire(t, domain.RequestKindWithdrawal, withdrawal.ID, domain.DepartmentVerification, "agent-a")

	env.clock.Advance(14 * time.Minute)
	held, err := env.svc.RecoverSession(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, held, 1)

	// Past the original lease but inside the renewed one.
	env.clock.Advance(5 * time.Minute)
	result, err := env.svc.ApproveAndRelease(ctx, held[0].Lock.Key, "agent-a", domain.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStageFinance, result.Withdrawal.Stage)
}
