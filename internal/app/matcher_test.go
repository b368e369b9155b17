package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/transfa/cashflow-service/internal/domain"
)

func TestRankCandidates(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	deposit := &domain.DepositRequest{ID: uuid.New(), Amount: dec(t, "50"), PaymentMethod: "CashApp"}

	tight := domain.WithdrawalRequest{ID: uuid.New(), TotalAmount: dec(t, "60"), AmountPaid: dec(t, "0"), AmountHold: dec(t, "0"), PaymentMethod: "cashapp", Stage: domain.WithdrawalStageFinance, CreatedAt: base.Add(time.Hour)}
	loose := domain.WithdrawalRequest{ID: uuid.New(), TotalAmount: dec(t, "200"), AmountPaid: dec(t, "0"), AmountHold: dec(t, "0"), PaymentMethod: "CASHAPP", Stage: domain.WithdrawalStageOperations, CreatedAt: base}
	tooSmall := domain.WithdrawalRequest{ID: uuid.New(), TotalAmount: dec(t, "100"), AmountPaid: dec(t, "40"), AmountHold: dec(t, "30"), PaymentMethod: "cashapp", Stage: domain.WithdrawalStageFinance, CreatedAt: base}
	otherMethod := domain.WithdrawalRequest{ID: uuid.New(), TotalAmount: dec(t, "80"), AmountPaid: dec(t, "0"), AmountHold: dec(t, "0"), PaymentMethod: "venmo", Stage: domain.WithdrawalStageFinance, CreatedAt: base}
	verification := domain.WithdrawalRequest{ID: uuid.New(), TotalAmount: dec(t, "80"), AmountPaid: dec(t, "0"), AmountHold: dec(t, "0"), PaymentMethod: "cashapp", Stage: domain.WithdrawalStageVerification, CreatedAt: base}
	sameSlackOlder := domain.WithdrawalRequest{ID: uuid.New(), TotalAmount: dec(t, "60"), AmountPaid: dec(t, "0"), AmountHold: dec(t, "0"), PaymentMethod: "Cashapp", Stage: domain.WithdrawalStageFinancePartiallyPaid, CreatedAt: base}

	candidates := rankCandidates(deposit, []domain.WithdrawalRequest{loose, tooSmall, tight, otherMethod, verification, sameSlackOlder}, nil)

	require.Len(t, candidates, 3)
	require.Equal(t, sameSlackOlder.ID, candidates[0].Withdrawal.ID)
	require.Equal(t, tight.ID, candidates[1].Withdrawal.ID)
	require.Equal(t, loose.ID, candidates[2].Withdrawal.ID)
	requireDecimal(t, "10", candidates[0].Slack)
	requireDecimal(t, "150", candidates[2].Slack)
}

func TestPaymentMethodCompatible(t *testing.T) {
	withdrawal := domain.WithdrawalRequest{PaymentMethod: "Venmo"}
	tests := []struct {
		name          string
		depositMethod string
		playerMethods []domain.PlayerPaymentMethod
		want          bool
	}{
		{name: "deposit without method matches anything", depositMethod: "", want: true},
		{name: "withdrawal method ignores case", depositMethod: " venmo ", want: true},
		{name: "registered player method", depositMethod: "cashapp", playerMethods: []domain.PlayerPaymentMethod{{PaymentMethod: "CashApp"}}, want: true},
		{name: "no overlap", depositMethod: "zelle", playerMethods: []domain.PlayerPaymentMethod{{PaymentMethod: "CashApp"}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, paymentMethodCompatible(tt.depositMethod, withdrawal, tt.playerMethods))
		})
	}
}

func TestFindCandidatesFiltersByAmountAndMethod(t *testing.T) {
	env := newTestEnv(t)
	fits := env.putWithdrawal(t, domain.WithdrawalStageFinance, "80", "0", "0", "CashApp")
	env.putWithdrawal(t, domain.WithdrawalStageFinance, "30", "0", "0", "CashApp")
	registered := env.putWithdrawal(t, domain.WithdrawalStageOperations, "120", "0", "0", "")
	env.repo.SeedPlayerPaymentMethod(domain.PlayerPaymentMethod{PlayerID: registered.PlayerID, PaymentMethod: "CASHAPP"})
	env.putWithdrawal(t, domain.WithdrawalStageFinance, "90", "0", "0", "zelle")

	deposit := env.putDeposit(t, domain.DepositStageVerification, "50", "cashapp", nil)
	candidates, err := env.svc.FindCandidates(context.Background(), deposit.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, fits.ID, candidates[0].Withdrawal.ID)
	require.Equal(t, registered.ID, candidates[1].Withdrawal.ID)
}

func TestFindCandidatesRejectsTerminalDeposit(t *testing.T) {
	env := newTestEnv(t)
	deposit := env.putDeposit(t, domain.DepositStageCompleted, "50", "", nil)
	_, err := env.svc.FindCandidates(context.Background(), deposit.ID)
	require.ErrorIs(t, err, domain.ErrRequestTerminal)
}

func TestAssignDepositReservesHold(t *testing.T) {
	env := newTestEnv(t)
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "CashApp")
	deposit := env.putDeposit(t, domain.DepositStageVerification, "40", "cashapp", nil)
	key := env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentOperations, "agent-ops")

	result, err := env.svc.AssignDeposit(context.Background(), deposit.ID, "agent-ops", domain.AssignmentRequest{WithdrawalID: withdrawal.ID})
	require.NoError(t, err)
	require.Equal(t, domain.DepositStageOperations, result.Deposit.Stage)
	require.Equal(t, withdrawal.ID, *result.Deposit.TargetID)
	require.Equal(t, domain.TransferTypeInternal, result.Deposit.TransferType)
	requireDecimal(t, "40", result.Withdrawal.AmountHold)

	stored := env.withdrawal(t, withdrawal.ID)
	requireDecimal(t, "40", stored.AmountHold)
	requireDecimal(t, "0", stored.AmountPaid)

	lock, err := env.repo.FindLock(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, domain.LockStatusIdle, lock.Status)
	require.Contains(t, env.publisher.types(), domain.EventDepositAssigned)
}

func TestAssignDepositRefusals(t *testing.T) {
	tests := []struct {
		name       string
		withdrawal func(t *testing.T, env *testEnv) domain.WithdrawalRequest
		req        func(withdrawal domain.WithdrawalRequest) domain.AssignmentRequest
		wantErr    error
	}{
		{
			name: "deposit exceeds available",
			withdrawal: func(t *testing.T, env *testEnv) domain.WithdrawalRequest {
				return env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "40", "30", "cashapp")
			},
			wantErr: ErrCandidateMismatch,
		},
		{
			name: "payment method mismatch",
			withdrawal: func(t *testing.T, env *testEnv) domain.WithdrawalRequest {
				return env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "venmo")
			},
			wantErr: ErrCandidateMismatch,
		},
		{
			name: "withdrawal not assignable",
			withdrawal: func(t *testing.T, env *testEnv) domain.WithdrawalRequest {
				return env.putWithdrawal(t, domain.WithdrawalStageVerification, "100", "0", "0", "cashapp")
			},
			wantErr: ErrCandidateMismatch,
		},
		{
			name: "unknown transfer type",
			withdrawal: func(t *testing.T, env *testEnv) domain.WithdrawalRequest {
				return env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "cashapp")
			},
			req: func(withdrawal domain.WithdrawalRequest) domain.AssignmentRequest {
				return domain.AssignmentRequest{WithdrawalID: withdrawal.ID, TransferType: "wire"}
			},
			wantErr: domain.ErrInvalidTransferTag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			withdrawal := tt.withdrawal(t, env)
			deposit := env.putDeposit(t, domain.DepositStageVerification, "50", "CashApp", nil)
			env.acquire(t, domain.RequestKindDeposit, deposit.ID, domain.DepartmentOperations, "agent-ops")

			req := domain.AssignmentRequest{WithdrawalID: withdrawal.ID}
			if tt.req != nil {
				req = tt.req(withdrawal)
			}
			_, err := env.svc.AssignDeposit(context.Background(), deposit.ID, "agent-ops", req)
			require.ErrorIs(t, err, tt.wantErr)

			stored := env.deposit(t, deposit.ID)
			require.Equal(t, domain.DepositStageVerification, stored.Stage)
			require.False(t, stored.IsLinked())
			require.True(t, env.withdrawal(t, withdrawal.ID).AmountHold.Equal(withdrawal.AmountHold))
		})
	}
}

func TestAssignDepositRequiresOperationsLock(t *testing.T) {
	env := newTestEnv(t)
	withdrawal := env.putWithdrawal(t, domain.WithdrawalStageFinance, "100", "0", "0", "")
	deposit := env.putDeposit(t, domain.DepositStageVerification, "40", "", nil)

	_, err := env.svc.AssignDeposit(context.Background(), deposit.ID, "agent-ops", domain.AssignmentRequest{WithdrawalID: withdrawal.ID})
	require.ErrorIs(t, err, domain.ErrLockNotHeld)
	requireDecimal(t, "0", env.withdrawal(t, withdrawal.ID).AmountHold)
}
