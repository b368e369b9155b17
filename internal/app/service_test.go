package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.LifecycleEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc       *Service
	repo      *store.MemoryRepository
	publisher *recordingPublisher
	clock     *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	publisher := &recordingPublisher{}
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(repo, publisher, nil, nil, ServiceConfig{
		LeaseTTL:       15 * time.Minute,
		EventsExchange: "cashflow.events",
	})
	svc.SetClock(clock.Now)
	return &testEnv{svc: svc, repo: repo, publisher: publisher, clock: clock}
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func (e *testEnv) putWithdrawal(t *testing.T, stage domain.WithdrawalStage, total, paid, hold, method string) domain.WithdrawalRequest {
	t.Helper()
	withdrawal := domain.WithdrawalRequest{
		ID:            uuid.New(),
		Reference:     "WD-" + uuid.NewString()[:8],
		PlayerID:      uuid.New(),
		TotalAmount:   dec(t, total),
		AmountPaid:    dec(t, paid),
		AmountHold:    dec(t, hold),
		PaymentMethod: method,
		Stage:         stage,
		CreatedAt:     e.clock.Now(),
	}
	e.repo.PutWithdrawal(withdrawal)
	return withdrawal
}

func (e *testEnv) putDeposit(t *testing.T, stage domain.DepositStage, amount, method string, target *uuid.UUID) domain.DepositRequest {
	t.Helper()
	deposit := domain.DepositRequest{
		ID:            uuid.New(),
		Reference:     "DP-" + uuid.NewString()[:8],
		PlayerID:      uuid.New(),
		Amount:        dec(t, amount),
		PaymentMethod: method,
		TargetID:      target,
		Stage:         stage,
		CreatedAt:     e.clock.Now(),
	}
	e.repo.PutDeposit(deposit)
	return deposit
}

func (e *testEnv) withdrawal(t *testing.T, id uuid.UUID) *domain.WithdrawalRequest {
	t.Helper()
	withdrawal, err := e.repo.FindWithdrawalByID(context.Background(), id)
	require.NoError(t, err)
	return withdrawal
}

func (e *testEnv) deposit(t *testing.T, id uuid.UUID) *domain.DepositRequest {
	t.Helper()
	deposit, err := e.repo.FindDepositByID(context.Background(), id)
	require.NoError(t, err)
	return deposit
}

func (e *testEnv) acquire(t *testing.T, kind domain.RequestKind, id uuid.UUID, dept domain.Department, agent string) domain.LockKey {
	t.Helper()
	key := lockKey(kind, id, dept)
	_, err := e.svc.AcquireLock(context.Background(), key, agent)
	require.NoError(t, err)
	return key
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(t, want).Equal(got), "expected %s, got %s", want, got)
}

func TestCreateDepositValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.CreateDepositRequest
		wantErr error
	}{
		{
			name:    "missing reference",
			req:     domain.CreateDepositRequest{PlayerID: uuid.New(), Amount: decimal.NewFromInt(10)},
			wantErr: ErrInvalidReference,
		},
		{
			name:    "missing player",
			req:     domain.CreateDepositRequest{Reference: "DP-1", Amount: decimal.NewFromInt(10)},
			wantErr: ErrInvalidPlayer,
		},
		{
			name:    "zero amount",
			req:     domain.CreateDepositRequest{Reference: "DP-1", PlayerID: uuid.New()},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "sub-cent amount",
			req:     domain.CreateDepositRequest{Reference: "DP-1", PlayerID: uuid.New(), Amount: decimal.RequireFromString("0.001")},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "three decimal places",
			req:     domain.CreateDepositRequest{Reference: "DP-1", PlayerID: uuid.New(), Amount: decimal.RequireFromString("10.005")},
			wantErr: domain.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.CreateDeposit(context.Background(), "agent-a", tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateDepositStartsSubmitted(t *testing.T) {
	env := newTestEnv(t)
	deposit, err := env.svc.CreateDeposit(context.Background(), "agent-a", domain.CreateDepositRequest{
		Reference:     "  DP-100 ",
		PlayerID:      uuid.New(),
		Amount:        decimal.NewFromInt(40),
		PaymentMethod: " CashApp ",
	})
	require.NoError(t, err)
	require.Equal(t, "DP-100", deposit.Reference)
	require.Equal(t, "CashApp", deposit.PaymentMethod)
	require.Equal(t, domain.DepositStageSubmitted, deposit.Stage)
	require.Contains(t, env.publisher.types(), domain.EventStageChanged)

	_, err = env.svc.CreateDeposit(context.Background(), "agent-a", domain.CreateDepositRequest{
		Reference: "DP-100",
		PlayerID:  uuid.New(),
		Amount:    decimal.NewFromInt(5),
	})
	require.ErrorIs(t, err, store.ErrDuplicateReference)
}

func TestCreateRequestsAcceptTrailingZeroCents(t *testing.T) {
	env := newTestEnv(t)
	deposit, err := env.svc.CreateDeposit(context.Background(), "agent-a", domain.CreateDepositRequest{
		Reference: "DP-200",
		PlayerID:  uuid.New(),
		Amount:    decimal.RequireFromString("10.500"),
	})
	require.NoError(t, err)
	requireDecimal(t, "10.50", deposit.Amount)

	_, err = env.svc.CreateWithdrawal(context.Background(), "agent-a", domain.CreateWithdrawalRequest{
		Reference:   "WD-200",
		PlayerID:    uuid.New(),
		TotalAmount: decimal.RequireFromString("99.999"),
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestCreateWithdrawalStartsInOperations(t *testing.T) {
	env := newTestEnv(t)
	withdrawal, err := env.svc.CreateWithdrawal(context.Background(), "agent-a", domain.CreateWithdrawalRequest{
		Reference:   "WD-1",
		PlayerID:    uuid.New(),
		TotalAmount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStageOperations, withdrawal.Stage)
	require.True(t, withdrawal.AmountPaid.IsZero())
	require.True(t, withdrawal.AmountHold.IsZero())
}
