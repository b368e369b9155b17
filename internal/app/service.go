/**
 * @description
 * This file contains the core business logic for the cashflow-service. The `Service`
 * struct orchestrates request intake, department locks, lifecycle transitions, deposit
 * matching, withdrawal holds and settlement, coordinating the repository, the event
 * broker and the lock acquire budget.
 *
 * Key features:
 * - Every money-moving operation runs in a single repository transaction that
 *   re-verifies the caller's lock before writing.
 * - Events are published to RabbitMQ after commit for downstream consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
	"github.com/transfa/cashflow-service/pkg/rabbitmq"
)

const (
	DefaultLeaseTTL        = 15 * time.Minute
	lockAcquireWindow      = time.Minute
	maxReferenceLength     = 64
	maxPaymentMethodLength = 64
	moneyScale             = 2
)

// Validation errors. They are returned before anything is written.
var (
	ErrInvalidReference           = errors.New("reference is required")
	ErrInvalidPlayer              = errors.New("player id is required")
	ErrHoldOutOfBounds            = errors.New("hold amount must be greater than zero and not exceed the available amount")
	ErrSelectionRequired          = errors.New("payment method and cashtag must both be selected")
	ErrPaymentMethodMismatch      = errors.New("payment method does not match")
	ErrConfirmationMismatch       = errors.New("confirmation token does not match")
	ErrInsufficientCashtagBalance = errors.New("cashtag balance is insufficient")
	ErrCandidateMismatch          = errors.New("withdrawal is not a candidate for this deposit")
	ErrWizardIncomplete           = errors.New("hold wizard is not complete")
	ErrWithdrawalHasFunds         = errors.New("withdrawal has paid or held funds")
	ErrHoldNotActive              = errors.New("hold is no longer active")
)

// RateLimitError is returned when an agent exceeds the lock acquisition budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many lock attempts; retry after %ds", e.RetryAfterSeconds)
}

// ServiceConfig carries the tunables the service reads from config.
type ServiceConfig struct {
	LeaseTTL                      time.Duration
	LockAcquireRateLimitPerMinute int
	EventsExchange                string
}

// Service provides the core business logic for request processing.
type Service struct {
	repo         store.Repository
	events       eventEmitter
	budget       AcquireBudget
	metrics      *Metrics
	leaseTTL     time.Duration
	acquireLimit int
	now          func() time.Time
}

// NewService creates a new cashflow service instance. budget and metrics may be nil.
func NewService(repo store.Repository, producer rabbitmq.Publisher, budget AcquireBudget, metrics *Metrics, cfg ServiceConfig) *Service {
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Service{
		repo:         repo,
		events:       eventEmitter{publisher: producer, exchange: cfg.EventsExchange},
		budget:       budget,
		metrics:      metrics,
		leaseTTL:     leaseTTL,
		acquireLimit: cfg.LockAcquireRateLimitPerMinute,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used by tests that exercise lease expiry.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateDeposit registers a new deposit in the submitted stage.
func (s *Service) CreateDeposit(ctx context.Context, agentID string, req domain.CreateDepositRequest) (*domain.DepositRequest, error) {
	reference := strings.TrimSpace(req.Reference)
	if err := validateSubmission(reference, req.PlayerID, req.Amount, req.PaymentMethod); err != nil {
		return nil, err
	}

	deposit := &domain.DepositRequest{
		ID:            uuid.New(),
		Reference:     reference,
		PlayerID:      req.PlayerID,
		Amount:        req.Amount,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Stage:         domain.DepositStageSubmitted,
		CreatedBy:     agentID,
	}
	if err := s.repo.CreateDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("failed to create deposit: %w", err)
	}

	log.Printf("level=info component=service flow=intake msg=\"deposit created\" deposit_id=%s reference=%s amount=%s", deposit.ID, deposit.Reference, deposit.Amount)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:      domain.EventStageChanged,
		Kind:      domain.RequestKindDeposit,
		RequestID: deposit.ID,
		AgentID:   agentID,
		ToStage:   deposit.Stage.Name(),
	})
	return deposit, nil
}

// CreateWithdrawal registers a new withdrawal in the operations queue.
func (s *Service) CreateWithdrawal(ctx context.Context, agentID string, req domain.CreateWithdrawalRequest) (*domain.WithdrawalRequest, error) {
	reference := strings.TrimSpace(req.Reference)
	if err := validateSubmission(reference, req.PlayerID, req.TotalAmount, req.PaymentMethod); err != nil {
		return nil, err
	}

	withdrawal := &domain.WithdrawalRequest{
		ID:            uuid.New(),
		Reference:     reference,
		PlayerID:      req.PlayerID,
		TotalAmount:   req.TotalAmount,
		AmountPaid:    decimal.Zero,
		AmountHold:    decimal.Zero,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Stage:         domain.WithdrawalStageOperations,
		CreatedBy:     agentID,
	}
	if err := s.repo.CreateWithdrawal(ctx, withdrawal); err != nil {
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}

	log.Printf("level=info component=service flow=intake msg=\"withdrawal created\" withdrawal_id=%s reference=%s total=%s", withdrawal.ID, withdrawal.Reference, withdrawal.TotalAmount)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:      domain.EventStageChanged,
		Kind:      domain.RequestKindWithdrawal,
		RequestID: withdrawal.ID,
		AgentID:   agentID,
		ToStage:   withdrawal.Stage.Name(),
	})
	return withdrawal, nil
}

func validateSubmission(reference string, playerID uuid.UUID, amount decimal.Decimal, paymentMethod string) error {
	if reference == "" || len(reference) > maxReferenceLength {
		return ErrInvalidReference
	}
	if playerID == uuid.Nil {
		return ErrInvalidPlayer
	}
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(moneyScale)) {
		return fmt.Errorf("%w: at most %d decimal places", domain.ErrInvalidAmount, moneyScale)
	}
	if len(strings.TrimSpace(paymentMethod)) > maxPaymentMethodLength {
		return fmt.Errorf("%w: payment method too long", ErrPaymentMethodMismatch)
	}
	return nil
}

func (s *Service) GetDeposit(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error) {
	return s.repo.FindDepositByID(ctx, depositID)
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return s.repo.FindWithdrawalByID(ctx, withdrawalID)
}

func (s *Service) ListDeposits(ctx context.Context, opts domain.DepositListOptions) ([]domain.DepositRequest, error) {
	return s.repo.ListDeposits(ctx, opts)
}

func (s *Service) ListWithdrawals(ctx context.Context, opts domain.WithdrawalListOptions) ([]domain.WithdrawalRequest, error) {
	return s.repo.ListWithdrawals(ctx, opts)
}

// ListWithdrawalHolds returns the holds recorded against a withdrawal.
func (s *Service) ListWithdrawalHolds(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error) {
	if _, err := s.repo.FindWithdrawalByID(ctx, withdrawalID); err != nil {
		return nil, err
	}
	return s.repo.ListHoldsByWithdrawal(ctx, withdrawalID)
}

// requireLock verifies inside a transaction that agentID holds a live lease on key.
func (s *Service) requireLock(ctx context.Context, tx store.Tx, key domain.LockKey, agentID string) error {
	lock, err := tx.CurrentLock(ctx, key)
	if err != nil {
		return fmt.Errorf("read lock %s: %w", key, err)
	}
	if !lock.HeldByAgent(agentID, s.now()) {
		return domain.ErrLockNotHeld
	}
	return nil
}

func (s *Service) reportConsistency(ctx context.Context, flow string, kind domain.RequestKind, requestID uuid.UUID, agentID string, err error) {
	var consistency *domain.ConsistencyError
	if !errors.As(err, &consistency) {
		return
	}
	s.metrics.consistency(flow)
	log.Printf("level=error component=service flow=%s msg=\"consistency violation; operation halted\" kind=%s request_id=%s field=%s detail=%q", flow, kind, requestID, consistency.Field, consistency.Detail)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:      domain.EventConsistencyAlert,
		Kind:      kind,
		RequestID: requestID,
		AgentID:   agentID,
		Detail:    consistency.Error(),
	})
}

func decimalFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
