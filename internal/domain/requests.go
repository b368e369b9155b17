/**
 * @description
 * Core domain models for the cashflow-service: deposit and withdrawal requests,
 * their per-department locks, cashtag funding sources and withdrawal holds.
 *
 * @notes
 * - Money is carried as decimal.Decimal and persisted as NUMERIC(18,2) so partial
 *   payments never accumulate floating-point drift.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositRequest is a player's request to add funds.
type DepositRequest struct {
	ID            uuid.UUID       `json:"id"`
	Reference     string          `json:"reference"`
	PlayerID      uuid.UUID       `json:"player_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	TargetID      *uuid.UUID      `json:"target_id,omitempty"`
	TransferType  string          `json:"transfer_type,omitempty"`
	Stage         DepositStage    `json:"stage"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StageName is the dashboard label of the current stage.
func (d *DepositRequest) StageName() string { return d.Stage.Name() }

// IsLinked reports whether the matcher has assigned the deposit to a withdrawal.
func (d *DepositRequest) IsLinked() bool { return d.TargetID != nil && *d.TargetID != uuid.Nil }

// WithdrawalRequest is a player's request to cash out. It accumulates holds and
// partial payments from several deposits or cashtags before completing.
type WithdrawalRequest struct {
	ID            uuid.UUID       `json:"id"`
	Reference     string          `json:"reference"`
	PlayerID      uuid.UUID       `json:"player_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	AmountHold    decimal.Decimal `json:"amount_hold"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CashtagID     *uuid.UUID      `json:"cashtag_id,omitempty"`
	Stage         WithdrawalStage `json:"stage"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AmountAvailable is total - paid - hold. A negative result means upstream
// accounting is already broken and is reported instead of being clamped.
func (w *WithdrawalRequest) AmountAvailable() (decimal.Decimal, error) {
	available := w.TotalAmount.Sub(w.AmountPaid).Sub(w.AmountHold)
	if available.IsNegative() {
		return decimal.Zero, &ConsistencyError{
			Field:  "amount_available",
			Detail: fmt.Sprintf("withdrawal %s total=%s paid=%s hold=%s", w.ID, w.TotalAmount, w.AmountPaid, w.AmountHold),
		}
	}
	return available, nil
}

// CheckBalances verifies the accumulator invariants of a withdrawal.
func (w *WithdrawalRequest) CheckBalances() error {
	switch {
	case w.AmountPaid.IsNegative():
		return &ConsistencyError{Field: "amount_paid", Detail: fmt.Sprintf("withdrawal %s paid=%s", w.ID, w.AmountPaid)}
	case w.AmountHold.IsNegative():
		return &ConsistencyError{Field: "amount_hold", Detail: fmt.Sprintf("withdrawal %s hold=%s", w.ID, w.AmountHold)}
	}
	if _, err := w.AmountAvailable(); err != nil {
		return err
	}
	if w.Stage == WithdrawalStageCompleted && !w.AmountPaid.Equal(w.TotalAmount) {
		return &ConsistencyError{Field: "stage", Detail: fmt.Sprintf("withdrawal %s completed with paid=%s total=%s", w.ID, w.AmountPaid, w.TotalAmount)}
	}
	if w.Stage != WithdrawalStageCompleted && w.TotalAmount.IsPositive() && w.AmountPaid.Equal(w.TotalAmount) {
		return &ConsistencyError{Field: "stage", Detail: fmt.Sprintf("withdrawal %s fully paid but stage is %s", w.ID, w.Stage.Name())}
	}
	return nil
}

// HasOutstandingMoney reports whether any amount is paid or reserved.
func (w *WithdrawalRequest) HasOutstandingMoney() bool {
	return w.AmountPaid.IsPositive() || w.AmountHold.IsPositive()
}

func (w *WithdrawalRequest) StageName() string { return w.Stage.Name() }

// LockStatus is the state of a department lock.
type LockStatus string

const (
	LockStatusIdle      LockStatus = "idle"
	LockStatusInProcess LockStatus = "in_process"
)

// LockKey addresses one department lock on one request.
type LockKey struct {
	Kind       RequestKind `json:"kind"`
	RequestID  uuid.UUID   `json:"request_id"`
	Department Department  `json:"department"`
}

func (k LockKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.RequestID, k.Department)
}

// Validate checks the department belongs to the kind's pipeline.
func (k LockKey) Validate() error {
	if k.RequestID == uuid.Nil {
		return fmt.Errorf("%w: request id is required", ErrInvalidDepartment)
	}
	if !k.Kind.Uses(k.Department) {
		return fmt.Errorf("%w: %s does not process %s requests", ErrInvalidDepartment, k.Department, k.Kind)
	}
	return nil
}

// Lock is the advisory processing lock a department holds on a request.
// HeldBy is non-nil exactly when Status is in_process.
type Lock struct {
	Key            LockKey    `json:"key"`
	Status         LockStatus `json:"status"`
	HeldBy         *string    `json:"held_by,omitempty"`
	AcquiredAt     *time.Time `json:"acquired_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// IdleLock is the value of a lock that has never been taken.
func IdleLock(key LockKey) *Lock {
	return &Lock{Key: key, Status: LockStatusIdle}
}

// HeldByAgent reports whether agentID holds a live lease at now.
func (l *Lock) HeldByAgent(agentID string, now time.Time) bool {
	return l != nil && l.Status == LockStatusInProcess && l.HeldBy != nil && *l.HeldBy == agentID && !l.Expired(now)
}

// Expired reports whether the lease has lapsed.
func (l *Lock) Expired(now time.Time) bool {
	return l != nil && l.Status == LockStatusInProcess && l.LeaseExpiresAt != nil && !now.Before(*l.LeaseExpiresAt)
}

// HeldLock is a lock owned by the current agent, returned on session recovery
// with the request snapshot needed to reopen the editing view.
type HeldLock struct {
	Lock       Lock               `json:"lock"`
	Deposit    *DepositRequest    `json:"deposit,omitempty"`
	Withdrawal *WithdrawalRequest `json:"withdrawal,omitempty"`
}

// CashtagBalance is a company funding tag used to pay out withdrawals.
type CashtagBalance struct {
	ID            uuid.UUID       `json:"id"`
	Tag           string          `json:"tag"`
	PaymentMethod string          `json:"payment_method"`
	Balance       decimal.Decimal `json:"balance"`
}

// PlayerPaymentMethod is a payment method a player registered.
type PlayerPaymentMethod struct {
	PlayerID      uuid.UUID `json:"player_id"`
	PaymentMethod string    `json:"payment_method"`
	Handle        string    `json:"handle,omitempty"`
}

// HoldStatus is the state of a withdrawal hold.
type HoldStatus string

const (
	HoldStatusHeld     HoldStatus = "held"
	HoldStatusSettled  HoldStatus = "settled"
	HoldStatusReleased HoldStatus = "released"
)

// WithdrawalHold records funds reserved against a withdrawal from a cashtag.
type WithdrawalHold struct {
	ID            uuid.UUID       `json:"id"`
	WithdrawalID  uuid.UUID       `json:"withdrawal_id"`
	CashtagID     uuid.UUID       `json:"cashtag_id"`
	PaymentMethod string          `json:"payment_method"`
	Amount        decimal.Decimal `json:"amount"`
	Status        HoldStatus      `json:"status"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MatchCandidate is a withdrawal proposed for a deposit, with its ranking inputs.
type MatchCandidate struct {
	Withdrawal WithdrawalRequest `json:"withdrawal"`
	Available  decimal.Decimal   `json:"amount_available"`
	Slack      decimal.Decimal   `json:"slack"`
}

// Transfer types recorded on assignment describing the internal transfer route.
const (
	TransferTypeInternal    = "internal_transfer"
	TransferTypeCrossMethod = "cross_method_transfer"
)

// NormalizeTransferType defaults an empty tag and rejects unknown ones.
func NormalizeTransferType(raw string) (string, error) {
	switch raw {
	case "":
		return TransferTypeInternal, nil
	case TransferTypeInternal, TransferTypeCrossMethod:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransferTag, raw)
	}
}
