package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the cashflow events exchange.
const (
	EventLockAcquired        = "lock.acquired"
	EventLockReleased        = "lock.released"
	EventLockReclaimed       = "lock.reclaimed"
	EventStageChanged        = "request.stage_changed"
	EventDepositAssigned     = "deposit.assigned"
	EventDepositSettled      = "deposit.settled"
	EventHoldCommitted       = "withdrawal.hold_committed"
	EventHoldSettled         = "withdrawal.hold_settled"
	EventHoldReleased        = "withdrawal.hold_released"
	EventConsistencyAlert    = "withdrawal.consistency_alert"
	EventDepositSubmitted    = "deposit.submitted"
	EventWithdrawalSubmitted = "withdrawal.submitted"
)

// LifecycleEvent is the payload for every lock and stage event.
type LifecycleEvent struct {
	Type         string           `json:"type"`
	Kind         RequestKind      `json:"kind"`
	RequestID    uuid.UUID        `json:"request_id"`
	Department   Department       `json:"department,omitempty"`
	AgentID      string           `json:"agent_id,omitempty"`
	FromStage    string           `json:"from_stage,omitempty"`
	ToStage      string           `json:"to_stage,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	WithdrawalID *uuid.UUID       `json:"withdrawal_id,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// DepositSubmittedEvent is emitted by the front-line tool when a player asks to
// deposit. The intake consumer turns it into a DepositRequest.
type DepositSubmittedEvent struct {
	Reference     string          `json:"reference"`
	PlayerID      uuid.UUID       `json:"player_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	SubmittedBy   string          `json:"submitted_by"`
}

// WithdrawalSubmittedEvent is the intake payload for withdrawals.
type WithdrawalSubmittedEvent struct {
	Reference     string          `json:"reference"`
	PlayerID      uuid.UUID       `json:"player_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	SubmittedBy   string          `json:"submitted_by"`
}
