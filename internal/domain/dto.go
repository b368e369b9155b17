package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateDepositRequest is the DTO for submitting a deposit.
type CreateDepositRequest struct {
	Reference     string          `json:"reference"`
	PlayerID      uuid.UUID       `json:"player_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

// CreateWithdrawalRequest is the DTO for submitting a withdrawal.
type CreateWithdrawalRequest struct {
	Reference     string          `json:"reference"`
	PlayerID      uuid.UUID       `json:"player_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
}

// TransitionRequest asks a department to move the request it holds.
type TransitionRequest struct {
	Department string `json:"department"`
	Action     string `json:"action"`
}

// AssignmentRequest confirms a matcher candidate for a deposit.
type AssignmentRequest struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	TransferType string    `json:"transfer_type"`
}

// HoldSubmission carries every wizard input for a single hold commit.
type HoldSubmission struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	CashtagID     uuid.UUID       `json:"cashtag_id"`
	Confirmation  string          `json:"confirmation"`
}

// HoldOptions is what the wizard shows before the agent fills it in.
type HoldOptions struct {
	Withdrawal     WithdrawalRequest     `json:"withdrawal"`
	Available      decimal.Decimal       `json:"amount_available"`
	PaymentMethods []PlayerPaymentMethod `json:"payment_methods"`
	Cashtags       []CashtagBalance      `json:"cashtags"`
}

// DepositListOptions filters a deposit work queue.
type DepositListOptions struct {
	Stage  *DepositStage
	Limit  int
	Offset int
}

// WithdrawalListOptions filters a withdrawal work queue.
type WithdrawalListOptions struct {
	Stages []WithdrawalStage
	Limit  int
	Offset int
}

// ConsistencyReport is produced by the audit sweep.
type ConsistencyReport struct {
	Scanned    int      `json:"scanned"`
	Violations []string `json:"violations"`
}
