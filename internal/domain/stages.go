/**
 * @description
 * Closed status-code enumerations for deposit and withdrawal requests, plus the
 * department and request-kind identifiers used by the lock manager.
 *
 * @notes
 * - The stage codes are persisted and shared with the dashboard, so the string
 *   values must never change. Treat them as opaque ordinal codes; the names only
 *   hint at which department last touched the request.
 */

package domain

import (
	"fmt"
	"strings"
)

// DepositStage is the lifecycle stage code of a deposit (recharge) request.
type DepositStage string

const (
	// DepositStageFinance is the initial submitted stage. The dashboard labels it
	// FRONTLINE_SUBMITTED; the code "0" is kept for compatibility.
	DepositStageFinance      DepositStage = "0"
	DepositStageFrontline    DepositStage = "1"
	DepositStageVerification DepositStage = "2"
	DepositStageOperations   DepositStage = "3"
	DepositStageCompleted    DepositStage = "4"
	DepositStageCancelled    DepositStage = "-1"
)

// DepositStageSubmitted is the stage every new deposit starts in.
const DepositStageSubmitted = DepositStageFinance

var depositStageNames = map[DepositStage]string{
	DepositStageFinance:      "FRONTLINE_SUBMITTED",
	DepositStageFrontline:    "FRONTLINE",
	DepositStageVerification: "VERIFICATION",
	DepositStageOperations:   "OPERATIONS",
	DepositStageCompleted:    "COMPLETED",
	DepositStageCancelled:    "CANCELLED",
}

// ParseDepositStage validates a raw stage code.
func ParseDepositStage(raw string) (DepositStage, error) {
	stage := DepositStage(strings.TrimSpace(raw))
	if _, ok := depositStageNames[stage]; !ok {
		return "", fmt.Errorf("%w: unknown deposit stage %q", ErrInvalidStage, raw)
	}
	return stage, nil
}

// Name returns the human readable label used by the dashboard.
func (s DepositStage) Name() string {
	if name, ok := depositStageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether no further transitions are legal.
func (s DepositStage) IsTerminal() bool {
	return s == DepositStageCompleted || s == DepositStageCancelled
}

// WithdrawalStage is the lifecycle stage code of a withdrawal (redeem) request.
type WithdrawalStage string

const (
	WithdrawalStageOperations   WithdrawalStage = "0"
	WithdrawalStageVerification WithdrawalStage = "1"
	WithdrawalStageFinance      WithdrawalStage = "2"
	// WithdrawalStageOperationFailed is where verification rejections end up.
	WithdrawalStageOperationFailed      WithdrawalStage = "3"
	WithdrawalStageFinancePartiallyPaid WithdrawalStage = "4"
	WithdrawalStageCompleted            WithdrawalStage = "5"
	WithdrawalStageCancelled            WithdrawalStage = "-1"
)

var withdrawalStageNames = map[WithdrawalStage]string{
	WithdrawalStageOperations:           "OPERATIONS",
	WithdrawalStageVerification:         "VERIFICATION",
	WithdrawalStageFinance:              "FINANCE",
	WithdrawalStageOperationFailed:      "OPERATION_FAILED",
	WithdrawalStageFinancePartiallyPaid: "FINANCE_PARTIALLY_PAID",
	WithdrawalStageCompleted:            "COMPLETED",
	WithdrawalStageCancelled:            "CANCELLED",
}

// ParseWithdrawalStage validates a raw stage code.
func ParseWithdrawalStage(raw string) (WithdrawalStage, error) {
	stage := WithdrawalStage(strings.TrimSpace(raw))
	if _, ok := withdrawalStageNames[stage]; !ok {
		return "", fmt.Errorf("%w: unknown withdrawal stage %q", ErrInvalidStage, raw)
	}
	return stage, nil
}

func (s WithdrawalStage) Name() string {
	if name, ok := withdrawalStageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s WithdrawalStage) IsTerminal() bool {
	switch s {
	case WithdrawalStageCompleted, WithdrawalStageCancelled, WithdrawalStageOperationFailed:
		return true
	default:
		return false
	}
}

// IsAssignable reports whether deposits may be matched against a withdrawal in this stage.
func (s WithdrawalStage) IsAssignable() bool {
	switch s {
	case WithdrawalStageOperations, WithdrawalStageFinance, WithdrawalStageFinancePartiallyPaid:
		return true
	default:
		return false
	}
}

// AssignableWithdrawalStages lists the stages forming the matcher's candidate pool.
func AssignableWithdrawalStages() []WithdrawalStage {
	return []WithdrawalStage{
		WithdrawalStageOperations,
		WithdrawalStageFinance,
		WithdrawalStageFinancePartiallyPaid,
	}
}

// Department identifies a team that processes requests under its own lock.
type Department string

const (
	DepartmentFrontline    Department = "frontline"
	DepartmentVerification Department = "verification"
	DepartmentOperations   Department = "operations"
	DepartmentFinance      Department = "finance"
)

// ParseDepartment normalizes and validates a department name.
func ParseDepartment(raw string) (Department, error) {
	dept := Department(strings.ToLower(strings.TrimSpace(raw)))
	switch dept {
	case DepartmentFrontline, DepartmentVerification, DepartmentOperations, DepartmentFinance:
		return dept, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDepartment, raw)
	}
}

// RequestKind distinguishes deposit and withdrawal requests.
type RequestKind string

const (
	RequestKindDeposit    RequestKind = "deposit"
	RequestKindWithdrawal RequestKind = "withdrawal"
)

func ParseRequestKind(raw string) (RequestKind, error) {
	kind := RequestKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case RequestKindDeposit, RequestKindWithdrawal:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown request kind %q", ErrInvalidStage, raw)
	}
}

// Departments returns the departments that hold locks on requests of this kind.
func (k RequestKind) Departments() []Department {
	if k == RequestKindDeposit {
		return []Department{DepartmentFrontline, DepartmentVerification, DepartmentOperations, DepartmentFinance}
	}
	return []Department{DepartmentOperations, DepartmentVerification, DepartmentFinance}
}

// Uses reports whether the department works requests of this kind.
func (k RequestKind) Uses(dept Department) bool {
	for _, d := range k.Departments() {
		if d == dept {
			return true
		}
	}
	return false
}
