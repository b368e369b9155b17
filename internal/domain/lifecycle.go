package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Action is what a department does to the request it holds.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	// ActionAssign links a deposit to a withdrawal (matcher).
	ActionAssign Action = "assign"
	// ActionSettle confirms money movement (reconciliation engine).
	ActionSettle Action = "settle"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(raw); a {
	case ActionApprove, ActionReject:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unsupported action %q", ErrIllegalTransition, raw)
	}
}

type depositRule struct {
	owner Department
	next  map[Action]DepositStage
}

type withdrawalRule struct {
	owner Department
	next  map[Action]WithdrawalStage
}

// Deposit stage labels name the last department that passed the request, so the
// owner of a stage is the department after it in the pipeline.
var depositRules = map[DepositStage]depositRule{
	DepositStageFinance: {
		owner: DepartmentFrontline,
		next: map[Action]DepositStage{
			ActionApprove: DepositStageFrontline,
			ActionReject:  DepositStageCancelled,
		},
	},
	DepositStageFrontline: {
		owner: DepartmentVerification,
		next: map[Action]DepositStage{
			ActionApprove: DepositStageVerification,
			ActionReject:  DepositStageSubmitted,
		},
	},
	DepositStageVerification: {
		owner: DepartmentOperations,
		next: map[Action]DepositStage{
			ActionApprove: DepositStageOperations,
			ActionAssign:  DepositStageOperations,
			ActionReject:  DepositStageCancelled,
		},
	},
	DepositStageOperations: {
		owner: DepartmentFinance,
		next: map[Action]DepositStage{
			ActionSettle: DepositStageCompleted,
			ActionReject: DepositStageVerification,
		},
	},
}

// Withdrawal stage labels name the queue the request currently sits in.
// Finance stages only move forward through settlement.
var withdrawalRules = map[WithdrawalStage]withdrawalRule{
	WithdrawalStageOperations: {
		owner: DepartmentOperations,
		next: map[Action]WithdrawalStage{
			ActionApprove: WithdrawalStageVerification,
			ActionReject:  WithdrawalStageCancelled,
		},
	},
	WithdrawalStageVerification: {
		owner: DepartmentVerification,
		next: map[Action]WithdrawalStage{
			ActionApprove: WithdrawalStageFinance,
			ActionReject:  WithdrawalStageOperationFailed,
		},
	},
	WithdrawalStageFinance: {
		owner: DepartmentFinance,
		next: map[Action]WithdrawalStage{
			ActionReject: WithdrawalStageOperations,
		},
	},
	WithdrawalStageFinancePartiallyPaid: {
		owner: DepartmentFinance,
		next:  map[Action]WithdrawalStage{},
	},
}

// DepositOwner returns the department allowed to move a deposit out of stage.
func DepositOwner(stage DepositStage) (Department, bool) {
	rule, ok := depositRules[stage]
	return rule.owner, ok
}

// WithdrawalOwner returns the department allowed to move a withdrawal out of stage.
func WithdrawalOwner(stage WithdrawalStage) (Department, bool) {
	rule, ok := withdrawalRules[stage]
	return rule.owner, ok
}

// NextDepositStage validates a transition and returns the destination stage.
func NextDepositStage(from DepositStage, dept Department, action Action) (DepositStage, error) {
	if from.IsTerminal() {
		return "", fmt.Errorf("%w: deposit stage %s", ErrRequestTerminal, from.Name())
	}
	rule, ok := depositRules[from]
	if !ok {
		return "", fmt.Errorf("%w: deposit stage %q", ErrInvalidStage, from)
	}
	if rule.owner != dept {
		return "", fmt.Errorf("%w: deposit stage %s is owned by %s, not %s", ErrIllegalTransition, from.Name(), rule.owner, dept)
	}
	next, ok := rule.next[action]
	if !ok {
		return "", fmt.Errorf("%w: %s cannot %s a deposit in stage %s", ErrIllegalTransition, dept, action, from.Name())
	}
	return next, nil
}

// NextWithdrawalStage validates an approve/reject transition. Settlement stages
// are derived from balances via SettledWithdrawalStage instead.
func NextWithdrawalStage(from WithdrawalStage, dept Department, action Action) (WithdrawalStage, error) {
	if from.IsTerminal() {
		return "", fmt.Errorf("%w: withdrawal stage %s", ErrRequestTerminal, from.Name())
	}
	rule, ok := withdrawalRules[from]
	if !ok {
		return "", fmt.Errorf("%w: withdrawal stage %q", ErrInvalidStage, from)
	}
	if rule.owner != dept {
		return "", fmt.Errorf("%w: withdrawal stage %s is owned by %s, not %s", ErrIllegalTransition, from.Name(), rule.owner, dept)
	}
	next, ok := rule.next[action]
	if !ok {
		return "", fmt.Errorf("%w: %s cannot %s a withdrawal in stage %s", ErrIllegalTransition, dept, action, from.Name())
	}
	return next, nil
}

// SettledWithdrawalStage derives the stage after money has been paid against a
// withdrawal: COMPLETED exactly when paid equals the total.
func SettledWithdrawalStage(paid, total decimal.Decimal) WithdrawalStage {
	if paid.Equal(total) {
		return WithdrawalStageCompleted
	}
	return WithdrawalStageFinancePartiallyPaid
}

// CanHoldWithdrawal reports whether finance may reserve or settle holds in stage.
func CanHoldWithdrawal(stage WithdrawalStage) bool {
	return stage == WithdrawalStageFinance || stage == WithdrawalStageFinancePartiallyPaid
}
