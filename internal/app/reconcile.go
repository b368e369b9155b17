package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

// SettlementResult is the state of both records after a settlement commit.
type SettlementResult struct {
	Deposit        *domain.DepositRequest    `json:"deposit"`
	Withdrawal     *domain.WithdrawalRequest `json:"withdrawal,omitempty"`
	DepositFrom    string                    `json:"deposit_from_stage"`
	WithdrawalFrom string                    `json:"withdrawal_from_stage,omitempty"`
}

func (r *SettlementResult) transitionResult() *TransitionResult {
	return &TransitionResult{
		Kind:       domain.RequestKindDeposit,
		FromStage:  r.DepositFrom,
		ToStage:    r.Deposit.Stage.Name(),
		Deposit:    r.Deposit,
		Withdrawal: r.Withdrawal,
	}
}

// settleAmount moves amount from hold to paid on a locked withdrawal and derives
// its stage. Impossible balances are refused, never clamped.
func settleAmount(withdrawal *domain.WithdrawalRequest, amount decimal.Decimal) error {
	newPaid := withdrawal.AmountPaid.Add(amount)
	newHold := withdrawal.AmountHold.Sub(amount)
	if newHold.IsNegative() {
		return &domain.ConsistencyError{
			Field:  "amount_hold",
			Detail: fmt.Sprintf("settling %s on withdrawal %s would leave hold at %s", amount, withdrawal.ID, newHold),
		}
	}
	if newPaid.GreaterThan(withdrawal.TotalAmount) {
		return &domain.ConsistencyError{
			Field:  "amount_paid",
			Detail: fmt.Sprintf("settling %s on withdrawal %s would pay %s of %s", amount, withdrawal.ID, newPaid, withdrawal.TotalAmount),
		}
	}
	withdrawal.AmountPaid = newPaid
	withdrawal.AmountHold = newHold
	withdrawal.Stage = domain.SettledWithdrawalStage(newPaid, withdrawal.TotalAmount)
	return withdrawal.CheckBalances()
}

// requireWithdrawalUnclaimed refuses when any department other than the settling
// finance agent holds a live lock on the withdrawal.
func (s *Service) requireWithdrawalUnclaimed(ctx context.Context, tx store.Tx, withdrawalID uuid.UUID, agentID string) error {
	now := s.now()
	for _, dept := range domain.RequestKindWithdrawal.Departments() {
		key := lockKey(domain.RequestKindWithdrawal, withdrawalID, dept)
		lock, err := tx.CurrentLock(ctx, key)
		if err != nil {
			return fmt.Errorf("read lock %s: %w", key, err)
		}
		if dept == domain.DepartmentFinance && lock.HeldByAgent(agentID, now) {
			continue
		}
		if err := liveLockContention(key, lock, now); err != nil {
			return err
		}
	}
	return nil
}

// SettleDeposit confirms a deposit held by finance. When the deposit is linked
// to a withdrawal its amount moves from the withdrawal's hold to paid; the
// withdrawal must sit in a finance stage with no other agent working it. Both
// records and the finance lock are written in one transaction.
func (s *Service) SettleDeposit(ctx context.Context, depositID uuid.UUID, agentID string) (*SettlementResult, error) {
	key := lockKey(domain.RequestKindDeposit, depositID, domain.DepartmentFinance)
	result := &SettlementResult{}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		deposit, err := tx.LockDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := s.requireLock(ctx, tx, key, agentID); err != nil {
			return err
		}
		next, err := domain.NextDepositStage(deposit.Stage, domain.DepartmentFinance, domain.ActionSettle)
		if err != nil {
			return err
		}

		if deposit.IsLinked() {
			withdrawal, err := tx.LockWithdrawal(ctx, *deposit.TargetID)
			if err != nil {
				return err
			}
			if withdrawal.Stage.IsTerminal() {
				return fmt.Errorf("%w: linked withdrawal is %s", domain.ErrRequestTerminal, withdrawal.Stage.Name())
			}
			if !domain.CanHoldWithdrawal(withdrawal.Stage) {
				return fmt.Errorf("%w: linked withdrawal is %s", domain.ErrIllegalTransition, withdrawal.Stage.Name())
			}
			if err := s.requireWithdrawalUnclaimed(ctx, tx, withdrawal.ID, agentID); err != nil {
				return err
			}
			result.WithdrawalFrom = withdrawal.Stage.Name()
			if err := settleAmount(withdrawal, deposit.Amount); err != nil {
				return err
			}
			if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
				return err
			}
			result.Withdrawal = withdrawal
		}

		result.DepositFrom = deposit.Stage.Name()
		deposit.Stage = next
		if err := tx.UpdateDeposit(ctx, deposit); err != nil {
			return err
		}
		if err := tx.ClearLock(ctx, key); err != nil {
			return err
		}
		result.Deposit = deposit
		return nil
	})
	if err != nil {
		s.reportConsistency(ctx, "settlement", domain.RequestKindDeposit, depositID, agentID, err)
		return nil, err
	}

	amount := result.Deposit.Amount
	s.metrics.settled("deposit", decimalFloat(amount))
	event := domain.LifecycleEvent{
		Type:       domain.EventDepositSettled,
		Kind:       domain.RequestKindDeposit,
		RequestID:  depositID,
		Department: domain.DepartmentFinance,
		AgentID:    agentID,
		Amount:     &amount,
	}
	if result.Withdrawal != nil {
		event.WithdrawalID = &result.Withdrawal.ID
		log.Printf("level=info component=service flow=settlement msg=\"deposit settled\" deposit_id=%s withdrawal_id=%s amount=%s paid=%s hold=%s withdrawal_stage=%s", depositID, result.Withdrawal.ID, amount, result.Withdrawal.AmountPaid, result.Withdrawal.AmountHold, result.Withdrawal.Stage.Name())
		s.metrics.transition(string(domain.RequestKindWithdrawal), result.WithdrawalFrom, result.Withdrawal.Stage.Name())
		s.events.emit(ctx, domain.LifecycleEvent{
			Type:      domain.EventStageChanged,
			Kind:      domain.RequestKindWithdrawal,
			RequestID: result.Withdrawal.ID,
			AgentID:   agentID,
			FromStage: result.WithdrawalFrom,
			ToStage:   result.Withdrawal.Stage.Name(),
		})
	} else {
		log.Printf("level=info component=service flow=settlement msg=\"unlinked deposit settled\" deposit_id=%s amount=%s", depositID, amount)
	}
	s.events.emit(ctx, event)
	s.afterTransition(ctx, key, agentID, result.DepositFrom, result.Deposit.Stage.Name())
	return result, nil
}

// AuditConsistency scans every withdrawal and reports accumulator violations.
// It never repairs anything; violations are raised as alerts for a human.
func (s *Service) AuditConsistency(ctx context.Context) (*domain.ConsistencyReport, error) {
	report := &domain.ConsistencyReport{Violations: []string{}}
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		page, err := s.repo.ListWithdrawals(ctx, domain.WithdrawalListOptions{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("failed to list withdrawals: %w", err)
		}
		for i := range page {
			report.Scanned++
			if err := page[i].CheckBalances(); err != nil {
				report.Violations = append(report.Violations, err.Error())
				s.reportConsistency(ctx, "audit", domain.RequestKindWithdrawal, page[i].ID, "", err)
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	return report, nil
}
