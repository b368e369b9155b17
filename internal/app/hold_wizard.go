package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

// HoldConfirmationToken must be typed by the agent before a hold is committed.
const HoldConfirmationToken = "process"

type wizardStep int

const (
	stepAmount wizardStep = iota
	stepFunding
	stepConfirm
	stepReady
	stepCommitted
)

// HoldResult is the state after a hold commit, settle or release.
type HoldResult struct {
	Withdrawal *domain.WithdrawalRequest `json:"withdrawal"`
	Hold       *domain.WithdrawalHold    `json:"hold"`
	Cashtag    *domain.CashtagBalance    `json:"cashtag,omitempty"`
}

// HoldWizard stages the three hold inputs in memory. Nothing is written until
// Commit, so an abandoned wizard leaves the withdrawal untouched.
type HoldWizard struct {
	svc           *Service
	agentID       string
	options       domain.HoldOptions
	step          wizardStep
	amount        decimal.Decimal
	paymentMethod string
	cashtag       domain.CashtagBalance
}

// HoldOptions loads what the wizard offers: the withdrawal, its available
// amount, the player's payment methods and the cashtags matching them.
func (s *Service) HoldOptions(ctx context.Context, withdrawalID uuid.UUID) (*domain.HoldOptions, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if !domain.CanHoldWithdrawal(withdrawal.Stage) {
		return nil, fmt.Errorf("%w: cannot hold a withdrawal in stage %s", domain.ErrIllegalTransition, withdrawal.Stage.Name())
	}
	available, err := withdrawal.AmountAvailable()
	if err != nil {
		return nil, err
	}

	byPlayer, err := s.repo.ListPlayerPaymentMethods(ctx, []uuid.UUID{withdrawal.PlayerID})
	if err != nil {
		return nil, fmt.Errorf("failed to load payment methods: %w", err)
	}
	methods := byPlayer[withdrawal.PlayerID]
	names := make([]string, 0, len(methods))
	for _, method := range methods {
		names = append(names, method.PaymentMethod)
	}
	cashtags, err := s.repo.ListCashtagsByPaymentMethods(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load cashtags: %w", err)
	}

	return &domain.HoldOptions{
		Withdrawal:     *withdrawal,
		Available:      available,
		PaymentMethods: methods,
		Cashtags:       cashtags,
	}, nil
}

// StartHoldWizard opens a wizard for a withdrawal whose finance lock agentID holds.
func (s *Service) StartHoldWizard(ctx context.Context, withdrawalID uuid.UUID, agentID string) (*HoldWizard, error) {
	key := lockKey(domain.RequestKindWithdrawal, withdrawalID, domain.DepartmentFinance)
	lock, err := s.repo.FindLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if !lock.HeldByAgent(agentID, s.now()) {
		return nil, domain.ErrLockNotHeld
	}
	options, err := s.HoldOptions(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	return &HoldWizard{svc: s, agentID: agentID, options: *options, step: stepAmount}, nil
}

// Options returns what the wizard was opened with.
func (w *HoldWizard) Options() domain.HoldOptions { return w.options }

// SetAmount is the first step. Going back to it clears the later steps.
func (w *HoldWizard) SetAmount(amount decimal.Decimal) error {
	if w.step == stepCommitted {
		return ErrWizardIncomplete
	}
	if !amount.IsPositive() || amount.GreaterThan(w.options.Available) {
		return fmt.Errorf("%w: requested %s, available %s", ErrHoldOutOfBounds, amount, w.options.Available)
	}
	w.amount = amount
	w.paymentMethod = ""
	w.cashtag = domain.CashtagBalance{}
	w.step = stepFunding
	return nil
}

// SelectFunding is the second step: one of the player's registered methods and
// a cashtag on the same method.
func (w *HoldWizard) SelectFunding(paymentMethod string, cashtagID uuid.UUID) error {
	if w.step < stepFunding || w.step == stepCommitted {
		return ErrWizardIncomplete
	}
	if normalizeMethod(paymentMethod) == "" || cashtagID == uuid.Nil {
		return ErrSelectionRequired
	}

	registered := false
	for _, method := range w.options.PaymentMethods {
		if normalizeMethod(method.PaymentMethod) == normalizeMethod(paymentMethod) {
			registered = true
			break
		}
	}
	if !registered {
		return fmt.Errorf("%w: %q is not registered for this player", ErrPaymentMethodMismatch, paymentMethod)
	}

	var cashtag *domain.CashtagBalance
	for i := range w.options.Cashtags {
		if w.options.Cashtags[i].ID == cashtagID {
			cashtag = &w.options.Cashtags[i]
			break
		}
	}
	if cashtag == nil {
		return fmt.Errorf("%w: unknown cashtag %s", ErrSelectionRequired, cashtagID)
	}
	if normalizeMethod(cashtag.PaymentMethod) != normalizeMethod(paymentMethod) {
		return fmt.Errorf("%w: cashtag %s is %s", ErrPaymentMethodMismatch, cashtag.Tag, cashtag.PaymentMethod)
	}
	if cashtag.Balance.LessThan(w.amount) {
		return fmt.Errorf("%w: %s has %s", ErrInsufficientCashtagBalance, cashtag.Tag, cashtag.Balance)
	}

	w.paymentMethod = strings.TrimSpace(paymentMethod)
	w.cashtag = *cashtag
	w.step = stepConfirm
	return nil
}

// Confirm is the third step; the agent must type the confirmation token.
func (w *HoldWizard) Confirm(token string) error {
	if w.step < stepConfirm || w.step == stepCommitted {
		return ErrWizardIncomplete
	}
	if strings.TrimSpace(token) != HoldConfirmationToken {
		return ErrConfirmationMismatch
	}
	w.step = stepReady
	return nil
}

// Commit performs the single atomic write for the whole wizard.
func (w *HoldWizard) Commit(ctx context.Context) (*HoldResult, error) {
	if w.step != stepReady {
		return nil, ErrWizardIncomplete
	}
	result, err := w.svc.commitHold(ctx, w.options.Withdrawal.ID, w.agentID, w.amount, w.paymentMethod, w.cashtag.ID)
	if err != nil {
		return nil, err
	}
	w.step = stepCommitted
	return result, nil
}

// SubmitHold runs every wizard step from one submission and commits. It backs
// the HTTP endpoint, where the dashboard collects the inputs client side.
func (s *Service) SubmitHold(ctx context.Context, withdrawalID uuid.UUID, agentID string, submission domain.HoldSubmission) (*HoldResult, error) {
	wizard, err := s.StartHoldWizard(ctx, withdrawalID, agentID)
	if err != nil {
		return nil, err
	}
	if err := wizard.SetAmount(submission.Amount); err != nil {
		return nil, err
	}
	if err := wizard.SelectFunding(submission.PaymentMethod, submission.CashtagID); err != nil {
		return nil, err
	}
	if err := wizard.Confirm(submission.Confirmation); err != nil {
		return nil, err
	}
	return wizard.Commit(ctx)
}

func (s *Service) commitHold(ctx context.Context, withdrawalID uuid.UUID, agentID string, amount decimal.Decimal, paymentMethod string, cashtagID uuid.UUID) (*HoldResult, error) {
	key := lockKey(domain.RequestKindWithdrawal, withdrawalID, domain.DepartmentFinance)
	result := &HoldResult{}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		withdrawal, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if err := s.requireLock(ctx, tx, key, agentID); err != nil {
			return err
		}
		if !domain.CanHoldWithdrawal(withdrawal.Stage) {
			return fmt.Errorf("%w: cannot hold a withdrawal in stage %s", domain.ErrIllegalTransition, withdrawal.Stage.Name())
		}
		// Balances may have moved since the wizard opened.
		available, err := withdrawal.AmountAvailable()
		if err != nil {
			return err
		}
		if !amount.IsPositive() || amount.GreaterThan(available) {
			return fmt.Errorf("%w: requested %s, available %s", ErrHoldOutOfBounds, amount, available)
		}

		playerMethods, err := tx.PlayerPaymentMethods(ctx, withdrawal.PlayerID)
		if err != nil {
			return err
		}
		registered := false
		for _, method := range playerMethods {
			if normalizeMethod(method.PaymentMethod) == normalizeMethod(paymentMethod) {
				registered = true
				break
			}
		}
		if !registered {
			return fmt.Errorf("%w: %q is not registered for this player", ErrPaymentMethodMismatch, paymentMethod)
		}

		cashtag, err := tx.LockCashtag(ctx, cashtagID)
		if err != nil {
			return err
		}
		if normalizeMethod(cashtag.PaymentMethod) != normalizeMethod(paymentMethod) {
			return fmt.Errorf("%w: cashtag %s is %s", ErrPaymentMethodMismatch, cashtag.Tag, cashtag.PaymentMethod)
		}
		if cashtag.Balance.LessThan(amount) {
			return fmt.Errorf("%w: %s has %s", ErrInsufficientCashtagBalance, cashtag.Tag, cashtag.Balance)
		}

		withdrawal.AmountHold = withdrawal.AmountHold.Add(amount)
		withdrawal.CashtagID = &cashtag.ID
		if err := withdrawal.CheckBalances(); err != nil {
			return err
		}
		cashtag.Balance = cashtag.Balance.Sub(amount)

		hold := &domain.WithdrawalHold{
			ID:            uuid.New(),
			WithdrawalID:  withdrawal.ID,
			CashtagID:     cashtag.ID,
			PaymentMethod: paymentMethod,
			Amount:        amount,
			Status:        domain.HoldStatusHeld,
			CreatedBy:     agentID,
		}
		if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		if err := tx.UpdateCashtagBalance(ctx, cashtag.ID, cashtag.Balance); err != nil {
			return err
		}
		if err := tx.InsertHold(ctx, hold); err != nil {
			return err
		}
		if err := tx.ClearLock(ctx, key); err != nil {
			return err
		}
		result.Withdrawal = withdrawal
		result.Hold = hold
		result.Cashtag = cashtag
		return nil
	})
	if err != nil {
		s.reportConsistency(ctx, "hold_commit", domain.RequestKindWithdrawal, withdrawalID, agentID, err)
		return nil, err
	}

	s.metrics.hold("reserved", decimalFloat(amount))
	s.metrics.lockReleased(string(key.Kind), string(key.Department), "hold_commit")
	log.Printf("level=info component=service flow=hold_commit msg=\"hold committed\" withdrawal_id=%s hold_id=%s agent=%s amount=%s cashtag=%s hold_total=%s", withdrawalID, result.Hold.ID, agentID, amount, result.Cashtag.Tag, result.Withdrawal.AmountHold)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventHoldCommitted,
		Kind:       domain.RequestKindWithdrawal,
		RequestID:  withdrawalID,
		Department: domain.DepartmentFinance,
		AgentID:    agentID,
		Amount:     &amount,
		Detail:     result.Cashtag.Tag,
	})
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventLockReleased,
		Kind:       domain.RequestKindWithdrawal,
		RequestID:  withdrawalID,
		Department: domain.DepartmentFinance,
		AgentID:    agentID,
	})
	return result, nil
}

// SettleHold pays out a committed hold: its amount moves from hold to paid and
// the withdrawal stage is derived from the new balance. The finance lock is
// released with the write.
func (s *Service) SettleHold(ctx context.Context, withdrawalID, holdID uuid.UUID, agentID string) (*HoldResult, error) {
	key := lockKey(domain.RequestKindWithdrawal, withdrawalID, domain.DepartmentFinance)
	result := &HoldResult{}
	var fromStage string
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		withdrawal, hold, err := s.lockActiveHold(ctx, tx, key, agentID, holdID)
		if err != nil {
			return err
		}
		fromStage = withdrawal.Stage.Name()
		if err := settleAmount(withdrawal, hold.Amount); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		if err := tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldStatusSettled); err != nil {
			return err
		}
		if err := tx.ClearLock(ctx, key); err != nil {
			return err
		}
		hold.Status = domain.HoldStatusSettled
		result.Withdrawal = withdrawal
		result.Hold = hold
		return nil
	})
	if err != nil {
		s.reportConsistency(ctx, "hold_settle", domain.RequestKindWithdrawal, withdrawalID, agentID, err)
		return nil, err
	}

	amount := result.Hold.Amount
	s.metrics.settled("hold", decimalFloat(amount))
	log.Printf("level=info component=service flow=hold_settle msg=\"hold settled\" withdrawal_id=%s hold_id=%s agent=%s amount=%s paid=%s stage=%s", withdrawalID, holdID, agentID, amount, result.Withdrawal.AmountPaid, result.Withdrawal.Stage.Name())
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventHoldSettled,
		Kind:       domain.RequestKindWithdrawal,
		RequestID:  withdrawalID,
		Department: domain.DepartmentFinance,
		AgentID:    agentID,
		Amount:     &amount,
	})
	s.afterTransition(ctx, key, agentID, fromStage, result.Withdrawal.Stage.Name())
	return result, nil
}

// ReleaseHold cancels a committed hold and returns its amount to both the
// withdrawal's available balance and the cashtag. The lock stays with the agent.
func (s *Service) ReleaseHold(ctx context.Context, withdrawalID, holdID uuid.UUID, agentID string) (*HoldResult, error) {
	key := lockKey(domain.RequestKindWithdrawal, withdrawalID, domain.DepartmentFinance)
	result := &HoldResult{}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		withdrawal, hold, err := s.lockActiveHold(ctx, tx, key, agentID, holdID)
		if err != nil {
			return err
		}
		cashtag, err := tx.LockCashtag(ctx, hold.CashtagID)
		if err != nil {
			return err
		}

		withdrawal.AmountHold = withdrawal.AmountHold.Sub(hold.Amount)
		if withdrawal.AmountHold.IsNegative() {
			return &domain.ConsistencyError{
				Field:  "amount_hold",
				Detail: fmt.Sprintf("releasing hold %s would leave withdrawal %s hold at %s", hold.ID, withdrawal.ID, withdrawal.AmountHold),
			}
		}
		if err := withdrawal.CheckBalances(); err != nil {
			return err
		}
		cashtag.Balance = cashtag.Balance.Add(hold.Amount)

		if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		if err := tx.UpdateCashtagBalance(ctx, cashtag.ID, cashtag.Balance); err != nil {
			return err
		}
		if err := tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldStatusReleased); err != nil {
			return err
		}
		hold.Status = domain.HoldStatusReleased
		result.Withdrawal = withdrawal
		result.Hold = hold
		result.Cashtag = cashtag
		return nil
	})
	if err != nil {
		s.reportConsistency(ctx, "hold_release", domain.RequestKindWithdrawal, withdrawalID, agentID, err)
		return nil, err
	}

	amount := result.Hold.Amount
	s.metrics.hold("released", decimalFloat(amount))
	log.Printf("level=info component=service flow=hold_release msg=\"hold released\" withdrawal_id=%s hold_id=%s agent=%s amount=%s", withdrawalID, holdID, agentID, amount)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventHoldReleased,
		Kind:       domain.RequestKindWithdrawal,
		RequestID:  withdrawalID,
		Department: domain.DepartmentFinance,
		AgentID:    agentID,
		Amount:     &amount,
	})
	return result, nil
}

func (s *Service) lockActiveHold(ctx context.Context, tx store.Tx, key domain.LockKey, agentID string, holdID uuid.UUID) (*domain.WithdrawalRequest, *domain.WithdrawalHold, error) {
	withdrawal, err := tx.LockWithdrawal(ctx, key.RequestID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireLock(ctx, tx, key, agentID); err != nil {
		return nil, nil, err
	}
	if !domain.CanHoldWithdrawal(withdrawal.Stage) {
		return nil, nil, fmt.Errorf("%w: withdrawal is %s", domain.ErrIllegalTransition, withdrawal.Stage.Name())
	}
	hold, err := tx.LockHold(ctx, holdID)
	if err != nil {
		return nil, nil, err
	}
	if hold.WithdrawalID != withdrawal.ID {
		return nil, nil, store.ErrHoldNotFound
	}
	if hold.Status != domain.HoldStatusHeld {
		return nil, nil, fmt.Errorf("%w: hold is %s", ErrHoldNotActive, hold.Status)
	}
	return withdrawal, hold, nil
}
