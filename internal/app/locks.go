package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

// TransitionResult is the outcome of a department approving or rejecting a request.
type TransitionResult struct {
	Kind       domain.RequestKind        `json:"kind"`
	FromStage  string                    `json:"from_stage"`
	ToStage    string                    `json:"to_stage"`
	Deposit    *domain.DepositRequest    `json:"deposit,omitempty"`
	Withdrawal *domain.WithdrawalRequest `json:"withdrawal,omitempty"`
	// Reservations given back when a withdrawal is rejected.
	ReleasedDeposits []domain.DepositRequest `json:"released_deposits,omitempty"`
	ReleasedHolds    []domain.WithdrawalHold `json:"released_holds,omitempty"`
}

// AcquireLock gives agentID exclusive processing rights on a request for one
// department. Contention is reported as *domain.ContentionError and is never
// retried here.
func (s *Service) AcquireLock(ctx context.Context, key domain.LockKey, agentID string) (*domain.Lock, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkAcquireBudget(ctx, agentID); err != nil {
		return nil, err
	}

	terminal, stageName, err := s.requestState(ctx, key)
	if err != nil {
		return nil, err
	}
	if terminal {
		return nil, fmt.Errorf("%w: %s %s is %s", domain.ErrRequestTerminal, key.Kind, key.RequestID, stageName)
	}

	now := s.now()
	lock, err := s.repo.AcquireLock(ctx, key, agentID, now, now.Add(s.leaseTTL))
	if err != nil {
		var contention *domain.ContentionError
		if errors.As(err, &contention) {
			s.metrics.lockAttempt(string(key.Kind), string(key.Department), "contended")
			log.Printf("level=info component=service flow=lock_acquire msg=\"lock contended\" key=%s agent=%s holder=%s", key, agentID, contention.Holder)
			return nil, err
		}
		s.metrics.lockAttempt(string(key.Kind), string(key.Department), "error")
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	s.metrics.lockAttempt(string(key.Kind), string(key.Department), "acquired")
	log.Printf("level=info component=service flow=lock_acquire msg=\"lock acquired\" key=%s agent=%s lease_expires_at=%s", key, agentID, lock.LeaseExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventLockAcquired,
		Kind:       key.Kind,
		RequestID:  key.RequestID,
		Department: key.Department,
		AgentID:    agentID,
	})
	return lock, nil
}

func (s *Service) checkAcquireBudget(ctx context.Context, agentID string) error {
	if s.budget == nil || s.acquireLimit <= 0 {
		return nil
	}
	spend, err := s.budget.SpendAcquire(ctx, agentID, s.acquireLimit, lockAcquireWindow, s.now())
	if err != nil {
		// Redis being down must not stop the desk from working.
		log.Printf("level=warn component=service flow=lock_acquire msg=\"acquire budget unavailable; allowing attempt\" agent=%s err=%v", agentID, err)
		return nil
	}
	if !spend.Allowed {
		s.metrics.lockAttempt("", "", "throttled")
		log.Printf("level=info component=service flow=lock_acquire msg=\"acquire budget spent\" agent=%s attempts=%d retry_after=%s", agentID, spend.Attempts, spend.RetryAfter)
		return &RateLimitError{RetryAfterSeconds: retryAfterSeconds(spend.RetryAfter)}
	}
	return nil
}

// requestState loads the request behind a lock key and reports whether it is terminal.
func (s *Service) requestState(ctx context.Context, key domain.LockKey) (bool, string, error) {
	switch key.Kind {
	case domain.RequestKindDeposit:
		deposit, err := s.repo.FindDepositByID(ctx, key.RequestID)
		if err != nil {
			return false, "", err
		}
		return deposit.Stage.IsTerminal(), deposit.Stage.Name(), nil
	default:
		withdrawal, err := s.repo.FindWithdrawalByID(ctx, key.RequestID)
		if err != nil {
			return false, "", err
		}
		return withdrawal.Stage.IsTerminal(), withdrawal.Stage.Name(), nil
	}
}

// RenewLock extends the lease of a lock agentID already holds.
func (s *Service) RenewLock(ctx context.Context, key domain.LockKey, agentID string) (*domain.Lock, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	return s.repo.RenewLock(ctx, key, agentID, now, now.Add(s.leaseTTL))
}

// ReleaseLock is idempotent. Releasing a lock held by another agent fails with
// domain.ErrLockNotHeld.
func (s *Service) ReleaseLock(ctx context.Context, key domain.LockKey, agentID string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.repo.ReleaseLock(ctx, key, agentID); err != nil {
		if errors.Is(err, domain.ErrLockNotHeld) {
			return err
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}

	s.metrics.lockReleased(string(key.Kind), string(key.Department), "release")
	log.Printf("level=info component=service flow=lock_release msg=\"lock released\" key=%s agent=%s", key, agentID)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventLockReleased,
		Kind:       key.Kind,
		RequestID:  key.RequestID,
		Department: key.Department,
		AgentID:    agentID,
	})
	return nil
}

// ForceReleaseLock clears a lock regardless of holder. It backs the supervisor
// override on the internal API.
func (s *Service) ForceReleaseLock(ctx context.Context, key domain.LockKey, actor string) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	released, err := s.repo.ForceReleaseLock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to force release lock: %w", err)
	}
	if released {
		s.metrics.lockReleased(string(key.Kind), string(key.Department), "forced")
		log.Printf("level=warn component=service flow=lock_force_release msg=\"lock force released\" key=%s actor=%s", key, actor)
		s.events.emit(ctx, domain.LifecycleEvent{
			Type:       domain.EventLockReleased,
			Kind:       key.Kind,
			RequestID:  key.RequestID,
			Department: key.Department,
			AgentID:    actor,
			Detail:     "forced",
		})
	}
	return released, nil
}

// ApproveAndRelease validates a department transition, writes the new stage and
// clears the department lock in one transaction guarded by the lock holder.
func (s *Service) ApproveAndRelease(ctx context.Context, key domain.LockKey, agentID string, action domain.Action) (*TransitionResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if action != domain.ActionApprove && action != domain.ActionReject {
		return nil, fmt.Errorf("%w: %s is not a department action", domain.ErrIllegalTransition, action)
	}

	var (
		result *TransitionResult
		err    error
	)
	if key.Kind == domain.RequestKindDeposit {
		if key.Department == domain.DepartmentFinance && action == domain.ActionApprove {
			settlement, settleErr := s.SettleDeposit(ctx, key.RequestID, agentID)
			if settleErr != nil {
				return nil, settleErr
			}
			return settlement.transitionResult(), nil
		}
		result, err = s.transitionDeposit(ctx, key, agentID, action)
	} else {
		result, err = s.transitionWithdrawal(ctx, key, agentID, action)
	}
	if err != nil {
		s.reportConsistency(ctx, "transition", key.Kind, key.RequestID, agentID, err)
		return nil, err
	}

	s.afterTransition(ctx, key, agentID, result.FromStage, result.ToStage)
	return result, nil
}

func (s *Service) transitionDeposit(ctx context.Context, key domain.LockKey, agentID string, action domain.Action) (*TransitionResult, error) {
	result := &TransitionResult{Kind: domain.RequestKindDeposit}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		deposit, err := tx.LockDeposit(ctx, key.RequestID)
		if err != nil {
			return err
		}
		if err := s.requireLock(ctx, tx, key, agentID); err != nil {
			return err
		}
		next, err := domain.NextDepositStage(deposit.Stage, key.Department, action)
		if err != nil {
			return err
		}

		// Finance sending a linked deposit back gives up the reservation made
		// on assignment so the withdrawal can be matched again.
		if deposit.Stage == domain.DepositStageOperations && action == domain.ActionReject && deposit.IsLinked() {
			withdrawal, err := s.releaseAssignedHold(ctx, tx, deposit)
			if err != nil {
				return err
			}
			result.Withdrawal = withdrawal
			deposit.TargetID = nil
			deposit.TransferType = ""
		}

		result.FromStage = deposit.Stage.Name()
		deposit.Stage = next
		if err := tx.UpdateDeposit(ctx, deposit); err != nil {
			return err
		}
		if err := tx.ClearLock(ctx, key); err != nil {
			return err
		}
		result.ToStage = deposit.Stage.Name()
		result.Deposit = deposit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) releaseAssignedHold(ctx context.Context, tx store.Tx, deposit *domain.DepositRequest) (*domain.WithdrawalRequest, error) {
	withdrawal, err := tx.LockWithdrawal(ctx, *deposit.TargetID)
	if err != nil {
		return nil, err
	}
	withdrawal.AmountHold = withdrawal.AmountHold.Sub(deposit.Amount)
	if withdrawal.AmountHold.IsNegative() {
		return nil, &domain.ConsistencyError{
			Field:  "amount_hold",
			Detail: fmt.Sprintf("unlinking deposit %s would leave withdrawal %s hold at %s", deposit.ID, withdrawal.ID, withdrawal.AmountHold),
		}
	}
	if err := withdrawal.CheckBalances(); err != nil {
		return nil, err
	}
	if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
		return nil, err
	}
	return withdrawal, nil
}

func (s *Service) transitionWithdrawal(ctx context.Context, key domain.LockKey, agentID string, action domain.Action) (*TransitionResult, error) {
	result := &TransitionResult{Kind: domain.RequestKindWithdrawal}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var assigned []domain.DepositRequest
		if action == domain.ActionReject {
			// Deposits lock before their withdrawal.
			var err error
			if assigned, err = tx.LockAssignedDeposits(ctx, key.RequestID); err != nil {
				return err
			}
		}
		withdrawal, err := tx.LockWithdrawal(ctx, key.RequestID)
		if err != nil {
			return err
		}
		if err := s.requireLock(ctx, tx, key, agentID); err != nil {
			return err
		}
		next, err := domain.NextWithdrawalStage(withdrawal.Stage, key.Department, action)
		if err != nil {
			return err
		}
		if action == domain.ActionReject {
			if withdrawal.AmountPaid.IsPositive() {
				return fmt.Errorf("%w: paid=%s", ErrWithdrawalHasFunds, withdrawal.AmountPaid)
			}
			if err := s.releaseReservations(ctx, tx, withdrawal, assigned, result); err != nil {
				return err
			}
		}
		if next.IsTerminal() && withdrawal.HasOutstandingMoney() {
			return fmt.Errorf("%w: paid=%s hold=%s", ErrWithdrawalHasFunds, withdrawal.AmountPaid, withdrawal.AmountHold)
		}

		result.FromStage = withdrawal.Stage.Name()
		withdrawal.Stage = next
		if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		if err := tx.ClearLock(ctx, key); err != nil {
			return err
		}
		result.ToStage = withdrawal.Stage.Name()
		result.Withdrawal = withdrawal
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.reportReleasedReservations(ctx, key, agentID, result)
	return result, nil
}

// releaseReservations gives back everything held on a withdrawal that is being
// rejected. Assigned deposits return to operations unlinked and wizard holds are
// released to their cashtags. A deposit finance is working is never pulled back.
func (s *Service) releaseReservations(ctx context.Context, tx store.Tx, withdrawal *domain.WithdrawalRequest, assigned []domain.DepositRequest, result *TransitionResult) error {
	now := s.now()
	for i := range assigned {
		deposit := &assigned[i]
		financeKey := lockKey(domain.RequestKindDeposit, deposit.ID, domain.DepartmentFinance)
		lock, err := tx.CurrentLock(ctx, financeKey)
		if err != nil {
			return fmt.Errorf("read lock %s: %w", financeKey, err)
		}
		if err := liveLockContention(financeKey, lock, now); err != nil {
			return err
		}
		withdrawal.AmountHold = withdrawal.AmountHold.Sub(deposit.Amount)
		deposit.TargetID = nil
		deposit.TransferType = ""
		deposit.Stage = domain.DepositStageVerification
		if err := tx.UpdateDeposit(ctx, deposit); err != nil {
			return err
		}
		result.ReleasedDeposits = append(result.ReleasedDeposits, *deposit)
	}

	holds, err := tx.LockActiveHolds(ctx, withdrawal.ID)
	if err != nil {
		return err
	}
	for i := range holds {
		hold := &holds[i]
		cashtag, err := tx.LockCashtag(ctx, hold.CashtagID)
		if err != nil {
			return err
		}
		withdrawal.AmountHold = withdrawal.AmountHold.Sub(hold.Amount)
		if err := tx.UpdateCashtagBalance(ctx, cashtag.ID, cashtag.Balance.Add(hold.Amount)); err != nil {
			return err
		}
		if err := tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldStatusReleased); err != nil {
			return err
		}
		hold.Status = domain.HoldStatusReleased
		result.ReleasedHolds = append(result.ReleasedHolds, *hold)
	}

	if withdrawal.AmountHold.IsNegative() {
		return &domain.ConsistencyError{
			Field:  "amount_hold",
			Detail: fmt.Sprintf("releasing reservations on withdrawal %s would leave hold at %s", withdrawal.ID, withdrawal.AmountHold),
		}
	}
	return withdrawal.CheckBalances()
}

func (s *Service) reportReleasedReservations(ctx context.Context, key domain.LockKey, agentID string, result *TransitionResult) {
	for _, deposit := range result.ReleasedDeposits {
		amount := deposit.Amount
		s.metrics.hold("released", decimalFloat(amount))
		s.metrics.transition(string(domain.RequestKindDeposit), domain.DepositStageOperations.Name(), deposit.Stage.Name())
		log.Printf("level=info component=service flow=transition msg=\"assigned deposit released\" withdrawal_id=%s deposit_id=%s agent=%s amount=%s", key.RequestID, deposit.ID, agentID, amount)
		s.events.emit(ctx, domain.LifecycleEvent{
			Type:         domain.EventStageChanged,
			Kind:         domain.RequestKindDeposit,
			RequestID:    deposit.ID,
			AgentID:      agentID,
			FromStage:    domain.DepositStageOperations.Name(),
			ToStage:      deposit.Stage.Name(),
			WithdrawalID: &key.RequestID,
			Amount:       &amount,
		})
	}
	for _, hold := range result.ReleasedHolds {
		amount := hold.Amount
		s.metrics.hold("released", decimalFloat(amount))
		log.Printf("level=info component=service flow=transition msg=\"hold released\" withdrawal_id=%s hold_id=%s agent=%s amount=%s", key.RequestID, hold.ID, agentID, amount)
		s.events.emit(ctx, domain.LifecycleEvent{
			Type:       domain.EventHoldReleased,
			Kind:       domain.RequestKindWithdrawal,
			RequestID:  key.RequestID,
			Department: key.Department,
			AgentID:    agentID,
			Amount:     &amount,
		})
	}
}

// liveLockContention reports a live lease as contention.
func liveLockContention(key domain.LockKey, lock *domain.Lock, now time.Time) error {
	if lock.Status != domain.LockStatusInProcess || lock.Expired(now) {
		return nil
	}
	contention := &domain.ContentionError{Key: key, AcquiredAt: lock.AcquiredAt}
	if lock.HeldBy != nil {
		contention.Holder = *lock.HeldBy
	}
	return contention
}

func (s *Service) afterTransition(ctx context.Context, key domain.LockKey, agentID, fromStage, toStage string) {
	s.metrics.transition(string(key.Kind), fromStage, toStage)
	s.metrics.lockReleased(string(key.Kind), string(key.Department), "transition")
	log.Printf("level=info component=service flow=transition msg=\"stage changed\" key=%s agent=%s from=%s to=%s", key, agentID, fromStage, toStage)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventStageChanged,
		Kind:       key.Kind,
		RequestID:  key.RequestID,
		Department: key.Department,
		AgentID:    agentID,
		FromStage:  fromStage,
		ToStage:    toStage,
	})
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:       domain.EventLockReleased,
		Kind:       key.Kind,
		RequestID:  key.RequestID,
		Department: key.Department,
		AgentID:    agentID,
	})
}

// SweepExpiredLocks resets every lock whose lease lapsed.
func (s *Service) SweepExpiredLocks(ctx context.Context) ([]domain.Lock, error) {
	reclaimed, err := s.repo.ReclaimExpiredLocks(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim expired locks: %w", err)
	}
	s.metrics.reclaimed(len(reclaimed))
	for _, lock := range reclaimed {
		holder := ""
		if lock.HeldBy != nil {
			holder = *lock.HeldBy
		}
		log.Printf("level=info component=service flow=lock_sweep msg=\"expired lease reclaimed\" key=%s previous_holder=%s", lock.Key, holder)
		s.events.emit(ctx, domain.LifecycleEvent{
			Type:       domain.EventLockReclaimed,
			Kind:       lock.Key.Kind,
			RequestID:  lock.Key.RequestID,
			Department: lock.Key.Department,
			AgentID:    holder,
		})
	}
	return reclaimed, nil
}

// lockKey is a small constructor used by the flows that imply a department.
func lockKey(kind domain.RequestKind, requestID uuid.UUID, dept domain.Department) domain.LockKey {
	return domain.LockKey{Kind: kind, RequestID: requestID, Department: dept}
}
