package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

// AssignmentResult is returned when operations links a deposit to a withdrawal.
type AssignmentResult struct {
	Deposit    *domain.DepositRequest    `json:"deposit"`
	Withdrawal *domain.WithdrawalRequest `json:"withdrawal"`
}

// FindCandidates proposes open withdrawals a deposit could fund. Matching is
// advisory; an agent confirms one through AssignDeposit.
func (s *Service) FindCandidates(ctx context.Context, depositID uuid.UUID) ([]domain.MatchCandidate, error) {
	deposit, err := s.repo.FindDepositByID(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if deposit.Stage.IsTerminal() {
		return nil, fmt.Errorf("%w: deposit is %s", domain.ErrRequestTerminal, deposit.Stage.Name())
	}

	pool, err := s.repo.ListAssignableWithdrawals(ctx, deposit.Amount, deposit.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignable withdrawals: %w", err)
	}

	var methods map[uuid.UUID][]domain.PlayerPaymentMethod
	if normalizeMethod(deposit.PaymentMethod) != "" && len(pool) > 0 {
		playerIDs := make([]uuid.UUID, 0, len(pool))
		seen := make(map[uuid.UUID]struct{}, len(pool))
		for _, withdrawal := range pool {
			if _, ok := seen[withdrawal.PlayerID]; ok {
				continue
			}
			seen[withdrawal.PlayerID] = struct{}{}
			playerIDs = append(playerIDs, withdrawal.PlayerID)
		}
		methods, err = s.repo.ListPlayerPaymentMethods(ctx, playerIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load player payment methods: %w", err)
		}
	}

	return rankCandidates(deposit, pool, methods), nil
}

// rankCandidates filters the pool and orders it by tightest fit, oldest first.
func rankCandidates(deposit *domain.DepositRequest, pool []domain.WithdrawalRequest, methods map[uuid.UUID][]domain.PlayerPaymentMethod) []domain.MatchCandidate {
	candidates := make([]domain.MatchCandidate, 0, len(pool))
	for _, withdrawal := range pool {
		if !withdrawal.Stage.IsAssignable() {
			continue
		}
		available, err := withdrawal.AmountAvailable()
		if err != nil {
			log.Printf("level=warn component=service flow=matcher msg=\"skipping inconsistent withdrawal\" withdrawal_id=%s err=%v", withdrawal.ID, err)
			continue
		}
		if deposit.Amount.GreaterThan(available) {
			continue
		}
		if !paymentMethodCompatible(deposit.PaymentMethod, withdrawal, methods[withdrawal.PlayerID]) {
			continue
		}
		candidates = append(candidates, domain.MatchCandidate{
			Withdrawal: withdrawal,
			Available:  available,
			Slack:      available.Sub(deposit.Amount),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if cmp := candidates[i].Slack.Cmp(candidates[j].Slack); cmp != 0 {
			return cmp < 0
		}
		return candidates[i].Withdrawal.CreatedAt.Before(candidates[j].Withdrawal.CreatedAt)
	})
	return candidates
}

func normalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}

// paymentMethodCompatible compares case-insensitively against the withdrawal's
// own method and the player's registered methods. A deposit without a method
// matches everything.
func paymentMethodCompatible(depositMethod string, withdrawal domain.WithdrawalRequest, playerMethods []domain.PlayerPaymentMethod) bool {
	want := normalizeMethod(depositMethod)
	if want == "" {
		return true
	}
	if normalizeMethod(withdrawal.PaymentMethod) == want {
		return true
	}
	for _, method := range playerMethods {
		if normalizeMethod(method.PaymentMethod) == want {
			return true
		}
	}
	return false
}

// AssignDeposit links a deposit to a confirmed candidate. Filters are re-checked
// on locked rows, the deposit amount is reserved on the withdrawal and the
// operations lock is released, all in one transaction.
func (s *Service) AssignDeposit(ctx context.Context, depositID uuid.UUID, agentID string, req domain.AssignmentRequest) (*AssignmentResult, error) {
	transferType, err := domain.NormalizeTransferType(strings.TrimSpace(req.TransferType))
	if err != nil {
		return nil, err
	}
	if req.WithdrawalID == uuid.Nil {
		return nil, ErrCandidateMismatch
	}

	key := lockKey(domain.RequestKindDeposit, depositID, domain.DepartmentOperations)
	result := &AssignmentResult{}
	var fromStage string
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		deposit, err := tx.LockDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := s.requireLock(ctx, tx, key, agentID); err != nil {
			return err
		}
		next, err := domain.NextDepositStage(deposit.Stage, domain.DepartmentOperations, domain.ActionAssign)
		if err != nil {
			return err
		}
		if deposit.IsLinked() {
			return fmt.Errorf("%w: deposit already linked to %s", domain.ErrIllegalTransition, *deposit.TargetID)
		}

		withdrawal, err := tx.LockWithdrawal(ctx, req.WithdrawalID)
		if err != nil {
			return err
		}
		if !withdrawal.Stage.IsAssignable() {
			return fmt.Errorf("%w: withdrawal is %s", ErrCandidateMismatch, withdrawal.Stage.Name())
		}
		available, err := withdrawal.AmountAvailable()
		if err != nil {
			return err
		}
		if deposit.Amount.GreaterThan(available) {
			return fmt.Errorf("%w: deposit %s exceeds available %s", ErrCandidateMismatch, deposit.Amount, available)
		}
		if normalizeMethod(deposit.PaymentMethod) != "" {
			playerMethods, err := tx.PlayerPaymentMethods(ctx, withdrawal.PlayerID)
			if err != nil {
				return err
			}
			if !paymentMethodCompatible(deposit.PaymentMethod, *withdrawal, playerMethods) {
				return fmt.Errorf("%w: payment method %q", ErrCandidateMismatch, deposit.PaymentMethod)
			}
		}

		withdrawal.AmountHold = withdrawal.AmountHold.Add(deposit.Amount)
		if err := withdrawal.CheckBalances(); err != nil {
			return err
		}
		fromStage = deposit.Stage.Name()
		targetID := withdrawal.ID
		deposit.TargetID = &targetID
		deposit.TransferType = transferType
		deposit.Stage = next

		if err := tx.UpdateDeposit(ctx, deposit); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		if err := tx.ClearLock(ctx, key); err != nil {
			return err
		}
		result.Deposit = deposit
		result.Withdrawal = withdrawal
		return nil
	})
	if err != nil {
		s.reportConsistency(ctx, "assignment", domain.RequestKindDeposit, depositID, agentID, err)
		return nil, err
	}

	amount := result.Deposit.Amount
	s.metrics.hold("reserved", decimalFloat(amount))
	log.Printf("level=info component=service flow=assignment msg=\"deposit assigned\" deposit_id=%s withdrawal_id=%s agent=%s amount=%s transfer_type=%s", depositID, result.Withdrawal.ID, agentID, amount, transferType)
	s.events.emit(ctx, domain.LifecycleEvent{
		Type:         domain.EventDepositAssigned,
		Kind:         domain.RequestKindDeposit,
		RequestID:    depositID,
		Department:   domain.DepartmentOperations,
		AgentID:      agentID,
		Amount:       &amount,
		WithdrawalID: &result.Withdrawal.ID,
		Detail:       transferType,
	})
	s.afterTransition(ctx, key, agentID, fromStage, result.Deposit.Stage.Name())
	return result, nil
}
