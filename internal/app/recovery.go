package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

// RecoverSession re-attaches an agent to the locks it still holds after a page
// reload. Each live lease is renewed and returned with the request snapshot so
// the dashboard can reopen the editing view. Expired leases are left to the sweeper.
func (s *Service) RecoverSession(ctx context.Context, agentID string) ([]domain.HeldLock, error) {
	now := s.now()
	locks, err := s.repo.ListLocksHeldBy(ctx, agentID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list held locks: %w", err)
	}

	held := make([]domain.HeldLock, 0, len(locks))
	for _, lock := range locks {
		renewed, err := s.repo.RenewLock(ctx, lock.Key, agentID, now, now.Add(s.leaseTTL))
		if err != nil {
			if errors.Is(err, domain.ErrLockNotHeld) {
				// Lost between the list and the renew; nothing to reopen.
				continue
			}
			return nil, fmt.Errorf("failed to renew lock %s: %w", lock.Key, err)
		}

		entry := domain.HeldLock{Lock: *renewed}
		switch lock.Key.Kind {
		case domain.RequestKindDeposit:
			deposit, err := s.repo.FindDepositByID(ctx, lock.Key.RequestID)
			if err != nil {
				if errors.Is(err, store.ErrDepositNotFound) {
					log.Printf("level=warn component=service flow=recovery msg=\"lock references missing deposit\" key=%s", lock.Key)
					continue
				}
				return nil, err
			}
			entry.Deposit = deposit
		case domain.RequestKindWithdrawal:
			withdrawal, err := s.repo.FindWithdrawalByID(ctx, lock.Key.RequestID)
			if err != nil {
				if errors.Is(err, store.ErrWithdrawalNotFound) {
					log.Printf("level=warn component=service flow=recovery msg=\"lock references missing withdrawal\" key=%s", lock.Key)
					continue
				}
				return nil, err
			}
			entry.Withdrawal = withdrawal
		}
		held = append(held, entry)
	}

	if len(held) > 0 {
		log.Printf("level=info component=service flow=recovery msg=\"session recovered\" agent=%s locks=%d", agentID, len(held))
	}
	return held, nil
}
