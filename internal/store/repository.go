/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the cashflow-service. Business rules live in the
 * app package; the repository supplies queries, the compare-and-set lock writes and a
 * unit of work (`WithinTx`) whose row locks make multi-record updates atomic.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
)

var (
	ErrDepositNotFound    = errors.New("deposit request not found")
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	ErrCashtagNotFound    = errors.New("cashtag not found")
	ErrHoldNotFound       = errors.New("withdrawal hold not found")
	ErrDuplicateReference = errors.New("request reference already exists")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Request methods
	CreateDeposit(ctx context.Context, deposit *domain.DepositRequest) error
	FindDepositByID(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error)
	ListDeposits(ctx context.Context, opts domain.DepositListOptions) ([]domain.DepositRequest, error)
	CreateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error
	FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, opts domain.WithdrawalListOptions) ([]domain.WithdrawalRequest, error)
	// ListAssignableWithdrawals returns the matcher pool: assignable stages with at
	// least minAvailable left to fill and, when paymentMethod is set, a matching
	// withdrawal or player method. Rows come tightest fit first, oldest first.
	ListAssignableWithdrawals(ctx context.Context, minAvailable decimal.Decimal, paymentMethod string) ([]domain.WithdrawalRequest, error)

	// Reference data (read-only, owned by the CRUD screens)
	ListPlayerPaymentMethods(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID][]domain.PlayerPaymentMethod, error)
	ListCashtagsByPaymentMethods(ctx context.Context, paymentMethods []string) ([]domain.CashtagBalance, error)

	// Hold methods
	FindHoldByID(ctx context.Context, holdID uuid.UUID) (*domain.WithdrawalHold, error)
	ListHoldsByWithdrawal(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error)

	// Lock methods
	// AcquireLock is a single compare-and-set write. It returns a
	// *domain.ContentionError when another agent holds a live lease.
	AcquireLock(ctx context.Context, key domain.LockKey, agentID string, now time.Time, leaseUntil time.Time) (*domain.Lock, error)
	FindLock(ctx context.Context, key domain.LockKey) (*domain.Lock, error)
	RenewLock(ctx context.Context, key domain.LockKey, agentID string, now time.Time, leaseUntil time.Time) (*domain.Lock, error)
	// ReleaseLock is idempotent for the holder and for idle locks; it returns
	// domain.ErrLockNotHeld when someone else holds the lock.
	ReleaseLock(ctx context.Context, key domain.LockKey, agentID string) error
	ForceReleaseLock(ctx context.Context, key domain.LockKey) (bool, error)
	ListLocksHeldBy(ctx context.Context, agentID string, now time.Time) ([]domain.Lock, error)
	ReclaimExpiredLocks(ctx context.Context, now time.Time) ([]domain.Lock, error)

	// WithinTx runs fn inside one database transaction. The Tx must not escape fn.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes row-locking reads and writes that only make sense inside a
// transaction. Callers lock rows in the order deposit, withdrawal, hold, cashtag.
type Tx interface {
	LockDeposit(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error)
	LockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error)
	LockHold(ctx context.Context, holdID uuid.UUID) (*domain.WithdrawalHold, error)
	LockCashtag(ctx context.Context, cashtagID uuid.UUID) (*domain.CashtagBalance, error)
	// LockAssignedDeposits locks the unsettled deposits reserved on a withdrawal.
	LockAssignedDeposits(ctx context.Context, withdrawalID uuid.UUID) ([]domain.DepositRequest, error)
	// LockActiveHolds locks the wizard holds still in status held.
	LockActiveHolds(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error)
	// CurrentLock reads the lock row FOR UPDATE; a missing row is an idle lock.
	CurrentLock(ctx context.Context, key domain.LockKey) (*domain.Lock, error)
	PlayerPaymentMethods(ctx context.Context, playerID uuid.UUID) ([]domain.PlayerPaymentMethod, error)

	UpdateDeposit(ctx context.Context, deposit *domain.DepositRequest) error
	UpdateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error
	UpdateCashtagBalance(ctx context.Context, cashtagID uuid.UUID, balance decimal.Decimal) error
	InsertHold(ctx context.Context, hold *domain.WithdrawalHold) error
	UpdateHoldStatus(ctx context.Context, holdID uuid.UUID, status domain.HoldStatus) error
	// ClearLock resets a lock to idle. Ownership must already be verified.
	ClearLock(ctx context.Context, key domain.LockKey) error
}
