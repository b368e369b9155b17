package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/cashflow-service/internal/domain"
)

const lockColumns = `request_kind, request_id, department, status, held_by, acquired_at, lease_expires_at`

func scanLock(row pgx.Row) (*domain.Lock, error) {
	var (
		lock                     domain.Lock
		kind, department, status string
	)
	err := row.Scan(&kind, &lock.Key.RequestID, &department, &status, &lock.HeldBy, &lock.AcquiredAt, &lock.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	lock.Key.Kind = domain.RequestKind(kind)
	lock.Key.Department = domain.Department(department)
	lock.Status = domain.LockStatus(status)
	return &lock, nil
}

func scanLockOrIdle(row pgx.Row, key domain.LockKey) (*domain.Lock, error) {
	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IdleLock(key), nil
		}
		return nil, err
	}
	return lock, nil
}

func clearLock(ctx context.Context, q queryer, key domain.LockKey) error {
	query := `
		UPDATE request_locks
		SET status = 'idle', held_by = NULL, acquired_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE request_kind = $1 AND request_id = $2 AND department = $3
	`
	if _, err := q.Exec(ctx, query, string(key.Kind), key.RequestID, string(key.Department)); err != nil {
		return fmt.Errorf("clear lock %s: %w", key, err)
	}
	return nil
}

// AcquireLock takes the lock with one conditional upsert. The row is only
// overwritten when it is idle, its lease has lapsed, or the caller already
// holds it (which renews the lease). Zero returned rows means contention.
func (r *PostgresRepository) AcquireLock(ctx context.Context, key domain.LockKey, agentID string, now time.Time, leaseUntil time.Time) (*domain.Lock, error) {
	query := `
		INSERT INTO request_locks (
			request_kind, request_id, department, status, held_by, acquired_at, lease_expires_at, updated_at
		)
		VALUES ($1, $2, $3, 'in_process', $4, $5, $6, $5)
		ON CONFLICT (request_kind, request_id, department) DO UPDATE
		SET status = 'in_process',
			held_by = EXCLUDED.held_by,
			acquired_at = CASE
				WHEN request_locks.status = 'in_process'
					AND request_locks.held_by = EXCLUDED.held_by
					AND request_locks.lease_expires_at > EXCLUDED.acquired_at
				THEN request_locks.acquired_at
				ELSE EXCLUDED.acquired_at
			END,
			lease_expires_at = EXCLUDED.lease_expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE request_locks.status = 'idle'
			OR request_locks.lease_expires_at IS NULL
			OR request_locks.lease_expires_at <= EXCLUDED.acquired_at
			OR request_locks.held_by = EXCLUDED.held_by
		RETURNING ` + lockColumns

	lock, err := scanLock(r.db.QueryRow(ctx, query, string(key.Kind), key.RequestID, string(key.Department), agentID, now, leaseUntil))
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	contention := &domain.ContentionError{Key: key}
	if current, findErr := r.FindLock(ctx, key); findErr == nil && current.HeldBy != nil {
		contention.Holder = *current.HeldBy
		contention.AcquiredAt = current.AcquiredAt
	}
	return nil, contention
}

// FindLock reads a lock; a missing row is reported as an idle lock.
func (r *PostgresRepository) FindLock(ctx context.Context, key domain.LockKey) (*domain.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM request_locks
		WHERE request_kind = $1 AND request_id = $2 AND department = $3`
	return scanLockOrIdle(r.db.QueryRow(ctx, query, string(key.Kind), key.RequestID, string(key.Department)), key)
}

// RenewLock extends a live lease held by agentID.
func (r *PostgresRepository) RenewLock(ctx context.Context, key domain.LockKey, agentID string, now time.Time, leaseUntil time.Time) (*domain.Lock, error) {
	query := `
		UPDATE request_locks
		SET lease_expires_at = $5, updated_at = $6
		WHERE request_kind = $1 AND request_id = $2 AND department = $3
			AND status = 'in_process' AND held_by = $4 AND lease_expires_at > $6
		RETURNING ` + lockColumns
	lock, err := scanLock(r.db.QueryRow(ctx, query, string(key.Kind), key.RequestID, string(key.Department), agentID, leaseUntil, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLockNotHeld
		}
		return nil, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return lock, nil
}

// ReleaseLock resets the lock when the caller holds it. Releasing an idle lock
// is a no-op, so repeated releases never fail.
func (r *PostgresRepository) ReleaseLock(ctx context.Context, key domain.LockKey, agentID string) error {
	query := `
		UPDATE request_locks
		SET status = 'idle', held_by = NULL, acquired_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE request_kind = $1 AND request_id = $2 AND department = $3
			AND status = 'in_process' AND held_by = $4
	`
	tag, err := r.db.Exec(ctx, query, string(key.Kind), key.RequestID, string(key.Department), agentID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := r.FindLock(ctx, key)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if current.Status == domain.LockStatusIdle {
		return nil
	}
	return domain.ErrLockNotHeld
}

// ForceReleaseLock resets a lock regardless of holder. It reports whether a
// held lock was actually cleared.
func (r *PostgresRepository) ForceReleaseLock(ctx context.Context, key domain.LockKey) (bool, error) {
	query := `
		UPDATE request_locks
		SET status = 'idle', held_by = NULL, acquired_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE request_kind = $1 AND request_id = $2 AND department = $3 AND status = 'in_process'
	`
	tag, err := r.db.Exec(ctx, query, string(key.Kind), key.RequestID, string(key.Department))
	if err != nil {
		return false, fmt.Errorf("force release lock %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListLocksHeldBy returns the live locks held by an agent.
func (r *PostgresRepository) ListLocksHeldBy(ctx context.Context, agentID string, now time.Time) ([]domain.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM request_locks
		WHERE status = 'in_process' AND held_by = $1 AND lease_expires_at > $2
		ORDER BY acquired_at ASC`
	rows, err := r.db.Query(ctx, query, agentID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []domain.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *lock)
	}
	return locks, rows.Err()
}

// ReclaimExpiredLocks resets every lapsed lease and returns what it reclaimed.
// The returned rows carry the previous holder for auditing.
func (r *PostgresRepository) ReclaimExpiredLocks(ctx context.Context, now time.Time) ([]domain.Lock, error) {
	query := `
		WITH expired AS (
			SELECT request_kind, request_id, department, held_by, acquired_at, lease_expires_at
			FROM request_locks
			WHERE status = 'in_process' AND lease_expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE request_locks AS l
		SET status = 'idle', held_by = NULL, acquired_at = NULL, lease_expires_at = NULL, updated_at = $1
		FROM expired
		WHERE l.request_kind = expired.request_kind
			AND l.request_id = expired.request_id
			AND l.department = expired.department
		RETURNING expired.request_kind, expired.request_id, expired.department, 'in_process',
			expired.held_by, expired.acquired_at, expired.lease_expires_at
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired locks: %w", err)
	}
	defer rows.Close()

	var reclaimed []domain.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, *lock)
	}
	return reclaimed, rows.Err()
}
