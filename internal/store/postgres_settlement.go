package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
)

// WithinTx runs fn in a single transaction and commits only if fn succeeds.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockDeposit(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error) {
	return findDeposit(ctx, t.tx, depositID, true)
}

func (t *postgresTx) LockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return findWithdrawal(ctx, t.tx, withdrawalID, true)
}

func (t *postgresTx) LockHold(ctx context.Context, holdID uuid.UUID) (*domain.WithdrawalHold, error) {
	return findHold(ctx, t.tx, holdID, true)
}

func (t *postgresTx) LockAssignedDeposits(ctx context.Context, withdrawalID uuid.UUID) ([]domain.DepositRequest, error) {
	query := `SELECT ` + depositColumns + ` FROM deposit_requests
		WHERE target_id = $1 AND stage = $2
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`
	rows, err := t.tx.Query(ctx, query, withdrawalID, string(domain.DepositStageOperations))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []domain.DepositRequest
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *deposit)
	}
	return deposits, rows.Err()
}

func (t *postgresTx) LockActiveHolds(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error) {
	query := `SELECT ` + holdColumns + ` FROM withdrawal_holds
		WHERE withdrawal_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`
	rows, err := t.tx.Query(ctx, query, withdrawalID, string(domain.HoldStatusHeld))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []domain.WithdrawalHold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, *hold)
	}
	return holds, rows.Err()
}

func (t *postgresTx) LockCashtag(ctx context.Context, cashtagID uuid.UUID) (*domain.CashtagBalance, error) {
	var (
		cashtag    domain.CashtagBalance
		balanceStr string
	)
	query := `SELECT id, tag, payment_method, balance::text FROM cashtags WHERE id = $1 FOR UPDATE`
	err := t.tx.QueryRow(ctx, query, cashtagID).Scan(&cashtag.ID, &cashtag.Tag, &cashtag.PaymentMethod, &balanceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCashtagNotFound
		}
		return nil, err
	}
	if cashtag.Balance, err = parseMoney(balanceStr); err != nil {
		return nil, err
	}
	return &cashtag, nil
}

func (t *postgresTx) CurrentLock(ctx context.Context, key domain.LockKey) (*domain.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM request_locks
		WHERE request_kind = $1 AND request_id = $2 AND department = $3
		FOR UPDATE`
	return scanLockOrIdle(t.tx.QueryRow(ctx, query, string(key.Kind), key.RequestID, string(key.Department)), key)
}

func (t *postgresTx) PlayerPaymentMethods(ctx context.Context, playerID uuid.UUID) ([]domain.PlayerPaymentMethod, error) {
	query := `SELECT player_id, payment_method, handle FROM player_payment_methods WHERE player_id = $1 ORDER BY payment_method`
	rows, err := t.tx.Query(ctx, query, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []domain.PlayerPaymentMethod
	for rows.Next() {
		var method domain.PlayerPaymentMethod
		if err := rows.Scan(&method.PlayerID, &method.PaymentMethod, &method.Handle); err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, rows.Err()
}

func (t *postgresTx) UpdateDeposit(ctx context.Context, deposit *domain.DepositRequest) error {
	query := `
		UPDATE deposit_requests
		SET stage = $1, target_id = $2, transfer_type = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`
	err := t.tx.QueryRow(ctx, query, string(deposit.Stage), deposit.TargetID, deposit.TransferType, deposit.ID).Scan(&deposit.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDepositNotFound
		}
		return fmt.Errorf("update deposit request: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error {
	query := `
		UPDATE withdrawal_requests
		SET amount_paid = $1::numeric, amount_hold = $2::numeric, stage = $3, cashtag_id = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		withdrawal.AmountPaid.String(), withdrawal.AmountHold.String(), string(withdrawal.Stage),
		withdrawal.CashtagID, withdrawal.ID,
	).Scan(&withdrawal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWithdrawalNotFound
		}
		if isCheckViolation(err) {
			return &domain.ConsistencyError{Field: "withdrawal_requests", Detail: err.Error()}
		}
		return fmt.Errorf("update withdrawal request: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateCashtagBalance(ctx context.Context, cashtagID uuid.UUID, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE cashtags SET balance = $1::numeric, updated_at = NOW() WHERE id = $2`, balance.String(), cashtagID)
	if err != nil {
		if isCheckViolation(err) {
			return &domain.ConsistencyError{Field: "cashtags.balance", Detail: err.Error()}
		}
		return fmt.Errorf("update cashtag balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCashtagNotFound
	}
	return nil
}

func (t *postgresTx) InsertHold(ctx context.Context, hold *domain.WithdrawalHold) error {
	query := `
		INSERT INTO withdrawal_holds (
			id, withdrawal_id, cashtag_id, payment_method, amount, status, created_by
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		hold.ID, hold.WithdrawalID, hold.CashtagID, hold.PaymentMethod, hold.Amount.String(),
		string(hold.Status), hold.CreatedBy,
	).Scan(&hold.CreatedAt, &hold.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal hold: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateHoldStatus(ctx context.Context, holdID uuid.UUID, status domain.HoldStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE withdrawal_holds SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), holdID)
	if err != nil {
		return fmt.Errorf("update withdrawal hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (t *postgresTx) ClearLock(ctx context.Context, key domain.LockKey) error {
	return clearLock(ctx, t.tx, key)
}
