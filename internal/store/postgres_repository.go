/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for deposit and withdrawal requests, reference data, holds and
 * the transactional unit of work used by settlement, assignment and lifecycle moves.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Money values, scanned from NUMERIC via ::text.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/cashflow-service/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

const depositColumns = `
	id, reference, player_id, amount::text, payment_method, target_id,
	transfer_type, stage, created_by, created_at, updated_at`

const withdrawalColumns = `
	id, reference, player_id, total_amount::text, amount_paid::text, amount_hold::text,
	payment_method, cashtag_id, stage, created_by, created_at, updated_at`

const holdColumns = `
	id, withdrawal_id, cashtag_id, payment_method, amount::text, status,
	created_by, created_at, updated_at`

// queryer is satisfied by both the pool and a pgx.Tx.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

func parseMoney(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse money %q: %w", raw, err)
	}
	return value, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func scanDeposit(row pgx.Row) (*domain.DepositRequest, error) {
	var (
		deposit   domain.DepositRequest
		amountStr string
		stage     string
	)
	err := row.Scan(
		&deposit.ID, &deposit.Reference, &deposit.PlayerID, &amountStr, &deposit.PaymentMethod,
		&deposit.TargetID, &deposit.TransferType, &stage, &deposit.CreatedBy,
		&deposit.CreatedAt, &deposit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deposit.Amount, err = parseMoney(amountStr); err != nil {
		return nil, err
	}
	if deposit.Stage, err = domain.ParseDepositStage(stage); err != nil {
		return nil, err
	}
	return &deposit, nil
}

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var (
		withdrawal                 domain.WithdrawalRequest
		totalStr, paidStr, holdStr string
		stage                      string
	)
	err := row.Scan(
		&withdrawal.ID, &withdrawal.Reference, &withdrawal.PlayerID, &totalStr, &paidStr, &holdStr,
		&withdrawal.PaymentMethod, &withdrawal.CashtagID, &stage, &withdrawal.CreatedBy,
		&withdrawal.CreatedAt, &withdrawal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if withdrawal.TotalAmount, err = parseMoney(totalStr); err != nil {
		return nil, err
	}
	if withdrawal.AmountPaid, err = parseMoney(paidStr); err != nil {
		return nil, err
	}
	if withdrawal.AmountHold, err = parseMoney(holdStr); err != nil {
		return nil, err
	}
	if withdrawal.Stage, err = domain.ParseWithdrawalStage(stage); err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

func scanHold(row pgx.Row) (*domain.WithdrawalHold, error) {
	var (
		hold      domain.WithdrawalHold
		amountStr string
		status    string
	)
	err := row.Scan(
		&hold.ID, &hold.WithdrawalID, &hold.CashtagID, &hold.PaymentMethod, &amountStr, &status,
		&hold.CreatedBy, &hold.CreatedAt, &hold.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if hold.Amount, err = parseMoney(amountStr); err != nil {
		return nil, err
	}
	hold.Status = domain.HoldStatus(status)
	return &hold, nil
}

func collectWithdrawals(rows pgx.Rows) ([]domain.WithdrawalRequest, error) {
	defer rows.Close()
	var withdrawals []domain.WithdrawalRequest
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *withdrawal)
	}
	return withdrawals, rows.Err()
}

// CreateDeposit inserts a new deposit request in the submitted stage.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, deposit *domain.DepositRequest) error {
	query := `
		INSERT INTO deposit_requests (
			id, reference, player_id, amount, payment_method, transfer_type, stage, created_by
		)
		VALUES ($1, $2, $3, $4::numeric, $5, '', $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		deposit.ID, deposit.Reference, deposit.PlayerID, deposit.Amount.String(),
		deposit.PaymentMethod, string(deposit.Stage), deposit.CreatedBy,
	).Scan(&deposit.CreatedAt, &deposit.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert deposit request: %w", err)
	}
	return nil
}

// FindDepositByID retrieves a deposit request by its ID.
func (r *PostgresRepository) FindDepositByID(ctx context.Context, depositID uuid.UUID) (*domain.DepositRequest, error) {
	return findDeposit(ctx, r.db, depositID, false)
}

func findDeposit(ctx context.Context, q queryer, depositID uuid.UUID, forUpdate bool) (*domain.DepositRequest, error) {
	query := `SELECT ` + depositColumns + ` FROM deposit_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	deposit, err := scanDeposit(q.QueryRow(ctx, query, depositID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, err
	}
	return deposit, nil
}

// ListDeposits returns a deposit work queue, oldest first.
func (r *PostgresRepository) ListDeposits(ctx context.Context, opts domain.DepositListOptions) ([]domain.DepositRequest, error) {
	query := `SELECT ` + depositColumns + ` FROM deposit_requests`
	args := []any{}
	if opts.Stage != nil {
		args = append(args, string(*opts.Stage))
		query += fmt.Sprintf(` WHERE stage = $%d`, len(args))
	}
	args = append(args, clampLimit(opts.Limit), max(opts.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
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

// CreateWithdrawal inserts a new withdrawal request with empty accumulators.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error {
	query := `
		INSERT INTO withdrawal_requests (
			id, reference, player_id, total_amount, amount_paid, amount_hold,
			payment_method, stage, created_by
		)
		VALUES ($1, $2, $3, $4::numeric, 0, 0, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		withdrawal.ID, withdrawal.Reference, withdrawal.PlayerID, withdrawal.TotalAmount.String(),
		withdrawal.PaymentMethod, string(withdrawal.Stage), withdrawal.CreatedBy,
	).Scan(&withdrawal.CreatedAt, &withdrawal.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert withdrawal request: %w", err)
	}
	return nil
}

// FindWithdrawalByID retrieves a withdrawal request by its ID.
func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return findWithdrawal(ctx, r.db, withdrawalID, false)
}

func findWithdrawal(ctx context.Context, q queryer, withdrawalID uuid.UUID, forUpdate bool) (*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	withdrawal, err := scanWithdrawal(q.QueryRow(ctx, query, withdrawalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return withdrawal, nil
}

// ListWithdrawals returns a withdrawal work queue, oldest first.
func (r *PostgresRepository) ListWithdrawals(ctx context.Context, opts domain.WithdrawalListOptions) ([]domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests`
	args := []any{}
	if len(opts.Stages) > 0 {
		stages := make([]string, 0, len(opts.Stages))
		for _, stage := range opts.Stages {
			stages = append(stages, string(stage))
		}
		args = append(args, stages)
		query += fmt.Sprintf(` WHERE stage = ANY($%d)`, len(args))
	}
	args = append(args, clampLimit(opts.Limit), max(opts.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

// ListAssignableWithdrawals filters and ranks the matcher pool in SQL, so the
// capped result is always the best fitting candidates rather than the oldest.
func (r *PostgresRepository) ListAssignableWithdrawals(ctx context.Context, minAvailable decimal.Decimal, paymentMethod string) ([]domain.WithdrawalRequest, error) {
	stages := make([]string, 0, 3)
	for _, stage := range domain.AssignableWithdrawalStages() {
		stages = append(stages, string(stage))
	}
	query := `
		SELECT ` + withdrawalColumns + `
		FROM withdrawal_requests w
		WHERE w.stage = ANY($1)
		  AND w.total_amount - w.amount_paid - w.amount_hold >= $2::numeric
		  AND (
			$3::text = ''
			OR lower(btrim(w.payment_method)) = $3::text
			OR EXISTS (
				SELECT 1 FROM player_payment_methods m
				WHERE m.player_id = w.player_id AND lower(btrim(m.payment_method)) = $3::text
			)
		  )
		ORDER BY w.total_amount - w.amount_paid - w.amount_hold ASC, w.created_at ASC, w.id ASC
		LIMIT $4
	`
	method := strings.ToLower(strings.TrimSpace(paymentMethod))
	rows, err := r.db.Query(ctx, query, stages, minAvailable.String(), method, maxListLimit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

// ListPlayerPaymentMethods returns the registered payment methods for each player.
func (r *PostgresRepository) ListPlayerPaymentMethods(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID][]domain.PlayerPaymentMethod, error) {
	result := make(map[uuid.UUID][]domain.PlayerPaymentMethod, len(playerIDs))
	if len(playerIDs) == 0 {
		return result, nil
	}
	query := `
		SELECT player_id, payment_method, handle
		FROM player_payment_methods
		WHERE player_id = ANY($1)
		ORDER BY player_id, payment_method
	`
	rows, err := r.db.Query(ctx, query, playerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var method domain.PlayerPaymentMethod
		if err := rows.Scan(&method.PlayerID, &method.PaymentMethod, &method.Handle); err != nil {
			return nil, err
		}
		result[method.PlayerID] = append(result[method.PlayerID], method)
	}
	return result, rows.Err()
}

// ListCashtagsByPaymentMethods returns cashtags whose payment method matches any
// of the given methods, compared case-insensitively.
func (r *PostgresRepository) ListCashtagsByPaymentMethods(ctx context.Context, paymentMethods []string) ([]domain.CashtagBalance, error) {
	if len(paymentMethods) == 0 {
		return nil, nil
	}
	lowered := make([]string, 0, len(paymentMethods))
	for _, method := range paymentMethods {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(method)))
	}
	query := `
		SELECT id, tag, payment_method, balance::text
		FROM cashtags
		WHERE lower(btrim(payment_method)) = ANY($1)
		ORDER BY tag
	`
	rows, err := r.db.Query(ctx, query, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cashtags []domain.CashtagBalance
	for rows.Next() {
		var (
			cashtag    domain.CashtagBalance
			balanceStr string
		)
		if err := rows.Scan(&cashtag.ID, &cashtag.Tag, &cashtag.PaymentMethod, &balanceStr); err != nil {
			return nil, err
		}
		if cashtag.Balance, err = parseMoney(balanceStr); err != nil {
			return nil, err
		}
		cashtags = append(cashtags, cashtag)
	}
	return cashtags, rows.Err()
}

// FindHoldByID retrieves a withdrawal hold by its ID.
func (r *PostgresRepository) FindHoldByID(ctx context.Context, holdID uuid.UUID) (*domain.WithdrawalHold, error) {
	return findHold(ctx, r.db, holdID, false)
}

func findHold(ctx context.Context, q queryer, holdID uuid.UUID, forUpdate bool) (*domain.WithdrawalHold, error) {
	query := `SELECT ` + holdColumns + ` FROM withdrawal_holds WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	hold, err := scanHold(q.QueryRow(ctx, query, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return hold, nil
}

// ListHoldsByWithdrawal returns every hold recorded against a withdrawal.
func (r *PostgresRepository) ListHoldsByWithdrawal(ctx context.Context, withdrawalID uuid.UUID) ([]domain.WithdrawalHold, error) {
	query := `SELECT ` + holdColumns + ` FROM withdrawal_holds WHERE withdrawal_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, withdrawalID)
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
