/**
 * @description
 * Scheduled job implementations for the cashflow-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/cashflow-service/internal/domain"
)

const jobTimeout = 2 * time.Minute

// LockSweeper is the part of the service the jobs drive.
type LockSweeper interface {
	SweepExpiredLocks(ctx context.Context) ([]domain.Lock, error)
	AuditConsistency(ctx context.Context) (*domain.ConsistencyReport, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper LockSweeper
	metrics *Metrics
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper LockSweeper, metrics *Metrics, logger *slog.Logger) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		metrics: metrics,
		logger:  logger,
	}
}

// ReclaimExpiredLocks resets locks whose lease lapsed so abandoned requests
// return to their queues.
func (j *Jobs) ReclaimExpiredLocks() {
	timer := j.metrics.jobTimer("lock_sweep")
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	reclaimed, err := j.sweeper.SweepExpiredLocks(ctx)
	if err != nil {
		j.logger.Error("failed to reclaim expired locks", "error", err)
		return
	}
	if len(reclaimed) == 0 {
		j.logger.Debug("no expired locks to reclaim")
		return
	}
	j.logger.Info("lock sweep job finished", "reclaimed", len(reclaimed))
}

// AuditBalances checks accumulator invariants across all withdrawals.
func (j *Jobs) AuditBalances() {
	j.logger.Info("starting balance audit job")
	timer := j.metrics.jobTimer("balance_audit")
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := j.sweeper.AuditConsistency(ctx)
	if err != nil {
		j.logger.Error("failed to audit balances", "error", err)
		return
	}
	if len(report.Violations) > 0 {
		j.logger.Error("balance audit found violations", "scanned", report.Scanned, "violations", len(report.Violations))
		for _, violation := range report.Violations {
			j.logger.Error("balance violation", "detail", violation)
		}
		return
	}
	j.logger.Info("balance audit job finished", "scanned", report.Scanned)
}
