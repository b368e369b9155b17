/**
 * @description
 * Cron scheduler for the lease sweeper and the balance audit.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron expressions for the background jobs.
type ScheduleConfig struct {
	LockSweepSchedule string
	AuditSchedule     string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config ScheduleConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an
// invalid schedule is logged and skipped.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.LockSweepSchedule, s.jobs.ReclaimExpiredLocks); err != nil {
		s.logger.Error("failed to schedule lock sweep job", "error", err)
	} else {
		s.logger.Info("scheduled lock sweep job", "schedule", s.config.LockSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.AuditSchedule, s.jobs.AuditBalances); err != nil {
		s.logger.Error("failed to schedule balance audit job", "error", err)
	} else {
		s.logger.Info("scheduled balance audit job", "schedule", s.config.AuditSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
