/**
 * @description
 * Cron sweeper for time-driven settlement work: auto-confirming bookings the
 * customer never confirmed, and surfacing unresolved escrow failures in the
 * logs so operators notice them without a dashboard.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/craftwork/settlement-service/internal/domain"
)

// autoConfirmBatchSize bounds one sweep pass so a large backlog cannot hold
// the rate limiter's hourly budget hostage.
const autoConfirmBatchSize = 50

// SweepService defines the orchestrator operations the sweeper drives.
type SweepService interface {
	AutoConfirmDue(ctx context.Context, confirmationTimeout time.Duration, batchSize int) (int, error)
	ListEscrowFailures(ctx context.Context, onlyUnresolved bool, limit int) ([]domain.EscrowFailureRecord, error)
}

// Sweeper manages the cron jobs.
type Sweeper struct {
	cron                *cron.Cron
	svc                 SweepService
	logger              *slog.Logger
	autoConfirmSchedule string
	failureCheckSchedule string
	confirmationTimeout time.Duration
}

// NewSweeper creates a new sweeper instance.
func NewSweeper(svc SweepService, logger *slog.Logger, autoConfirmSchedule, failureCheckSchedule string, confirmationTimeout time.Duration) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Sweeper{
		cron:                 c,
		svc:                  svc,
		logger:               logger,
		autoConfirmSchedule:  autoConfirmSchedule,
		failureCheckSchedule: failureCheckSchedule,
		confirmationTimeout:  confirmationTimeout,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc(s.autoConfirmSchedule, s.RunAutoConfirm); err != nil {
		s.logger.Error("failed to schedule auto-confirm job", "error", err)
	} else {
		s.logger.Info("scheduled auto-confirm job", "schedule", s.autoConfirmSchedule)
	}

	if _, err := s.cron.AddFunc(s.failureCheckSchedule, s.RunEscrowFailureCheck); err != nil {
		s.logger.Error("failed to schedule escrow failure check job", "error", err)
	} else {
		s.logger.Info("scheduled escrow failure check job", "schedule", s.failureCheckSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunAutoConfirm settles bookings whose confirmation window has lapsed.
func (s *Sweeper) RunAutoConfirm() {
	s.logger.Info("starting auto-confirm sweep", "confirmation_timeout", s.confirmationTimeout)
	ctx := context.Background()

	settled, err := s.svc.AutoConfirmDue(ctx, s.confirmationTimeout, autoConfirmBatchSize)
	if err != nil {
		s.logger.Error("auto-confirm sweep failed", "error", err)
		return
	}

	if settled == 0 {
		s.logger.Info("no bookings due for auto-confirm")
		return
	}
	s.logger.Info("auto-confirm sweep finished", "settled", settled)
}

// RunEscrowFailureCheck logs outstanding escrow failures needing an operator.
func (s *Sweeper) RunEscrowFailureCheck() {
	ctx := context.Background()

	failures, err := s.svc.ListEscrowFailures(ctx, true, autoConfirmBatchSize)
	if err != nil {
		s.logger.Error("escrow failure check failed", "error", err)
		return
	}
	if len(failures) == 0 {
		return
	}

	s.logger.Warn("unresolved escrow failures awaiting operator replay", "count", len(failures))
	for _, failure := range failures {
		s.logger.Warn("unresolved escrow failure",
			"failure_id", failure.ID,
			"booking_id", failure.BookingID,
			"operation", failure.Operation,
			"amount", failure.Amount,
			"created_at", failure.CreatedAt,
		)
	}
}
