package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
)

type sweepServiceStub struct {
	settled        int
	autoConfirmErr error
	failures       []domain.EscrowFailureRecord
	failuresErr    error

	autoConfirmCalled bool
	gotTimeout        time.Duration
	gotBatch          int
	listedUnresolved  bool
}

func (s *sweepServiceStub) AutoConfirmDue(ctx context.Context, confirmationTimeout time.Duration, batchSize int) (int, error) {
	s.autoConfirmCalled = true
	s.gotTimeout = confirmationTimeout
	s.gotBatch = batchSize
	return s.settled, s.autoConfirmErr
}

func (s *sweepServiceStub) ListEscrowFailures(ctx context.Context, onlyUnresolved bool, limit int) ([]domain.EscrowFailureRecord, error) {
	s.listedUnresolved = onlyUnresolved
	return s.failures, s.failuresErr
}

func newTestSweeper(svc SweepService) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSweeper(svc, logger, "@every 5m", "@every 15m", 24*time.Hour)
}

func TestRunAutoConfirmPassesTimeoutAndBatch(t *testing.T) {
	stub := &sweepServiceStub{settled: 2}
	sweeper := newTestSweeper(stub)

	sweeper.RunAutoConfirm()

	if !stub.autoConfirmCalled {
		t.Fatal("expected auto-confirm sweep to run")
	}
	if stub.gotTimeout != 24*time.Hour {
		t.Fatalf("expected 24h timeout, got %v", stub.gotTimeout)
	}
	if stub.gotBatch != autoConfirmBatchSize {
		t.Fatalf("expected batch size %d, got %d", autoConfirmBatchSize, stub.gotBatch)
	}
}

func TestRunAutoConfirmSurvivesServiceError(t *testing.T) {
	stub := &sweepServiceStub{autoConfirmErr: errors.New("db down")}
	sweeper := newTestSweeper(stub)

	// Must not panic; the next tick retries.
	sweeper.RunAutoConfirm()
}

func TestRunEscrowFailureCheckListsOnlyUnresolved(t *testing.T) {
	stub := &sweepServiceStub{failures: []domain.EscrowFailureRecord{{
		ID:        uuid.New(),
		BookingID: uuid.New(),
		Operation: domain.EscrowOpRelease,
		Amount:    10000,
	}}}
	sweeper := newTestSweeper(stub)

	sweeper.RunEscrowFailureCheck()

	if !stub.listedUnresolved {
		t.Fatal("expected the check to request unresolved failures only")
	}
}
