/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the settlement-service. Defining an interface
 * decouples the business logic from the PostgreSQL implementation and lets tests
 * substitute in-memory fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
)

// TransitionParams carries everything needed to move a booking along one edge
// of the lifecycle graph. ExpectedStatus is the optimistic-concurrency guard:
// the update applies only if the row still holds that status, which is what
// serializes two concurrent settlement attempts on the same booking.
type TransitionParams struct {
	BookingID      uuid.UUID
	ExpectedStatus domain.BookingStatus
	TargetStatus   domain.BookingStatus
	Actor          string
	Reason         string
	CancelledAt    *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
}

// EscrowFailureFilter narrows the operator listing of unresolved failures.
type EscrowFailureFilter struct {
	OnlyUnresolved bool
	Limit          int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Booking methods
	CreateBooking(ctx context.Context, booking *domain.Booking) error
	FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)
	// TransitionBookingStatus applies the status change and appends the paired
	// history entry inside a single database transaction. It returns
	// ErrBookingStateConflict when the row is no longer in ExpectedStatus.
	TransitionBookingStatus(ctx context.Context, params TransitionParams) (*domain.Booking, error)
	SetEscrowRef(ctx context.Context, bookingID uuid.UUID, escrowRef string) error

	// History methods (append-only; rows are never mutated or deleted)
	ListStatusHistory(ctx context.Context, bookingID uuid.UUID) ([]domain.StatusHistoryEntry, error)

	// Escrow failure methods (insert-only from the request path)
	CreateEscrowFailure(ctx context.Context, record *domain.EscrowFailureRecord) error
	ListEscrowFailures(ctx context.Context, filter EscrowFailureFilter) ([]domain.EscrowFailureRecord, error)
	HasUnresolvedEscrowFailure(ctx context.Context, bookingID uuid.UUID) (bool, error)

	// Sweep methods
	FindBookingsAwaitingAutoConfirm(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error)
}
