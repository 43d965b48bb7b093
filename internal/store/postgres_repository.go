/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * for bookings, their append-only status history, and durable escrow failure
 * records.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - TransitionBookingStatus is the heart of per-booking serialization: the
 *   status update carries a `WHERE status = expected` guard and the history
 *   append happens in the same transaction, so two racing settlements on one
 *   booking resolve to exactly one winner.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/craftwork/settlement-service/internal/domain"
)

var (
	ErrBookingNotFound      = errors.New("booking not found")
	ErrBookingStateConflict = errors.New("booking is not in the expected state")
)

const bookingColumns = `
	id, customer_id, provider_id, venue_id,
	quoted_amount, platform_fee, provider_payout, venue_payout,
	scheduled_start, scheduled_end, actual_start, actual_end, cancelled_at,
	status, escrow_ref, provider_address, customer_address,
	created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.ProviderID, &b.VenueID,
		&b.QuotedAmount, &b.PlatformFee, &b.ProviderPayout, &b.VenuePayout,
		&b.ScheduledStart, &b.ScheduledEnd, &b.ActualStart, &b.ActualEnd, &b.CancelledAt,
		&b.Status, &b.EscrowRef, &b.ProviderAddress, &b.CustomerAddress,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

// CreateBooking inserts a new booking row and its initial history entry (with
// a NULL from-status) in one transaction.
func (r *PostgresRepository) CreateBooking(ctx context.Context, booking *domain.Booking) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertBooking := `
		INSERT INTO bookings (
			id, customer_id, provider_id, venue_id,
			quoted_amount, platform_fee, provider_payout, venue_payout,
			scheduled_start, scheduled_end,
			status, provider_address, customer_address,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`
	_, err = tx.Exec(ctx, insertBooking,
		booking.ID, booking.CustomerID, booking.ProviderID, booking.VenueID,
		booking.QuotedAmount, booking.PlatformFee, booking.ProviderPayout, booking.VenuePayout,
		booking.ScheduledStart, booking.ScheduledEnd,
		booking.Status, booking.ProviderAddress, booking.CustomerAddress,
	)
	if err != nil {
		return err
	}

	insertHistory := `
		INSERT INTO booking_status_history (id, booking_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, NULL, $3, $4, $5, NOW())
	`
	_, err = tx.Exec(ctx, insertHistory,
		uuid.New(), booking.ID, booking.Status, booking.CustomerID.String(), "booking created",
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindBookingByID retrieves a booking by its identifier.
func (r *PostgresRepository) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, bookingID))
}

// TransitionBookingStatus applies a guarded status update and its paired
// history append in one transaction. The `status = $expected` predicate makes
// the check-and-persist atomic with respect to concurrent attempts on the
// same booking id.
func (r *PostgresRepository) TransitionBookingStatus(ctx context.Context, params TransitionParams) (*domain.Booking, error) {
	if err := domain.ValidateTransition(params.ExpectedStatus, params.TargetStatus); err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE bookings
		SET status = $1,
			cancelled_at = COALESCE($2, cancelled_at),
			actual_start = COALESCE($3, actual_start),
			actual_end = COALESCE($4, actual_end),
			updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING ` + bookingColumns
	booking, err := scanBooking(tx.QueryRow(ctx, update,
		params.TargetStatus, params.CancelledAt, params.ActualStart, params.ActualEnd,
		params.BookingID, params.ExpectedStatus,
	))
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			// Distinguish "no such booking" from "booking moved on".
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, params.BookingID).Scan(&exists); checkErr != nil {
				return nil, checkErr
			}
			if exists {
				return nil, ErrBookingStateConflict
			}
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	insertHistory := `
		INSERT INTO booking_status_history (id, booking_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err = tx.Exec(ctx, insertHistory,
		uuid.New(), params.BookingID, params.ExpectedStatus, params.TargetStatus, params.Actor, params.Reason,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return booking, nil
}

// SetEscrowRef records the external ledger reference once funds are locked.
func (r *PostgresRepository) SetEscrowRef(ctx context.Context, bookingID uuid.UUID, escrowRef string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE bookings SET escrow_ref = $1, updated_at = NOW() WHERE id = $2`,
		escrowRef, bookingID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// ListStatusHistory returns the append-only audit trail for a booking,
// ordered oldest first.
func (r *PostgresRepository) ListStatusHistory(ctx context.Context, bookingID uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	query := `
		SELECT id, booking_id, from_status, to_status, actor, reason, created_at
		FROM booking_status_history
		WHERE booking_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.BookingID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateEscrowFailure inserts a durable failure record for manual operator
// reconciliation. The row is never updated from the request path.
func (r *PostgresRepository) CreateEscrowFailure(ctx context.Context, record *domain.EscrowFailureRecord) error {
	query := `
		INSERT INTO escrow_failures (id, booking_id, operation, amount, error_message, tx_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		record.ID, record.BookingID, record.Operation, record.Amount,
		record.ErrorMessage, record.TxRef, record.Metadata,
	)
	return err
}

// ListEscrowFailures returns failure records for the operator dashboard,
// newest first.
func (r *PostgresRepository) ListEscrowFailures(ctx context.Context, filter EscrowFailureFilter) ([]domain.EscrowFailureRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, booking_id, operation, amount, error_message, tx_ref, metadata, resolved_at, created_at
		FROM escrow_failures
	`
	if filter.OnlyUnresolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.EscrowFailureRecord
	for rows.Next() {
		var rec domain.EscrowFailureRecord
		if err := rows.Scan(&rec.ID, &rec.BookingID, &rec.Operation, &rec.Amount,
			&rec.ErrorMessage, &rec.TxRef, &rec.Metadata, &rec.ResolvedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HasUnresolvedEscrowFailure reports whether a booking has a pending manual
// reconciliation, used to decorate the user-facing display status.
func (r *PostgresRepository) HasUnresolvedEscrowFailure(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_failures WHERE booking_id = $1 AND resolved_at IS NULL)`,
		bookingID,
	).Scan(&exists)
	return exists, err
}

// FindBookingsAwaitingAutoConfirm returns bookings that have sat in
// AWAITING_CUSTOMER_CONFIRMATION since before olderThan, for the scheduler sweep.
func (r *PostgresRepository) FindBookingsAwaitingAutoConfirm(ctx context.Context, olderThan time.Time, limit int) ([]domain.Booking, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.StatusAwaitingCustomerConfirmation, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		var b domain.Booking
		if err := rows.Scan(
			&b.ID, &b.CustomerID, &b.ProviderID, &b.VenueID,
			&b.QuotedAmount, &b.PlatformFee, &b.ProviderPayout, &b.VenuePayout,
			&b.ScheduledStart, &b.ScheduledEnd, &b.ActualStart, &b.ActualEnd, &b.CancelledAt,
			&b.Status, &b.EscrowRef, &b.ProviderAddress, &b.CustomerAddress,
			&b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}
