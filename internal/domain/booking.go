/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit, which avoids floating-point inaccuracies with financial data.
 * - Bookings are never physically deleted; declined and cancelled bookings remain
 *   as historical records.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActorSystem is the actor recorded in status history for transitions driven
// by the scheduler sweep rather than an authenticated party.
const ActorSystem = "SYSTEM"

// Booking is the central entity: one service engagement between a customer and
// a provider, with an exact integer split of the quoted amount and an optional
// link to the custodial ledger record that holds the customer's funds.
type Booking struct {
	ID              uuid.UUID     `json:"id"`
	CustomerID      uuid.UUID     `json:"customer_id"`
	ProviderID      uuid.UUID     `json:"provider_id"`
	VenueID         *uuid.UUID    `json:"venue_id,omitempty"`
	QuotedAmount    int64         `json:"quoted_amount"`   // in minor units
	PlatformFee     int64         `json:"platform_fee"`    // in minor units
	ProviderPayout  int64         `json:"provider_payout"` // in minor units
	VenuePayout     int64         `json:"venue_payout"`    // in minor units, additive to the quote
	ScheduledStart  time.Time     `json:"scheduled_start"`
	ScheduledEnd    time.Time     `json:"scheduled_end"`
	ActualStart     *time.Time    `json:"actual_start,omitempty"`
	ActualEnd       *time.Time    `json:"actual_end,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
	Status          BookingStatus `json:"status"`
	EscrowRef       *string       `json:"escrow_ref,omitempty"`
	ProviderAddress string        `json:"provider_address"`
	CustomerAddress string        `json:"customer_address"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// StatusHistoryEntry is one append-only audit row recording an accepted status
// transition. FromStatus is nil only for the initial entry written at creation.
type StatusHistoryEntry struct {
	ID         uuid.UUID      `json:"id"`
	BookingID  uuid.UUID      `json:"booking_id"`
	FromStatus *BookingStatus `json:"from_status,omitempty"`
	ToStatus   BookingStatus  `json:"to_status"`
	Actor      string         `json:"actor"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EscrowOperation identifies the kind of ledger instruction a failure record
// or rate-limiter entry refers to.
type EscrowOperation string

const (
	EscrowOpRelease EscrowOperation = "release"
	EscrowOpRefund  EscrowOperation = "refund"
)

// EscrowFailureRecord is the durable trace of a release/refund instruction
// that failed or timed out. It is created on failure, resolved out-of-band by
// an operator, and never overwritten or auto-retried.
type EscrowFailureRecord struct {
	ID           uuid.UUID         `json:"id"`
	BookingID    uuid.UUID         `json:"booking_id"`
	Operation    EscrowOperation   `json:"operation"`
	Amount       int64             `json:"amount"` // attempted amount in minor units
	ErrorMessage string            `json:"error_message"`
	TxRef        *string           `json:"tx_ref,omitempty"` // partial ledger reference, if any
	Metadata     map[string]string `json:"metadata,omitempty"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// CreateBookingRequest is the DTO for incoming booking creation API requests.
type CreateBookingRequest struct {
	ProviderID      uuid.UUID  `json:"provider_id"`
	VenueID         *uuid.UUID `json:"venue_id,omitempty"`
	QuotedAmount    int64      `json:"quoted_amount"` // in minor units
	VenuePayout     int64      `json:"venue_payout"`  // in minor units
	ScheduledStart  time.Time  `json:"scheduled_start"`
	ScheduledEnd    time.Time  `json:"scheduled_end"`
	ProviderAddress string     `json:"provider_address"`
	CustomerAddress string     `json:"customer_address"`
}

// CancelBookingRequest carries the optional free-text reason for a cancellation.
type CancelBookingRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RefundQuote describes the refund a customer-initiated cancellation yields at
// a given moment relative to the scheduled start.
type RefundQuote struct {
	RefundAmount     int64 `json:"refund_amount"` // in minor units
	RefundPercentage int64 `json:"refund_percentage"`
	HoursUntilStart  int64 `json:"hours_until_start"`
}

// SettlementOutcome reports what happened to a booking's money movement after
// a lifecycle transition was persisted. The booking transition and the ledger
// operation are deliberately decoupled: EscrowMoved false with a persisted
// terminal status means an operator reconciles the ledger from the failure
// record.
type SettlementOutcome struct {
	Booking     *Booking `json:"booking"`
	EscrowMoved bool     `json:"escrow_moved"`
	TxRef       *string  `json:"tx_ref,omitempty"`
	EscrowError string   `json:"escrow_error,omitempty"`
}
