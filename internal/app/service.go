/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates the booking lifecycle, coordinating between
 * the database repository, the escrow gateway, and the message broker.
 *
 * Key features:
 * - Implements the full booking lifecycle: creation, provider approval,
 *   payment confirmation, service execution, and the two money-moving
 *   transitions (confirm-and-settle, cancel-and-refund).
 * - Persists every accepted transition together with its history entry using
 *   the repository's conditional update, which serializes concurrent
 *   operations on the same booking.
 * - Decouples booking status from ledger settlement: a terminal status is
 *   persisted before the ledger instruction, and a ledger failure is recorded
 *   for operator replay instead of reversing the booking.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - internal/escrow, pkg/rabbitmq: For ledger instructions and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
	"github.com/craftwork/settlement-service/internal/escrow"
	"github.com/craftwork/settlement-service/internal/store"
	"github.com/craftwork/settlement-service/pkg/ledgerclient"
	"github.com/craftwork/settlement-service/pkg/rabbitmq"
)

var (
	ErrNotParticipant  = errors.New("actor is not a participant of this booking")
	ErrNotProvider     = errors.New("only the booking's provider may perform this operation")
	ErrNotCustomer     = errors.New("only the booking's customer may perform this operation")
	ErrNotCancellable  = errors.New("booking is not in a cancellable state")
	ErrEscrowNotLocked = errors.New("no locked escrow funds found for this booking")
	ErrInvalidBooking  = errors.New("invalid booking request")
)

// DisplayStatusSettling is shown instead of the raw SETTLED status while a
// booking has an unresolved escrow failure: the service is complete but the
// funds have not physically moved yet.
const DisplayStatusSettling = "completed, payment processing"

// EscrowGateway is the slice of the escrow gateway the orchestrator consumes.
type EscrowGateway interface {
	GetRecord(ctx context.Context, bookingID uuid.UUID) ledgerclient.EscrowRecord
	GetBalance(ctx context.Context, bookingID uuid.UUID) int64
	ReserveSlot(bookingID uuid.UUID, amount int64) error
	ReleaseSlot(bookingID uuid.UUID, amount int64)
	Release(ctx context.Context, bookingID uuid.UUID, providerAddress string, totalAmount int64, feePercent int, treasuryAddress string) (escrow.Result, error)
	Refund(ctx context.Context, bookingID uuid.UUID, recipientAddress string, totalAmount int64) (escrow.Result, error)
}

// Service provides the core business logic for booking settlement.
type Service struct {
	repo            store.Repository
	escrow          EscrowGateway
	eventProducer   rabbitmq.Publisher
	feePercent      int
	treasuryAddress string

	now func() time.Time // overridable in tests
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, gateway EscrowGateway, producer rabbitmq.Publisher, feePercent int, treasuryAddress string) *Service {
	if feePercent < 0 || feePercent > 100 {
		feePercent = domain.DefaultPlatformFeePercent
	}
	return &Service{
		repo:            repo,
		escrow:          gateway,
		eventProducer:   producer,
		feePercent:      feePercent,
		treasuryAddress: treasuryAddress,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// CreateBooking validates the request, computes the fee split, and persists a
// new booking in PENDING_PROVIDER_APPROVAL.
func (s *Service) CreateBooking(ctx context.Context, customerID uuid.UUID, req domain.CreateBookingRequest) (*domain.Booking, error) {
	// 1. Validate the commercial and scheduling terms.
	if req.ProviderID == uuid.Nil {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidBooking)
	}
	if req.ProviderID == customerID {
		return nil, fmt.Errorf("%w: customer and provider must differ", ErrInvalidBooking)
	}
	if req.QuotedAmount <= 0 {
		return nil, fmt.Errorf("%w: quoted_amount must be positive", ErrInvalidBooking)
	}
	if req.ProviderAddress == "" || req.CustomerAddress == "" {
		return nil, fmt.Errorf("%w: provider and customer settlement addresses are required", ErrInvalidBooking)
	}
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		return nil, fmt.Errorf("%w: scheduled_end must be after scheduled_start", ErrInvalidBooking)
	}
	if req.ScheduledStart.Before(s.now()) {
		return nil, fmt.Errorf("%w: scheduled_start must be in the future", ErrInvalidBooking)
	}

	// 2. Compute the exact integer split of the quote.
	pricing, err := domain.ComputePricing(req.QuotedAmount, req.VenuePayout, s.feePercent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBooking, err)
	}

	booking := &domain.Booking{
		ID:              uuid.New(),
		CustomerID:      customerID,
		ProviderID:      req.ProviderID,
		VenueID:         req.VenueID,
		QuotedAmount:    pricing.QuotedAmount,
		PlatformFee:     pricing.PlatformFee,
		ProviderPayout:  pricing.ProviderPayout,
		VenuePayout:     pricing.VenuePayout,
		ScheduledStart:  req.ScheduledStart.UTC(),
		ScheduledEnd:    req.ScheduledEnd.UTC(),
		Status:          domain.StatusPendingProviderApproval,
		ProviderAddress: req.ProviderAddress,
		CustomerAddress: req.CustomerAddress,
	}

	// 3. Persist the booking with its initial history entry.
	if err := s.repo.CreateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	log.Printf("CreateBooking: created %s customer=%s provider=%s amount=%d fee=%d payout=%d", booking.ID, customerID, req.ProviderID, pricing.QuotedAmount, pricing.PlatformFee, pricing.ProviderPayout)
	return booking, nil
}

// GetBooking retrieves a single booking by its ID.
func (s *Service) GetBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.repo.FindBookingByID(ctx, bookingID)
}

// GetStatusHistory retrieves the append-only transition trail for a booking.
func (s *Service) GetStatusHistory(ctx context.Context, bookingID uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	return s.repo.ListStatusHistory(ctx, bookingID)
}

// DisplayStatus resolves the customer-facing status string for a booking. A
// settled booking with an unresolved escrow failure presents as settling so
// the customer sees the service as complete while funds are reconciled.
func (s *Service) DisplayStatus(ctx context.Context, booking *domain.Booking) string {
	if booking.Status != domain.StatusSettled {
		return string(booking.Status)
	}
	unresolved, err := s.repo.HasUnresolvedEscrowFailure(ctx, booking.ID)
	if err != nil {
		log.Printf("WARN: DisplayStatus: failed to check escrow failures for %s: %v", booking.ID, err)
		return string(booking.Status)
	}
	if unresolved {
		return DisplayStatusSettling
	}
	return string(booking.Status)
}

// ApproveBooking moves a booking to PENDING_CUSTOMER_PAYMENT. Provider only.
func (s *Service) ApproveBooking(ctx context.Context, bookingID, providerID uuid.UUID) (*domain.Booking, error) {
	if err := s.requireProvider(ctx, bookingID, providerID); err != nil {
		return nil, err
	}
	return s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusPendingProviderApproval,
		TargetStatus:   domain.StatusPendingCustomerPayment,
		Actor:          providerID.String(),
		Reason:         "provider approved",
	})
}

// DeclineBooking moves a booking to the terminal DECLINED status. Provider only.
func (s *Service) DeclineBooking(ctx context.Context, bookingID, providerID uuid.UUID, reason string) (*domain.Booking, error) {
	if err := s.requireProvider(ctx, bookingID, providerID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "provider declined"
	}
	return s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusPendingProviderApproval,
		TargetStatus:   domain.StatusDeclined,
		Actor:          providerID.String(),
		Reason:         reason,
	})
}

// MarkPaid confirms a booking once the customer's funds are locked in escrow.
// Fund locking itself happens outside this service; here we only verify the
// lock exists for the full quoted amount and pin the ledger reference.
func (s *Service) MarkPaid(ctx context.Context, bookingID, customerID uuid.UUID) (*domain.Booking, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.CustomerID != customerID {
		return nil, ErrNotCustomer
	}

	// 1. Verify the lock on the ledger. This is a read, so a ledger outage
	// degrades to "nothing locked" and the payment simply cannot be confirmed yet.
	record := s.escrow.GetRecord(ctx, bookingID)
	if record.Status != ledgerclient.StatusLocked {
		return nil, fmt.Errorf("%w: ledger status is %s", ErrEscrowNotLocked, record.Status)
	}
	if record.Amount != booking.QuotedAmount {
		log.Printf("CRITICAL: MarkPaid: locked amount mismatch booking=%s locked=%d quoted=%d", bookingID, record.Amount, booking.QuotedAmount)
		return nil, fmt.Errorf("%w: locked %d does not match quoted %d", ErrEscrowNotLocked, record.Amount, booking.QuotedAmount)
	}

	// 2. Confirm the booking.
	updated, err := s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusPendingCustomerPayment,
		TargetStatus:   domain.StatusConfirmed,
		Actor:          customerID.String(),
		Reason:         "escrow funds locked",
	})
	if err != nil {
		return nil, err
	}

	// 3. Pin the ledger reference for later release/refund inspection.
	ledgerKey := escrow.BookingKey(bookingID)
	if err := s.repo.SetEscrowRef(ctx, bookingID, ledgerKey); err != nil {
		log.Printf("WARN: MarkPaid: failed to store escrow ref for %s: %v", bookingID, err)
	} else {
		updated.EscrowRef = &ledgerKey
	}

	return updated, nil
}

// StartService moves a confirmed booking to IN_PROGRESS. Provider only.
func (s *Service) StartService(ctx context.Context, bookingID, providerID uuid.UUID) (*domain.Booking, error) {
	if err := s.requireProvider(ctx, bookingID, providerID); err != nil {
		return nil, err
	}
	startedAt := s.now()
	return s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusConfirmed,
		TargetStatus:   domain.StatusInProgress,
		Actor:          providerID.String(),
		Reason:         "service started",
		ActualStart:    &startedAt,
	})
}

// CompleteService marks the work done and hands the booking to the customer
// for confirmation. Two lifecycle edges, each with its own history entry.
func (s *Service) CompleteService(ctx context.Context, bookingID, providerID uuid.UUID) (*domain.Booking, error) {
	if err := s.requireProvider(ctx, bookingID, providerID); err != nil {
		return nil, err
	}
	endedAt := s.now()
	if _, err := s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusInProgress,
		TargetStatus:   domain.StatusCompleted,
		Actor:          providerID.String(),
		Reason:         "service completed",
		ActualEnd:      &endedAt,
	}); err != nil {
		return nil, err
	}
	return s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusCompleted,
		TargetStatus:   domain.StatusAwaitingCustomerConfirmation,
		Actor:          providerID.String(),
		Reason:         "awaiting customer confirmation",
	})
}

// ConfirmAndSettle drives the settlement transition for a booking awaiting
// customer confirmation. The booking is marked SETTLED before the ledger
// release is attempted, and a release failure never reverses that status: the
// booking lifecycle answers "is the service complete", the ledger answers
// "have funds moved", and they are allowed to transiently disagree.
func (s *Service) ConfirmAndSettle(ctx context.Context, bookingID uuid.UUID, actor string, reason string) (*domain.SettlementOutcome, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actor != domain.ActorSystem && actor != booking.CustomerID.String() {
		return nil, ErrNotCustomer
	}
	if reason == "" {
		reason = "customer confirmed completion"
	}

	// 1. Reserve rate-limiter budget before anything is persisted. A denial
	// here leaves the booking in AWAITING_CUSTOMER_CONFIRMATION, so the
	// customer or the next sweep retries it; a denial after the booking went
	// terminal would strand the settlement with no durable trace.
	if err := s.escrow.ReserveSlot(bookingID, booking.QuotedAmount); err != nil {
		return nil, err
	}

	// 2. Persist SETTLED with its history entry. The conditional update is the
	// per-booking serialization point: of two concurrent attempts exactly one
	// passes, the other observes a state conflict.
	settled, err := s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: domain.StatusAwaitingCustomerConfirmation,
		TargetStatus:   domain.StatusSettled,
		Actor:          actor,
		Reason:         reason,
	})
	if err != nil {
		s.escrow.ReleaseSlot(bookingID, booking.QuotedAmount)
		return nil, err
	}

	outcome := &domain.SettlementOutcome{Booking: settled}

	// 3. Release the locked funds. Failures are recorded by the gateway for
	// operator replay; the SETTLED status above is never rolled back.
	result, releaseErr := s.escrow.Release(ctx, bookingID, settled.ProviderAddress, settled.QuotedAmount, s.feePercent, s.treasuryAddress)
	outcome.TxRef = result.TxRef
	if releaseErr != nil {
		log.Printf("WARN: ConfirmAndSettle: release failed for %s (booking remains SETTLED): %v", bookingID, releaseErr)
		outcome.EscrowError = releaseErr.Error()
		s.publish(ctx, rabbitmq.RoutingKeySettlementFailed, rabbitmq.SettlementFailedEvent{
			BookingID: bookingID,
			Amount:    settled.QuotedAmount,
			Reason:    releaseErr.Error(),
			Timestamp: s.now(),
		})
		return outcome, nil
	}

	outcome.EscrowMoved = true
	s.publish(ctx, rabbitmq.RoutingKeyBookingSettled, rabbitmq.BookingSettledEvent{
		BookingID:      bookingID,
		ProviderID:     settled.ProviderID,
		CustomerID:     settled.CustomerID,
		ProviderPayout: settled.ProviderPayout,
		PlatformFee:    settled.PlatformFee,
		TxRef:          result.TxRef,
		Timestamp:      s.now(),
	})

	log.Printf("ConfirmAndSettle: settled %s actor=%s amount=%d escrow_moved=%v", bookingID, actor, settled.QuotedAmount, outcome.EscrowMoved)
	return outcome, nil
}

// CancelAndRefund cancels a booking per the cancellation policy and, when a
// refund is due and funds are locked, instructs the ledger to return them.
func (s *Service) CancelAndRefund(ctx context.Context, bookingID, actorID uuid.UUID, reason string) (*domain.SettlementOutcome, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	// 1. Identify the initiating party; cancellation rights differ.
	providerInitiated := actorID == booking.ProviderID
	if !providerInitiated && actorID != booking.CustomerID {
		return nil, ErrNotParticipant
	}

	// 2. Policy eligibility.
	if !domain.CanCancel(booking.Status) {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, booking.Status)
	}

	// 3. Compute the refund due. Provider-initiated cancellation never
	// penalizes the customer.
	now := s.now()
	var refundAmount int64
	if providerInitiated {
		refundAmount = domain.ProviderCancellationRefund(booking.QuotedAmount)
	} else {
		quote := domain.CustomerRefund(booking.QuotedAmount, booking.ScheduledStart, now)
		refundAmount = quote.RefundAmount
	}
	if reason == "" {
		reason = "booking cancelled"
	}

	// 4. When a ledger refund will follow, reserve rate-limiter budget before
	// the booking goes terminal. The refund instruction moves the full locked
	// amount, so that is what the reservation accounts.
	needsRefund := refundAmount > 0 && booking.EscrowRef != nil
	if needsRefund {
		if err := s.escrow.ReserveSlot(bookingID, booking.QuotedAmount); err != nil {
			return nil, err
		}
	}

	// 5. Persist CANCELLED with its history entry, guarded on the status the
	// eligibility check saw.
	cancelled, err := s.repo.TransitionBookingStatus(ctx, store.TransitionParams{
		BookingID:      bookingID,
		ExpectedStatus: booking.Status,
		TargetStatus:   domain.StatusCancelled,
		Actor:          actorID.String(),
		Reason:         reason,
		CancelledAt:    &now,
	})
	if err != nil {
		if needsRefund {
			s.escrow.ReleaseSlot(bookingID, booking.QuotedAmount)
		}
		return nil, err
	}

	outcome := &domain.SettlementOutcome{Booking: cancelled}
	s.publish(ctx, rabbitmq.RoutingKeyBookingCancelled, rabbitmq.BookingCancelledEvent{
		BookingID:    bookingID,
		CancelledBy:  actorID.String(),
		RefundAmount: refundAmount,
		Timestamp:    now,
	})

	// 6. Refund only when something is owed and funds were ever locked. A
	// booking cancelled before payment has no escrow record to act on.
	if !needsRefund {
		log.Printf("CancelAndRefund: cancelled %s by=%s refund=%d escrow_ref_set=%v (no ledger call)", bookingID, actorID, refundAmount, cancelled.EscrowRef != nil)
		return outcome, nil
	}

	result, refundErr := s.escrow.Refund(ctx, bookingID, cancelled.CustomerAddress, cancelled.QuotedAmount)
	outcome.TxRef = result.TxRef
	if refundErr != nil {
		log.Printf("WARN: CancelAndRefund: refund failed for %s (booking remains CANCELLED): %v", bookingID, refundErr)
		outcome.EscrowError = refundErr.Error()
		s.publish(ctx, rabbitmq.RoutingKeyRefundFailed, rabbitmq.RefundFailedEvent{
			BookingID: bookingID,
			Amount:    refundAmount,
			Reason:    refundErr.Error(),
			Timestamp: s.now(),
		})
		return outcome, nil
	}

	outcome.EscrowMoved = true
	log.Printf("CancelAndRefund: cancelled %s by=%s refund=%d escrow_moved=%v", bookingID, actorID, refundAmount, outcome.EscrowMoved)
	return outcome, nil
}

// AutoConfirmDue settles bookings that have sat in AWAITING_CUSTOMER_CONFIRMATION
// past the confirmation timeout. Returns how many bookings were settled.
// Invoked by the cron sweeper and the internal sweep endpoint.
func (s *Service) AutoConfirmDue(ctx context.Context, confirmationTimeout time.Duration, batchSize int) (int, error) {
	cutoff := s.now().Add(-confirmationTimeout)
	due, err := s.repo.FindBookingsAwaitingAutoConfirm(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list bookings due for auto-confirm: %w", err)
	}

	settled := 0
	for i := range due {
		booking := &due[i]
		if _, err := s.ConfirmAndSettle(ctx, booking.ID, domain.ActorSystem, "auto-confirmed after confirmation timeout"); err != nil {
			// A state conflict means a customer confirmed between the scan and
			// this attempt; that booking is simply no longer ours to settle.
			if errors.Is(err, store.ErrBookingStateConflict) {
				continue
			}
			// Rate-limiter budget exhausted: the remaining bookings stay in
			// AWAITING_CUSTOMER_CONFIRMATION and the next sweep picks them up.
			if errors.Is(err, escrow.ErrRateLimited) {
				log.Printf("WARN: AutoConfirmDue: rate limited after settling %d bookings; deferring the rest to the next sweep", settled)
				break
			}
			log.Printf("WARN: AutoConfirmDue: failed to settle %s: %v", booking.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// ListEscrowFailures exposes the operator view of unresolved (or all) escrow
// failures for the internal API.
func (s *Service) ListEscrowFailures(ctx context.Context, onlyUnresolved bool, limit int) ([]domain.EscrowFailureRecord, error) {
	return s.repo.ListEscrowFailures(ctx, store.EscrowFailureFilter{
		OnlyUnresolved: onlyUnresolved,
		Limit:          limit,
	})
}

// requireProvider loads the booking and verifies the actor is its provider.
func (s *Service) requireProvider(ctx context.Context, bookingID, providerID uuid.UUID) error {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.ProviderID != providerID {
		return ErrNotProvider
	}
	return nil
}

// publish sends a settlement event fire-and-forget. Notification failure must
// never affect the settlement result.
func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementEventsExchange, routingKey, body); err != nil {
		log.Printf("WARN: failed to publish %s event: %v", routingKey, err)
	}
}
