/**
 * @description
 * The escrow Gateway is the sole point of contact with the custodial ledger
 * contract. It maps booking identifiers to ledger keys, reads lock records,
 * and submits release/refund instructions with precondition re-reads,
 * rate-limiter gating, and durable failure recording.
 *
 * The Gateway's method contract is deliberately split in two categories:
 *   - Reads (GetRecord, GetBalance) FAIL OPEN: any ledger error degrades to a
 *     zero/none result. Callers treat "ledger unreachable" and "nothing
 *     locked" identically on read paths.
 *   - Writes (Release, Refund) FAIL CLOSED: any uncertainty aborts the
 *     instruction, and every failure is durably recorded for manual operator
 *     reconciliation. The Gateway never auto-retries; blind retry against a
 *     financial ledger risks double-spend.
 *
 * @dependencies
 * - crypto/sha256, encoding/hex: ledger key derivation.
 * - internal/ratelimit: the settlement circuit breaker.
 * - internal/domain, pkg/ledgerclient: domain models and the ledger API.
 */

package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
	"github.com/craftwork/settlement-service/internal/ratelimit"
	"github.com/craftwork/settlement-service/pkg/ledgerclient"
)

var (
	// ErrRateLimited is a retryable-later denial; no ledger instruction was attempted.
	ErrRateLimited = errors.New("settlement operation rate limited")
	// ErrNotLocked means the ledger record is not in Locked status, so the
	// instruction would be meaningless or a double-move.
	ErrNotLocked = errors.New("escrow record is not locked")
	// ErrAmountMismatch means the locked amount disagrees with the booking's
	// terms. This is severity-critical: it indicates pricing drift or tampering,
	// not a transient fault.
	ErrAmountMismatch = errors.New("escrow locked amount does not match booking amount")
	// ErrNotConfirmed means the ledger accepted the instruction but never
	// reported confirmation within the bounded wait.
	ErrNotConfirmed = errors.New("ledger instruction not confirmed")
)

// LedgerAPI is the slice of the ledger client the Gateway consumes.
type LedgerAPI interface {
	GetRecord(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error)
	BalanceOf(ctx context.Context, key string) (int64, error)
	Release(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error)
	Refund(ctx context.Context, key string, req ledgerclient.RefundRequest) (*ledgerclient.InstructionResponse, error)
}

// FailureRecorder persists durable escrow failure records.
type FailureRecorder interface {
	CreateEscrowFailure(ctx context.Context, record *domain.EscrowFailureRecord) error
}

// Result reports the outcome of a release or refund instruction.
type Result struct {
	Success bool
	TxRef   *string // set when the ledger returned a reference, even on partial failure
}

// Gateway coordinates ledger instructions for the settlement orchestrator.
type Gateway struct {
	ledger      LedgerAPI
	limiter     ratelimit.Limiter
	failures    FailureRecorder
	callTimeout time.Duration
}

// NewGateway creates a Gateway. callTimeout bounds each ledger call; zero
// falls back to 30 seconds.
func NewGateway(ledger LedgerAPI, limiter ratelimit.Limiter, failures FailureRecorder, callTimeout time.Duration) *Gateway {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Gateway{
		ledger:      ledger,
		limiter:     limiter,
		failures:    failures,
		callTimeout: callTimeout,
	}
}

// BookingKey maps a booking identifier to the ledger's key format: the hex
// SHA-256 digest of the canonical id string. The mapping is deterministic and
// collision resistant, so distinct bookings can never share a ledger record.
func BookingKey(bookingID uuid.UUID) string {
	sum := sha256.Sum256([]byte(bookingID.String()))
	return hex.EncodeToString(sum[:])
}

// GetRecord reads the escrow record for a booking. Fail-open: any ledger
// error degrades to a None/zero record.
func (g *Gateway) GetRecord(ctx context.Context, bookingID uuid.UUID) ledgerclient.EscrowRecord {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	record, err := g.ledger.GetRecord(callCtx, BookingKey(bookingID))
	if err != nil {
		log.Printf("level=warn component=escrow_gateway op=get_record msg=\"ledger read failed; returning none\" booking_id=%s err=%v", bookingID, err)
		return ledgerclient.EscrowRecord{Status: ledgerclient.StatusNone}
	}
	return *record
}

// GetBalance reads the locked balance for a booking. Fail-open: returns 0 on
// any error.
func (g *Gateway) GetBalance(ctx context.Context, bookingID uuid.UUID) int64 {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	balance, err := g.ledger.BalanceOf(callCtx, BookingKey(bookingID))
	if err != nil {
		log.Printf("level=warn component=escrow_gateway op=get_balance msg=\"ledger read failed; returning zero\" booking_id=%s err=%v", bookingID, err)
		return 0
	}
	return balance
}

// ReserveSlot asks the rate limiter for admission ahead of a release or
// refund. Callers reserve before persisting a terminal booking status, so a
// denial surfaces as a retryable-later rejection while nothing has mutated
// anywhere. A denial writes no failure record: no instruction was attempted.
func (g *Gateway) ReserveSlot(bookingID uuid.UUID, amount int64) error {
	if decision := g.limiter.CanProceed(amount, bookingID); !decision.Allowed {
		log.Printf("level=warn component=escrow_gateway op=reserve msg=\"rate limited\" booking_id=%s amount=%d reason=%q", bookingID, amount, decision.Reason)
		return fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason)
	}
	return nil
}

// ReleaseSlot returns a reservation whose instruction will never be
// submitted, e.g. when the status transition it guarded was lost to a
// concurrent writer.
func (g *Gateway) ReleaseSlot(bookingID uuid.UUID, amount int64) {
	g.limiter.ReleaseSlot(bookingID, amount)
}

// Release moves the locked amount for a booking to the provider and the
// platform treasury according to the fee split. The caller must hold a
// ReserveSlot reservation for totalAmount. The totalAmount must match the
// ledger's locked amount exactly; a mismatch is a hard stop.
func (g *Gateway) Release(ctx context.Context, bookingID uuid.UUID, providerAddress string, totalAmount int64, feePercent int, treasuryAddress string) (Result, error) {
	key := BookingKey(bookingID)

	// Write-path precondition read: unlike GetRecord this must fail closed.
	readCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	record, err := g.ledger.GetRecord(readCtx, key)
	cancel()
	if err != nil {
		g.limiter.ReleaseSlot(bookingID, totalAmount)
		g.recordFailure(ctx, bookingID, domain.EscrowOpRelease, totalAmount, fmt.Sprintf("precondition read failed: %v", err), nil)
		return Result{}, fmt.Errorf("precondition read failed: %w", err)
	}
	if record.Status != ledgerclient.StatusLocked {
		g.limiter.ReleaseSlot(bookingID, totalAmount)
		g.recordFailure(ctx, bookingID, domain.EscrowOpRelease, totalAmount,
			fmt.Sprintf("escrow status is %s, expected locked", record.Status), nil)
		return Result{}, fmt.Errorf("%w: status is %s", ErrNotLocked, record.Status)
	}
	if record.Amount != totalAmount {
		g.limiter.ReleaseSlot(bookingID, totalAmount)
		log.Printf("level=error component=escrow_gateway op=release severity=critical msg=\"locked amount mismatch\" booking_id=%s locked=%d expected=%d", bookingID, record.Amount, totalAmount)
		g.recordFailure(ctx, bookingID, domain.EscrowOpRelease, totalAmount,
			fmt.Sprintf("locked amount %d does not match booking amount %d", record.Amount, totalAmount), nil)
		return Result{}, fmt.Errorf("%w: locked %d, booking %d", ErrAmountMismatch, record.Amount, totalAmount)
	}

	fee := totalAmount * int64(feePercent) / 100
	providerAmount := totalAmount - fee

	submitCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	resp, err := g.ledger.Release(submitCtx, key, ledgerclient.ReleaseRequest{
		Recipient:       providerAddress,
		RecipientAmount: providerAmount,
		Treasury:        treasuryAddress,
		TreasuryAmount:  fee,
	})
	cancel()

	// The instruction reached submission; it counts against the window even
	// when the outcome is a failure.
	g.limiter.RecordOperation(bookingID, totalAmount, domain.EscrowOpRelease)

	if err != nil {
		g.recordFailure(ctx, bookingID, domain.EscrowOpRelease, totalAmount, fmt.Sprintf("release instruction failed: %v", err), nil)
		return Result{}, fmt.Errorf("release instruction failed: %w", err)
	}

	txRef := optionalString(resp.Data.TxRef)
	if !g.awaitConfirmation(ctx, key, resp, ledgerclient.StatusReleased) {
		g.recordFailure(ctx, bookingID, domain.EscrowOpRelease, totalAmount, "release submitted but not confirmed", txRef)
		return Result{TxRef: txRef}, ErrNotConfirmed
	}

	log.Printf("level=info component=escrow_gateway op=release msg=\"release confirmed\" booking_id=%s amount=%d fee=%d tx_ref=%s", bookingID, totalAmount, fee, resp.Data.TxRef)
	return Result{Success: true, TxRef: txRef}, nil
}

// Refund moves the full locked amount for a booking back to one recipient.
// Symmetric to Release: the caller must hold a ReserveSlot reservation for
// totalAmount, which accounts the reservation; the instruction itself always
// moves the full locked amount.
func (g *Gateway) Refund(ctx context.Context, bookingID uuid.UUID, recipientAddress string, totalAmount int64) (Result, error) {
	key := BookingKey(bookingID)

	// Write-path precondition read (fail closed).
	readCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	record, err := g.ledger.GetRecord(readCtx, key)
	cancel()
	if err != nil {
		g.limiter.ReleaseSlot(bookingID, totalAmount)
		g.recordFailure(ctx, bookingID, domain.EscrowOpRefund, totalAmount, fmt.Sprintf("precondition read failed: %v", err), nil)
		return Result{}, fmt.Errorf("precondition read failed: %w", err)
	}
	if record.Status != ledgerclient.StatusLocked {
		g.limiter.ReleaseSlot(bookingID, totalAmount)
		g.recordFailure(ctx, bookingID, domain.EscrowOpRefund, record.Amount,
			fmt.Sprintf("escrow status is %s, expected locked", record.Status), nil)
		return Result{}, fmt.Errorf("%w: status is %s", ErrNotLocked, record.Status)
	}

	amount := record.Amount

	submitCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	resp, err := g.ledger.Refund(submitCtx, key, ledgerclient.RefundRequest{
		Recipient: recipientAddress,
		Amount:    amount,
	})
	cancel()

	g.limiter.RecordOperation(bookingID, totalAmount, domain.EscrowOpRefund)

	if err != nil {
		g.recordFailure(ctx, bookingID, domain.EscrowOpRefund, amount, fmt.Sprintf("refund instruction failed: %v", err), nil)
		return Result{}, fmt.Errorf("refund instruction failed: %w", err)
	}

	txRef := optionalString(resp.Data.TxRef)
	if !g.awaitConfirmation(ctx, key, resp, ledgerclient.StatusRefunded) {
		g.recordFailure(ctx, bookingID, domain.EscrowOpRefund, amount, "refund submitted but not confirmed", txRef)
		return Result{TxRef: txRef}, ErrNotConfirmed
	}

	log.Printf("level=info component=escrow_gateway op=refund msg=\"refund confirmed\" booking_id=%s amount=%d tx_ref=%s", bookingID, amount, resp.Data.TxRef)
	return Result{Success: true, TxRef: txRef}, nil
}

// awaitConfirmation treats a response-level confirmation as final; otherwise
// it re-reads the record once to see whether the instruction reached the
// wanted terminal status. No further waiting: an unconfirmed instruction is a
// failure handed to the operator, never an inline retry.
func (g *Gateway) awaitConfirmation(ctx context.Context, key string, resp *ledgerclient.InstructionResponse, want ledgerclient.EscrowStatus) bool {
	if resp.Data.Confirmed {
		return true
	}

	readCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	record, err := g.ledger.GetRecord(readCtx, key)
	if err != nil {
		return false
	}
	return record.Status == want
}

// recordFailure writes the durable trace an operator replays from. The insert
// runs on a detached context: the failure may be the caller's context dying
// mid-call, and the record must land regardless. A failure to persist the
// record is the worst case for reconciliation, so it is logged at critical
// with full context.
func (g *Gateway) recordFailure(ctx context.Context, bookingID uuid.UUID, op domain.EscrowOperation, amount int64, message string, txRef *string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.callTimeout)
	defer cancel()
	record := &domain.EscrowFailureRecord{
		ID:           uuid.New(),
		BookingID:    bookingID,
		Operation:    op,
		Amount:       amount,
		ErrorMessage: message,
		TxRef:        txRef,
		Metadata: map[string]string{
			"ledger_key": BookingKey(bookingID),
		},
	}
	if err := g.failures.CreateEscrowFailure(writeCtx, record); err != nil {
		log.Printf("level=error component=escrow_gateway severity=critical msg=\"failed to persist escrow failure record\" booking_id=%s operation=%s amount=%d original_error=%q err=%v",
			bookingID, op, amount, message, err)
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
