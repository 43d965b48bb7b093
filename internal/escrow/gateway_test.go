package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
	"github.com/craftwork/settlement-service/internal/ratelimit"
	"github.com/craftwork/settlement-service/pkg/ledgerclient"
)

type stubLedger struct {
	getRecordFn func(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error)
	balanceOfFn func(ctx context.Context, key string) (int64, error)
	releaseFn   func(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error)
	refundFn    func(ctx context.Context, key string, req ledgerclient.RefundRequest) (*ledgerclient.InstructionResponse, error)

	releaseCalls []ledgerclient.ReleaseRequest
	refundCalls  []ledgerclient.RefundRequest
}

func (s *stubLedger) GetRecord(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error) {
	if s.getRecordFn != nil {
		return s.getRecordFn(ctx, key)
	}
	return &ledgerclient.EscrowRecord{Status: ledgerclient.StatusNone}, nil
}

func (s *stubLedger) BalanceOf(ctx context.Context, key string) (int64, error) {
	if s.balanceOfFn != nil {
		return s.balanceOfFn(ctx, key)
	}
	return 0, nil
}

func (s *stubLedger) Release(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error) {
	s.releaseCalls = append(s.releaseCalls, req)
	if s.releaseFn != nil {
		return s.releaseFn(ctx, key, req)
	}
	return confirmedResponse("tx_release_ok"), nil
}

func (s *stubLedger) Refund(ctx context.Context, key string, req ledgerclient.RefundRequest) (*ledgerclient.InstructionResponse, error) {
	s.refundCalls = append(s.refundCalls, req)
	if s.refundFn != nil {
		return s.refundFn(ctx, key, req)
	}
	return confirmedResponse("tx_refund_ok"), nil
}

func confirmedResponse(txRef string) *ledgerclient.InstructionResponse {
	resp := &ledgerclient.InstructionResponse{}
	resp.Data.TxRef = txRef
	resp.Data.Status = "success"
	resp.Data.Confirmed = true
	return resp
}

type stubFailures struct {
	records []*domain.EscrowFailureRecord
	err     error
}

func (s *stubFailures) CreateEscrowFailure(ctx context.Context, record *domain.EscrowFailureRecord) error {
	// A real repository cannot write on a dead context.
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func lockedLedger(amount int64) *stubLedger {
	return &stubLedger{
		getRecordFn: func(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error) {
			return &ledgerclient.EscrowRecord{Owner: "cust_addr", Amount: amount, Status: ledgerclient.StatusLocked}, nil
		},
	}
}

func newTestGateway(ledger *stubLedger) (*Gateway, *ratelimit.SlidingWindowLimiter, *stubFailures) {
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	failures := &stubFailures{}
	return NewGateway(ledger, limiter, failures, time.Second), limiter, failures
}

func TestBookingKeyIsDeterministicAndDistinct(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	keyA := BookingKey(a)
	if keyA != BookingKey(a) {
		t.Fatal("expected identical key for identical booking id")
	}
	if len(keyA) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(keyA))
	}
	if keyA == BookingKey(b) {
		t.Fatal("expected distinct keys for distinct booking ids")
	}
}

func TestReleaseSplitsFeeAndConfirms(t *testing.T) {
	ledger := lockedLedger(10000)
	gateway, limiter, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	if err := gateway.ReserveSlot(bookingID, 10000); err != nil {
		t.Fatalf("expected reservation to pass: %v", err)
	}
	result, err := gateway.Release(context.Background(), bookingID, "prov_addr", 10000, 10, "treasury_addr")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !result.Success {
		t.Fatal("expected Success true")
	}
	if result.TxRef == nil || *result.TxRef != "tx_release_ok" {
		t.Fatalf("expected tx ref, got %v", result.TxRef)
	}

	if len(ledger.releaseCalls) != 1 {
		t.Fatalf("expected 1 release call, got %d", len(ledger.releaseCalls))
	}
	req := ledger.releaseCalls[0]
	if req.RecipientAmount != 9000 || req.TreasuryAmount != 1000 {
		t.Fatalf("expected 9000/1000 split, got %d/%d", req.RecipientAmount, req.TreasuryAmount)
	}
	if req.Recipient != "prov_addr" || req.Treasury != "treasury_addr" {
		t.Fatalf("unexpected recipients: %+v", req)
	}

	if len(failures.records) != 0 {
		t.Fatalf("expected no failure records, got %d", len(failures.records))
	}
	if stats := limiter.Stats(); stats.OpsLastMinute != 1 {
		t.Fatalf("expected 1 recorded op, got %d", stats.OpsLastMinute)
	}
}

func TestReleaseRefusedWhenNotLocked(t *testing.T) {
	ledger := &stubLedger{
		getRecordFn: func(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error) {
			return &ledgerclient.EscrowRecord{Amount: 10000, Status: ledgerclient.StatusReleased}, nil
		},
	}
	gateway, limiter, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	// A second settlement attempt against an already-released record must fail
	// every time; the Locked precondition is the idempotency guard.
	for attempt := 0; attempt < 2; attempt++ {
		if err := gateway.ReserveSlot(bookingID, 10000); err != nil {
			t.Fatalf("attempt %d: expected reservation to pass: %v", attempt, err)
		}
		_, err := gateway.Release(context.Background(), bookingID, "prov_addr", 10000, 10, "treasury_addr")
		if !errors.Is(err, ErrNotLocked) {
			t.Fatalf("attempt %d: expected ErrNotLocked, got %v", attempt, err)
		}
	}

	if len(ledger.releaseCalls) != 0 {
		t.Fatalf("expected no instruction submitted, got %d", len(ledger.releaseCalls))
	}
	if stats := limiter.Stats(); stats.OpsLastMinute != 0 {
		t.Fatalf("expected no ops recorded for refused attempts, got %d", stats.OpsLastMinute)
	}
	if len(failures.records) != 2 {
		t.Fatalf("expected 2 failure records, got %d", len(failures.records))
	}
}

func TestReleaseAmountMismatchIsHardStop(t *testing.T) {
	ledger := lockedLedger(9999)
	gateway, limiter, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	if err := gateway.ReserveSlot(bookingID, 10000); err != nil {
		t.Fatalf("expected reservation to pass: %v", err)
	}
	_, err := gateway.Release(context.Background(), bookingID, "prov_addr", 10000, 10, "treasury_addr")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if len(ledger.releaseCalls) != 0 {
		t.Fatal("expected no instruction submitted on amount mismatch")
	}
	if stats := limiter.Stats(); stats.OpsLastMinute != 0 {
		t.Fatalf("expected reserved slot released, got %d ops", stats.OpsLastMinute)
	}
	if len(failures.records) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(failures.records))
	}
	if !strings.Contains(failures.records[0].ErrorMessage, "9999") {
		t.Fatalf("expected locked amount in failure message, got %q", failures.records[0].ErrorMessage)
	}
}

func TestReleaseInstructionFailureIsRecordedAndCounted(t *testing.T) {
	ledger := lockedLedger(10000)
	ledger.releaseFn = func(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error) {
		return nil, errors.New("ledger unavailable")
	}
	gateway, limiter, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	_, err := gateway.Release(context.Background(), bookingID, "prov_addr", 10000, 10, "treasury_addr")
	if err == nil {
		t.Fatal("expected error")
	}

	if len(failures.records) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(failures.records))
	}
	record := failures.records[0]
	if record.BookingID != bookingID || record.Operation != domain.EscrowOpRelease || record.Amount != 10000 {
		t.Fatalf("unexpected failure record: %+v", record)
	}
	if !strings.Contains(record.ErrorMessage, "ledger unavailable") {
		t.Fatalf("expected underlying error in message, got %q", record.ErrorMessage)
	}

	// Submitted-but-failed instructions consume window budget.
	if stats := limiter.Stats(); stats.OpsLastMinute != 1 {
		t.Fatalf("expected 1 op counted, got %d", stats.OpsLastMinute)
	}
}

func TestReserveSlotDeniedAtCapWithoutFailureRecord(t *testing.T) {
	ledger := lockedLedger(10000)
	failures := &stubFailures{}
	limiter := ratelimit.New(ratelimit.Config{MaxOpsPerMinute: 1, MaxAmountPerHour: 1_000_000, WarningThresholdPercent: 80})
	gateway := NewGateway(ledger, limiter, failures, time.Second)

	if err := gateway.ReserveSlot(uuid.New(), 10000); err != nil {
		t.Fatalf("first reservation should pass: %v", err)
	}

	err := gateway.ReserveSlot(uuid.New(), 10000)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(ledger.releaseCalls) != 0 {
		t.Fatalf("expected no ledger call, got %d", len(ledger.releaseCalls))
	}
	// Rate-limit denials are retryable-later, not ledger failures.
	if len(failures.records) != 0 {
		t.Fatalf("expected no failure record for rate-limit denial, got %d", len(failures.records))
	}
}

func TestReleaseSlotReturnsReservedBudget(t *testing.T) {
	ledger := lockedLedger(10000)
	failures := &stubFailures{}
	limiter := ratelimit.New(ratelimit.Config{MaxOpsPerMinute: 1, MaxAmountPerHour: 1_000_000, WarningThresholdPercent: 80})
	gateway := NewGateway(ledger, limiter, failures, time.Second)
	bookingID := uuid.New()

	if err := gateway.ReserveSlot(bookingID, 10000); err != nil {
		t.Fatalf("reservation should pass: %v", err)
	}
	gateway.ReleaseSlot(bookingID, 10000)

	// The abandoned reservation no longer consumes the single op slot.
	if err := gateway.ReserveSlot(uuid.New(), 10000); err != nil {
		t.Fatalf("expected budget returned after ReleaseSlot, got %v", err)
	}
}

func TestFailureRecordSurvivesRequestCancellation(t *testing.T) {
	ledger := lockedLedger(10000)
	ledger.releaseFn = func(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error) {
		return nil, context.Canceled
	}
	gateway, _, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	// The caller's context is already dead, as when a client disconnects or
	// the server timeout fires mid-ledger-call. The durable failure record
	// must land anyway.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gateway.Release(ctx, bookingID, "prov_addr", 10000, 10, "treasury_addr")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(failures.records) != 1 {
		t.Fatalf("expected 1 failure record despite cancelled request context, got %d", len(failures.records))
	}
	if failures.records[0].BookingID != bookingID {
		t.Fatalf("unexpected failure record: %+v", failures.records[0])
	}
}

func TestReleaseUnconfirmedVerifiedByReRead(t *testing.T) {
	reads := 0
	ledger := &stubLedger{}
	ledger.getRecordFn = func(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error) {
		reads++
		if reads == 1 {
			return &ledgerclient.EscrowRecord{Amount: 10000, Status: ledgerclient.StatusLocked}, nil
		}
		return &ledgerclient.EscrowRecord{Amount: 10000, Status: ledgerclient.StatusReleased}, nil
	}
	ledger.releaseFn = func(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error) {
		resp := confirmedResponse("tx_slow")
		resp.Data.Confirmed = false
		return resp, nil
	}
	gateway, _, failures := newTestGateway(ledger)

	result, err := gateway.Release(context.Background(), uuid.New(), "prov_addr", 10000, 10, "treasury_addr")
	if err != nil {
		t.Fatalf("expected re-read to confirm, got %v", err)
	}
	if !result.Success {
		t.Fatal("expected Success true")
	}
	if len(failures.records) != 0 {
		t.Fatalf("expected no failure records, got %d", len(failures.records))
	}
}

func TestReleaseUnconfirmedAfterReReadFails(t *testing.T) {
	ledger := lockedLedger(10000)
	ledger.releaseFn = func(ctx context.Context, key string, req ledgerclient.ReleaseRequest) (*ledgerclient.InstructionResponse, error) {
		resp := confirmedResponse("tx_hung")
		resp.Data.Confirmed = false
		return resp, nil
	}
	gateway, _, failures := newTestGateway(ledger)

	result, err := gateway.Release(context.Background(), uuid.New(), "prov_addr", 10000, 10, "treasury_addr")
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if result.TxRef == nil || *result.TxRef != "tx_hung" {
		t.Fatalf("expected partial tx ref preserved, got %v", result.TxRef)
	}
	if len(failures.records) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(failures.records))
	}
	if failures.records[0].TxRef == nil || *failures.records[0].TxRef != "tx_hung" {
		t.Fatal("expected tx ref captured in failure record")
	}
}

func TestRefundMovesFullLockedAmount(t *testing.T) {
	ledger := lockedLedger(5000)
	gateway, limiter, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	if err := gateway.ReserveSlot(bookingID, 5000); err != nil {
		t.Fatalf("expected reservation to pass: %v", err)
	}
	result, err := gateway.Refund(context.Background(), bookingID, "cust_addr", 5000)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !result.Success {
		t.Fatal("expected Success true")
	}
	if len(ledger.refundCalls) != 1 {
		t.Fatalf("expected 1 refund call, got %d", len(ledger.refundCalls))
	}
	if got := ledger.refundCalls[0]; got.Recipient != "cust_addr" || got.Amount != 5000 {
		t.Fatalf("expected full locked amount to cust_addr, got %+v", got)
	}
	if len(failures.records) != 0 {
		t.Fatalf("expected no failure records, got %d", len(failures.records))
	}
	if stats := limiter.Stats(); stats.AmountLastHour != 5000 {
		t.Fatalf("expected 5000 counted against hourly window, got %d", stats.AmountLastHour)
	}
}

func TestRefundRefusedWhenNotLocked(t *testing.T) {
	ledger := &stubLedger{
		getRecordFn: func(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error) {
			return &ledgerclient.EscrowRecord{Amount: 5000, Status: ledgerclient.StatusRefunded}, nil
		},
	}
	gateway, limiter, failures := newTestGateway(ledger)
	bookingID := uuid.New()

	if err := gateway.ReserveSlot(bookingID, 5000); err != nil {
		t.Fatalf("expected reservation to pass: %v", err)
	}
	_, err := gateway.Refund(context.Background(), bookingID, "cust_addr", 5000)
	if !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
	if len(ledger.refundCalls) != 0 {
		t.Fatal("expected no instruction submitted")
	}
	if stats := limiter.Stats(); stats.OpsLastMinute != 0 {
		t.Fatalf("expected reserved slot released, got %d ops", stats.OpsLastMinute)
	}
	if len(failures.records) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(failures.records))
	}
}

func TestReadsFailOpen(t *testing.T) {
	ledger := &stubLedger{
		getRecordFn: func(ctx context.Context, key string) (*ledgerclient.EscrowRecord, error) {
			return nil, errors.New("connection refused")
		},
		balanceOfFn: func(ctx context.Context, key string) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}
	gateway, _, failures := newTestGateway(ledger)

	record := gateway.GetRecord(context.Background(), uuid.New())
	if record.Status != ledgerclient.StatusNone {
		t.Fatalf("expected StatusNone on read failure, got %s", record.Status)
	}
	if balance := gateway.GetBalance(context.Background(), uuid.New()); balance != 0 {
		t.Fatalf("expected zero balance on read failure, got %d", balance)
	}
	// Degraded reads are not settlement failures.
	if len(failures.records) != 0 {
		t.Fatalf("expected no failure records for reads, got %d", len(failures.records))
	}
}
