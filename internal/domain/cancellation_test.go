package domain

import (
	"testing"
	"time"
)

func TestCustomerRefund_Tiers(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		now        time.Time
		quoted     int64
		wantAmount int64
		wantPct    int64
	}{
		{name: "30 hours out is full refund", now: start.Add(-30 * time.Hour), quoted: 10000, wantAmount: 10000, wantPct: 100},
		{name: "exactly 24 hours out is full refund", now: start.Add(-24 * time.Hour), quoted: 10000, wantAmount: 10000, wantPct: 100},
		{name: "just inside 24 hours is half refund", now: start.Add(-24*time.Hour + time.Second), quoted: 10000, wantAmount: 5000, wantPct: 50},
		{name: "exactly 2 hours out is half refund", now: start.Add(-2 * time.Hour), quoted: 10000, wantAmount: 5000, wantPct: 50},
		{name: "1 hour out is no refund", now: start.Add(-1 * time.Hour), quoted: 10000, wantAmount: 0, wantPct: 0},
		{name: "after start is no refund", now: start.Add(3 * time.Hour), quoted: 10000, wantAmount: 0, wantPct: 0},
		{name: "half refund floors odd amounts", now: start.Add(-3 * time.Hour), quoted: 10001, wantAmount: 5000, wantPct: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CustomerRefund(tt.quoted, start, tt.now)
			if got.RefundAmount != tt.wantAmount {
				t.Fatalf("expected refund %d, got %d", tt.wantAmount, got.RefundAmount)
			}
			if got.RefundPercentage != tt.wantPct {
				t.Fatalf("expected percentage %d, got %d", tt.wantPct, got.RefundPercentage)
			}
		})
	}
}

func TestCustomerRefund_HoursUntilStartNeverNegative(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	got := CustomerRefund(10000, start, start.Add(5*time.Hour))
	if got.HoursUntilStart != 0 {
		t.Fatalf("expected 0 hours until start after the start time, got %d", got.HoursUntilStart)
	}
}

func TestProviderCancellationRefund_AlwaysFull(t *testing.T) {
	for _, quoted := range []int64{0, 1, 9999, 123456789} {
		if got := ProviderCancellationRefund(quoted); got != quoted {
			t.Fatalf("expected full refund %d, got %d", quoted, got)
		}
	}
}

func TestCanCancel(t *testing.T) {
	eligible := map[BookingStatus]bool{
		StatusPendingProviderApproval:      true,
		StatusPendingCustomerPayment:       true,
		StatusConfirmed:                    true,
		StatusInProgress:                   true,
		StatusCompleted:                    false,
		StatusAwaitingCustomerConfirmation: false,
		StatusSettled:                      false,
		StatusDeclined:                     false,
		StatusCancelled:                    false,
	}
	for status, want := range eligible {
		if got := CanCancel(status); got != want {
			t.Fatalf("CanCancel(%s) = %v, want %v", status, got, want)
		}
	}
}
