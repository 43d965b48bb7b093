package ratelimit

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
)

func newTestLimiter(cfg Config) (*SlidingWindowLimiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestCanProceed_OperationCapPerMinute(t *testing.T) {
	l, now := newTestLimiter(Config{MaxOpsPerMinute: 5, MaxAmountPerHour: 1_000_000})

	for i := 0; i < 5; i++ {
		d := l.CanProceed(100, uuid.New())
		if !d.Allowed {
			t.Fatalf("expected call %d to be allowed, got denial: %s", i+1, d.Reason)
		}
	}

	d := l.CanProceed(100, uuid.New())
	if d.Allowed {
		t.Fatal("expected 6th call inside the minute to be denied")
	}
	if d.Reason == "" {
		t.Fatal("expected a cap-exceeded reason on denial")
	}

	// After the minute window slides past, admission resumes.
	*now = now.Add(61 * time.Second)
	if d := l.CanProceed(100, uuid.New()); !d.Allowed {
		t.Fatalf("expected admission after window slide, got denial: %s", d.Reason)
	}
}

func TestCanProceed_HourlyAmountCapIsInclusive(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxOpsPerMinute: 100, MaxAmountPerHour: 1_000_000})

	booking := uuid.New()
	if d := l.CanProceed(900_000, booking); !d.Allowed {
		t.Fatalf("expected first 900000 to be allowed: %s", d.Reason)
	}
	l.RecordOperation(booking, 900_000, domain.EscrowOpRelease)

	// Exactly at the cap is allowed.
	if d := l.CanProceed(100_000, uuid.New()); !d.Allowed {
		t.Fatalf("expected exact-cap amount to be allowed: %s", d.Reason)
	}
	// One unit past the cap is denied.
	if d := l.CanProceed(1, uuid.New()); d.Allowed {
		t.Fatal("expected amount one past the cap to be denied")
	}
}

func TestCanProceed_SingleOversizedAmountRejected(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxOpsPerMinute: 100, MaxAmountPerHour: 1_000_000})
	if d := l.CanProceed(1_000_001, uuid.New()); d.Allowed {
		t.Fatal("expected a single amount above the cap to be rejected outright")
	}
}

func TestCanProceed_WarningPastThresholdWithoutDenial(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxOpsPerMinute: 100, MaxAmountPerHour: 1_000_000, WarningThresholdPercent: 80})

	booking := uuid.New()
	if d := l.CanProceed(750_000, booking); !d.Allowed || d.Warning {
		t.Fatalf("expected 75%% usage to be allowed without warning, got %+v", d)
	}
	l.RecordOperation(booking, 750_000, domain.EscrowOpRelease)

	d := l.CanProceed(100_000, uuid.New())
	if !d.Allowed {
		t.Fatalf("expected 85%% usage to still be allowed, got denial: %s", d.Reason)
	}
	if !d.Warning {
		t.Fatal("expected a warning when usage crosses 80% of the hourly cap")
	}
}

func TestCanProceed_ZeroAmountConsumesSlot(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxOpsPerMinute: 2, MaxAmountPerHour: 1_000_000})

	l.CanProceed(0, uuid.New())
	l.CanProceed(0, uuid.New())
	if d := l.CanProceed(0, uuid.New()); d.Allowed {
		t.Fatal("expected zero-amount operations to consume operation slots")
	}
}

func TestReleaseSlot_ReturnsBudget(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxOpsPerMinute: 1, MaxAmountPerHour: 1_000_000})

	booking := uuid.New()
	if d := l.CanProceed(500, booking); !d.Allowed {
		t.Fatalf("expected admission: %s", d.Reason)
	}
	// The reservation alone blocks the next operation.
	if d := l.CanProceed(500, uuid.New()); d.Allowed {
		t.Fatal("expected reservation to hold an operation slot")
	}

	l.ReleaseSlot(booking, 500)
	if d := l.CanProceed(500, uuid.New()); !d.Allowed {
		t.Fatalf("expected slot back after release: %s", d.Reason)
	}
}

func TestStats_ReportsWindowUsage(t *testing.T) {
	l, now := newTestLimiter(Config{MaxOpsPerMinute: 100, MaxAmountPerHour: 1_000_000})

	first := uuid.New()
	l.CanProceed(200_000, first)
	l.RecordOperation(first, 200_000, domain.EscrowOpRelease)

	*now = now.Add(2 * time.Minute)
	second := uuid.New()
	l.CanProceed(300_000, second)
	l.RecordOperation(second, 300_000, domain.EscrowOpRefund)

	stats := l.Stats()
	if stats.OpsLastMinute != 1 {
		t.Fatalf("expected 1 op in the last minute, got %d", stats.OpsLastMinute)
	}
	if stats.OpsLastHour != 2 {
		t.Fatalf("expected 2 ops in the last hour, got %d", stats.OpsLastHour)
	}
	if stats.AmountLastHour != 500_000 {
		t.Fatalf("expected 500000 in the last hour, got %d", stats.AmountLastHour)
	}
	if stats.PercentOfHourlyCap != 50 {
		t.Fatalf("expected 50%% of cap, got %d", stats.PercentOfHourlyCap)
	}
}

func TestStats_PurgesExpiredEntries(t *testing.T) {
	l, now := newTestLimiter(Config{MaxOpsPerMinute: 100, MaxAmountPerHour: 1_000_000})

	booking := uuid.New()
	l.CanProceed(400_000, booking)
	l.RecordOperation(booking, 400_000, domain.EscrowOpRelease)

	*now = now.Add(2 * time.Hour)
	stats := l.Stats()
	if stats.OpsLastHour != 0 || stats.AmountLastHour != 0 {
		t.Fatalf("expected aged-out entries to be purged, got %+v", stats)
	}
}

func TestReset_ClearsWindow(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxOpsPerMinute: 1, MaxAmountPerHour: 1_000_000})
	l.CanProceed(100, uuid.New())
	l.Reset()
	if d := l.CanProceed(100, uuid.New()); !d.Allowed {
		t.Fatalf("expected admission after reset: %s", d.Reason)
	}
}
