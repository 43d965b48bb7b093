/**
 * @description
 * Sliding-window rate limiter bounding how many settlement operations, and how
 * much cumulative value, may be released or refunded per unit time. This is
 * the circuit breaker against drainage by a compromised or malfunctioning
 * automated signer: even if every other check is fooled, the limiter caps the
 * blast radius per hour.
 *
 * @notes
 * - The limiter is an explicitly constructed, injectable instance; tests build
 *   isolated instances instead of resetting shared state.
 * - Admission and accounting share one mutex. CanProceed reserves a window
 *   slot atomically with the check, so concurrent settlements cannot slip
 *   through the gap between checking and recording.
 */

package ratelimit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craftwork/settlement-service/internal/domain"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	// purgeBuffer keeps entries slightly past the longest window so boundary
	// checks never race the purge.
	purgeBuffer = 5 * time.Minute
)

// Config bounds the settlement operation stream.
type Config struct {
	MaxOpsPerMinute  int
	MaxAmountPerHour int64 // in minor units
	// WarningThresholdPercent of the hourly amount cap past which an allowed
	// operation still emits a warning (e.g. 80).
	WarningThresholdPercent int64
}

// DefaultConfig returns the caps used when a deployment does not configure its own.
func DefaultConfig() Config {
	return Config{
		MaxOpsPerMinute:         10,
		MaxAmountPerHour:        1_000_000,
		WarningThresholdPercent: 80,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Reason  string
	Warning bool
}

// Stats is a point-in-time view of window usage for dashboards.
type Stats struct {
	OpsLastMinute      int   `json:"ops_last_minute"`
	OpsLastHour        int   `json:"ops_last_hour"`
	AmountLastHour     int64 `json:"amount_last_hour"`
	PercentOfHourlyCap int64 `json:"percent_of_hourly_cap"`
}

// Limiter is the shared guard consulted before every settlement operation.
// Implemented by the in-memory sliding window below and by RedisLimiter for
// multi-replica deployments.
type Limiter interface {
	// CanProceed checks the caps and, when allowed, reserves a window slot for
	// the operation in the same critical section.
	CanProceed(amount int64, bookingID uuid.UUID) Decision
	// RecordOperation finalizes a reservation once the ledger instruction has
	// been accepted for submission.
	RecordOperation(bookingID uuid.UUID, amount int64, kind domain.EscrowOperation)
	// ReleaseSlot abandons a reservation whose instruction never reached
	// submission (e.g. a precondition failed after admission).
	ReleaseSlot(bookingID uuid.UUID, amount int64)
	Stats() Stats
}

type entry struct {
	at        time.Time
	amount    int64
	bookingID uuid.UUID
	kind      domain.EscrowOperation
	submitted bool
}

// SlidingWindowLimiter is the in-memory Limiter implementation.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	cfg     Config
	entries []entry
	now     func() time.Time
}

// New creates a sliding-window limiter. Zero or negative config values fall
// back to the defaults.
func New(cfg Config) *SlidingWindowLimiter {
	def := DefaultConfig()
	if cfg.MaxOpsPerMinute <= 0 {
		cfg.MaxOpsPerMinute = def.MaxOpsPerMinute
	}
	if cfg.MaxAmountPerHour <= 0 {
		cfg.MaxAmountPerHour = def.MaxAmountPerHour
	}
	if cfg.WarningThresholdPercent <= 0 || cfg.WarningThresholdPercent > 100 {
		cfg.WarningThresholdPercent = def.WarningThresholdPercent
	}
	return &SlidingWindowLimiter{
		cfg: cfg,
		now: time.Now,
	}
}

// SetClock overrides the limiter's time source. Test use only.
func (l *SlidingWindowLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// purgeLocked drops entries older than the longest window plus buffer.
// Callers must hold l.mu.
func (l *SlidingWindowLimiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-(hourWindow + purgeBuffer))
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

func (l *SlidingWindowLimiter) usageLocked(now time.Time) (opsMinute int, opsHour int, amountHour int64) {
	minuteCutoff := now.Add(-minuteWindow)
	hourCutoff := now.Add(-hourWindow)
	for _, e := range l.entries {
		if e.at.After(hourCutoff) {
			opsHour++
			amountHour += e.amount
			if e.at.After(minuteCutoff) {
				opsMinute++
			}
		}
	}
	return
}

// CanProceed rejects when either cap would be breached; caps are inclusive
// upper bounds. Zero-amount operations still consume an operation slot. When
// admitted, a reservation is appended before the mutex is released.
func (l *SlidingWindowLimiter) CanProceed(amount int64, bookingID uuid.UUID) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)
	opsMinute, _, amountHour := l.usageLocked(now)

	if opsMinute >= l.cfg.MaxOpsPerMinute {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("operation cap exceeded: %d operations in the last minute (cap %d)", opsMinute, l.cfg.MaxOpsPerMinute),
		}
	}

	projected := amountHour + amount
	if projected > l.cfg.MaxAmountPerHour {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("hourly amount cap exceeded: %d + %d would pass cap %d",
				amountHour, amount, l.cfg.MaxAmountPerHour),
		}
	}

	decision := Decision{Allowed: true}
	warnFloor := l.cfg.MaxAmountPerHour * l.cfg.WarningThresholdPercent / 100
	if projected > warnFloor {
		decision.Warning = true
		log.Printf("level=warn component=rate_limiter msg=\"hourly amount usage past warning threshold\" booking_id=%s projected=%d cap=%d threshold_pct=%d",
			bookingID, projected, l.cfg.MaxAmountPerHour, l.cfg.WarningThresholdPercent)
	}

	l.entries = append(l.entries, entry{
		at:        now,
		amount:    amount,
		bookingID: bookingID,
	})
	return decision
}

// RecordOperation marks the reservation for bookingID/amount as submitted and
// stamps the operation kind.
func (l *SlidingWindowLimiter) RecordOperation(bookingID uuid.UUID, amount int64, kind domain.EscrowOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if !e.submitted && e.bookingID == bookingID && e.amount == amount {
			e.submitted = true
			e.kind = kind
			return
		}
	}
	// No reservation found: the caller recorded without admission. Count it
	// anyway so the window never understates real traffic.
	l.entries = append(l.entries, entry{
		at:        l.now(),
		amount:    amount,
		bookingID: bookingID,
		kind:      kind,
		submitted: true,
	})
}

// ReleaseSlot removes an unsubmitted reservation, returning its budget to the window.
func (l *SlidingWindowLimiter) ReleaseSlot(bookingID uuid.UUID, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !e.submitted && e.bookingID == bookingID && e.amount == amount {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// Stats reports current window usage.
func (l *SlidingWindowLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)
	opsMinute, opsHour, amountHour := l.usageLocked(now)

	var pct int64
	if l.cfg.MaxAmountPerHour > 0 {
		pct = amountHour * 100 / l.cfg.MaxAmountPerHour
	}
	return Stats{
		OpsLastMinute:      opsMinute,
		OpsLastHour:        opsHour,
		AmountLastHour:     amountHour,
		PercentOfHourlyCap: pct,
	}
}

// Reset clears all window state. Test use only.
func (l *SlidingWindowLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
