package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/craftwork/settlement-service/internal/domain"
)

// admitScript increments the window counters atomically and sets their
// expiries on first use. The hourly op counter exists only for Stats; caps
// are enforced on the per-minute ops and hourly amount counters. Returned
// values are the post-increment totals; the Go side decides admission and
// rolls back on denial.
var admitScript = redis.NewScript(`
local ops = redis.call("INCR", KEYS[1])
if ops == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local amount = redis.call("INCRBY", KEYS[2], ARGV[3])
if amount == tonumber(ARGV[3]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
local opsHour = redis.call("INCR", KEYS[3])
if opsHour == 1 then
  redis.call("PEXPIRE", KEYS[3], ARGV[2])
end
return {ops, amount}
`)

var rollbackScript = redis.NewScript(`
redis.call("DECR", KEYS[1])
redis.call("DECRBY", KEYS[2], ARGV[1])
redis.call("DECR", KEYS[3])
return 1
`)

// RedisLimiter implements Limiter on fixed Redis windows so that multiple
// service replicas share one settlement rate budget. The counters use the
// same INCR+PEXPIRE discipline for both the per-minute operation window and
// the hourly amount window.
//
// The limiter fails closed: when Redis is unreachable the settlement path is
// denied rather than left unguarded.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

// NewRedisLimiter creates a Redis-backed limiter under the given key prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string, cfg Config) *RedisLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

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

	return &RedisLimiter{
		client: client,
		prefix: trimmedPrefix,
		cfg:    cfg,
	}
}

func (r *RedisLimiter) opsKey() string     { return r.prefix + ":ops_minute" }
func (r *RedisLimiter) amountKey() string  { return r.prefix + ":amount_hour" }
func (r *RedisLimiter) opsHourKey() string { return r.prefix + ":ops_hour" }

// CanProceed performs an atomic check-and-increment against the shared
// counters, rolling both back when either cap is breached.
func (r *RedisLimiter) CanProceed(amount int64, bookingID uuid.UUID) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := admitScript.Run(ctx, r.client,
		[]string{r.opsKey(), r.amountKey(), r.opsHourKey()},
		minuteWindow.Milliseconds(), hourWindow.Milliseconds(), amount,
	).Result()
	if err != nil {
		log.Printf("level=error component=rate_limiter backend=redis msg=\"admission check failed; denying\" booking_id=%s err=%v", bookingID, err)
		return Decision{Allowed: false, Reason: "rate limiter unavailable"}
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		log.Printf("level=error component=rate_limiter backend=redis msg=\"unexpected script response; denying\" booking_id=%s type=%T", bookingID, raw)
		return Decision{Allowed: false, Reason: "rate limiter unavailable"}
	}
	ops, opsOK := values[0].(int64)
	amountHour, amountOK := values[1].(int64)
	if !opsOK || !amountOK {
		log.Printf("level=error component=rate_limiter backend=redis msg=\"unexpected script value types; denying\" booking_id=%s", bookingID)
		return Decision{Allowed: false, Reason: "rate limiter unavailable"}
	}

	if ops > int64(r.cfg.MaxOpsPerMinute) || amountHour > r.cfg.MaxAmountPerHour {
		r.rollback(amount, bookingID)
		if ops > int64(r.cfg.MaxOpsPerMinute) {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("operation cap exceeded: %d operations in the current minute window (cap %d)", ops-1, r.cfg.MaxOpsPerMinute),
			}
		}
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("hourly amount cap exceeded: %d + %d would pass cap %d",
				amountHour-amount, amount, r.cfg.MaxAmountPerHour),
		}
	}

	decision := Decision{Allowed: true}
	warnFloor := r.cfg.MaxAmountPerHour * r.cfg.WarningThresholdPercent / 100
	if amountHour > warnFloor {
		decision.Warning = true
		log.Printf("level=warn component=rate_limiter backend=redis msg=\"hourly amount usage past warning threshold\" booking_id=%s used=%d cap=%d threshold_pct=%d",
			bookingID, amountHour, r.cfg.MaxAmountPerHour, r.cfg.WarningThresholdPercent)
	}
	return decision
}

// RecordOperation is a no-op for the Redis limiter: admission already
// incremented the shared counters.
func (r *RedisLimiter) RecordOperation(bookingID uuid.UUID, amount int64, kind domain.EscrowOperation) {}

// ReleaseSlot returns an admitted operation's budget when its instruction
// never reached submission.
func (r *RedisLimiter) ReleaseSlot(bookingID uuid.UUID, amount int64) {
	r.rollback(amount, bookingID)
}

func (r *RedisLimiter) rollback(amount int64, bookingID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := rollbackScript.Run(ctx, r.client, []string{r.opsKey(), r.amountKey(), r.opsHourKey()}, amount).Result(); err != nil {
		log.Printf("level=warn component=rate_limiter backend=redis msg=\"rollback failed; window will overcount until expiry\" booking_id=%s err=%v", bookingID, err)
	}
}

// Stats reads the current window counters. Errors degrade to zero values;
// stats are an observability read, not a safety check.
func (r *RedisLimiter) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var stats Stats
	if ops, err := r.client.Get(ctx, r.opsKey()).Int64(); err == nil {
		stats.OpsLastMinute = int(ops)
	}
	if opsHour, err := r.client.Get(ctx, r.opsHourKey()).Int64(); err == nil {
		stats.OpsLastHour = int(opsHour)
	}
	if amount, err := r.client.Get(ctx, r.amountKey()).Int64(); err == nil {
		stats.AmountLastHour = amount
	}
	if r.cfg.MaxAmountPerHour > 0 {
		stats.PercentOfHourlyCap = stats.AmountLastHour * 100 / r.cfg.MaxAmountPerHour
	}
	return stats
}
