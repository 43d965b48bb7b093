/**
 * @description
 * Cancellation policy: pure functions deciding whether a booking may be
 * cancelled from its current status and how much of the quoted amount the
 * customer gets back depending on who cancelled and how close to the
 * scheduled start the cancellation lands.
 */

package domain

import "time"

// Refund tiers for customer-initiated cancellation, applied with integer
// arithmetic and floor rounding.
const (
	fullRefundHours = 24 // >= 24h before start: 100%
	halfRefundHours = 2  // >= 2h before start: 50%
)

// CanCancel reports whether a booking in the given status is still eligible
// for cancellation. Completion and settlement are past the policy cutoff.
func CanCancel(status BookingStatus) bool {
	switch status {
	case StatusPendingProviderApproval,
		StatusPendingCustomerPayment,
		StatusConfirmed,
		StatusInProgress:
		return true
	default:
		return false
	}
}

// CustomerRefund computes the tiered refund for a customer-initiated
// cancellation at time now relative to scheduledStart.
func CustomerRefund(quotedAmount int64, scheduledStart, now time.Time) RefundQuote {
	hoursUntil := int64(scheduledStart.Sub(now).Hours())
	if scheduledStart.Before(now) {
		hoursUntil = 0
	}

	var pct int64
	switch {
	case scheduledStart.Sub(now) >= fullRefundHours*time.Hour:
		pct = 100
	case scheduledStart.Sub(now) >= halfRefundHours*time.Hour:
		pct = 50
	default:
		pct = 0
	}

	return RefundQuote{
		RefundAmount:     quotedAmount * pct / 100,
		RefundPercentage: pct,
		HoursUntilStart:  hoursUntil,
	}
}

// ProviderCancellationRefund is the refund when the provider cancels: always
// the full quoted amount, regardless of timing. Provider-initiated
// cancellation never penalizes the customer.
func ProviderCancellationRefund(quotedAmount int64) int64 {
	return quotedAmount
}
