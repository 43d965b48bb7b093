/**
 * @description
 * Pure pricing calculator turning a quoted service amount into an exact split
 * between the platform fee and the provider payout. Integer arithmetic only;
 * no floating point ever touches money math.
 *
 * @notes
 * - The venue payout is additive on top of the quote, not a cut of it, so it
 *   is excluded from the fee+payout identity.
 */

package domain

import "errors"

// DefaultPlatformFeePercent is used when the deployment does not configure one.
const DefaultPlatformFeePercent = 10

var (
	ErrNegativeAmount    = errors.New("amount must be non-negative")
	ErrInvalidFeePercent = errors.New("fee percent must be an integer between 0 and 100")
)

// Pricing is the exact split of one booking's commercial terms.
type Pricing struct {
	QuotedAmount   int64 `json:"quoted_amount"`
	PlatformFee    int64 `json:"platform_fee"`
	ProviderPayout int64 `json:"provider_payout"`
	VenuePayout    int64 `json:"venue_payout"`
}

// ComputePricing splits quotedAmount into platform fee and provider payout
// using floor division. venuePayout passes through unchanged.
func ComputePricing(quotedAmount, venuePayout int64, feePercent int) (Pricing, error) {
	if quotedAmount < 0 || venuePayout < 0 {
		return Pricing{}, ErrNegativeAmount
	}
	if feePercent < 0 || feePercent > 100 {
		return Pricing{}, ErrInvalidFeePercent
	}

	fee := quotedAmount * int64(feePercent) / 100
	return Pricing{
		QuotedAmount:   quotedAmount,
		PlatformFee:    fee,
		ProviderPayout: quotedAmount - fee,
		VenuePayout:    venuePayout,
	}, nil
}

// Validate checks the split identity: fee + provider payout must reconstruct
// the quoted amount exactly. Venue payout is a separate disbursement and is
// deliberately outside the identity.
func (p Pricing) Validate() bool {
	if p.QuotedAmount < 0 || p.PlatformFee < 0 || p.ProviderPayout < 0 || p.VenuePayout < 0 {
		return false
	}
	return p.PlatformFee+p.ProviderPayout == p.QuotedAmount
}
