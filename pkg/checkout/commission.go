package checkout

import "fmt"

// CommissionRates holds the platform fee per tier in basis points (1/100 of a percent).
type CommissionRates struct {
	StandardBasisPoints int64
	PremiumBasisPoints  int64
}

// CommissionBreakdown splits a gross price into platform fee and teacher payout.
type CommissionBreakdown struct {
	Commission AmountMinor
	NetPayout  AmountMinor
}

// DefaultCommissionRates returns 20% for STANDARD and 15% for PREMIUM.
func DefaultCommissionRates() CommissionRates {
	return CommissionRates{
		StandardBasisPoints: defaultStandardBasisPoints,
		PremiumBasisPoints:  defaultPremiumBasisPoints,
	}
}

// Validate ensures every rate lies within 0..10000 basis points.
func (rates CommissionRates) Validate() error {
	for tier, basisPoints := range map[Tier]int64{TierStandard: rates.StandardBasisPoints, TierPremium: rates.PremiumBasisPoints} {
		if basisPoints < 0 || basisPoints > basisPointsDenominator {
			return fmt.Errorf("%w: %s rate %d bps", ErrInvalidCommissionRate, tier, basisPoints)
		}
	}
	return nil
}

// Rate returns the basis points configured for tier.
func (rates CommissionRates) Rate(tier Tier) (int64, error) {
	switch tier {
	case TierStandard:
		return rates.StandardBasisPoints, nil
	case TierPremium:
		return rates.PremiumBasisPoints, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
}

// ComputeCommission rounds the fee down to the nearest minor unit; the payout absorbs the remainder,
// so Commission + NetPayout always equals grossPrice.
func (rates CommissionRates) ComputeCommission(grossPrice AmountMinor, tier Tier) (CommissionBreakdown, error) {
	if grossPrice <= 0 {
		return CommissionBreakdown{}, fmt.Errorf("%w: gross price must be greater than zero", ErrInvalidAmount)
	}
	basisPoints, err := rates.Rate(tier)
	if err != nil {
		return CommissionBreakdown{}, err
	}
	if basisPoints < 0 || basisPoints > basisPointsDenominator {
		return CommissionBreakdown{}, fmt.Errorf("%w: %d bps", ErrInvalidCommissionRate, basisPoints)
	}
	gross := grossPrice.Int64()
	// floor(gross*bps/D) computed as q*bps + floor(r*bps/D) so the product never overflows.
	quotient, remainder := gross/basisPointsDenominator, gross%basisPointsDenominator
	commission := quotient*basisPoints + remainder*basisPoints/basisPointsDenominator
	return CommissionBreakdown{
		Commission: AmountMinor(commission),
		NetPayout:  AmountMinor(gross - commission),
	}, nil
}
