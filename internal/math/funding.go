package math

import "PerpRisk/internal/errors"

// FundingPayment returns the quote pnl owed to (positive) or by (negative) a
// position of baseAmount since its funding checkpoint lastRate.
// Rates are cumulative quote-per-base in FundingRatePrecision; a positive
// rate delta charges longs and pays shorts. Rounds against the position.
func FundingPayment(cumulativeRate, lastRate, baseAmount int64) (int64, error) {
	if baseAmount == 0 {
		return 0, nil
	}
	delta, err := Sub(cumulativeRate, lastRate)
	if err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, nil
	}
	return MulDiv(-delta, baseAmount, BasePrecision*FundingRateBuffer, RoundFloor)
}

// SocialLossCharge returns the (non-positive) quote pnl charged to a position
// of baseAmount for social loss accrued since its checkpoint lastLoss.
// Longs and shorts are charged alike per unit of absolute size.
func SocialLossCharge(cumulativeLoss, lastLoss, baseAmount int64) (int64, error) {
	if baseAmount == 0 {
		return 0, nil
	}
	delta, err := Sub(cumulativeLoss, lastLoss)
	if err != nil {
		return 0, err
	}
	if delta < 0 {
		return 0, errors.Wrapf(errors.ErrNegative, "social loss checkpoint ahead of market: %d", delta)
	}
	size, err := Abs(baseAmount)
	if err != nil {
		return 0, err
	}
	return MulDiv(-delta, size, BasePrecision*FundingRateBuffer, RoundFloor)
}

// SocialLossPerBase spreads a quote deficit over the absolute open interest,
// returning the increment for a cumulative per-base accumulator (SocialLossPrecision).
// Rounds up so the accrued charge covers the deficit.
func SocialLossPerBase(deficit, openInterest int64) (int64, error) {
	if deficit < 0 {
		return 0, errors.Wrapf(errors.ErrNegative, "social loss deficit %d", deficit)
	}
	if openInterest <= 0 {
		return 0, errors.Wrap(errors.ErrDivideByZero, "social loss with no open interest")
	}
	return MulDiv(deficit, BasePrecision*FundingRateBuffer, openInterest, RoundUp)
}
