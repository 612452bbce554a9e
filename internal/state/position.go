package state

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"
)

// checkpoint moves the position's accrual marks to the market's current accumulators.
func checkpoint(p *PerpPosition, m *PerpMarket) {
	if p.BaseAssetAmount >= 0 {
		p.LastCumulativeFundingRate = m.AMM.CumulativeFundingRateLong
	} else {
		p.LastCumulativeFundingRate = m.AMM.CumulativeFundingRateShort
	}
	p.LastCumulativeSocialLoss = m.CumulativeSocialLoss
}

// marketFundingRate returns the cumulative rate applied to the position's side.
func marketFundingRate(p *PerpPosition, m *PerpMarket) int64 {
	if p.BaseAssetAmount >= 0 {
		return m.AMM.CumulativeFundingRateLong
	}
	return m.AMM.CumulativeFundingRateShort
}

// UnsettledFunding returns funding accrued since the position's checkpoint.
func UnsettledFunding(p *PerpPosition, m *PerpMarket) (int64, error) {
	return fpmath.FundingPayment(marketFundingRate(p, m), p.LastCumulativeFundingRate, p.BaseAssetAmount)
}

// UnsettledSocialLoss returns social loss charged since the position's checkpoint.
func UnsettledSocialLoss(p *PerpPosition, m *PerpMarket) (int64, error) {
	return fpmath.SocialLossCharge(m.CumulativeSocialLoss, p.LastCumulativeSocialLoss, p.BaseAssetAmount)
}

// SettleFunding realizes pending funding and social loss into the quote ledger
// and moves the checkpoints forward. Returns the amounts realized.
func SettleFunding(p *PerpPosition, m *PerpMarket) (funding int64, socialLoss int64, err error) {
	funding, err = UnsettledFunding(p, m)
	if err != nil {
		return 0, 0, err
	}
	socialLoss, err = UnsettledSocialLoss(p, m)
	if err != nil {
		return 0, 0, err
	}

	total, err := fpmath.Add(funding, socialLoss)
	if err != nil {
		return 0, 0, err
	}
	if total != 0 {
		if err := AddQuote(p, m, total); err != nil {
			return 0, 0, err
		}
	}
	checkpoint(p, m)
	return funding, socialLoss, nil
}

// AddQuote credits (or debits) the position's quote ledger and the market's net user quote.
func AddQuote(p *PerpPosition, m *PerpMarket, delta int64) error {
	q, err := fpmath.Add(p.QuoteAssetAmount, delta)
	if err != nil {
		return err
	}
	mq, err := fpmath.Add(m.AMM.QuoteAssetAmount, delta)
	if err != nil {
		return err
	}
	p.QuoteAssetAmount = q
	m.AMM.QuoteAssetAmount = mq
	return nil
}

// UpdatePerpPosition applies a fill of deltaBase for deltaQuote (quote paid is
// negative) to the position, keeping entry/break-even amounts and the market's
// open interest counters consistent. Pending funding must be settled first.
func UpdatePerpPosition(p *PerpPosition, m *PerpMarket, deltaBase, deltaQuote int64) error {
	if deltaBase == 0 && deltaQuote == 0 {
		return nil
	}
	if p.MarketIndex != m.MarketIndex {
		return errors.Wrapf(errors.ErrValidation, "position market %d != %d", p.MarketIndex, m.MarketIndex)
	}

	oldBase := p.BaseAssetAmount
	newBase, err := fpmath.Add(oldBase, deltaBase)
	if err != nil {
		return err
	}

	entry, breakEven, err := nextEntryAmounts(p, oldBase, newBase, deltaBase, deltaQuote)
	if err != nil {
		return err
	}

	if err := shiftOpenInterest(m, oldBase, newBase); err != nil {
		return err
	}
	withAmm, err := fpmath.Add(m.AMM.BaseAssetAmountWithAmm, deltaBase)
	if err != nil {
		return err
	}
	if err := AddQuote(p, m, deltaQuote); err != nil {
		return err
	}

	m.AMM.BaseAssetAmountWithAmm = withAmm
	p.BaseAssetAmount = newBase
	p.QuoteEntryAmount = entry
	p.QuoteBreakEvenAmount = breakEven

	switch {
	case oldBase == 0 && newBase != 0:
		m.AMM.NumberOfUsersWithBase++
		checkpoint(p, m)
	case oldBase != 0 && newBase == 0:
		m.AMM.NumberOfUsersWithBase--
	case fpmath.Sign(oldBase) != fpmath.Sign(newBase):
		checkpoint(p, m)
	}
	return nil
}

func nextEntryAmounts(p *PerpPosition, oldBase, newBase, deltaBase, deltaQuote int64) (int64, int64, error) {
	switch {
	case deltaBase == 0:
		return p.QuoteEntryAmount, p.QuoteBreakEvenAmount, nil

	case oldBase == 0 || fpmath.Sign(oldBase) == fpmath.Sign(deltaBase):
		entry, err := fpmath.Add(p.QuoteEntryAmount, deltaQuote)
		if err != nil {
			return 0, 0, err
		}
		breakEven, err := fpmath.Add(p.QuoteBreakEvenAmount, deltaQuote)
		if err != nil {
			return 0, 0, err
		}
		return entry, breakEven, nil

	case newBase == 0 || fpmath.Sign(newBase) == fpmath.Sign(oldBase):
		// reducing: release entry cost pro rata
		absOld, _ := fpmath.Abs(oldBase)
		absNew, _ := fpmath.Abs(newBase)
		entry, err := fpmath.MulDiv(p.QuoteEntryAmount, absNew, absOld, fpmath.RoundDown)
		if err != nil {
			return 0, 0, err
		}
		breakEven, err := fpmath.MulDiv(p.QuoteBreakEvenAmount, absNew, absOld, fpmath.RoundDown)
		if err != nil {
			return 0, 0, err
		}
		return entry, breakEven, nil

	default:
		// flipped: the remainder opens at the fill's price
		absDelta, _ := fpmath.Abs(deltaBase)
		absNew, _ := fpmath.Abs(newBase)
		entry, err := fpmath.MulDiv(deltaQuote, absNew, absDelta, fpmath.RoundDown)
		if err != nil {
			return 0, 0, err
		}
		return entry, entry, nil
	}
}

func shiftOpenInterest(m *PerpMarket, oldBase, newBase int64) error {
	long, short := m.AMM.BaseAssetAmountLong, m.AMM.BaseAssetAmountShort
	var err error

	if oldBase > 0 {
		long, err = fpmath.Sub(long, oldBase)
	} else {
		short, err = fpmath.Sub(short, oldBase)
	}
	if err != nil {
		return err
	}

	if newBase > 0 {
		long, err = fpmath.Add(long, newBase)
	} else {
		short, err = fpmath.Add(short, newBase)
	}
	if err != nil {
		return err
	}

	if long < 0 || short > 0 {
		return errors.Wrapf(errors.ErrNegative, "open interest long=%d short=%d", long, short)
	}
	m.AMM.BaseAssetAmountLong = long
	m.AMM.BaseAssetAmountShort = short
	return nil
}

// WorstCaseBase returns the signed base the position would hold if every
// resting order on the riskier side filled.
func WorstCaseBase(p *PerpPosition) (int64, error) {
	withBids, err := fpmath.Add(p.BaseAssetAmount, p.OpenBids)
	if err != nil {
		return 0, err
	}
	withAsks, err := fpmath.Add(p.BaseAssetAmount, p.OpenAsks)
	if err != nil {
		return 0, err
	}
	absBids, err := fpmath.Abs(withBids)
	if err != nil {
		return 0, err
	}
	absAsks, err := fpmath.Abs(withAsks)
	if err != nil {
		return 0, err
	}
	if absBids >= absAsks {
		return withBids, nil
	}
	return withAsks, nil
}

// CancelPerpOrders drops every resting order on the position. It returns the
// order count and whether any committed size was cleared; the two disagree
// when the count has drifted from the bid/ask totals.
func CancelPerpOrders(p *PerpPosition) (uint8, bool) {
	n := p.OpenOrders
	cleared := p.HasOpenOrders()
	p.OpenOrders = 0
	p.OpenBids = 0
	p.OpenAsks = 0
	return n, cleared
}

// CancelSpotOrders drops every resting order on the spot position.
func CancelSpotOrders(p *SpotPosition) (uint8, bool) {
	n := p.OpenOrders
	cleared := p.HasOpenOrders()
	p.OpenOrders = 0
	p.OpenBids = 0
	p.OpenAsks = 0
	return n, cleared
}

// ZeroPerpPosition clears a position whose base is already zero. The quote
// ledger must have been realized into spot first.
func ZeroPerpPosition(p *PerpPosition) error {
	if p.BaseAssetAmount != 0 || p.QuoteAssetAmount != 0 {
		return errors.Wrapf(errors.ErrPositionOpen, "market %d base=%d quote=%d",
			p.MarketIndex, p.BaseAssetAmount, p.QuoteAssetAmount)
	}
	*p = PerpPosition{MarketIndex: p.MarketIndex}
	return nil
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}
