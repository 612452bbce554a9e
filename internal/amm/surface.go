package amm

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// Surface values perp exposure off a market's virtual reserves and the oracle.
type Surface interface {
	// MarkPrice is the reserve-implied price.
	MarkPrice(m *state.PerpMarket) (int64, error)
	// ValuationPrice blends the mark price with the oracle price.
	ValuationPrice(m *state.PerpMarket, oraclePrice int64) (int64, error)
	// PositionValue returns the signed quote value of the position's base and
	// its unrealized pnl against the quote ledger.
	PositionValue(m *state.PerpMarket, p *state.PerpPosition, oraclePrice int64) (value int64, pnl int64, err error)
}

// ConstantProduct prices off x*y=k reserves scaled by the peg multiplier.
type ConstantProduct struct{}

var _ Surface = ConstantProduct{}

// MarkPrice returns quote_reserve * peg / base_reserve.
func (ConstantProduct) MarkPrice(m *state.PerpMarket) (int64, error) {
	if m.AMM.BaseAssetReserve <= 0 {
		return 0, errors.Wrapf(errors.ErrDivideByZero, "perp %d base reserve %d", m.MarketIndex, m.AMM.BaseAssetReserve)
	}
	return fpmath.MulDiv(m.AMM.QuoteAssetReserve, m.AMM.PegMultiplier, m.AMM.BaseAssetReserve, fpmath.RoundDown)
}

// ValuationPrice returns (mark*w + oracle*(1-w)), w = AMM.MarkWeight in margin precision.
func (c ConstantProduct) ValuationPrice(m *state.PerpMarket, oraclePrice int64) (int64, error) {
	if oraclePrice <= 0 {
		return 0, errors.Wrapf(errors.ErrInvalidOracle, "perp %d oracle price %d", m.MarketIndex, oraclePrice)
	}
	w := fpmath.Clamp(m.AMM.MarkWeight, 0, fpmath.MarginPrecision)
	if w == 0 {
		return oraclePrice, nil
	}
	mark, err := c.MarkPrice(m)
	if err != nil {
		return 0, err
	}
	markPart, err := fpmath.MulDiv(mark, w, fpmath.MarginPrecision, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	oraclePart, err := fpmath.MulDiv(oraclePrice, fpmath.MarginPrecision-w, fpmath.MarginPrecision, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.Add(markPart, oraclePart)
}

// PositionValue values base at the valuation price.
func (c ConstantProduct) PositionValue(m *state.PerpMarket, p *state.PerpPosition, oraclePrice int64) (int64, int64, error) {
	price, err := c.ValuationPrice(m, oraclePrice)
	if err != nil {
		return 0, 0, err
	}
	value, err := fpmath.BaseToQuote(p.BaseAssetAmount, price)
	if err != nil {
		return 0, 0, err
	}
	pnl, err := fpmath.Add(value, p.QuoteAssetAmount)
	if err != nil {
		return 0, 0, err
	}
	return value, pnl, nil
}
