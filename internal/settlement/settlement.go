package settlement

import (
	"PerpRisk/internal/errors"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

// MarketResult describes price discovery for an expired market.
type MarketResult struct {
	MarketIndex uint16
	// Price is the fixed settlement price.
	Price int64
	// TargetPrice is the oracle-anchored fair price the search started from.
	TargetPrice int64
	FeeSwept    int64
	PnlPool     int64

	NetUserBase  int64
	NetUserQuote int64
}

// PositionResult describes one account's settlement in an expired market.
type PositionResult struct {
	MarketIndex uint16
	// Noop is set when the account held nothing in the market.
	Noop bool

	Price       int64
	BaseSettled int64
	// Pnl is realized into the quote spot balance: positive paid from the pool.
	Pnl        int64
	Funding    int64
	SocialLoss int64
	// Delisted is set when this settlement closed the market's last position.
	Delisted bool
}

// SettleExpiredMarket fixes the settlement price of an expired perp market and
// moves it to Settlement. The price starts at the oracle target and moves
// against the net user side until the pnl pool, topped up with the fee pool,
// can pay out aggregate user pnl. It may go negative when the pool requires it.
func SettleExpiredMarket(markets *state.MarketSet, prices *oracle.Map, marketIndex uint16) (*MarketResult, error) {
	m, err := markets.Perp(marketIndex)
	if err != nil {
		return nil, err
	}
	if m.Status == state.MarketStatusSettlement || m.Status == state.MarketStatusDelisted {
		return nil, errors.Wrapf(errors.ErrAlreadySettled, "perp %d at %d", marketIndex, m.ExpiryPrice)
	}
	if m.ExpiryTs <= 0 || prices.Now() < m.ExpiryTs {
		return nil, errors.Wrapf(errors.ErrNotExpired, "perp %d expires at %d, now %d", marketIndex, m.ExpiryTs, prices.Now())
	}
	if !m.Status.CanTransitionTo(state.MarketStatusSettlement) {
		return nil, errors.Wrapf(errors.ErrValidation, "perp %d cannot settle from %s", marketIndex, m.Status)
	}

	// the price is written once, so a degraded oracle is never good enough
	data, err := prices.ValidPrice(m.OracleID)
	if err != nil {
		return nil, err
	}
	target, err := oracle.SettlementTarget(data)
	if err != nil {
		return nil, err
	}

	pool, err := fpmath.Add(m.PnlPool, m.AMM.FeePool)
	if err != nil {
		return nil, err
	}
	res := &MarketResult{
		MarketIndex:  marketIndex,
		TargetPrice:  target,
		FeeSwept:     m.AMM.FeePool,
		PnlPool:      pool,
		NetUserBase:  m.AMM.BaseAssetAmountWithAmm,
		NetUserQuote: m.AMM.QuoteAssetAmount,
	}

	price, err := affordablePrice(res.NetUserBase, res.NetUserQuote, pool, target)
	if err != nil {
		return nil, err
	}

	m.PnlPool = pool
	m.AMM.FeePool = 0
	m.ExpiryPrice = price
	m.Status = state.MarketStatusSettlement
	res.Price = price
	return res, nil
}

// affordablePrice returns the price closest to target at which aggregate user
// pnl, netBase*price + netQuote, does not exceed pool.
func affordablePrice(netBase, netQuote, pool, target int64) (int64, error) {
	if netBase == 0 {
		return target, nil
	}
	headroom, err := fpmath.Sub(pool, netQuote)
	if err != nil {
		return 0, err
	}
	if netBase > 0 {
		// longs gain as price rises: cap from above
		best, err := fpmath.MulDiv(headroom, fpmath.BasePrecision, netBase, fpmath.RoundFloor)
		if err != nil {
			return 0, err
		}
		return fpmath.Min(target, best), nil
	}
	// shorts gain as price falls: floor from below, rounded up
	neg, err := fpmath.MulDiv(-headroom, fpmath.BasePrecision, netBase, fpmath.RoundFloor)
	if err != nil {
		return 0, err
	}
	return fpmath.Max(target, -neg), nil
}

// SettleExpiredPosition closes an account's position at the fixed settlement
// price and realizes its pnl into the quote spot balance through the market's
// pnl pool. A profitable account the pool cannot pay fails with
// ErrPnlPoolShort and changes nothing. Settling an empty position is a no-op.
func SettleExpiredPosition(acct *state.Account, markets *state.MarketSet, marketIndex uint16) (*PositionResult, error) {
	m, err := markets.Perp(marketIndex)
	if err != nil {
		return nil, err
	}
	if m.Status != state.MarketStatusSettlement && m.Status != state.MarketStatusDelisted {
		return nil, errors.Wrapf(errors.ErrMarketNotSettling, "perp %d is %s", marketIndex, m.Status)
	}
	quoteMarket, err := markets.Spot(state.QuoteSpotMarketIndex)
	if err != nil {
		return nil, err
	}

	res := &PositionResult{MarketIndex: marketIndex, Price: m.ExpiryPrice}
	pos, ok := acct.PerpPosition(marketIndex)
	if !ok {
		res.Noop = true
		return res, nil
	}
	if pos.HasOpenOrders() {
		return nil, errors.Wrapf(errors.ErrOpenOrders, "perp %d has %d open orders", marketIndex, pos.OpenOrders)
	}

	funding, err := state.UnsettledFunding(pos, m)
	if err != nil {
		return nil, err
	}
	social, err := state.UnsettledSocialLoss(pos, m)
	if err != nil {
		return nil, err
	}
	base := pos.BaseAssetAmount
	value, err := fpmath.BaseToQuote(base, m.ExpiryPrice)
	if err != nil {
		return nil, err
	}
	pnl := pos.QuoteAssetAmount
	for _, v := range []int64{funding, social, value} {
		if pnl, err = fpmath.Add(pnl, v); err != nil {
			return nil, err
		}
	}
	if pnl > 0 && m.PnlPool < pnl {
		return nil, errors.Wrapf(errors.ErrPnlPoolShort, "perp %d pool %d, payout %d", marketIndex, m.PnlPool, pnl)
	}

	if _, _, err := state.SettleFunding(pos, m); err != nil {
		return nil, err
	}
	if err := state.UpdatePerpPosition(pos, m, -base, value); err != nil {
		return nil, err
	}
	if err := state.AddQuote(pos, m, -pnl); err != nil {
		return nil, err
	}
	if m.PnlPool, err = fpmath.Sub(m.PnlPool, pnl); err != nil {
		return nil, err
	}
	if pnl != 0 {
		spot, err := acct.ForceSpotPosition(quoteMarket.MarketIndex)
		if err != nil {
			return nil, err
		}
		if err := ledger.UpdateSpotBalance(pnl, spot, quoteMarket); err != nil {
			return nil, err
		}
	}
	if err := state.ZeroPerpPosition(pos); err != nil {
		return nil, err
	}

	if m.Status == state.MarketStatusSettlement && m.OpenInterest() == 0 {
		m.Status = state.MarketStatusDelisted
		res.Delisted = true
	}

	res.BaseSettled = base
	res.Pnl = pnl
	res.Funding = funding
	res.SocialLoss = social
	return res, nil
}
