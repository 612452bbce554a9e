package liquidation

import (
	"PerpRisk/internal/errors"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

// PnlForDepositRequest selects the negative quote ledger and the deposit that pays it.
type PnlForDepositRequest struct {
	PerpMarketIndex  uint16
	AssetMarketIndex uint16
	// MaxPnlTransfer caps the quote taken over; 0 means no caller cap.
	MaxPnlTransfer int64
}

// LiquidatePerpPnlForDeposit has the liquidator take over part of a closed
// position's negative quote ledger 1:1, paid for with the liquidatee's deposit
// plus the asset market's liquidator fee.
func (e *Engine) LiquidatePerpPnlForDeposit(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	req PnlForDepositRequest,
) (*Result, error) {
	m, err := markets.Perp(req.PerpMarketIndex)
	if err != nil {
		return nil, err
	}
	asset, err := markets.Spot(req.AssetMarketIndex)
	if err != nil {
		return nil, err
	}
	if err := checkPerpMarket(m); err != nil {
		return nil, err
	}
	if err := checkSpotMarket(asset); err != nil {
		return nil, err
	}

	pos, ok := liquidatee.PerpPosition(req.PerpMarketIndex)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNoNegativePnl, "perp %d", req.PerpMarketIndex)
	}
	if pos.BaseAssetAmount != 0 {
		return nil, errors.Wrapf(errors.ErrPositionOpen, "perp %d base %d", req.PerpMarketIndex, pos.BaseAssetAmount)
	}
	apos, ok := liquidatee.SpotPosition(req.AssetMarketIndex)
	if !ok || apos.BalanceType != state.SpotBalanceDeposit {
		return nil, errors.Wrapf(errors.ErrNoAsset, "spot %d", req.AssetMarketIndex)
	}

	data, err := prices.ValidPrice(asset.OracleID)
	if err != nil {
		return nil, err
	}
	price := data.Price
	if asset.MarketIndex == state.QuoteSpotMarketIndex {
		price = oracle.ClampToPar(price, e.cfg.QuoteParBand)
	}

	sess, err := e.begin(liquidator, liquidatee, markets, prices)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:             KindPerpPnlForDeposit,
		MarketIndex:      req.PerpMarketIndex,
		AssetMarketIndex: req.AssetMarketIndex,
		Price:            price,
	}
	if sess.healthy {
		res.LiquidationID = liquidatee.NextLiquidationID
		res.Status = liquidatee.Status
		res.Pre, res.Post = sess.pre, sess.pre
		return res, nil
	}

	if _, _, err := state.SettleFunding(pos, m); err != nil {
		return nil, err
	}
	cancelled, cleared := state.CancelPerpOrders(pos)
	res.OrdersCancelled = cancelled
	if pos.QuoteAssetAmount >= 0 {
		return nil, errors.Wrapf(errors.ErrNoNegativePnl, "perp %d quote %d", req.PerpMarketIndex, pos.QuoteAssetAmount)
	}

	mid := sess.pre
	if cleared {
		if mid, err = e.calc.Calculate(liquidatee, markets, prices, e.maintenance(true)); err != nil {
			return nil, err
		}
		if mid.MeetsRequirement() {
			if err := e.finish(liquidatee, markets, prices, sess.pre, res); err != nil {
				return nil, err
			}
			return res, nil
		}
	}

	pct, err := e.maxPct(liquidatee, mid.Shortage(), prices.Now())
	if err != nil {
		return nil, err
	}

	// each unit of pnl taken over frees (1 - aw*(1+fee)) of collateral
	aw := asset.AssetWeight(state.MarginRequirementMaintenance)
	denom := fpmath.SpotWeightPrecision*fpmath.LiquidationFeePrecision - aw*(fpmath.LiquidationFeePrecision+asset.LiquidatorFee)
	cover := int64(-1)
	if denom > 0 {
		cover, err = fpmath.MulDiv(mid.Shortage(), fpmath.SpotWeightPrecision*fpmath.LiquidationFeePrecision, denom, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
	}
	capped, err := capByPct(cover, pct)
	if err != nil {
		return nil, err
	}

	debt := -pos.QuoteAssetAmount
	if capped < 0 && pct < fpmath.LiquidationPctPrecision {
		if capped, err = fpmath.MulDiv(debt, pct, fpmath.LiquidationPctPrecision, fpmath.RoundUp); err != nil {
			return nil, err
		}
	}
	callerCap := int64(-1)
	if req.MaxPnlTransfer > 0 {
		callerCap = req.MaxPnlTransfer
	}
	pnl := minBounded(debt, capped, callerCap)

	available, err := ledger.GetTokenAmount(apos, asset)
	if err != nil {
		return nil, err
	}
	availableValue, err := fpmath.TokenValue(available, price, asset.Decimals)
	if err != nil {
		return nil, err
	}
	capacity, err := fpmath.MulDiv(availableValue, fpmath.LiquidationFeePrecision,
		fpmath.LiquidationFeePrecision+asset.LiquidatorFee, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}

	var tokens int64
	if pnl >= capacity {
		pnl = capacity
		tokens = available
	} else {
		withFee, err := fpmath.MulDiv(pnl, fpmath.LiquidationFeePrecision+asset.LiquidatorFee,
			fpmath.LiquidationFeePrecision, fpmath.RoundUp)
		if err != nil {
			return nil, err
		}
		scale, err := fpmath.Pow10(asset.Decimals)
		if err != nil {
			return nil, err
		}
		if tokens, err = fpmath.MulDiv(withFee, scale, price, fpmath.RoundUp); err != nil {
			return nil, err
		}
		tokens = fpmath.Min(tokens, available)
	}
	if pnl <= 0 || tokens <= 0 {
		return nil, errors.Wrapf(errors.ErrZeroAmount, "pnl %d for %d tokens", pnl, tokens)
	}

	if err := state.AddQuote(pos, m, pnl); err != nil {
		return nil, err
	}
	lpos, err := liquidator.ForcePerpPosition(m)
	if err != nil {
		return nil, err
	}
	if _, _, err := state.SettleFunding(lpos, m); err != nil {
		return nil, err
	}
	if err := state.AddQuote(lpos, m, -pnl); err != nil {
		return nil, err
	}
	if err := ledger.TransferSpot(liquidatee, liquidator, asset, tokens); err != nil {
		return nil, err
	}

	if err := e.checkLiquidator(liquidator, markets, prices); err != nil {
		return nil, err
	}

	paid, err := fpmath.TokenValue(tokens, price, asset.Decimals)
	if err != nil {
		return nil, err
	}
	res.QuoteTransferred = pnl
	res.LiabilityTransfer = pnl
	res.AssetTransfer = tokens
	res.LiquidatorFee = fpmath.Max(0, paid-pnl)
	if err := e.finish(liquidatee, markets, prices, sess.pre, res); err != nil {
		return nil, err
	}
	return res, nil
}
