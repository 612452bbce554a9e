package liquidation

import (
	"PerpRisk/internal/errors"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

// SpotRequest selects the borrow to repay and the deposit that pays for it.
type SpotRequest struct {
	AssetMarketIndex     uint16
	LiabilityMarketIndex uint16
	// MaxLiabilityTransfer caps the liability tokens repaid; 0 means no caller cap.
	MaxLiabilityTransfer int64
}

// SwapRequest opens or closes a two-phase swap liquidation.
type SwapRequest struct {
	AssetMarketIndex     uint16
	LiabilityMarketIndex uint16
	// AssetAmountOut is the asset the external swap may spend (Begin only).
	AssetAmountOut int64
}

// spotPair is the resolved asset/liability pair of a spot primitive.
type spotPair struct {
	asset, liability           *state.SpotMarket
	assetPos, liabilityPos     *state.SpotPosition
	assetPrice, liabilityPrice int64
}

func (e *Engine) resolveSpotPair(
	liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	assetIndex, liabilityIndex uint16,
) (*spotPair, error) {
	if assetIndex == liabilityIndex {
		return nil, errors.Wrapf(errors.ErrValidation, "asset and liability are both spot %d", assetIndex)
	}
	asset, err := markets.Spot(assetIndex)
	if err != nil {
		return nil, err
	}
	liability, err := markets.Spot(liabilityIndex)
	if err != nil {
		return nil, err
	}
	if err := checkSpotMarket(asset); err != nil {
		return nil, err
	}
	if err := checkSpotMarket(liability); err != nil {
		return nil, err
	}

	lpos, ok := liquidatee.SpotPosition(liabilityIndex)
	if !ok || lpos.BalanceType != state.SpotBalanceBorrow {
		return nil, errors.Wrapf(errors.ErrNoLiability, "spot %d", liabilityIndex)
	}
	apos, ok := liquidatee.SpotPosition(assetIndex)
	if !ok || apos.BalanceType != state.SpotBalanceDeposit {
		return nil, errors.Wrapf(errors.ErrNoAsset, "spot %d", assetIndex)
	}

	pair := &spotPair{
		asset:        asset,
		liability:    liability,
		assetPos:     apos,
		liabilityPos: lpos,
	}
	if pair.assetPrice, err = e.spotPrice(prices, asset); err != nil {
		return nil, err
	}
	if pair.liabilityPrice, err = e.spotPrice(prices, liability); err != nil {
		return nil, err
	}
	return pair, nil
}

func (e *Engine) spotPrice(prices *oracle.Map, m *state.SpotMarket) (int64, error) {
	data, err := prices.ValidPrice(m.OracleID)
	if err != nil {
		return 0, err
	}
	if m.MarketIndex == state.QuoteSpotMarketIndex {
		return oracle.ClampToPar(data.Price, e.cfg.QuoteParBand), nil
	}
	return data.Price, nil
}

// maxLiabilityTokens returns the liability tokens the time cap allows to be
// repaid against shortage; -1 when unbounded.
func (e *Engine) maxLiabilityTokens(liquidatee *state.Account, pair *spotPair, shortage int64, now int64) (int64, error) {
	pct, err := e.maxPct(liquidatee, shortage, now)
	if err != nil {
		return 0, err
	}

	// repaying L value frees lw*(1-if)*L of requirement and costs aw*(1+lf)*L of collateral
	lw := pair.liability.LiabilityWeight(state.MarginRequirementMaintenance)
	aw := pair.asset.AssetWeight(state.MarginRequirementMaintenance)
	denom := lw*(fpmath.LiquidationFeePrecision-pair.liability.IfLiquidationFee) -
		aw*(fpmath.LiquidationFeePrecision+pair.liability.LiquidatorFee)

	cover := int64(-1)
	if denom > 0 {
		cover, err = fpmath.MulDiv(shortage, fpmath.SpotWeightPrecision*fpmath.LiquidationFeePrecision, denom, fpmath.RoundUp)
		if err != nil {
			return 0, err
		}
	}
	capped, err := capByPct(cover, pct)
	if err != nil {
		return 0, err
	}

	borrow, err := ledger.GetTokenAmount(pair.liabilityPos, pair.liability)
	if err != nil {
		return 0, err
	}
	if capped < 0 {
		if pct >= fpmath.LiquidationPctPrecision {
			return -1, nil
		}
		return fpmath.MulDiv(borrow, pct, fpmath.LiquidationPctPrecision, fpmath.RoundUp)
	}
	scale, err := fpmath.Pow10(pair.liability.Decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(capped, scale, pair.liabilityPrice, fpmath.RoundUp)
}

// assetForLiability returns the asset tokens worth liability tokens plus the liquidator fee.
func assetForLiability(pair *spotPair, liabilityTokens int64) (int64, error) {
	value, err := fpmath.TokenValue(liabilityTokens, pair.liabilityPrice, pair.liability.Decimals)
	if err != nil {
		return 0, err
	}
	withFee, err := fpmath.MulDiv(value, fpmath.LiquidationFeePrecision+pair.liability.LiquidatorFee,
		fpmath.LiquidationFeePrecision, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	scale, err := fpmath.Pow10(pair.asset.Decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(withFee, scale, pair.assetPrice, fpmath.RoundDown)
}

// spotPrologue enters the liquidatee and cancels orders in both markets.
// It returns the calculation after cancellation; res is finished when healthy.
func (e *Engine) spotPrologue(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	pair *spotPair,
	res *Result,
) (*session, *margin.Calculation, bool, error) {
	sess, err := e.begin(liquidator, liquidatee, markets, prices)
	if err != nil {
		return nil, nil, false, err
	}
	if sess.healthy {
		res.LiquidationID = liquidatee.NextLiquidationID
		res.Status = liquidatee.Status
		res.Pre, res.Post = sess.pre, sess.pre
		return sess, sess.pre, true, nil
	}

	assetOrders, assetCleared := state.CancelSpotOrders(pair.assetPos)
	liabilityOrders, liabilityCleared := state.CancelSpotOrders(pair.liabilityPos)
	res.OrdersCancelled = assetOrders + liabilityOrders
	if !assetCleared && !liabilityCleared {
		return sess, sess.pre, false, nil
	}
	mid, err := e.calc.Calculate(liquidatee, markets, prices, e.maintenance(true))
	if err != nil {
		return nil, nil, false, err
	}
	if mid.MeetsRequirement() {
		if err := e.finish(liquidatee, markets, prices, sess.pre, res); err != nil {
			return nil, nil, false, err
		}
		return sess, mid, true, nil
	}
	return sess, mid, false, nil
}

// LiquidateSpot has the liquidator repay part of a borrow from its own balance
// and receive the liquidatee's deposit worth the repayment plus the liquidator
// fee. The insurance share of the repayment is retained by the liability
// market's insurance fund.
func (e *Engine) LiquidateSpot(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	req SpotRequest,
) (*Result, error) {
	pair, err := e.resolveSpotPair(liquidatee, markets, prices, req.AssetMarketIndex, req.LiabilityMarketIndex)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:             KindSpot,
		MarketIndex:      req.LiabilityMarketIndex,
		AssetMarketIndex: req.AssetMarketIndex,
		Price:            pair.liabilityPrice,
	}
	sess, mid, done, err := e.spotPrologue(liquidator, liquidatee, markets, prices, pair, res)
	if err != nil {
		return nil, err
	}
	if done {
		return res, nil
	}

	capTokens, err := e.maxLiabilityTokens(liquidatee, pair, mid.Shortage(), prices.Now())
	if err != nil {
		return nil, err
	}
	borrow, err := ledger.GetTokenAmount(pair.liabilityPos, pair.liability)
	if err != nil {
		return nil, err
	}
	callerCap := int64(-1)
	if req.MaxLiabilityTransfer > 0 {
		callerCap = req.MaxLiabilityTransfer
	}
	liabilityTokens := minBounded(borrow, capTokens, callerCap)

	available, err := ledger.GetTokenAmount(pair.assetPos, pair.asset)
	if err != nil {
		return nil, err
	}
	assetTokens, err := assetForLiability(pair, liabilityTokens)
	if err != nil {
		return nil, err
	}
	if assetTokens > available {
		// deposit runs out first: scale the repayment down to what it pays for
		if liabilityTokens, err = fpmath.MulDiv(liabilityTokens, available, assetTokens, fpmath.RoundDown); err != nil {
			return nil, err
		}
		assetTokens = available
	}
	if liabilityTokens <= 0 || assetTokens <= 0 {
		return nil, errors.Wrapf(errors.ErrZeroAmount, "spot liability %d for asset %d", liabilityTokens, assetTokens)
	}

	ifFee, err := applyFeeRate(liabilityTokens, pair.liability.IfLiquidationFee)
	if err != nil {
		return nil, err
	}

	payer, err := liquidator.ForceSpotPosition(pair.liability.MarketIndex)
	if err != nil {
		return nil, err
	}
	if err := ledger.UpdateSpotBalance(-liabilityTokens, payer, pair.liability); err != nil {
		return nil, err
	}
	if err := ledger.UpdateSpotBalance(liabilityTokens-ifFee, pair.liabilityPos, pair.liability); err != nil {
		return nil, err
	}
	if err := pair.liability.Insurance.Collect(ifFee); err != nil {
		return nil, err
	}
	if err := ledger.TransferSpot(liquidatee, liquidator, pair.asset, assetTokens); err != nil {
		return nil, err
	}

	if err := e.checkLiquidator(liquidator, markets, prices); err != nil {
		return nil, err
	}

	liabilityValue, err := fpmath.TokenValue(liabilityTokens, pair.liabilityPrice, pair.liability.Decimals)
	if err != nil {
		return nil, err
	}
	assetValue, err := fpmath.TokenValue(assetTokens, pair.assetPrice, pair.asset.Decimals)
	if err != nil {
		return nil, err
	}
	res.LiabilityTransfer = liabilityTokens
	res.AssetTransfer = assetTokens
	res.IfFee = ifFee
	res.LiquidatorFee = fpmath.Max(0, assetValue-liabilityValue)
	if err := e.finish(liquidatee, markets, prices, sess.pre, res); err != nil {
		return nil, err
	}
	return res, nil
}

// LiquidateSpotWithSwapBegin opens a swap liquidation for a liquidator that
// holds none of the liability currency. It records how much asset the external
// swap may spend and the vault balances it starts from; no balance moves until End.
func (e *Engine) LiquidateSpotWithSwapBegin(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	req SwapRequest,
) (*Result, error) {
	pair, err := e.resolveSpotPair(liquidatee, markets, prices, req.AssetMarketIndex, req.LiabilityMarketIndex)
	if err != nil {
		return nil, err
	}
	// an expired record is replaced; its End then finds a different swap
	if e.activeSwap(pair.liability, prices.Now()) != nil {
		return nil, errors.Wrapf(errors.ErrSwapPending, "spot %d", pair.liability.MarketIndex)
	}
	if held, ok := liquidator.SpotPosition(pair.liability.MarketIndex); ok && held.BalanceType == state.SpotBalanceDeposit {
		return nil, errors.Wrapf(errors.ErrLiquidatorHasAsset, "spot %d", pair.liability.MarketIndex)
	}
	if req.AssetAmountOut <= 0 {
		return nil, errors.Wrapf(errors.ErrZeroAmount, "swap asset out %d", req.AssetAmountOut)
	}

	res := &Result{
		Kind:             KindSpotSwapBegin,
		MarketIndex:      req.LiabilityMarketIndex,
		AssetMarketIndex: req.AssetMarketIndex,
		Price:            pair.liabilityPrice,
	}
	_, mid, done, err := e.spotPrologue(liquidator, liquidatee, markets, prices, pair, res)
	if err != nil {
		return nil, err
	}
	if done {
		return res, nil
	}

	capTokens, err := e.maxLiabilityTokens(liquidatee, pair, mid.Shortage(), prices.Now())
	if err != nil {
		return nil, err
	}
	borrow, err := ledger.GetTokenAmount(pair.liabilityPos, pair.liability)
	if err != nil {
		return nil, err
	}
	assetCap, err := assetForLiability(pair, minBounded(borrow, capTokens))
	if err != nil {
		return nil, err
	}
	available, err := ledger.GetTokenAmount(pair.assetPos, pair.asset)
	if err != nil {
		return nil, err
	}
	out := minBounded(req.AssetAmountOut, assetCap, available)
	if out <= 0 {
		return nil, errors.Wrapf(errors.ErrZeroAmount, "swap asset out capped to %d", out)
	}

	pair.liability.PendingSwap = &state.PendingSwap{
		Liquidator:           liquidator.ID,
		Liquidatee:           liquidatee.ID,
		AssetMarketIndex:     pair.asset.MarketIndex,
		LiabilityMarketIndex: pair.liability.MarketIndex,
		AssetAmountOut:       out,
		AssetVaultBefore:     pair.asset.VaultBalance,
		LiabilityVaultBefore: pair.liability.VaultBalance,
		BeganAt:              prices.Now(),
	}

	res.AssetTransfer = out
	res.LiquidationID = liquidatee.NextLiquidationID
	res.Status = liquidatee.Status
	res.Pre, res.Post = mid, mid
	return res, nil
}

// LiquidateSpotWithSwapEnd closes a swap liquidation. The vault deltas since
// Begin must show exactly the committed asset leaving and some liability
// arriving; the liability repays the borrow and any excess goes to the liquidator.
// The external swap has already moved the vaults, so End settles even when the
// liquidatee recovered or the market paused liquidations after Begin.
func (e *Engine) LiquidateSpotWithSwapEnd(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	req SwapRequest,
) (*Result, error) {
	liability, err := markets.Spot(req.LiabilityMarketIndex)
	if err != nil {
		return nil, err
	}
	pending := liability.PendingSwap
	if pending == nil {
		return nil, errors.Wrapf(errors.ErrNoPendingSwap, "spot %d", req.LiabilityMarketIndex)
	}
	if pending.Liquidator != liquidator.ID || pending.Liquidatee != liquidatee.ID ||
		pending.AssetMarketIndex != req.AssetMarketIndex {
		return nil, errors.Wrap(errors.ErrSwapMismatch, "swap end does not match begin")
	}
	if liquidatee.IsBankrupt() {
		return nil, errors.ErrAccountBankrupt
	}

	pair, err := e.swapEndPair(liquidatee, markets, prices, pending)
	if err != nil {
		return nil, err
	}

	assetDelta := pair.asset.VaultBalance - pending.AssetVaultBefore
	amountIn := pair.liability.VaultBalance - pending.LiabilityVaultBefore
	if assetDelta != -pending.AssetAmountOut {
		return nil, errors.Wrapf(errors.ErrSwapMismatch, "asset vault moved %d, committed %d", assetDelta, pending.AssetAmountOut)
	}
	if amountIn <= 0 {
		return nil, errors.Wrapf(errors.ErrSwapMismatch, "liability vault moved %d", amountIn)
	}

	// the liquidator may keep at most the liquidator fee on top of what it swapped in
	outValue, err := fpmath.TokenValue(pending.AssetAmountOut, pair.assetPrice, pair.asset.Decimals)
	if err != nil {
		return nil, err
	}
	inValue, err := fpmath.TokenValue(amountIn, pair.liabilityPrice, pair.liability.Decimals)
	if err != nil {
		return nil, err
	}
	allowed, err := fpmath.MulDiv(inValue, fpmath.LiquidationFeePrecision+pair.liability.LiquidatorFee,
		fpmath.LiquidationFeePrecision, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if outValue > allowed {
		return nil, errors.Wrapf(errors.ErrFillPriceOutOfBand, "swap paid %d for %d", outValue, inValue)
	}

	pre, err := e.calc.Calculate(liquidatee, markets, prices, e.maintenance(true))
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:             KindSpotSwapEnd,
		MarketIndex:      req.LiabilityMarketIndex,
		AssetMarketIndex: req.AssetMarketIndex,
		Price:            pair.liabilityPrice,
	}

	if err := ledger.UpdateSpotBalance(-pending.AssetAmountOut, pair.assetPos, pair.asset); err != nil {
		return nil, err
	}

	ifFee, err := applyFeeRate(amountIn, pair.liability.IfLiquidationFee)
	if err != nil {
		return nil, err
	}
	borrow := int64(0)
	if pair.liabilityPos.BalanceType == state.SpotBalanceBorrow {
		if borrow, err = ledger.GetTokenAmount(pair.liabilityPos, pair.liability); err != nil {
			return nil, err
		}
	}
	repay := fpmath.Min(amountIn-ifFee, borrow)
	if repay > 0 {
		if err := ledger.UpdateSpotBalance(repay, pair.liabilityPos, pair.liability); err != nil {
			return nil, err
		}
	}
	excess := amountIn - ifFee - repay
	if excess > 0 {
		dst, err := liquidator.ForceSpotPosition(pair.liability.MarketIndex)
		if err != nil {
			return nil, err
		}
		if err := ledger.UpdateSpotBalance(excess, dst, pair.liability); err != nil {
			return nil, err
		}
	}
	if err := pair.liability.Insurance.Collect(ifFee); err != nil {
		return nil, err
	}
	liability.PendingSwap = nil

	if err := e.checkLiquidator(liquidator, markets, prices); err != nil {
		return nil, err
	}

	res.LiabilityTransfer = repay
	res.AssetTransfer = pending.AssetAmountOut
	res.Excess = excess
	res.IfFee = ifFee
	res.LiquidatorFee = fpmath.Max(0, outValue-inValue)
	if err := e.finish(liquidatee, markets, prices, pre, res); err != nil {
		return nil, err
	}
	return res, nil
}

// swapEndPair resolves the pair a pending swap names without the entry checks
// of resolveSpotPair: the borrow may be gone and the markets may be paused.
func (e *Engine) swapEndPair(
	liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	pending *state.PendingSwap,
) (*spotPair, error) {
	asset, err := markets.Spot(pending.AssetMarketIndex)
	if err != nil {
		return nil, err
	}
	liability, err := markets.Spot(pending.LiabilityMarketIndex)
	if err != nil {
		return nil, err
	}
	apos, err := liquidatee.ForceSpotPosition(asset.MarketIndex)
	if err != nil {
		return nil, err
	}
	lpos, err := liquidatee.ForceSpotPosition(liability.MarketIndex)
	if err != nil {
		return nil, err
	}

	pair := &spotPair{
		asset:        asset,
		liability:    liability,
		assetPos:     apos,
		liabilityPos: lpos,
	}
	if pair.assetPrice, err = e.spotPrice(prices, asset); err != nil {
		return nil, err
	}
	if pair.liabilityPrice, err = e.spotPrice(prices, liability); err != nil {
		return nil, err
	}
	return pair, nil
}
