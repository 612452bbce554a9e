package liquidation

import (
	"PerpRisk/internal/errors"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// PerpRequest selects the position to liquidate.
type PerpRequest struct {
	MarketIndex uint16
	// MaxBaseAmount caps the base transferred; 0 means no caller cap.
	MaxBaseAmount int64
	// LimitPrice is the worst price the liquidator accepts; 0 means none.
	LimitPrice int64
}

// FillRequest asks the matcher to close part of a liquidatee's position.
// BaseAmount is signed from the liquidatee's side: negative sells.
type FillRequest struct {
	Liquidatee  uuid.UUID
	MarketIndex uint16
	BaseAmount  int64
	// LimitPrice is the band edge the fill must respect.
	LimitPrice int64
}

// Fill is the matcher's answer. Amounts are signed from the liquidatee's side.
type Fill struct {
	// Maker is the counterparty account; nil means the AMM took the other side.
	Maker       *state.Account
	BaseFilled  int64
	QuoteFilled int64
}

// Matcher routes a liquidation order through the order book or AMM.
type Matcher interface {
	FillLiquidationOrder(req FillRequest) (*Fill, error)
}

// perpContext is the state shared by both perp primitives once the prologue ran.
type perpContext struct {
	market *state.PerpMarket
	pos    *state.PerpPosition
	price  int64 // valuation price
	pre    *margin.Calculation
	mid    *margin.Calculation
	res    *Result
	done   bool
}

// preparePerp runs the common prologue: validation, entry, funding settlement
// and order cancellation. done is set when nothing more needs transferring.
func (e *Engine) preparePerp(
	kind Kind,
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	marketIndex uint16,
) (*perpContext, error) {
	m, err := markets.Perp(marketIndex)
	if err != nil {
		return nil, err
	}
	if err := checkPerpMarket(m); err != nil {
		return nil, err
	}
	pos, ok := liquidatee.PerpPosition(marketIndex)
	if !ok || (pos.BaseAssetAmount == 0 && !pos.HasOpenOrders()) {
		return nil, errors.Wrapf(errors.ErrNoLiability, "perp %d", marketIndex)
	}
	data, err := prices.ValidPrice(m.OracleID)
	if err != nil {
		return nil, err
	}
	price, err := e.calc.Surface().ValuationPrice(m, data.Price)
	if err != nil {
		return nil, err
	}

	sess, err := e.begin(liquidator, liquidatee, markets, prices)
	if err != nil {
		return nil, err
	}
	pc := &perpContext{
		market: m,
		pos:    pos,
		price:  price,
		pre:    sess.pre,
		mid:    sess.pre,
		res: &Result{
			Kind:        kind,
			MarketIndex: marketIndex,
			Price:       price,
		},
	}
	if sess.healthy {
		pc.res.LiquidationID = liquidatee.NextLiquidationID
		pc.res.Status = liquidatee.Status
		pc.res.Pre, pc.res.Post = sess.pre, sess.pre
		pc.done = true
		return pc, nil
	}

	if _, _, err := state.SettleFunding(pos, m); err != nil {
		return nil, err
	}
	var cleared bool
	pc.res.OrdersCancelled, cleared = state.CancelPerpOrders(pos)
	if cleared {
		pc.mid, err = e.calc.Calculate(liquidatee, markets, prices, e.maintenance(true))
		if err != nil {
			return nil, err
		}
	}

	if pc.mid.MeetsRequirement() || pos.BaseAssetAmount == 0 {
		if err := e.finish(liquidatee, markets, prices, pc.pre, pc.res); err != nil {
			return nil, err
		}
		pc.done = true
	}
	return pc, nil
}

// transferableBase returns the base the time cap and caller allow to move.
func (e *Engine) transferableBase(liquidatee *state.Account, pc *perpContext, maxBase int64, now int64) (int64, error) {
	m := pc.market
	size, err := fpmath.Abs(pc.pos.BaseAssetAmount)
	if err != nil {
		return 0, err
	}

	shortage := pc.mid.Shortage()
	pct, err := e.maxPct(liquidatee, shortage, now)
	if err != nil {
		return 0, err
	}

	ratio, err := margin.MarginRatio(liquidatee, m, size, e.maintenance(false))
	if err != nil {
		return 0, err
	}
	// margin released per unit base, net of the fees the liquidatee pays
	freedRate := ratio*100 - m.LiquidatorFee - m.IfLiquidationFee
	cover := int64(-1)
	if freedRate > 0 {
		perBase, err := fpmath.MulDiv(pc.price, freedRate, fpmath.LiquidationFeePrecision, fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		if perBase > 0 {
			cover, err = fpmath.MulDiv(shortage, fpmath.BasePrecision, perBase, fpmath.RoundUp)
			if err != nil {
				return 0, err
			}
		}
	}
	capped, err := capByPct(cover, pct)
	if err != nil {
		return 0, err
	}
	if capped < 0 && pct < fpmath.LiquidationPctPrecision {
		capped, err = fpmath.MulDiv(size, pct, fpmath.LiquidationPctPrecision, fpmath.RoundUp)
		if err != nil {
			return 0, err
		}
	}

	callerCap := int64(-1)
	if maxBase > 0 {
		callerCap = maxBase
	}
	transfer := minBounded(size, capped, callerCap)
	if transfer == 0 {
		return 0, errors.Wrapf(errors.ErrZeroAmount, "perp %d nothing transferable (pct=%d)", m.MarketIndex, pct)
	}
	return transfer, nil
}

// LiquidatePerp moves part of the liquidatee's perp position to the liquidator
// at the valuation price. The liquidatee pays the liquidator fee to the
// liquidator and the insurance fee to the market's fee pool.
func (e *Engine) LiquidatePerp(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	req PerpRequest,
) (*Result, error) {
	pc, err := e.preparePerp(KindPerp, liquidator, liquidatee, markets, prices, req.MarketIndex)
	if err != nil {
		return nil, err
	}
	if pc.done {
		return pc.res, nil
	}
	m := pc.market
	long := pc.pos.BaseAssetAmount > 0

	if req.LimitPrice > 0 {
		if (long && pc.price > req.LimitPrice) || (!long && pc.price < req.LimitPrice) {
			return nil, errors.Wrapf(errors.ErrFillPriceOutOfBand, "price %d limit %d", pc.price, req.LimitPrice)
		}
	}

	transfer, err := e.transferableBase(liquidatee, pc, req.MaxBaseAmount, prices.Now())
	if err != nil {
		return nil, err
	}
	value, err := fpmath.MulDiv(transfer, pc.price, fpmath.BasePrecision, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	lf, err := applyFeeRate(value, m.LiquidatorFee)
	if err != nil {
		return nil, err
	}
	iff, err := applyFeeRate(value, m.IfLiquidationFee)
	if err != nil {
		return nil, err
	}

	var baseDelta, quoteDelta, liquidatorQuote int64
	if long {
		baseDelta = -transfer
		quoteDelta = value - lf - iff
		liquidatorQuote = -(value - lf)
	} else {
		baseDelta = transfer
		quoteDelta = -(value + lf + iff)
		liquidatorQuote = value + lf
	}

	if err := state.UpdatePerpPosition(pc.pos, m, baseDelta, quoteDelta); err != nil {
		return nil, err
	}
	lpos, err := liquidator.ForcePerpPosition(m)
	if err != nil {
		return nil, err
	}
	if _, _, err := state.SettleFunding(lpos, m); err != nil {
		return nil, err
	}
	if err := state.UpdatePerpPosition(lpos, m, -baseDelta, liquidatorQuote); err != nil {
		return nil, err
	}
	if m.AMM.FeePool, err = fpmath.Add(m.AMM.FeePool, iff); err != nil {
		return nil, err
	}

	if err := e.checkLiquidator(liquidator, markets, prices); err != nil {
		return nil, err
	}

	pc.res.BaseTransferred = baseDelta
	pc.res.QuoteTransferred = quoteDelta
	pc.res.LiquidatorFee = lf
	pc.res.IfFee = iff
	if err := e.finish(liquidatee, markets, prices, pc.pre, pc.res); err != nil {
		return nil, err
	}
	return pc.res, nil
}

// LiquidatePerpWithFill closes part of the liquidatee's position through the
// matcher. The fill must land inside the fee-adjusted band around the
// valuation price; the liquidator earns the liquidator fee for triggering it.
func (e *Engine) LiquidatePerpWithFill(
	liquidator, liquidatee *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	req PerpRequest,
) (*Result, error) {
	if e.matcher == nil {
		return nil, errors.Wrap(errors.ErrValidation, "no matcher configured")
	}
	pc, err := e.preparePerp(KindPerpWithFill, liquidator, liquidatee, markets, prices, req.MarketIndex)
	if err != nil {
		return nil, err
	}
	if pc.done {
		return pc.res, nil
	}
	m := pc.market
	long := pc.pos.BaseAssetAmount > 0

	transfer, err := e.transferableBase(liquidatee, pc, req.MaxBaseAmount, prices.Now())
	if err != nil {
		return nil, err
	}

	band := m.LiquidatorFee + m.IfLiquidationFee
	var limit, orderBase int64
	if long {
		orderBase = -transfer
		limit, err = fpmath.MulDiv(pc.price, fpmath.LiquidationFeePrecision-band, fpmath.LiquidationFeePrecision, fpmath.RoundUp)
	} else {
		orderBase = transfer
		limit, err = fpmath.MulDiv(pc.price, fpmath.LiquidationFeePrecision+band, fpmath.LiquidationFeePrecision, fpmath.RoundDown)
	}
	if err != nil {
		return nil, err
	}
	if req.LimitPrice > 0 {
		if long {
			limit = fpmath.Max(limit, req.LimitPrice)
		} else {
			limit = fpmath.Min(limit, req.LimitPrice)
		}
	}

	fill, err := e.matcher.FillLiquidationOrder(FillRequest{
		Liquidatee:  liquidatee.ID,
		MarketIndex: m.MarketIndex,
		BaseAmount:  orderBase,
		LimitPrice:  limit,
	})
	if err != nil {
		return nil, err
	}
	if err := validateFill(fill, orderBase, limit); err != nil {
		return nil, err
	}
	if fill.Maker != nil && (fill.Maker.ID == liquidatee.ID) {
		return nil, errors.Wrap(errors.ErrSelfLiquidation, "maker is the liquidatee")
	}

	value, err := fpmath.Abs(fill.QuoteFilled)
	if err != nil {
		return nil, err
	}
	lf, err := applyFeeRate(value, m.LiquidatorFee)
	if err != nil {
		return nil, err
	}
	iff, err := applyFeeRate(value, m.IfLiquidationFee)
	if err != nil {
		return nil, err
	}
	quoteDelta := fill.QuoteFilled - lf - iff

	if err := state.UpdatePerpPosition(pc.pos, m, fill.BaseFilled, quoteDelta); err != nil {
		return nil, err
	}
	if fill.Maker != nil {
		pc.res.Counterparty = fill.Maker.ID
		mpos, err := fill.Maker.ForcePerpPosition(m)
		if err != nil {
			return nil, err
		}
		if _, _, err := state.SettleFunding(mpos, m); err != nil {
			return nil, err
		}
		if err := state.UpdatePerpPosition(mpos, m, -fill.BaseFilled, -fill.QuoteFilled); err != nil {
			return nil, err
		}
	}
	if lf > 0 {
		lpos, err := liquidator.ForcePerpPosition(m)
		if err != nil {
			return nil, err
		}
		if _, _, err := state.SettleFunding(lpos, m); err != nil {
			return nil, err
		}
		if err := state.AddQuote(lpos, m, lf); err != nil {
			return nil, err
		}
	}
	if m.AMM.FeePool, err = fpmath.Add(m.AMM.FeePool, iff); err != nil {
		return nil, err
	}

	if err := e.checkLiquidator(liquidator, markets, prices); err != nil {
		return nil, err
	}

	pc.res.BaseTransferred = fill.BaseFilled
	pc.res.QuoteTransferred = quoteDelta
	pc.res.LiquidatorFee = lf
	pc.res.IfFee = iff
	if pc.res.Price, err = fpmath.MulDiv(value, fpmath.BasePrecision, abs64(fill.BaseFilled), fpmath.RoundDown); err != nil {
		return nil, err
	}
	if err := e.finish(liquidatee, markets, prices, pc.pre, pc.res); err != nil {
		return nil, err
	}
	return pc.res, nil
}

// validateFill checks direction, size and price of a matcher fill.
func validateFill(fill *Fill, orderBase, limit int64) error {
	if fill == nil || fill.BaseFilled == 0 {
		return errors.Wrap(errors.ErrZeroAmount, "empty liquidation fill")
	}
	if fpmath.Sign(fill.BaseFilled) != fpmath.Sign(orderBase) {
		return errors.Wrapf(errors.ErrValidation, "fill direction %d against order %d", fill.BaseFilled, orderBase)
	}
	if abs64(fill.BaseFilled) > abs64(orderBase) {
		return errors.Wrapf(errors.ErrValidation, "fill %d exceeds order %d", fill.BaseFilled, orderBase)
	}
	if fpmath.Sign(fill.QuoteFilled) == fpmath.Sign(fill.BaseFilled) && fill.QuoteFilled != 0 {
		return errors.Wrapf(errors.ErrValidation, "fill quote %d has the sign of base %d", fill.QuoteFilled, fill.BaseFilled)
	}

	size := abs64(fill.BaseFilled)
	if orderBase < 0 {
		// selling: proceeds must reach the band floor
		floor, err := fpmath.MulDiv(size, limit, fpmath.BasePrecision, fpmath.RoundUp)
		if err != nil {
			return err
		}
		if fill.QuoteFilled < floor {
			return errors.Wrapf(errors.ErrFillPriceOutOfBand, "proceeds %d below %d", fill.QuoteFilled, floor)
		}
		return nil
	}
	// buying: cost must stay under the band ceiling
	ceiling, err := fpmath.MulDiv(size, limit, fpmath.BasePrecision, fpmath.RoundDown)
	if err != nil {
		return err
	}
	if -fill.QuoteFilled > ceiling {
		return errors.Wrapf(errors.ErrFillPriceOutOfBand, "cost %d above %d", -fill.QuoteFilled, ceiling)
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
