package margin

import (
	"PerpRisk/internal/amm"
	"PerpRisk/internal/errors"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// Context selects the rules a calculation applies.
type Context struct {
	Type state.MarginRequirementType
	// LiquidationBuffer is added to maintenance ratios (margin precision).
	LiquidationBuffer int64
	// QuoteParBand pins the quote currency price to 1.0 within this distance (price precision).
	QuoteParBand int64
	// RequireValidOracles turns a stale or uncertain price into ErrInvalidOracle.
	RequireValidOracles bool
	// ExtendedMetrics fills Calculation.Metrics.
	ExtendedMetrics bool
	// TrackedPerpMarket, when set with ExtendedMetrics, isolates one market's requirement.
	TrackedPerpMarket *uint16
}

// Metrics is the optional extended output of a calculation. Values are
// unweighted quote amounts.
type Metrics struct {
	TotalSpotAssetValue      int64
	TotalSpotLiabilityValue  int64
	TotalPerpLiabilityValue  int64
	TotalPerpPnl             int64
	TotalPerpNegativePnl     int64
	TrackedMarketRequirement int64
}

// TotalLiabilityValue is every borrow, perp exposure and unrealized loss.
func (m *Metrics) TotalLiabilityValue() int64 {
	return m.TotalSpotLiabilityValue + m.TotalPerpLiabilityValue + m.TotalPerpNegativePnl
}

// Calculation is the margin state of one account under one Context.
type Calculation struct {
	Context            Context
	TotalCollateral    int64 // signed, quote precision
	MarginRequirement  int64 // quote precision
	NumSpotLiabilities int
	NumPerpLiabilities int
	AllOraclesValid    bool
	Metrics            *Metrics
}

// MeetsRequirement reports whether collateral covers the requirement.
func (c *Calculation) MeetsRequirement() bool {
	return c.TotalCollateral >= c.MarginRequirement
}

// FreeCollateral is the collateral above the requirement, never negative.
func (c *Calculation) FreeCollateral() int64 {
	return fpmath.Max(0, c.TotalCollateral-c.MarginRequirement)
}

// Shortage is the requirement not covered by collateral, never negative.
func (c *Calculation) Shortage() int64 {
	return fpmath.Max(0, c.MarginRequirement-c.TotalCollateral)
}

// HasLiabilities reports whether any borrow or perp exposure remains.
func (c *Calculation) HasLiabilities() bool {
	return c.NumSpotLiabilities > 0 || c.NumPerpLiabilities > 0
}

// Calculator aggregates spot and perp positions into collateral and requirement.
type Calculator struct {
	surface amm.Surface
}

func NewCalculator(surface amm.Surface) *Calculator {
	return &Calculator{surface: surface}
}

// Surface returns the valuation surface the calculator prices perps with.
func (c *Calculator) Surface() amm.Surface {
	return c.surface
}

// Calculate reads the account without mutating it.
func (c *Calculator) Calculate(
	acct *state.Account,
	markets *state.MarketSet,
	prices *oracle.Map,
	ctx Context,
) (*Calculation, error) {
	calc := &Calculation{
		Context:         ctx,
		AllOraclesValid: true,
	}
	if ctx.ExtendedMetrics {
		calc.Metrics = &Metrics{}
	}

	for i := range acct.SpotPositions {
		pos := &acct.SpotPositions[i]
		if pos.IsAvailable() {
			continue
		}
		if err := c.addSpot(calc, pos, markets, prices, ctx); err != nil {
			return nil, errors.Wrapf(err, "spot market %d", pos.MarketIndex)
		}
	}

	for i := range acct.PerpPositions {
		pos := &acct.PerpPositions[i]
		if pos.IsAvailable() {
			continue
		}
		if err := c.addPerp(calc, acct, pos, markets, prices, ctx); err != nil {
			return nil, errors.Wrapf(err, "perp market %d", pos.MarketIndex)
		}
	}

	return calc, nil
}

// observe fetches a price, degrading AllOraclesValid unless the context demands validity.
func observe(calc *Calculation, prices *oracle.Map, ctx Context, id uuid.UUID) (*oracle.PriceData, error) {
	p, validity, err := prices.Price(id)
	if err != nil {
		return nil, err
	}
	if !validity.IsValid() {
		if ctx.RequireValidOracles {
			return nil, errors.Wrapf(errors.ErrInvalidOracle, "oracle %s is %s", id, validity)
		}
		calc.AllOraclesValid = false
	}
	return p, nil
}

func (c *Calculator) addSpot(
	calc *Calculation,
	pos *state.SpotPosition,
	markets *state.MarketSet,
	prices *oracle.Map,
	ctx Context,
) error {
	m, err := markets.Spot(pos.MarketIndex)
	if err != nil {
		return err
	}
	data, err := observe(calc, prices, ctx, m.OracleID)
	if err != nil {
		return err
	}

	strict := oracle.NewStrictPrice(data)
	if m.MarketIndex == state.QuoteSpotMarketIndex {
		strict.Current = oracle.ClampToPar(strict.Current, ctx.QuoteParBand)
		strict.Twap5 = oracle.ClampToPar(strict.Twap5, ctx.QuoteParBand)
	}

	tokens, err := ledger.GetSignedTokenAmount(pos, m)
	if err != nil {
		return err
	}

	worst, ordersValue, err := worstCaseSpot(pos, tokens, strict.Current, m.Decimals)
	if err != nil {
		return err
	}

	// resting orders settle in quote; count their cash leg at par
	if ordersValue > 0 {
		if err := add(&calc.TotalCollateral, ordersValue); err != nil {
			return err
		}
	} else if ordersValue < 0 {
		if err := add(&calc.MarginRequirement, -ordersValue); err != nil {
			return err
		}
	}
	if pos.OpenOrders > 0 {
		charge, err := fpmath.Mul(int64(pos.OpenOrders), fpmath.OpenOrderMarginRequirement)
		if err != nil {
			return err
		}
		if err := add(&calc.MarginRequirement, charge); err != nil {
			return err
		}
	}

	switch {
	case worst > 0:
		value, err := fpmath.TokenValue(worst, strict.Min(), m.Decimals)
		if err != nil {
			return err
		}
		size, err := fpmath.RescaleDecimals(worst, m.Decimals, 9, fpmath.RoundDown)
		if err != nil {
			return err
		}
		weight, err := fpmath.ScaledWeight(m.AssetWeight(ctx.Type), size, m.ImfFactor, fpmath.AssetWeight)
		if err != nil {
			return err
		}
		weighted, err := fpmath.MulDiv(value, weight, fpmath.SpotWeightPrecision, fpmath.RoundDown)
		if err != nil {
			return err
		}
		if err := add(&calc.TotalCollateral, weighted); err != nil {
			return err
		}
		if calc.Metrics != nil {
			if err := add(&calc.Metrics.TotalSpotAssetValue, value); err != nil {
				return err
			}
		}

	case worst < 0:
		magnitude := -worst
		value, err := fpmath.TokenValueRounded(magnitude, strict.Max(), m.Decimals, fpmath.RoundUp)
		if err != nil {
			return err
		}
		size, err := fpmath.RescaleDecimals(magnitude, m.Decimals, 9, fpmath.RoundUp)
		if err != nil {
			return err
		}
		weight, err := fpmath.ScaledWeight(m.LiabilityWeight(ctx.Type), size, m.ImfFactor, fpmath.LiabilityWeight)
		if err != nil {
			return err
		}
		weighted, err := fpmath.MulDiv(value, weight, fpmath.SpotWeightPrecision, fpmath.RoundUp)
		if err != nil {
			return err
		}
		if err := add(&calc.MarginRequirement, weighted); err != nil {
			return err
		}
		calc.NumSpotLiabilities++
		if calc.Metrics != nil {
			if err := add(&calc.Metrics.TotalSpotLiabilityValue, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// worstCaseSpot returns the token amount if every order on the riskier side
// filled, and the signed quote value those fills would pay or receive.
func worstCaseSpot(pos *state.SpotPosition, tokens, price int64, decimals uint32) (int64, int64, error) {
	if pos.OpenBids == 0 && pos.OpenAsks == 0 {
		return tokens, 0, nil
	}
	withBids, err := fpmath.Add(tokens, pos.OpenBids)
	if err != nil {
		return 0, 0, err
	}
	withAsks, err := fpmath.Add(tokens, pos.OpenAsks)
	if err != nil {
		return 0, 0, err
	}

	absBids, err := fpmath.Abs(withBids)
	if err != nil {
		return 0, 0, err
	}
	absAsks, err := fpmath.Abs(withAsks)
	if err != nil {
		return 0, 0, err
	}

	if absBids >= absAsks {
		// buying spends quote
		cost, err := fpmath.TokenValue(pos.OpenBids, price, decimals)
		if err != nil {
			return 0, 0, err
		}
		return withBids, -cost, nil
	}
	// selling receives quote
	proceeds, err := fpmath.TokenValue(-pos.OpenAsks, price, decimals)
	if err != nil {
		return 0, 0, err
	}
	return withAsks, proceeds, nil
}

func (c *Calculator) addPerp(
	calc *Calculation,
	acct *state.Account,
	pos *state.PerpPosition,
	markets *state.MarketSet,
	prices *oracle.Map,
	ctx Context,
) error {
	m, err := markets.Perp(pos.MarketIndex)
	if err != nil {
		return err
	}
	data, err := observe(calc, prices, ctx, m.OracleID)
	if err != nil {
		return err
	}

	requirement, liabilityValue, err := c.perpRequirement(acct, pos, m, data.Price, ctx)
	if err != nil {
		return err
	}
	if err := add(&calc.MarginRequirement, requirement); err != nil {
		return err
	}

	pnl, err := c.unrealizedPnl(pos, m, data.Price)
	if err != nil {
		return err
	}
	weightedPnl, err := weightPnl(pnl, m, ctx.Type)
	if err != nil {
		return err
	}
	if err := add(&calc.TotalCollateral, weightedPnl); err != nil {
		return err
	}

	if pos.BaseAssetAmount != 0 || pos.HasOpenOrders() {
		calc.NumPerpLiabilities++
	}

	if calc.Metrics != nil {
		if err := add(&calc.Metrics.TotalPerpLiabilityValue, liabilityValue); err != nil {
			return err
		}
		if err := add(&calc.Metrics.TotalPerpPnl, pnl); err != nil {
			return err
		}
		if pnl < 0 {
			if err := add(&calc.Metrics.TotalPerpNegativePnl, -pnl); err != nil {
				return err
			}
		}
		if ctx.TrackedPerpMarket != nil && *ctx.TrackedPerpMarket == m.MarketIndex {
			if err := add(&calc.Metrics.TrackedMarketRequirement, requirement); err != nil {
				return err
			}
		}
	}
	return nil
}

// perpRequirement returns the margin required by a position and its unweighted
// worst-case liability value.
func (c *Calculator) perpRequirement(
	acct *state.Account,
	pos *state.PerpPosition,
	m *state.PerpMarket,
	oraclePrice int64,
	ctx Context,
) (int64, int64, error) {
	worstBase, err := state.WorstCaseBase(pos)
	if err != nil {
		return 0, 0, err
	}
	size, err := fpmath.Abs(worstBase)
	if err != nil {
		return 0, 0, err
	}

	var liabilityValue, requirement int64
	if size > 0 {
		price, err := c.surface.ValuationPrice(m, oraclePrice)
		if err != nil {
			return 0, 0, err
		}
		liabilityValue, err = fpmath.MulDiv(size, price, fpmath.BasePrecision, fpmath.RoundUp)
		if err != nil {
			return 0, 0, err
		}
		ratio, err := MarginRatio(acct, m, size, ctx)
		if err != nil {
			return 0, 0, err
		}
		requirement, err = fpmath.MulDiv(liabilityValue, ratio, fpmath.MarginPrecision, fpmath.RoundUp)
		if err != nil {
			return 0, 0, err
		}
	}

	if pos.OpenOrders > 0 {
		charge, err := fpmath.Mul(int64(pos.OpenOrders), fpmath.OpenOrderMarginRequirement)
		if err != nil {
			return 0, 0, err
		}
		if requirement, err = fpmath.Add(requirement, charge); err != nil {
			return 0, 0, err
		}
	}
	return requirement, liabilityValue, nil
}

// MarginRatio returns the ratio applied to a perp position of absolute size:
// the market ratio scaled for concentration, raised (never lowered) by the
// account override for Initial, plus the liquidation buffer for Maintenance.
func MarginRatio(acct *state.Account, m *state.PerpMarket, size int64, ctx Context) (int64, error) {
	ratio, err := fpmath.ScaledWeight(m.MarginRatio(ctx.Type), size, m.ImfFactor, fpmath.LiabilityWeight)
	if err != nil {
		return 0, err
	}
	switch ctx.Type {
	case state.MarginRequirementInitial:
		ratio = fpmath.Max(ratio, acct.MaxMarginRatio)
	case state.MarginRequirementMaintenance:
		if ctx.LiquidationBuffer > 0 {
			if ratio, err = fpmath.Add(ratio, ctx.LiquidationBuffer); err != nil {
				return 0, err
			}
		}
	}
	return ratio, nil
}

// unrealizedPnl is position value plus quote ledger plus pending funding and social loss.
func (c *Calculator) unrealizedPnl(pos *state.PerpPosition, m *state.PerpMarket, oraclePrice int64) (int64, error) {
	var pnl int64
	if pos.BaseAssetAmount != 0 {
		_, p, err := c.surface.PositionValue(m, pos, oraclePrice)
		if err != nil {
			return 0, err
		}
		pnl = p
	} else {
		pnl = pos.QuoteAssetAmount
	}

	funding, err := state.UnsettledFunding(pos, m)
	if err != nil {
		return 0, err
	}
	social, err := state.UnsettledSocialLoss(pos, m)
	if err != nil {
		return 0, err
	}
	if pnl, err = fpmath.Add(pnl, funding); err != nil {
		return 0, err
	}
	return fpmath.Add(pnl, social)
}

// weightPnl haircuts positive pnl by the size-scaled unrealized asset weight.
// Losses count at full weight.
func weightPnl(pnl int64, m *state.PerpMarket, t state.MarginRequirementType) (int64, error) {
	if pnl <= 0 {
		return pnl, nil
	}
	size, err := fpmath.RescaleDecimals(pnl, 6, 9, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	weight, err := fpmath.ScaledWeight(m.UnrealizedPnlAssetWeight(t), size, m.UnrealizedPnlImfFactor, fpmath.AssetWeight)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(pnl, weight, fpmath.SpotWeightPrecision, fpmath.RoundDown)
}

func add(dst *int64, v int64) error {
	sum, err := fpmath.Add(*dst, v)
	if err != nil {
		return err
	}
	*dst = sum
	return nil
}
