package margin_test

import (
	"testing"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/errors"
	"PerpRisk/internal/margin"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maintenance() margin.Context {
	return margin.Context{Type: state.MarginRequirementMaintenance}
}

// underwaterLong: 230 USDC, long 10 SOL-PERP from $100, oracle at $80.
func underwaterLong(t *testing.T) (*state.MarketSet, *state.Account) {
	t.Helper()
	ms := testutil.NewMarkets(t)
	acct := testutil.NewAccount()
	testutil.Deposit(t, ms, acct, testutil.USDCIndex, testutil.USDC(230))
	testutil.OpenPerp(t, ms, acct, testutil.SOLPerpIndex, testutil.Base(10), testutil.Price(100))
	return ms, acct
}

// ============================================================================
// Test: Calculate
// ============================================================================

func TestCalculate_PerpLossAgainstQuoteCollateral(t *testing.T) {
	ms, acct := underwaterLong(t)
	src := testutil.NewPriceSource()
	src.SetPrice(testutil.SOLPerpOracle, testutil.Price(80), testutil.Now)
	calc := margin.NewCalculator(amm.ConstantProduct{})

	m, err := calc.Calculate(acct, ms, testutil.PriceMap(src, 0), maintenance())
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(30), m.TotalCollateral)
	assert.Equal(t, testutil.USDC(40), m.MarginRequirement)
	assert.False(t, m.MeetsRequirement())
	assert.Equal(t, testutil.USDC(10), m.Shortage())
	assert.Equal(t, int64(0), m.FreeCollateral())
	assert.Equal(t, 1, m.NumPerpLiabilities)
	assert.True(t, m.HasLiabilities())
	assert.True(t, m.AllOraclesValid)
	assert.Nil(t, m.Metrics)

	initial, err := calc.Calculate(acct, ms, testutil.PriceMap(src, 0), margin.Context{Type: state.MarginRequirementInitial})
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(80), initial.MarginRequirement)
}

func TestCalculate_LiquidationBufferRaisesMaintenance(t *testing.T) {
	ms, acct := underwaterLong(t)
	src := testutil.NewPriceSource()
	src.SetPrice(testutil.SOLPerpOracle, testutil.Price(80), testutil.Now)

	ctx := maintenance()
	ctx.LiquidationBuffer = 100
	m, err := margin.NewCalculator(amm.ConstantProduct{}).Calculate(acct, ms, testutil.PriceMap(src, 0), ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(48), m.MarginRequirement)
}

func TestCalculate_ExtendedMetrics(t *testing.T) {
	ms, acct := underwaterLong(t)
	src := testutil.NewPriceSource()
	src.SetPrice(testutil.SOLPerpOracle, testutil.Price(80), testutil.Now)

	tracked := testutil.SOLPerpIndex
	ctx := maintenance()
	ctx.ExtendedMetrics = true
	ctx.TrackedPerpMarket = &tracked

	m, err := margin.NewCalculator(amm.ConstantProduct{}).Calculate(acct, ms, testutil.PriceMap(src, 0), ctx)
	require.NoError(t, err)
	require.NotNil(t, m.Metrics)
	assert.Equal(t, testutil.USDC(230), m.Metrics.TotalSpotAssetValue)
	assert.Equal(t, testutil.USDC(800), m.Metrics.TotalPerpLiabilityValue)
	assert.Equal(t, -testutil.USDC(200), m.Metrics.TotalPerpPnl)
	assert.Equal(t, testutil.USDC(200), m.Metrics.TotalPerpNegativePnl)
	assert.Equal(t, testutil.USDC(1_000), m.Metrics.TotalLiabilityValue())
	assert.Equal(t, testutil.USDC(40), m.Metrics.TrackedMarketRequirement)
}

func TestCalculate_SpotBorrowUsesLiabilityWeight(t *testing.T) {
	ms := testutil.NewMarkets(t)
	acct := testutil.NewAccount()
	testutil.Deposit(t, ms, acct, testutil.USDCIndex, testutil.USDC(1_000))
	testutil.Deposit(t, ms, acct, testutil.SOLIndex, -testutil.SOL(1))
	calc := margin.NewCalculator(amm.ConstantProduct{})

	m, err := calc.Calculate(acct, ms, testutil.PriceMap(testutil.NewPriceSource(), 0), maintenance())
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(1_000), m.TotalCollateral)
	assert.Equal(t, testutil.USDC(110), m.MarginRequirement)
	assert.Equal(t, 1, m.NumSpotLiabilities)
	assert.Equal(t, testutil.USDC(890), m.FreeCollateral())

	m, err = calc.Calculate(acct, ms, testutil.PriceMap(testutil.NewPriceSource(), 0), margin.Context{Type: state.MarginRequirementInitial})
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(120), m.MarginRequirement)
}

func TestCalculate_StaleOracle(t *testing.T) {
	ms, acct := underwaterLong(t)
	src := testutil.NewPriceSource()
	src.SetPrice(testutil.SOLPerpOracle, testutil.Price(80), testutil.Now-3_600)
	calc := margin.NewCalculator(amm.ConstantProduct{})

	m, err := calc.Calculate(acct, ms, testutil.PriceMap(src, 0), maintenance())
	require.NoError(t, err)
	assert.False(t, m.AllOraclesValid)

	ctx := maintenance()
	ctx.RequireValidOracles = true
	_, err = calc.Calculate(acct, ms, testutil.PriceMap(src, 0), ctx)
	assert.ErrorIs(t, err, errors.ErrInvalidOracle)
}

func TestCalculate_DoesNotMutateAccount(t *testing.T) {
	ms, acct := underwaterLong(t)
	before := acct.Clone()

	_, err := margin.NewCalculator(amm.ConstantProduct{}).Calculate(acct, ms, testutil.PriceMap(testutil.NewPriceSource(), 0), maintenance())
	require.NoError(t, err)
	assert.Equal(t, before, acct)
}

func TestCalculate_RequirementNonDecreasingInSize(t *testing.T) {
	type build func(t *testing.T, ms *state.MarketSet, acct *state.Account, units int64)
	scenarios := []struct {
		name  string
		build build
	}{
		{"perp long", func(t *testing.T, ms *state.MarketSet, acct *state.Account, units int64) {
			testutil.OpenPerp(t, ms, acct, testutil.SOLPerpIndex, testutil.Base(units), testutil.Price(100))
		}},
		{"perp short", func(t *testing.T, ms *state.MarketSet, acct *state.Account, units int64) {
			testutil.OpenPerp(t, ms, acct, testutil.SOLPerpIndex, -testutil.Base(units), testutil.Price(100))
		}},
		{"perp bids over one long", func(t *testing.T, ms *state.MarketSet, acct *state.Account, units int64) {
			testutil.OpenPerp(t, ms, acct, testutil.SOLPerpIndex, testutil.Base(1), testutil.Price(100))
			pos, _ := acct.PerpPosition(testutil.SOLPerpIndex)
			pos.OpenOrders = 1
			pos.OpenBids = testutil.Base(units)
		}},
		{"spot borrow", func(t *testing.T, ms *state.MarketSet, acct *state.Account, units int64) {
			testutil.Deposit(t, ms, acct, testutil.SOLIndex, -testutil.SOL(units))
		}},
		{"spot asks over one deposit", func(t *testing.T, ms *state.MarketSet, acct *state.Account, units int64) {
			testutil.Deposit(t, ms, acct, testutil.SOLIndex, testutil.SOL(1))
			pos, _ := acct.SpotPosition(testutil.SOLIndex)
			pos.OpenOrders = 1
			pos.OpenAsks = -testutil.SOL(units)
		}},
	}
	types := []state.MarginRequirementType{state.MarginRequirementInitial, state.MarginRequirementMaintenance}
	calc := margin.NewCalculator(amm.ConstantProduct{})

	for _, sc := range scenarios {
		for _, mt := range types {
			t.Run(sc.name+" "+mt.String(), func(t *testing.T) {
				prev := int64(0)
				for _, units := range []int64{1, 10, 100, 1_000, 10_000} {
					ms := testutil.NewMarkets(t)
					perp, err := ms.Perp(testutil.SOLPerpIndex)
					require.NoError(t, err)
					perp.ImfFactor = 1_000
					sol, err := ms.Spot(testutil.SOLIndex)
					require.NoError(t, err)
					sol.ImfFactor = 1_000

					acct := testutil.NewAccount()
					testutil.Deposit(t, ms, acct, testutil.USDCIndex, testutil.USDC(1_000_000))
					sc.build(t, ms, acct, units)

					m, err := calc.Calculate(acct, ms, testutil.PriceMap(testutil.NewPriceSource(), 0), margin.Context{Type: mt})
					require.NoError(t, err)
					assert.GreaterOrEqual(t, m.MarginRequirement, prev, "%d units", units)
					prev = m.MarginRequirement
				}
				assert.Positive(t, prev)
			})
		}
	}
}

// ============================================================================
// Test: MarginRatio
// ============================================================================

func TestMarginRatio_NonDecreasingInSize(t *testing.T) {
	m := testutil.NewSOLPerpMarket()
	m.ImfFactor = 1_000
	acct := testutil.NewAccount()

	prev := int64(0)
	for _, size := range []int64{0, testutil.Base(1), testutil.Base(100), testutil.Base(10_000), testutil.Base(1_000_000)} {
		ratio, err := margin.MarginRatio(acct, m, size, maintenance())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ratio, prev, "size %d", size)
		prev = ratio
	}
	assert.Greater(t, prev, m.MarginRatioMaintenance)
}

func TestMarginRatio_AccountOverrideOnlyRaisesInitial(t *testing.T) {
	m := testutil.NewSOLPerpMarket()
	acct := testutil.NewAccount()
	acct.MaxMarginRatio = 5_000
	initial := margin.Context{Type: state.MarginRequirementInitial}

	ratio, err := margin.MarginRatio(acct, m, testutil.Base(1), initial)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), ratio)

	ratio, err = margin.MarginRatio(acct, m, testutil.Base(1), maintenance())
	require.NoError(t, err)
	assert.Equal(t, m.MarginRatioMaintenance, ratio)

	acct.MaxMarginRatio = 10
	ratio, err = margin.MarginRatio(acct, m, testutil.Base(1), initial)
	require.NoError(t, err)
	assert.Equal(t, m.MarginRatioInitial, ratio)
}
