package testutil

import (
	"testing"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Market indexes used by the fixtures.
const (
	USDCIndex    uint16 = 0
	SOLIndex     uint16 = 1
	SOLPerpIndex uint16 = 0
)

// Now is the fixture clock (unix seconds).
const Now int64 = 1_700_000_000

var (
	USDCOracle    = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	SOLOracle     = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	SOLPerpOracle = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

// Price returns dollars in price precision.
func Price(dollars int64) int64 {
	return dollars * fpmath.PricePrecision
}

// USDC returns whole USDC in token (and quote) precision.
func USDC(amount int64) int64 {
	return amount * fpmath.QuotePrecision
}

// SOL returns whole SOL in token precision (9 decimals).
func SOL(amount int64) int64 {
	return amount * 1_000_000_000
}

// Base returns whole units in base precision.
func Base(amount int64) int64 {
	return amount * fpmath.BasePrecision
}

// NewUSDCMarket is the quote spot market: 6 decimals, full weights, no fees.
func NewUSDCMarket() *state.SpotMarket {
	return &state.SpotMarket{
		MarketIndex:                USDCIndex,
		Name:                       "USDC",
		Status:                     state.MarketStatusActive,
		OracleID:                   USDCOracle,
		Decimals:                   6,
		CumulativeDepositInterest:  fpmath.CumulativeInterestPrecision,
		CumulativeBorrowInterest:   fpmath.CumulativeInterestPrecision,
		InitialAssetWeight:         fpmath.SpotWeightPrecision,
		MaintenanceAssetWeight:     fpmath.SpotWeightPrecision,
		InitialLiabilityWeight:     fpmath.SpotWeightPrecision,
		MaintenanceLiabilityWeight: fpmath.SpotWeightPrecision,
	}
}

// NewSOLMarket is a volatile spot market: 9 decimals, 80/90 asset and
// 120/110 liability weights, 1% liquidator fee.
func NewSOLMarket() *state.SpotMarket {
	return &state.SpotMarket{
		MarketIndex:                SOLIndex,
		Name:                       "SOL",
		Status:                     state.MarketStatusActive,
		OracleID:                   SOLOracle,
		Decimals:                   9,
		CumulativeDepositInterest:  fpmath.CumulativeInterestPrecision,
		CumulativeBorrowInterest:   fpmath.CumulativeInterestPrecision,
		InitialAssetWeight:         8_000,
		MaintenanceAssetWeight:     9_000,
		InitialLiabilityWeight:     12_000,
		MaintenanceLiabilityWeight: 11_000,
		LiquidatorFee:              10_000,
	}
}

// NewSOLPerpMarket is a perp with 10% initial and 5% maintenance margin,
// reserves pegged at $100 and a 1% liquidator fee.
func NewSOLPerpMarket() *state.PerpMarket {
	return &state.PerpMarket{
		MarketIndex: SOLPerpIndex,
		Name:        "SOL-PERP",
		Status:      state.MarketStatusActive,
		OracleID:    SOLPerpOracle,
		AMM: state.AMM{
			BaseAssetReserve:  Base(10_000),
			QuoteAssetReserve: Base(10_000),
			PegMultiplier:     Price(100),
		},
		MarginRatioInitial:                  1_000,
		MarginRatioMaintenance:              500,
		UnrealizedPnlInitialAssetWeight:     fpmath.SpotWeightPrecision,
		UnrealizedPnlMaintenanceAssetWeight: fpmath.SpotWeightPrecision,
		LiquidatorFee:                       10_000,
	}
}

// NewMarkets registers USDC, SOL and SOL-PERP.
func NewMarkets(t *testing.T) *state.MarketSet {
	t.Helper()
	ms := state.NewMarketSet()
	require.NoError(t, ms.AddSpot(NewUSDCMarket()))
	require.NoError(t, ms.AddSpot(NewSOLMarket()))
	require.NoError(t, ms.AddPerp(NewSOLPerpMarket()))
	return ms
}

// NewPriceSource prices USDC at $1 and SOL spot and perp at $100.
func NewPriceSource() *oracle.StaticSource {
	src := oracle.NewStaticSource()
	src.SetPrice(USDCOracle, Price(1), Now)
	src.SetPrice(SOLOracle, Price(100), Now)
	src.SetPrice(SOLPerpOracle, Price(100), Now)
	return src
}

// PriceMap wraps src at the fixture clock plus offset seconds.
func PriceMap(src oracle.Source, offset int64) *oracle.Map {
	return oracle.NewMap(src, oracle.DefaultGuardRails(), Now+offset)
}

// NewAccount returns an empty account with a random id.
func NewAccount() *state.Account {
	return state.NewAccount(uuid.New())
}

// Deposit credits (or, when negative, borrows) tokens in a spot market.
func Deposit(t *testing.T, ms *state.MarketSet, acct *state.Account, marketIndex uint16, tokens int64) {
	t.Helper()
	m, err := ms.Spot(marketIndex)
	require.NoError(t, err)
	pos, err := acct.ForceSpotPosition(marketIndex)
	require.NoError(t, err)
	require.NoError(t, ledger.UpdateSpotBalance(tokens, pos, m))
}

// OpenPerp fills base at price against the AMM.
func OpenPerp(t *testing.T, ms *state.MarketSet, acct *state.Account, marketIndex uint16, base, price int64) {
	t.Helper()
	m, err := ms.Perp(marketIndex)
	require.NoError(t, err)
	pos, err := acct.ForcePerpPosition(m)
	require.NoError(t, err)
	quote, err := fpmath.BaseToQuote(-base, price)
	require.NoError(t, err)
	require.NoError(t, state.UpdatePerpPosition(pos, m, base, quote))
}

// SetQuote forces a position's quote ledger, keeping the market aggregate in step.
func SetQuote(t *testing.T, ms *state.MarketSet, acct *state.Account, marketIndex uint16, quote int64) {
	t.Helper()
	m, err := ms.Perp(marketIndex)
	require.NoError(t, err)
	pos, err := acct.ForcePerpPosition(m)
	require.NoError(t, err)
	require.NoError(t, state.AddQuote(pos, m, quote-pos.QuoteAssetAmount))
}

// TokenBalance returns the signed token amount an account holds in a spot market.
func TokenBalance(t *testing.T, ms *state.MarketSet, acct *state.Account, marketIndex uint16) int64 {
	t.Helper()
	m, err := ms.Spot(marketIndex)
	require.NoError(t, err)
	pos, ok := acct.SpotPosition(marketIndex)
	if !ok {
		return 0
	}
	amount, err := ledger.GetSignedTokenAmount(pos, m)
	require.NoError(t, err)
	return amount
}
