package core_test

import (
	"testing"

	"PerpRisk/internal/core"
	"PerpRisk/internal/errors"
	"PerpRisk/internal/event"
	"PerpRisk/internal/liquidation"
	"PerpRisk/internal/margin"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine  *core.RiskEngine
	markets *state.MarketSet
	src     *oracle.StaticSource
	metrics *observability.Metrics
	persist chan core.Output
	publish chan core.Output
}

func newHarness(t *testing.T, src *oracle.StaticSource, publishBuffer int) *harness {
	t.Helper()
	h := &harness{
		markets: testutil.NewMarkets(t),
		src:     src,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		persist: make(chan core.Output, 16),
		publish: make(chan core.Output, publishBuffer),
	}
	cfg := core.DefaultConfig()
	cfg.Liquidation = liquidation.Config{QuoteParBand: 10_000}

	engine, err := core.NewRiskEngine(cfg, h.markets, src, nil,
		core.Outputs{Persist: h.persist, Publish: h.publish},
		nil, h.metrics, zerolog.Nop())
	require.NoError(t, err)
	h.engine = engine
	return h
}

// underwaterLong: 230 USDC collateral, long 10 SOL-PERP opened at $100, oracle at $80.
func (h *harness) underwaterLong(t *testing.T) *state.Account {
	t.Helper()
	acct := testutil.NewAccount()
	testutil.Deposit(t, h.markets, acct, testutil.USDCIndex, testutil.USDC(230))
	testutil.OpenPerp(t, h.markets, acct, testutil.SOLPerpIndex, testutil.Base(10), testutil.Price(100))
	h.src.SetPrice(testutil.SOLPerpOracle, testutil.Price(80), testutil.Now)
	return acct
}

func (h *harness) funded(t *testing.T, usdc int64) *state.Account {
	t.Helper()
	acct := testutil.NewAccount()
	testutil.Deposit(t, h.markets, acct, testutil.USDCIndex, testutil.USDC(usdc))
	return acct
}

func ins(key string) core.Instruction {
	return core.Instruction{Key: key, Now: testutil.Now}
}

func requireZeroSum(t *testing.T, h *harness) {
	t.Helper()
	for asset, total := range h.engine.Ledger().ComputeGlobalBalance() {
		assert.Equal(t, int64(0), total, "asset %d", asset)
	}
}

// ============================================================================
// Test: commit
// ============================================================================

func TestRiskEngine_LiquidatePerpCommits(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	lee := h.underwaterLong(t)
	lor := h.funded(t, 1_000)

	genesis := h.engine.StateHash()
	res, err := h.engine.LiquidatePerp(ins("liq-1"), lor, lee, liquidation.PerpRequest{MarketIndex: testutil.SOLPerpIndex})
	require.NoError(t, err)
	assert.Equal(t, state.LiquidationStatusNormal, res.Status)
	assert.Equal(t, int64(1), h.engine.Sequence())
	assert.NotEqual(t, genesis, h.engine.StateHash())

	out := <-h.persist
	assert.Equal(t, int64(0), out.Envelope.Sequence)
	assert.Equal(t, "liq-1", out.Envelope.IdempotencyKey)
	assert.Equal(t, event.RecordTypePerpLiquidated, out.Envelope.RecordType)
	assert.Equal(t, genesis, out.Envelope.PrevHash)
	assert.Equal(t, h.engine.StateHash(), out.Envelope.StateHash)
	assert.NotEmpty(t, out.Batch.Journals)

	rec, ok := out.Envelope.Record.(*event.Liquidation)
	require.True(t, ok)
	assert.Equal(t, lee.ID, rec.Liquidatee)
	assert.Equal(t, lor.ID, rec.Liquidator)
	assert.Equal(t, "-3.125", rec.Base.String())

	published := <-h.publish
	assert.Equal(t, out.Envelope, published.Envelope)

	requireZeroSum(t, h)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.InstructionsApplied.WithLabelValues("liquidate_perp")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.LiquidationPrimitives.WithLabelValues("perp", "Normal")))
}

func TestRiskEngine_HashChainLinksSequences(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)

	var prev [32]byte
	for i, key := range []string{"vault-1", "vault-2", "vault-3"} {
		require.NoError(t, h.engine.ObserveVault(ins(key), testutil.USDCIndex, testutil.USDC(int64(100+i))))
		out := <-h.persist
		assert.Equal(t, int64(i), out.Envelope.Sequence)
		if i > 0 {
			assert.Equal(t, prev, out.Envelope.PrevHash)
		}
		prev = out.Envelope.StateHash
	}
	assert.Equal(t, prev, h.engine.StateHash())

	m, err := h.markets.Spot(testutil.USDCIndex)
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(102), m.VaultBalance)
}

// ============================================================================
// Test: abort
// ============================================================================

func TestRiskEngine_FailedLiquidationRollsBack(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	lee := h.underwaterLong(t)
	// an empty liquidator cannot carry the position at initial margin
	lor := testutil.NewAccount()

	leeBefore := lee.Clone()
	lorBefore := lor.Clone()
	m, err := h.markets.Perp(testutil.SOLPerpIndex)
	require.NoError(t, err)
	marketBefore := *m
	tip := h.engine.StateHash()

	_, err = h.engine.LiquidatePerp(ins("liq-1"), lor, lee, liquidation.PerpRequest{MarketIndex: testutil.SOLPerpIndex})
	require.ErrorIs(t, err, errors.ErrLiquidatorMargin)

	assert.Equal(t, leeBefore, lee)
	assert.Equal(t, lorBefore, lor)
	assert.Equal(t, marketBefore, *m)
	assert.Equal(t, state.LiquidationStatusNormal, lee.Status)
	assert.Equal(t, int64(0), h.engine.Sequence())
	assert.Equal(t, tip, h.engine.StateHash())
	assert.Empty(t, h.persist)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.InstructionsRejected.WithLabelValues("liquidate_perp", "validation")))

	// the key was not consumed
	lor = h.funded(t, 1_000)
	_, err = h.engine.LiquidatePerp(ins("liq-1"), lor, lee, liquidation.PerpRequest{MarketIndex: testutil.SOLPerpIndex})
	require.NoError(t, err)
}

func TestRiskEngine_HealthyAccountRejected(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	acct := h.funded(t, 1_000)

	_, err := h.engine.EnterLiquidation(ins("enter-1"), acct)
	require.ErrorIs(t, err, errors.ErrSufficientCollateral)
	assert.Equal(t, "precondition_failed", errors.KindOf(err))
	assert.False(t, errors.Retryable(err))
	assert.Equal(t, int64(0), h.engine.Sequence())
}

// ============================================================================
// Test: idempotency and clocks
// ============================================================================

func TestRiskEngine_RetryReturnsCommittedResult(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	lee := h.underwaterLong(t)

	first, err := h.engine.EnterLiquidation(ins("enter-1"), lee)
	require.NoError(t, err)
	second, err := h.engine.EnterLiquidation(ins("enter-1"), lee)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), h.engine.Sequence())
	assert.Len(t, h.persist, 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.LiquidationsEntered))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.IdempotencyDuplicates.WithLabelValues("enter_liquidation", "lru")))

	// the same key under another instruction is independent
	_, err = h.engine.ResolvePerpBankruptcy(ins("enter-1"), lee, testutil.SOLPerpIndex)
	require.ErrorIs(t, err, errors.ErrNotBankrupt)
}

type committedKeys map[string]bool

func (c committedKeys) IsDuplicate(instruction, key string) (bool, error) {
	return c[instruction+":"+key], nil
}

func TestRiskEngine_DurableDuplicateRejected(t *testing.T) {
	markets := testutil.NewMarkets(t)
	engine, err := core.NewRiskEngine(core.DefaultConfig(), markets, testutil.NewPriceSource(), nil,
		core.Outputs{}, committedKeys{"observe_vault:v-1": true}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = engine.ObserveVault(ins("v-1"), testutil.USDCIndex, 1)
	require.ErrorIs(t, err, errors.ErrDuplicateInstruction)
	assert.Equal(t, int64(0), engine.Sequence())

	require.NoError(t, engine.ObserveVault(ins("v-2"), testutil.USDCIndex, 1))
	assert.Equal(t, int64(1), engine.Sequence())
}

func TestRiskEngine_ClockRegressionRejected(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	lee := h.underwaterLong(t)

	_, err := h.engine.EnterLiquidation(ins("enter-1"), lee)
	require.NoError(t, err)

	late := core.Instruction{Key: "enter-2", Now: testutil.Now - 1}
	_, err = h.engine.EnterLiquidation(late, lee)
	require.ErrorIs(t, err, errors.ErrClockRegressed)
	assert.Equal(t, int64(1), h.engine.Sequence())
}

// ============================================================================
// Test: fan-out
// ============================================================================

func TestRiskEngine_FullPublishChannelDrops(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 0)

	require.NoError(t, h.engine.ObserveVault(ins("v-1"), testutil.USDCIndex, 1))
	require.NoError(t, h.engine.ObserveVault(ins("v-2"), testutil.USDCIndex, 2))

	assert.Len(t, h.persist, 2)
	assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.PublishDrops))
}

func TestRiskEngine_NegativeVaultBalanceRejected(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	err := h.engine.ObserveVault(ins("v-1"), testutil.USDCIndex, -1)
	require.ErrorIs(t, err, errors.ErrValidation)
	assert.Empty(t, h.persist)
}

// ============================================================================
// Test: margin reads
// ============================================================================

func TestRiskEngine_CalculateMarginDoesNotCommit(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	lee := h.underwaterLong(t)
	before := lee.Clone()

	calc, err := h.engine.CalculateMargin(lee, margin.Context{Type: state.MarginRequirementMaintenance}, testutil.Now)
	require.NoError(t, err)
	assert.False(t, calc.MeetsRequirement())
	assert.Equal(t, before, lee)
	assert.Equal(t, int64(0), h.engine.Sequence())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.MarginChecks.WithLabelValues("Maintenance", "short")))
}

// ============================================================================
// Test: bankruptcy and settlement
// ============================================================================

func TestRiskEngine_PerpBankruptcyJournalsInsuranceDraw(t *testing.T) {
	h := newHarness(t, testutil.NewPriceSource(), 16)
	m, err := h.markets.Perp(testutil.SOLPerpIndex)
	require.NoError(t, err)
	m.Insurance.Balance = testutil.USDC(100)

	acct := testutil.NewAccount()
	testutil.SetQuote(t, h.markets, acct, testutil.SOLPerpIndex, -testutil.USDC(50))
	require.NoError(t, acct.TransitionTo(state.LiquidationStatusBeingLiquidated))

	res, err := h.engine.ResolvePerpBankruptcy(ins("bk-1"), acct, testutil.SOLPerpIndex)
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(50), res.InsurancePaid)

	out := <-h.persist
	require.Len(t, out.Batch.Journals, 1)
	assert.Equal(t, testutil.USDC(50), out.Batch.Journals[0].Amount)
	assert.Equal(t, event.RecordTypePerpBankruptcyResolved, out.Envelope.RecordType)
	requireZeroSum(t, h)
	assert.Equal(t, float64(testutil.USDC(50)),
		promtest.ToFloat64(h.metrics.InsurancePayouts.WithLabelValues("perp", "0")))

	// a retry under a new key is a committed no-op
	res, err = h.engine.ResolvePerpBankruptcy(ins("bk-2"), acct, testutil.SOLPerpIndex)
	require.NoError(t, err)
	assert.True(t, res.Noop)
	out = <-h.persist
	assert.Empty(t, out.Batch.Journals)
}

func TestRiskEngine_SettlementFlow(t *testing.T) {
	src := testutil.NewPriceSource()
	src.Set(testutil.SOLPerpOracle, oracle.PriceData{
		Price:     testutil.Price(99),
		Twap5Min:  testutil.Price(99),
		Twap:      testutil.Price(99),
		PublishTs: testutil.Now,
	})
	h := newHarness(t, src, 16)
	m, err := h.markets.Perp(testutil.SOLPerpIndex)
	require.NoError(t, err)
	m.ExpiryTs = testutil.Now - 60

	long := testutil.NewAccount()
	testutil.OpenPerp(t, h.markets, long, testutil.SOLPerpIndex, testutil.Base(10), testutil.Price(1))
	m.PnlPool = testutil.USDC(190)
	m.AMM.FeePool = testutil.USDC(5)

	// positions cannot settle before the price is fixed
	_, err = h.engine.SettleExpiredPosition(ins("pos-0"), long, testutil.SOLPerpIndex)
	require.ErrorIs(t, err, errors.ErrMarketNotSettling)

	mres, err := h.engine.SettleExpiredMarket(ins("mkt-1"), testutil.SOLPerpIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(20_500_000), mres.Price)
	out := <-h.persist
	assert.Equal(t, event.RecordTypeMarketSettled, out.Envelope.RecordType)

	pres, err := h.engine.SettleExpiredPosition(ins("pos-1"), long, testutil.SOLPerpIndex)
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC(195), pres.Pnl)
	assert.True(t, pres.Delisted)
	assert.Equal(t, testutil.USDC(195), testutil.TokenBalance(t, h.markets, long, testutil.USDCIndex))

	requireZeroSum(t, h)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.MarketsSettled.WithLabelValues("0")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.PositionsSettled.WithLabelValues("0")))
}
