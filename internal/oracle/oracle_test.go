package oracle_test

import (
	"testing"

	"PerpRisk/internal/errors"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: guard rails
// ============================================================================

func TestClassify(t *testing.T) {
	g := oracle.DefaultGuardRails()
	tests := []struct {
		name string
		p    oracle.PriceData
		want oracle.Validity
	}{
		{"fresh", oracle.PriceData{Price: testutil.Price(100), PublishTs: testutil.Now}, oracle.ValidityValid},
		{"at staleness limit", oracle.PriceData{Price: testutil.Price(100), PublishTs: testutil.Now - 120}, oracle.ValidityValid},
		{"stale", oracle.PriceData{Price: testutil.Price(100), PublishTs: testutil.Now - 121}, oracle.ValidityStale},
		{"confidence at 2%", oracle.PriceData{Price: testutil.Price(100), Confidence: testutil.Price(2), PublishTs: testutil.Now}, oracle.ValidityValid},
		{"confidence over 2%", oracle.PriceData{Price: testutil.Price(100), Confidence: testutil.Price(2) + 1, PublishTs: testutil.Now}, oracle.ValidityTooUncertain},
		{"zero", oracle.PriceData{PublishTs: testutil.Now}, oracle.ValidityNonPositive},
		{"negative", oracle.PriceData{Price: -1, PublishTs: testutil.Now}, oracle.ValidityNonPositive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, oracle.Classify(&tt.p, testutil.Now, g))
		})
	}
}

func TestClassify_DisabledRails(t *testing.T) {
	p := oracle.PriceData{Price: 1, Confidence: testutil.Price(50), PublishTs: 0}
	assert.Equal(t, oracle.ValidityValid, oracle.Classify(&p, testutil.Now, oracle.GuardRails{}))
}

func TestMap_StalePriceDegradesButResolves(t *testing.T) {
	src := testutil.NewPriceSource()
	src.SetPrice(testutil.SOLOracle, testutil.Price(100), testutil.Now-600)
	prices := testutil.PriceMap(src, 0)

	p, v, err := prices.Price(testutil.SOLOracle)
	require.NoError(t, err)
	assert.Equal(t, oracle.ValidityStale, v)
	assert.Equal(t, testutil.Price(100), p.Price)

	_, err = prices.ValidPrice(testutil.SOLOracle)
	assert.ErrorIs(t, err, errors.ErrInvalidOracle)
}

func TestMap_MissingOrNonPositiveIsError(t *testing.T) {
	src := testutil.NewPriceSource()
	src.SetPrice(testutil.SOLOracle, 0, testutil.Now)
	prices := testutil.PriceMap(src, 0)

	_, _, err := prices.Price(testutil.SOLOracle)
	assert.ErrorIs(t, err, errors.ErrInvalidOracle)
	_, _, err = prices.Price(uuid.New())
	assert.ErrorIs(t, err, errors.ErrInvalidOracle)
}

// ============================================================================
// Test: price helpers
// ============================================================================

func TestStrictPrice_PicksWorseSide(t *testing.T) {
	sp := oracle.NewStrictPrice(&oracle.PriceData{Price: testutil.Price(100), Twap5Min: testutil.Price(90)})
	assert.Equal(t, testutil.Price(100), sp.Max())
	assert.Equal(t, testutil.Price(90), sp.Min())

	// missing twap falls back to spot
	sp = oracle.NewStrictPrice(&oracle.PriceData{Price: testutil.Price(100)})
	assert.Equal(t, testutil.Price(100), sp.Min())
}

func TestClampToPar(t *testing.T) {
	band := testutil.Price(1) / 100
	assert.Equal(t, testutil.Price(1), oracle.ClampToPar(testutil.Price(1)+band, band))
	assert.Equal(t, testutil.Price(1), oracle.ClampToPar(testutil.Price(1)-band, band))
	assert.Equal(t, testutil.Price(1)+band+1, oracle.ClampToPar(testutil.Price(1)+band+1, band))
	assert.Equal(t, int64(999_000), oracle.ClampToPar(999_000, 0))
}

func TestSettlementTarget(t *testing.T) {
	target, err := oracle.SettlementTarget(&oracle.PriceData{Price: testutil.Price(100), Twap: testutil.Price(99)})
	require.NoError(t, err)
	assert.Equal(t, testutil.Price(99), target)

	target, err = oracle.SettlementTarget(&oracle.PriceData{Price: testutil.Price(100)})
	require.NoError(t, err)
	assert.Equal(t, testutil.Price(100), target)

	_, err = oracle.SettlementTarget(&oracle.PriceData{})
	assert.ErrorIs(t, err, errors.ErrInvalidOracle)
}
