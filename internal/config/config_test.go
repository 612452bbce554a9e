package config_test

import (
	"testing"
	"time"

	"PerpRisk/internal/config"
	"PerpRisk/internal/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: loading
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Liquidation.Duration)
	assert.Equal(t, 256, cfg.Postgres.BatchSize)
	assert.Equal(t, "PERP_RISK_RECORDS", cfg.NATS.RecordStream)

	core, err := cfg.Core()
	require.NoError(t, err)
	assert.Equal(t, int64(300), core.Liquidation.Duration)
	assert.Equal(t, int64(2_500), core.Liquidation.InitialPct)
	assert.Equal(t, int64(200), core.Liquidation.MarginBuffer)
	assert.Equal(t, int64(10_000), core.Liquidation.QuoteParBand)
	assert.Equal(t, int64(120), core.Liquidation.SwapTimeout)
	assert.Equal(t, int64(120), core.GuardRails.MaxStalenessSeconds)
	assert.Equal(t, int64(200), core.GuardRails.MaxConfidenceRatio)
	assert.Equal(t, 100_000, core.IdempotencyCapacity)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PERP_RISK_LIQUIDATION_INITIAL_PCT", "1")
	t.Setenv("PERP_RISK_LIQUIDATION_DURATION", "0s")
	t.Setenv("PERP_RISK_ORACLE_MAX_STALENESS", "30s")
	t.Setenv("PERP_RISK_POSTGRES_URL", "postgres://risk@db/risk")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://risk@db/risk", cfg.Postgres.URL)

	core, err := cfg.Core()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), core.Liquidation.InitialPct)
	assert.Equal(t, int64(0), core.Liquidation.Duration)
	assert.Equal(t, int64(30), core.GuardRails.MaxStalenessSeconds)
}

func TestLoad_OutOfRangeRejected(t *testing.T) {
	t.Setenv("PERP_RISK_LIQUIDATION_INITIAL_PCT", "1.5")
	_, err := config.Load()
	require.ErrorIs(t, err, errors.ErrValidation)
}

// ============================================================================
// Test: fixed-point conversion
// ============================================================================

func TestToFixed(t *testing.T) {
	v, err := config.ToFixed(decimal.RequireFromString("0.0125"), 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(125), v)

	v, err = config.ToFixed(decimal.RequireFromString("-1.5"), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(-1_500_000), v)

	_, err = config.ToFixed(decimal.RequireFromString("0.00001"), 10_000)
	require.ErrorIs(t, err, errors.ErrValidation)

	_, err = config.ToFixed(decimal.RequireFromString("1e20"), 1_000_000)
	require.ErrorIs(t, err, errors.ErrMath)
}
