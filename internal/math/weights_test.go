package math_test

import (
	"testing"

	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: ScaledWeight
// ============================================================================

func TestScaledWeight_ZeroSizeReturnsBase(t *testing.T) {
	for _, kind := range []fpmath.WeightKind{fpmath.AssetWeight, fpmath.LiabilityWeight} {
		w, err := fpmath.ScaledWeight(8_000, 0, 5_000, kind)
		require.NoError(t, err)
		assert.Equal(t, int64(8_000), w, kind.String())
	}
}

func TestScaledWeight_ZeroImfReturnsBase(t *testing.T) {
	w, err := fpmath.ScaledWeight(12_000, 1_000_000*fpmath.BasePrecision, 0, fpmath.LiabilityWeight)
	require.NoError(t, err)
	assert.Equal(t, int64(12_000), w)
}

func TestScaledWeight_AssetNonIncreasing(t *testing.T) {
	prev := int64(10_000)
	for size := int64(1); size <= 1_000_000*fpmath.BasePrecision; size *= 10 {
		w, err := fpmath.ScaledWeight(8_000, size, 2_000, fpmath.AssetWeight)
		require.NoError(t, err)
		assert.LessOrEqual(t, w, prev, "size %d", size)
		assert.GreaterOrEqual(t, w, int64(0))
		prev = w
	}
	assert.Less(t, prev, int64(8_000), "large size should be discounted")
}

func TestScaledWeight_LiabilityNonDecreasing(t *testing.T) {
	prev := int64(0)
	for size := int64(1); size <= 1_000_000*fpmath.BasePrecision; size *= 10 {
		w, err := fpmath.ScaledWeight(1_000, size, 2_000, fpmath.LiabilityWeight)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w, prev, "size %d", size)
		assert.GreaterOrEqual(t, w, int64(1_000))
		prev = w
	}
	assert.Greater(t, prev, int64(1_000), "large size should carry a premium")
}

func TestScaledWeight_NegativeSize(t *testing.T) {
	_, err := fpmath.ScaledWeight(1_000, -1, 2_000, fpmath.LiabilityWeight)
	require.Error(t, err)
}

// ============================================================================
// Test: LiquidationCap
// ============================================================================

func capAt(t *testing.T, now, start, duration, initialPct int64) int64 {
	t.Helper()
	pct, err := fpmath.LiquidationCap(now, start, duration, initialPct)
	require.NoError(t, err)
	return pct
}

func TestLiquidationCap_Ramp(t *testing.T) {
	assert.Equal(t, int64(1_000), capAt(t, 100, 100, 100, 1_000))
	assert.Equal(t, int64(5_500), capAt(t, 150, 100, 100, 1_000))
	assert.Equal(t, fpmath.LiquidationPctPrecision, capAt(t, 200, 100, 100, 1_000))
	assert.Equal(t, fpmath.LiquidationPctPrecision, capAt(t, 10_000, 100, 100, 1_000))
}

func TestLiquidationCap_Monotonic(t *testing.T) {
	prev := int64(0)
	for now := int64(0); now <= 400; now += 7 {
		pct := capAt(t, now, 0, 300, 2_500)
		assert.GreaterOrEqual(t, pct, prev)
		prev = pct
	}
}

func TestLiquidationCap_NoDuration(t *testing.T) {
	assert.Equal(t, fpmath.LiquidationPctPrecision, capAt(t, 0, 0, 0, 100))
}

func TestLiquidationCap_OverflowIsError(t *testing.T) {
	// elapsed time does not fit in int64
	_, err := fpmath.LiquidationCap(1<<62, -(1 << 62), 300, 2_500)
	require.ErrorIs(t, err, errors.ErrOverflow)

	_, err = fpmath.MaxPctToLiquidate(1<<62, -(1 << 62), 300, 2_500, 1_000, 0)
	require.ErrorIs(t, err, errors.ErrMath)
}

func TestMaxPctToLiquidate_TracksMarginFreed(t *testing.T) {
	pct, err := fpmath.MaxPctToLiquidate(0, 0, 100, 2_500, 1_000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), pct)

	// a second call in the same instant after 250 was freed gets nothing
	pct, err = fpmath.MaxPctToLiquidate(0, 0, 100, 2_500, 750, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pct)

	// after the ramp completes everything is allowed
	pct, err = fpmath.MaxPctToLiquidate(100, 0, 100, 2_500, 750, 250)
	require.NoError(t, err)
	assert.Equal(t, fpmath.LiquidationPctPrecision, pct)
}
