package math_test

import (
	"math"
	"testing"

	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: checked arithmetic
// ============================================================================

func TestAdd_Overflow(t *testing.T) {
	_, err := fpmath.Add(math.MaxInt64, 1)
	require.ErrorIs(t, err, errors.ErrMath)

	v, err := fpmath.Add(-5, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)
}

func TestSub_Underflow(t *testing.T) {
	_, err := fpmath.Sub(math.MinInt64, 1)
	require.ErrorIs(t, err, errors.ErrOverflow)

	v, err := fpmath.Sub(3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)
}

func TestMul_Overflow(t *testing.T) {
	_, err := fpmath.Mul(math.MaxInt64/2+1, 2)
	require.ErrorIs(t, err, errors.ErrMath)

	_, err = fpmath.Mul(math.MinInt64, -1)
	require.ErrorIs(t, err, errors.ErrMath)

	v, err := fpmath.Mul(-7, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), v)
}

func TestDiv_ByZero(t *testing.T) {
	_, err := fpmath.Div(1, 0)
	require.ErrorIs(t, err, errors.ErrDivideByZero)
}

func TestMulDiv_RoundingModes(t *testing.T) {
	down, err := fpmath.MulDiv(-7, 1, 2, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), down)

	floor, err := fpmath.MulDiv(-7, 1, 2, fpmath.RoundFloor)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), floor)

	up, err := fpmath.MulDiv(7, 1, 2, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, int64(4), up)

	exact, err := fpmath.MulDiv(6, 1, 2, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, int64(3), exact)
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 1e12 * 1e12 / 1e12 overflows int64 in the product but not the result
	v, err := fpmath.MulDiv(1_000_000_000_000, 1_000_000_000_000, 1_000_000_000_000, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000_000), v)

	_, err = fpmath.MulDiv(math.MaxInt64, 4, 2, fpmath.RoundDown)
	require.ErrorIs(t, err, errors.ErrOverflow)
}

func TestBaseToQuote_RoundsLossesDown(t *testing.T) {
	// -0.5 base at $3.000001 → -1.5000005 quote floors to -1.500001
	v, err := fpmath.BaseToQuote(-fpmath.BasePrecision/2, 3_000_001)
	require.NoError(t, err)
	assert.Equal(t, int64(-1_500_001), v)
}

func TestTokenValue_Decimals(t *testing.T) {
	// 2 tokens with 9 decimals at $10
	v, err := fpmath.TokenValue(2_000_000_000, 10*fpmath.PricePrecision, 9)
	require.NoError(t, err)
	assert.Equal(t, 20*fpmath.QuotePrecision, v)

	back, err := fpmath.TokenAmountForValue(v, 10*fpmath.PricePrecision, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), back)
}

// ============================================================================
// Test: funding and social loss accrual
// ============================================================================

func TestFundingPayment_LongPaysPositiveRate(t *testing.T) {
	// rate delta of $0.01 per base unit, 2 base long
	delta := fpmath.FundingRatePrecision / 100
	pnl, err := fpmath.FundingPayment(delta, 0, 2*fpmath.BasePrecision)
	require.NoError(t, err)
	assert.Equal(t, int64(-20_000), pnl)

	short, err := fpmath.FundingPayment(delta, 0, -2*fpmath.BasePrecision)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), short)
}

func TestSocialLossCharge_BothSidesPay(t *testing.T) {
	perBase, err := fpmath.SocialLossPerBase(10*fpmath.QuotePrecision, 4*fpmath.BasePrecision)
	require.NoError(t, err)

	long, err := fpmath.SocialLossCharge(perBase, 0, 3*fpmath.BasePrecision)
	require.NoError(t, err)
	short, err := fpmath.SocialLossCharge(perBase, 0, -fpmath.BasePrecision)
	require.NoError(t, err)

	assert.Equal(t, int64(-7_500_000), long)
	assert.Equal(t, int64(-2_500_000), short)
}

func TestSocialLossPerBase_NoOpenInterest(t *testing.T) {
	_, err := fpmath.SocialLossPerBase(1, 0)
	require.ErrorIs(t, err, errors.ErrMath)
}
