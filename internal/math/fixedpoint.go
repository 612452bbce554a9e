package math

import (
	"math"
	"math/big"
	"sync"

	"PerpRisk/internal/errors"
)

// Fixed-point precisions shared by every package in the risk core.
const (
	PricePrecision              int64 = 1_000_000
	QuotePrecision              int64 = 1_000_000
	BasePrecision               int64 = 1_000_000_000
	MarginPrecision             int64 = 10_000
	SpotWeightPrecision         int64 = 10_000
	ImfPrecision                int64 = 1_000_000
	SpotBalancePrecision        int64 = 1_000_000_000
	CumulativeInterestPrecision int64 = 10_000_000_000
	FundingRateBuffer           int64 = 1_000
	FundingRatePrecision        int64 = PricePrecision * FundingRateBuffer
	SocialLossPrecision         int64 = PricePrecision * FundingRateBuffer
	LiquidationFeePrecision     int64 = 1_000_000
	LiquidationPctPrecision     int64 = 10_000

	// OpenOrderMarginRequirement is charged per resting order regardless of size.
	OpenOrderMarginRequirement int64 = QuotePrecision / 100
)

// Pooled big.Int for 128-bit intermediates
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

var (
	maxInt64 = big.NewInt(math.MaxInt64)
	minInt64 = big.NewInt(math.MinInt64)
)

// RoundingMode selects how MulDiv resolves a remainder.
type RoundingMode int

const (
	RoundDown  RoundingMode = iota // toward zero
	RoundUp                        // away from zero
	RoundFloor                     // toward negative infinity
)

// Add returns a + b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, errors.Wrapf(errors.ErrOverflow, "add %d + %d", a, b)
	}
	return c, nil
}

// Sub returns a - b or ErrOverflow.
func Sub(a, b int64) (int64, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, errors.Wrapf(errors.ErrOverflow, "sub %d - %d", a, b)
	}
	return c, nil
}

// Mul returns a * b or ErrOverflow.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, errors.Wrapf(errors.ErrOverflow, "mul %d * %d", a, b)
	}
	return c, nil
}

// Div returns a / b truncated toward zero, or ErrDivideByZero.
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, errors.Wrapf(errors.ErrDivideByZero, "div %d / 0", a)
	}
	if a == math.MinInt64 && b == -1 {
		return 0, errors.Wrapf(errors.ErrOverflow, "div %d / -1", a)
	}
	return a / b, nil
}

// Abs returns |a| or ErrOverflow for MinInt64.
func Abs(a int64) (int64, error) {
	if a == math.MinInt64 {
		return 0, errors.Wrap(errors.ErrOverflow, "abs of min int64")
	}
	if a < 0 {
		return -a, nil
	}
	return a, nil
}

// MulDiv computes a * b / c with a 128-bit intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) (int64, error) {
	if c == 0 {
		return 0, errors.Wrapf(errors.ErrDivideByZero, "muldiv %d * %d / 0", a, b)
	}

	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	den := big.NewInt(c)
	quo := getInt128()
	rem := getInt128()
	defer putInt128(quo)
	defer putInt128(rem)

	// QuoRem truncates toward zero
	quo.QuoRem(num, den, rem)

	if rem.Sign() != 0 {
		negative := num.Sign()*den.Sign() < 0
		switch mode {
		case RoundUp:
			if negative {
				quo.Sub(quo, big.NewInt(1))
			} else {
				quo.Add(quo, big.NewInt(1))
			}
		case RoundFloor:
			if negative {
				quo.Sub(quo, big.NewInt(1))
			}
		}
	}

	if quo.Cmp(maxInt64) > 0 || quo.Cmp(minInt64) < 0 {
		return 0, errors.Wrapf(errors.ErrOverflow, "muldiv %d * %d / %d", a, b, c)
	}
	return quo.Int64(), nil
}

// Sqrt returns floor(sqrt(a)) for a >= 0.
func Sqrt(a int64) (int64, error) {
	if a < 0 {
		return 0, errors.Wrapf(errors.ErrNegative, "sqrt of %d", a)
	}
	v := getInt128()
	defer putInt128(v)
	v.SetInt64(a)
	v.Sqrt(v)
	return v.Int64(), nil
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	return Max(lo, Min(v, hi))
}

// Sign returns -1, 0 or +1.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// BaseToQuote converts a base amount at a price into quote precision.
// Rounds toward negative infinity so losses are never understated.
func BaseToQuote(baseAmount, price int64) (int64, error) {
	return MulDiv(baseAmount, price, BasePrecision, RoundFloor)
}

// QuoteToBase converts a quote amount at a price into base precision, truncated.
func QuoteToBase(quoteAmount, price int64) (int64, error) {
	if price == 0 {
		return 0, errors.Wrap(errors.ErrDivideByZero, "quote to base at zero price")
	}
	return MulDiv(quoteAmount, BasePrecision, price, RoundDown)
}

// TokenValue values a token amount (mint decimals) at a price, result in quote precision.
func TokenValue(tokenAmount, price int64, decimals uint32) (int64, error) {
	return TokenValueRounded(tokenAmount, price, decimals, RoundFloor)
}

// TokenValueRounded is TokenValue with an explicit rounding mode.
func TokenValueRounded(tokenAmount, price int64, decimals uint32, mode RoundingMode) (int64, error) {
	scale, err := Pow10(decimals)
	if err != nil {
		return 0, err
	}
	return MulDiv(tokenAmount, price, scale, mode)
}

// TokenAmountForValue is the inverse of TokenValue, truncated.
func TokenAmountForValue(value, price int64, decimals uint32) (int64, error) {
	if price <= 0 {
		return 0, errors.Wrapf(errors.ErrDivideByZero, "token amount at price %d", price)
	}
	scale, err := Pow10(decimals)
	if err != nil {
		return 0, err
	}
	return MulDiv(value, scale, price, RoundDown)
}

// Pow10 returns 10^n for n <= 18.
func Pow10(n uint32) (int64, error) {
	if n > 18 {
		return 0, errors.Wrapf(errors.ErrOverflow, "10^%d", n)
	}
	v := int64(1)
	for i := uint32(0); i < n; i++ {
		v *= 10
	}
	return v, nil
}

// RescaleDecimals converts an amount between decimal precisions.
func RescaleDecimals(amount int64, fromDecimals, toDecimals uint32, mode RoundingMode) (int64, error) {
	switch {
	case fromDecimals == toDecimals:
		return amount, nil
	case toDecimals > fromDecimals:
		scale, err := Pow10(toDecimals - fromDecimals)
		if err != nil {
			return 0, err
		}
		return Mul(amount, scale)
	default:
		scale, err := Pow10(fromDecimals - toDecimals)
		if err != nil {
			return 0, err
		}
		return MulDiv(amount, 1, scale, mode)
	}
}
