package math

import "PerpRisk/internal/errors"

// WeightKind selects the direction of the size adjustment.
type WeightKind int

const (
	// AssetWeight shrinks as size grows (concentration discount).
	AssetWeight WeightKind = iota
	// LiabilityWeight grows without bound as size grows (concentration premium).
	LiabilityWeight
)

func (k WeightKind) String() string {
	switch k {
	case AssetWeight:
		return "Asset"
	case LiabilityWeight:
		return "Liability"
	default:
		return "Unknown"
	}
}

// ScaledWeight adjusts a base weight for position size using the IMF factor.
//
// size is a non-negative amount in BasePrecision units. baseWeight and the
// result share SpotWeightPrecision (== MarginPrecision). imfFactor is in
// ImfPrecision. A zero imfFactor or zero size returns baseWeight unchanged.
//
//	asset:     min(base, 1.1 / (1 + sqrt(10*size+1) * imf / 1e5))
//	liability: max(base, base*(1 - imf) + sqrt(10*size+1) * imf / 1e7)
//
// The asset curve is non-increasing in size with floor 0; the liability curve
// is non-decreasing in size.
func ScaledWeight(baseWeight, size, imfFactor int64, kind WeightKind) (int64, error) {
	if size < 0 {
		return 0, errors.Wrapf(errors.ErrNegative, "weight size %d", size)
	}
	if imfFactor == 0 || size == 0 {
		return baseWeight, nil
	}

	scaled, err := Mul(size, 10)
	if err != nil {
		return 0, err
	}
	sizeSqrt, err := Sqrt(scaled + 1)
	if err != nil {
		return 0, err
	}

	switch kind {
	case AssetWeight:
		numerator := ImfPrecision + ImfPrecision/10
		premium, err := MulDiv(sizeSqrt, imfFactor, 100_000, RoundDown)
		if err != nil {
			return 0, err
		}
		denominator, err := Add(ImfPrecision, premium)
		if err != nil {
			return 0, err
		}
		discounted, err := MulDiv(numerator, SpotWeightPrecision, denominator, RoundDown)
		if err != nil {
			return 0, err
		}
		return Max(0, Min(baseWeight, discounted)), nil

	case LiabilityWeight:
		reduction, err := MulDiv(baseWeight, imfFactor, ImfPrecision, RoundDown)
		if err != nil {
			return 0, err
		}
		premium, err := MulDiv(sizeSqrt, imfFactor, 100_000*ImfPrecision/SpotWeightPrecision, RoundDown)
		if err != nil {
			return 0, err
		}
		weighted, err := Add(baseWeight-reduction, premium)
		if err != nil {
			return 0, err
		}
		return Max(baseWeight, weighted), nil

	default:
		return 0, errors.Wrapf(errors.ErrValidation, "unknown weight kind %d", kind)
	}
}
