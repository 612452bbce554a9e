package math

// LiquidationCap returns the fraction (LiquidationPctPrecision) of an account's
// margin shortage that may be liquidated at now, given liquidation began at start.
// It ramps linearly from initialPct to 100% over duration seconds.
func LiquidationCap(now, start, duration, initialPct int64) (int64, error) {
	initialPct = Clamp(initialPct, 0, LiquidationPctPrecision)
	if duration <= 0 {
		return LiquidationPctPrecision, nil
	}
	if now <= start {
		return initialPct, nil
	}

	elapsed, err := Sub(now, start)
	if err != nil {
		return 0, err
	}
	if elapsed >= duration {
		return LiquidationPctPrecision, nil
	}

	ramp, err := MulDiv(elapsed, LiquidationPctPrecision-initialPct, duration, RoundDown)
	if err != nil {
		return 0, err
	}
	return Min(LiquidationPctPrecision, initialPct+ramp), nil
}

// MaxPctToLiquidate converts the time cap into the fraction of the *current*
// shortage that may be freed, given marginFreed already released since start.
// totalShortage = currentShortage + marginFreed.
func MaxPctToLiquidate(now, start, duration, initialPct, currentShortage, marginFreed int64) (int64, error) {
	if currentShortage <= 0 {
		return LiquidationPctPrecision, nil
	}
	pctFreeable, err := LiquidationCap(now, start, duration, initialPct)
	if err != nil {
		return 0, err
	}
	if pctFreeable >= LiquidationPctPrecision {
		return LiquidationPctPrecision, nil
	}

	total, err := Add(currentShortage, marginFreed)
	if err != nil {
		return 0, err
	}
	maxFreed, err := MulDiv(total, pctFreeable, LiquidationPctPrecision, RoundDown)
	if err != nil {
		return 0, err
	}
	freeable := Max(0, maxFreed-marginFreed)

	pct, err := MulDiv(freeable, LiquidationPctPrecision, currentShortage, RoundDown)
	if err != nil {
		return 0, err
	}
	return Min(LiquidationPctPrecision, pct), nil
}
