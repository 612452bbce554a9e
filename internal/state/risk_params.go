package state

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"
)

// ValidatePerpMarket checks that perp risk parameters are within valid ranges:
// 0 < maintenance < initial <= 100%, fees non-negative, reserves positive.
func ValidatePerpMarket(m *PerpMarket) error {
	if m.MarginRatioMaintenance <= 0 {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: margin_ratio_maintenance must be > 0, got %d",
			m.MarketIndex, m.MarginRatioMaintenance)
	}
	if m.MarginRatioInitial <= m.MarginRatioMaintenance {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: margin_ratio_initial (%d) must be > maintenance (%d)",
			m.MarketIndex, m.MarginRatioInitial, m.MarginRatioMaintenance)
	}
	if m.MarginRatioInitial > fpmath.MarginPrecision {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: margin_ratio_initial must be <= %d, got %d",
			m.MarketIndex, fpmath.MarginPrecision, m.MarginRatioInitial)
	}
	if m.ImfFactor < 0 || m.UnrealizedPnlImfFactor < 0 {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: imf factors must be >= 0", m.MarketIndex)
	}
	if m.UnrealizedPnlMaintenanceAssetWeight < m.UnrealizedPnlInitialAssetWeight ||
		m.UnrealizedPnlMaintenanceAssetWeight > fpmath.SpotWeightPrecision {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: unrealized pnl weights initial=%d maintenance=%d",
			m.MarketIndex, m.UnrealizedPnlInitialAssetWeight, m.UnrealizedPnlMaintenanceAssetWeight)
	}
	if err := validateFees(m.LiquidatorFee, m.IfLiquidationFee); err != nil {
		return errors.Wrapf(err, "perp %d", m.MarketIndex)
	}
	if m.AMM.BaseAssetReserve <= 0 || m.AMM.QuoteAssetReserve <= 0 || m.AMM.PegMultiplier <= 0 {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: amm reserves and peg must be > 0", m.MarketIndex)
	}
	if m.AMM.MarkWeight < 0 || m.AMM.MarkWeight > fpmath.MarginPrecision {
		return errors.Wrapf(errors.ErrInvalidParams, "perp %d: mark weight must be in [0, %d], got %d",
			m.MarketIndex, fpmath.MarginPrecision, m.AMM.MarkWeight)
	}
	return nil
}

// ValidateSpotMarket checks spot weights: assets discount (initial <= maintenance <= 100%),
// liabilities carry a premium (initial >= maintenance >= 100%).
func ValidateSpotMarket(m *SpotMarket) error {
	if m.InitialAssetWeight < 0 || m.InitialAssetWeight > m.MaintenanceAssetWeight ||
		m.MaintenanceAssetWeight > fpmath.SpotWeightPrecision {
		return errors.Wrapf(errors.ErrInvalidParams, "spot %d: asset weights initial=%d maintenance=%d",
			m.MarketIndex, m.InitialAssetWeight, m.MaintenanceAssetWeight)
	}
	if m.MaintenanceLiabilityWeight < fpmath.SpotWeightPrecision ||
		m.InitialLiabilityWeight < m.MaintenanceLiabilityWeight {
		return errors.Wrapf(errors.ErrInvalidParams, "spot %d: liability weights initial=%d maintenance=%d",
			m.MarketIndex, m.InitialLiabilityWeight, m.MaintenanceLiabilityWeight)
	}
	if m.ImfFactor < 0 {
		return errors.Wrapf(errors.ErrInvalidParams, "spot %d: imf_factor must be >= 0, got %d", m.MarketIndex, m.ImfFactor)
	}
	if m.CumulativeDepositInterest < fpmath.CumulativeInterestPrecision ||
		m.CumulativeBorrowInterest < fpmath.CumulativeInterestPrecision {
		return errors.Wrapf(errors.ErrInvalidParams, "spot %d: interest indices start at %d",
			m.MarketIndex, fpmath.CumulativeInterestPrecision)
	}
	if m.Decimals > 18 {
		return errors.Wrapf(errors.ErrInvalidParams, "spot %d: decimals must be <= 18, got %d", m.MarketIndex, m.Decimals)
	}
	if err := validateFees(m.LiquidatorFee, m.IfLiquidationFee); err != nil {
		return errors.Wrapf(err, "spot %d", m.MarketIndex)
	}
	return nil
}

func validateFees(liquidatorFee, ifFee int64) error {
	if liquidatorFee < 0 || ifFee < 0 {
		return errors.Wrapf(errors.ErrInvalidParams, "liquidation fees must be >= 0 (liquidator=%d if=%d)",
			liquidatorFee, ifFee)
	}
	if liquidatorFee+ifFee >= fpmath.LiquidationFeePrecision {
		return errors.Wrapf(errors.ErrInvalidParams, "liquidation fees must sum below %d", fpmath.LiquidationFeePrecision)
	}
	return nil
}
