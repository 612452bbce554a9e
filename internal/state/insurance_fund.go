package state

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"
)

// InsuranceFund is the reserve that absorbs bankrupt deficits before they are
// socialized. Perp funds hold quote; spot funds hold the market's token.
type InsuranceFund struct {
	Balance      int64
	TotalPaidOut int64
	TotalFees    int64
}

// CanCoverDeficit checks if the fund has enough balance to cover a deficit.
func (f *InsuranceFund) CanCoverDeficit(deficit int64) bool {
	return f.Balance >= deficit
}

// ComputeCoverage returns how much the fund can cover and the residual to socialize.
func (f *InsuranceFund) ComputeCoverage(deficit int64) (covered int64, remaining int64) {
	if deficit <= 0 {
		return 0, 0
	}
	if f.Balance >= deficit {
		return deficit, 0
	}
	covered = fpmath.Max(0, f.Balance)
	return covered, deficit - covered
}

// Pay debits the fund, checking sufficiency immediately before applying.
func (f *InsuranceFund) Pay(amount int64) error {
	if amount < 0 {
		return errors.Wrapf(errors.ErrNegative, "insurance payout %d", amount)
	}
	if f.Balance < amount {
		return errors.Wrapf(errors.ErrInsuranceFundShort, "balance=%d payout=%d", f.Balance, amount)
	}
	paid, err := fpmath.Add(f.TotalPaidOut, amount)
	if err != nil {
		return err
	}
	f.Balance -= amount
	f.TotalPaidOut = paid
	return nil
}

// Collect credits a liquidation fee to the fund.
func (f *InsuranceFund) Collect(amount int64) error {
	if amount < 0 {
		return errors.Wrapf(errors.ErrNegative, "insurance fee %d", amount)
	}
	balance, err := fpmath.Add(f.Balance, amount)
	if err != nil {
		return err
	}
	fees, err := fpmath.Add(f.TotalFees, amount)
	if err != nil {
		return err
	}
	f.Balance = balance
	f.TotalFees = fees
	return nil
}
