package ledger

import (
	"PerpRisk/internal/errors"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// Scaled balances carry SpotBalancePrecision; token amounts carry the mint's decimals.
// token = scaled * index / CumulativeInterestPrecision, rescaled from 9 decimals.
const spotBalanceDecimals = 9

func interestIndex(m *state.SpotMarket, t state.SpotBalanceType) int64 {
	if t == state.SpotBalanceBorrow {
		return m.CumulativeBorrowInterest
	}
	return m.CumulativeDepositInterest
}

// TokenAmountFromScaled converts a scaled balance into tokens. Deposits round
// down and borrows round up so the account never benefits from rounding.
func TokenAmountFromScaled(scaled int64, m *state.SpotMarket, t state.SpotBalanceType) (int64, error) {
	if scaled < 0 {
		return 0, errors.Wrapf(errors.ErrNegative, "scaled balance %d", scaled)
	}
	mode := fpmath.RoundDown
	if t == state.SpotBalanceBorrow {
		mode = fpmath.RoundUp
	}
	units, err := fpmath.MulDiv(scaled, interestIndex(m, t), fpmath.CumulativeInterestPrecision, mode)
	if err != nil {
		return 0, err
	}
	return fpmath.RescaleDecimals(units, spotBalanceDecimals, m.Decimals, mode)
}

// ScaledFromTokenAmount converts tokens into a scaled balance.
func ScaledFromTokenAmount(tokens int64, m *state.SpotMarket, t state.SpotBalanceType, mode fpmath.RoundingMode) (int64, error) {
	if tokens < 0 {
		return 0, errors.Wrapf(errors.ErrNegative, "token amount %d", tokens)
	}
	index := interestIndex(m, t)
	if index <= 0 {
		return 0, errors.Wrapf(errors.ErrDivideByZero, "spot %d interest index %d", m.MarketIndex, index)
	}
	units, err := fpmath.RescaleDecimals(tokens, m.Decimals, spotBalanceDecimals, mode)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(units, fpmath.CumulativeInterestPrecision, index, mode)
}

// GetTokenAmount returns the unsigned token amount of a spot position.
func GetTokenAmount(p *state.SpotPosition, m *state.SpotMarket) (int64, error) {
	return TokenAmountFromScaled(p.ScaledBalance, m, p.BalanceType)
}

// GetSignedTokenAmount returns the token amount, negative for borrows.
func GetSignedTokenAmount(p *state.SpotPosition, m *state.SpotMarket) (int64, error) {
	amount, err := GetTokenAmount(p, m)
	if err != nil {
		return 0, err
	}
	if p.BalanceType == state.SpotBalanceBorrow {
		return -amount, nil
	}
	return amount, nil
}

// UpdateSpotBalance credits (delta > 0) or debits (delta < 0) tokens to a spot
// position, flipping between deposit and borrow when the debit exceeds the
// deposit. Market pool totals move with the position.
func UpdateSpotBalance(delta int64, p *state.SpotPosition, m *state.SpotMarket) error {
	if delta == 0 {
		return nil
	}
	if p.MarketIndex != m.MarketIndex {
		return errors.Wrapf(errors.ErrValidation, "spot position market %d != %d", p.MarketIndex, m.MarketIndex)
	}

	increasing := (delta > 0 && p.BalanceType == state.SpotBalanceDeposit) ||
		(delta < 0 && p.BalanceType == state.SpotBalanceBorrow)
	magnitude, err := fpmath.Abs(delta)
	if err != nil {
		return err
	}

	if p.ScaledBalance == 0 {
		if delta > 0 {
			p.BalanceType = state.SpotBalanceDeposit
		} else {
			p.BalanceType = state.SpotBalanceBorrow
		}
		increasing = true
	}

	if increasing {
		// borrows round the scaled increase up, deposits down
		mode := fpmath.RoundDown
		if p.BalanceType == state.SpotBalanceBorrow {
			mode = fpmath.RoundUp
		}
		scaled, err := ScaledFromTokenAmount(magnitude, m, p.BalanceType, mode)
		if err != nil {
			return err
		}
		return addScaled(p, m, scaled)
	}

	current, err := GetTokenAmount(p, m)
	if err != nil {
		return err
	}

	if magnitude <= current {
		// deposits shrink by at least the exact amount, borrows by at most
		mode := fpmath.RoundUp
		if p.BalanceType == state.SpotBalanceBorrow {
			mode = fpmath.RoundDown
		}
		scaled, err := ScaledFromTokenAmount(magnitude, m, p.BalanceType, mode)
		if err != nil {
			return err
		}
		if magnitude == current {
			scaled = p.ScaledBalance
		}
		return addScaled(p, m, -fpmath.Min(scaled, p.ScaledBalance))
	}

	// flip: clear the existing side, open the remainder on the other side
	if err := addScaled(p, m, -p.ScaledBalance); err != nil {
		return err
	}
	if p.BalanceType == state.SpotBalanceDeposit {
		p.BalanceType = state.SpotBalanceBorrow
	} else {
		p.BalanceType = state.SpotBalanceDeposit
	}
	mode := fpmath.RoundDown
	if p.BalanceType == state.SpotBalanceBorrow {
		mode = fpmath.RoundUp
	}
	scaled, err := ScaledFromTokenAmount(magnitude-current, m, p.BalanceType, mode)
	if err != nil {
		return err
	}
	return addScaled(p, m, scaled)
}

func addScaled(p *state.SpotPosition, m *state.SpotMarket, scaled int64) error {
	next, err := fpmath.Add(p.ScaledBalance, scaled)
	if err != nil {
		return err
	}
	if next < 0 {
		return errors.Wrapf(errors.ErrNegative, "spot %d scaled balance %d", m.MarketIndex, next)
	}

	pool := &m.DepositBalance
	if p.BalanceType == state.SpotBalanceBorrow {
		pool = &m.BorrowBalance
	}
	total, err := fpmath.Add(*pool, scaled)
	if err != nil {
		return err
	}

	p.ScaledBalance = next
	*pool = fpmath.Max(0, total)
	return nil
}

// TransferSpot moves tokens of one currency from one account to another.
// The sender may go into borrow.
func TransferSpot(from, to *state.Account, m *state.SpotMarket, tokens int64) error {
	if tokens <= 0 {
		return errors.Wrapf(errors.ErrZeroAmount, "spot transfer %d", tokens)
	}
	fromPos, err := from.ForceSpotPosition(m.MarketIndex)
	if err != nil {
		return err
	}
	if err := UpdateSpotBalance(-tokens, fromPos, m); err != nil {
		return err
	}
	toPos, err := to.ForceSpotPosition(m.MarketIndex)
	if err != nil {
		return err
	}
	return UpdateSpotBalance(tokens, toPos, m)
}

// TotalDepositTokens returns the market's deposit pool in tokens.
func TotalDepositTokens(m *state.SpotMarket) (int64, error) {
	return TokenAmountFromScaled(m.DepositBalance, m, state.SpotBalanceDeposit)
}

// SocializeDepositLoss writes a token loss off against every depositor by
// lowering the cumulative deposit interest index pro rata. Returns the index decrease.
func SocializeDepositLoss(m *state.SpotMarket, loss int64) (int64, error) {
	if loss <= 0 {
		return 0, nil
	}
	deposits, err := TotalDepositTokens(m)
	if err != nil {
		return 0, err
	}
	if deposits <= 0 {
		return 0, errors.Wrapf(errors.ErrDivideByZero, "spot %d has no deposits to absorb loss", m.MarketIndex)
	}
	decrease, err := fpmath.MulDiv(loss, m.CumulativeDepositInterest, deposits, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	if decrease >= m.CumulativeDepositInterest {
		return 0, errors.Wrapf(errors.ErrMath, "spot %d loss %d exceeds deposits %d", m.MarketIndex, loss, deposits)
	}
	m.CumulativeDepositInterest -= decrease
	return decrease, nil
}
