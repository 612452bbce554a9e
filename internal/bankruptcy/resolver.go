package bankruptcy

import (
	"PerpRisk/internal/errors"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// PerpResult describes a perp bankruptcy resolution. Amounts are quote.
type PerpResult struct {
	MarketIndex uint16
	// Noop is set when the position carried no debt.
	Noop bool

	Loss          int64
	InsurancePaid int64
	// SocialLoss is the residual spread over open interest.
	SocialLoss        int64
	SocialLossPerBase int64
	// WrittenOff is residual the pool absorbs because no open interest remains.
	WrittenOff int64
	Status     state.LiquidationStatus
}

// SpotResult describes a spot bankruptcy resolution. Amounts are tokens.
type SpotResult struct {
	MarketIndex uint16
	Noop        bool

	Loss          int64
	InsurancePaid int64
	SocialLoss    int64
	// InterestDecrease is the cut to the cumulative deposit interest index.
	InterestDecrease int64
	Status           state.LiquidationStatus
}

// ensureBankrupt moves an insolvent BeingLiquidated account to Bankrupt.
func ensureBankrupt(acct *state.Account) error {
	if acct.IsBankrupt() {
		return nil
	}
	if !acct.IsBeingLiquidated() {
		return errors.Wrap(errors.ErrNotBeingLiquidated, "bankruptcy resolution")
	}
	if !state.IsInsolvent(acct) {
		return errors.Wrap(errors.ErrNotBankrupt, "account still holds collateral or exposure")
	}
	return acct.TransitionTo(state.LiquidationStatusBankrupt)
}

// release clears the liquidation flags once no debt remains anywhere.
func release(acct *state.Account) error {
	for i := range acct.SpotPositions {
		p := &acct.SpotPositions[i]
		if !p.IsAvailable() && p.BalanceType == state.SpotBalanceBorrow && p.ScaledBalance > 0 {
			return nil
		}
	}
	for i := range acct.PerpPositions {
		if acct.PerpPositions[i].QuoteAssetAmount < 0 {
			return nil
		}
	}
	return acct.TransitionTo(state.LiquidationStatusNormal)
}

// ResolvePerpBankruptcy zeroes a bankrupt account's negative quote ledger in
// one perp market. The market's insurance fund pays into the pnl pool up to its
// balance; the rest raises the market's cumulative social loss, which every
// remaining position realizes on its next settlement. Debt-free positions are a no-op.
func ResolvePerpBankruptcy(acct *state.Account, markets *state.MarketSet, marketIndex uint16) (*PerpResult, error) {
	m, err := markets.Perp(marketIndex)
	if err != nil {
		return nil, err
	}
	res := &PerpResult{MarketIndex: marketIndex, Status: acct.Status}

	pos, ok := acct.PerpPosition(marketIndex)
	if !ok {
		res.Noop = true
		return res, nil
	}
	funding, err := state.UnsettledFunding(pos, m)
	if err != nil {
		return nil, err
	}
	social, err := state.UnsettledSocialLoss(pos, m)
	if err != nil {
		return nil, err
	}
	quote := pos.QuoteAssetAmount + funding + social
	if quote >= 0 {
		res.Noop = true
		return res, nil
	}
	if pos.BaseAssetAmount != 0 || pos.HasOpenOrders() {
		return nil, errors.Wrapf(errors.ErrPositionOpen, "perp %d base %d", marketIndex, pos.BaseAssetAmount)
	}
	if err := ensureBankrupt(acct); err != nil {
		return nil, err
	}

	if _, _, err := state.SettleFunding(pos, m); err != nil {
		return nil, err
	}
	loss := -pos.QuoteAssetAmount
	covered, remaining := m.Insurance.ComputeCoverage(loss)
	if err := m.Insurance.Pay(covered); err != nil {
		return nil, err
	}
	if m.PnlPool, err = fpmath.Add(m.PnlPool, covered); err != nil {
		return nil, err
	}

	if remaining > 0 {
		if oi := m.OpenInterest(); oi > 0 {
			perBase, err := fpmath.SocialLossPerBase(remaining, oi)
			if err != nil {
				return nil, err
			}
			if m.CumulativeSocialLoss, err = fpmath.Add(m.CumulativeSocialLoss, perBase); err != nil {
				return nil, err
			}
			res.SocialLoss = remaining
			res.SocialLossPerBase = perBase
		} else {
			res.WrittenOff = remaining
		}
	}

	if err := state.AddQuote(pos, m, loss); err != nil {
		return nil, err
	}
	if err := state.ZeroPerpPosition(pos); err != nil {
		return nil, err
	}
	if err := release(acct); err != nil {
		return nil, err
	}

	res.Loss = loss
	res.InsurancePaid = covered
	res.Status = acct.Status
	return res, nil
}

// ResolveSpotBankruptcy writes off a bankrupt account's borrow in one spot
// market. The market's insurance fund covers first; the rest is socialized
// across depositors by lowering the deposit interest index.
func ResolveSpotBankruptcy(acct *state.Account, markets *state.MarketSet, marketIndex uint16) (*SpotResult, error) {
	m, err := markets.Spot(marketIndex)
	if err != nil {
		return nil, err
	}
	res := &SpotResult{MarketIndex: marketIndex, Status: acct.Status}

	pos, ok := acct.SpotPosition(marketIndex)
	if !ok || pos.BalanceType != state.SpotBalanceBorrow {
		res.Noop = true
		return res, nil
	}
	if err := ensureBankrupt(acct); err != nil {
		return nil, err
	}

	loss, err := ledger.GetTokenAmount(pos, m)
	if err != nil {
		return nil, err
	}
	covered, remaining := m.Insurance.ComputeCoverage(loss)
	if err := m.Insurance.Pay(covered); err != nil {
		return nil, err
	}
	if err := ledger.UpdateSpotBalance(loss, pos, m); err != nil {
		return nil, err
	}
	decrease, err := ledger.SocializeDepositLoss(m, remaining)
	if err != nil {
		return nil, err
	}
	if err := release(acct); err != nil {
		return nil, err
	}

	res.Loss = loss
	res.InsurancePaid = covered
	res.SocialLoss = remaining
	res.InterestDecrease = decrease
	res.Status = acct.Status
	return res, nil
}
