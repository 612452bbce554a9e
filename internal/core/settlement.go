package core

import (
	"strconv"

	"PerpRisk/internal/bankruptcy"
	"PerpRisk/internal/errors"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/settlement"
	"PerpRisk/internal/state"
)

func marketLabel(index uint16) string {
	return strconv.FormatUint(uint64(index), 10)
}

// ResolvePerpBankruptcy writes off a bankrupt account's perp debt. Safe to retry.
func (e *RiskEngine) ResolvePerpBankruptcy(ins Instruction, acct *state.Account, marketIndex uint16) (*bankruptcy.PerpResult, error) {
	return execute(e, "resolve_perp_bankruptcy", ins, []*state.Account{acct},
		func(_ *oracle.Map) (*bankruptcy.PerpResult, *applied, error) {
			res, err := bankruptcy.ResolvePerpBankruptcy(acct, e.markets, marketIndex)
			if err != nil {
				return nil, nil, err
			}
			return res, &applied{
				record: &event.PerpBankruptcy{
					Account:           acct.ID,
					Market:            marketIndex,
					Noop:              res.Noop,
					Loss:              event.Quote(res.Loss),
					InsurancePaid:     event.Quote(res.InsurancePaid),
					SocialLoss:        event.Quote(res.SocialLoss),
					SocialLossPerBase: res.SocialLossPerBase,
					WrittenOff:        event.Quote(res.WrittenOff),
					Status:            res.Status.String(),
				},
				journal: func(b *ledger.Batch) {
					user := ledger.UserPerpPnlKey(acct.ID, marketIndex)
					b.Transfer(user, ledger.NewPerpSystemAccountKey(marketIndex, ledger.SubTypeSystemInsuranceFund),
						res.InsurancePaid, ledger.JournalTypeInsuranceDraw)
					b.Transfer(user, ledger.NewPerpSystemAccountKey(marketIndex, ledger.SubTypeSystemSocializedLoss),
						res.SocialLoss+res.WrittenOff, ledger.JournalTypeSocialLoss)
				},
				observe: func(m *observability.Metrics) {
					if res.Noop {
						return
					}
					label := marketLabel(marketIndex)
					m.Bankruptcies.WithLabelValues("perp", label).Inc()
					m.InsurancePayouts.WithLabelValues("perp", label).Add(float64(res.InsurancePaid))
					m.SocialLoss.WithLabelValues("perp", label).Add(float64(res.SocialLoss + res.WrittenOff))
				},
			}, nil
		})
}

// ResolveSpotBankruptcy writes off a bankrupt account's borrow. Safe to retry.
func (e *RiskEngine) ResolveSpotBankruptcy(ins Instruction, acct *state.Account, marketIndex uint16) (*bankruptcy.SpotResult, error) {
	return execute(e, "resolve_spot_bankruptcy", ins, []*state.Account{acct},
		func(_ *oracle.Map) (*bankruptcy.SpotResult, *applied, error) {
			res, err := bankruptcy.ResolveSpotBankruptcy(acct, e.markets, marketIndex)
			if err != nil {
				return nil, nil, err
			}
			return res, &applied{
				record: &event.SpotBankruptcy{
					Account:          acct.ID,
					Market:           marketIndex,
					Noop:             res.Noop,
					Loss:             e.tokens(marketIndex, res.Loss),
					InsurancePaid:    e.tokens(marketIndex, res.InsurancePaid),
					SocialLoss:       e.tokens(marketIndex, res.SocialLoss),
					InterestDecrease: res.InterestDecrease,
					Status:           res.Status.String(),
				},
				journal: func(b *ledger.Batch) {
					user := ledger.UserSpotKey(acct.ID, marketIndex)
					b.Transfer(user, ledger.NewSpotSystemAccountKey(marketIndex, ledger.SubTypeSystemInsuranceFund),
						res.InsurancePaid, ledger.JournalTypeInsuranceDraw)
					b.Transfer(user, ledger.NewSpotSystemAccountKey(marketIndex, ledger.SubTypeSystemSocializedLoss),
						res.SocialLoss, ledger.JournalTypeDepositWriteOff)
				},
				observe: func(m *observability.Metrics) {
					if res.Noop {
						return
					}
					label := marketLabel(marketIndex)
					m.Bankruptcies.WithLabelValues("spot", label).Inc()
					m.InsurancePayouts.WithLabelValues("spot", label).Add(float64(res.InsurancePaid))
					m.SocialLoss.WithLabelValues("spot", label).Add(float64(res.SocialLoss))
				},
			}, nil
		})
}

// SettleExpiredMarket fixes an expired market's settlement price.
func (e *RiskEngine) SettleExpiredMarket(ins Instruction, marketIndex uint16) (*settlement.MarketResult, error) {
	return execute(e, "settle_expired_market", ins, nil,
		func(prices *oracle.Map) (*settlement.MarketResult, *applied, error) {
			res, err := settlement.SettleExpiredMarket(e.markets, prices, marketIndex)
			if err != nil {
				return nil, nil, err
			}
			return res, &applied{
				record: &event.MarketSettled{
					Market:       marketIndex,
					Price:        event.Price(res.Price),
					TargetPrice:  event.Price(res.TargetPrice),
					FeeSwept:     event.Quote(res.FeeSwept),
					PnlPool:      event.Quote(res.PnlPool),
					NetUserBase:  event.Base(res.NetUserBase),
					NetUserQuote: event.Quote(res.NetUserQuote),
				},
				journal: func(b *ledger.Batch) {
					b.Transfer(
						ledger.NewPerpSystemAccountKey(marketIndex, ledger.SubTypeSystemPnlPool),
						ledger.NewPerpSystemAccountKey(marketIndex, ledger.SubTypeSystemFeePool),
						res.FeeSwept, ledger.JournalTypeFeePoolSweep)
				},
				observe: func(m *observability.Metrics) {
					label := marketLabel(marketIndex)
					m.MarketsSettled.WithLabelValues(label).Inc()
					m.SettlementPnlPool.WithLabelValues(label).Set(float64(res.PnlPool))
				},
			}, nil
		})
}

// SettleExpiredPosition closes an account's position at the settlement price.
// A pool too short to pay is reported as retryable and changes nothing.
func (e *RiskEngine) SettleExpiredPosition(ins Instruction, acct *state.Account, marketIndex uint16) (*settlement.PositionResult, error) {
	res, err := execute(e, "settle_expired_position", ins, []*state.Account{acct},
		func(_ *oracle.Map) (*settlement.PositionResult, *applied, error) {
			res, err := settlement.SettleExpiredPosition(acct, e.markets, marketIndex)
			if err != nil {
				return nil, nil, err
			}
			pool := int64(0)
			if m, err := e.markets.Perp(marketIndex); err == nil {
				pool = m.PnlPool
			}
			return res, &applied{
				record: &event.PositionSettled{
					Account:     acct.ID,
					Market:      marketIndex,
					Noop:        res.Noop,
					Price:       event.Price(res.Price),
					BaseSettled: event.Base(res.BaseSettled),
					Pnl:         event.Quote(res.Pnl),
					Funding:     event.Quote(res.Funding),
					SocialLoss:  event.Quote(res.SocialLoss),
					Delisted:    res.Delisted,
				},
				journal: func(b *ledger.Batch) {
					b.Transfer(
						ledger.UserSpotKey(acct.ID, state.QuoteSpotMarketIndex),
						ledger.NewPerpSystemAccountKey(marketIndex, ledger.SubTypeSystemPnlPool),
						res.Pnl, ledger.JournalTypeSettlePnl)
				},
				observe: func(m *observability.Metrics) {
					if res.Noop {
						return
					}
					label := marketLabel(marketIndex)
					m.PositionsSettled.WithLabelValues(label).Inc()
					m.SettlementPnlPool.WithLabelValues(label).Set(float64(pool))
				},
			}, nil
		})
	if err != nil && errors.Is(err, errors.ErrPnlPoolShort) && e.metrics != nil {
		e.metrics.SettlementRetries.WithLabelValues(marketLabel(marketIndex)).Inc()
	}
	return res, err
}
