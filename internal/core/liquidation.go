package core

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/liquidation"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnterLiquidation flags an unhealthy account BeingLiquidated.
func (e *RiskEngine) EnterLiquidation(ins Instruction, acct *state.Account) (*liquidation.Result, error) {
	return execute(e, "enter_liquidation", ins, []*state.Account{acct},
		func(prices *oracle.Map) (*liquidation.Result, *applied, error) {
			wasLiquidated := acct.IsBeingLiquidated()
			res, err := e.liquidations.EnterLiquidation(acct, e.markets, prices)
			if err != nil {
				return nil, nil, err
			}
			rec := &event.LiquidationEntered{
				Account:       acct.ID,
				LiquidationID: res.LiquidationID,
				Status:        res.Status.String(),
			}
			if res.Pre != nil {
				rec.Collateral = event.Quote(res.Pre.TotalCollateral)
				rec.MarginRequirement = event.Quote(res.Pre.MarginRequirement)
			}
			return res, &applied{
				record: rec,
				observe: func(m *observability.Metrics) {
					if !wasLiquidated {
						m.LiquidationsEntered.Inc()
					}
				},
			}, nil
		})
}

// LiquidatePerp transfers part of the liquidatee's perp position to the liquidator.
func (e *RiskEngine) LiquidatePerp(
	ins Instruction,
	liquidator, liquidatee *state.Account,
	req liquidation.PerpRequest,
) (*liquidation.Result, error) {
	return e.liquidate("liquidate_perp", ins, liquidator, liquidatee,
		func(prices *oracle.Map) (*liquidation.Result, error) {
			return e.liquidations.LiquidatePerp(liquidator, liquidatee, e.markets, prices, req)
		})
}

// LiquidatePerpWithFill closes part of the liquidatee's perp position through the matcher.
func (e *RiskEngine) LiquidatePerpWithFill(
	ins Instruction,
	liquidator, liquidatee *state.Account,
	req liquidation.PerpRequest,
) (*liquidation.Result, error) {
	return e.liquidate("liquidate_perp_with_fill", ins, liquidator, liquidatee,
		func(prices *oracle.Map) (*liquidation.Result, error) {
			return e.liquidations.LiquidatePerpWithFill(liquidator, liquidatee, e.markets, prices, req)
		})
}

// LiquidatePerpPnlForDeposit takes over negative perp pnl for the liquidatee's deposit.
func (e *RiskEngine) LiquidatePerpPnlForDeposit(
	ins Instruction,
	liquidator, liquidatee *state.Account,
	req liquidation.PnlForDepositRequest,
) (*liquidation.Result, error) {
	return e.liquidate("liquidate_perp_pnl_for_deposit", ins, liquidator, liquidatee,
		func(prices *oracle.Map) (*liquidation.Result, error) {
			return e.liquidations.LiquidatePerpPnlForDeposit(liquidator, liquidatee, e.markets, prices, req)
		})
}

// LiquidateSpot repays part of a borrow in exchange for the liquidatee's deposit.
func (e *RiskEngine) LiquidateSpot(
	ins Instruction,
	liquidator, liquidatee *state.Account,
	req liquidation.SpotRequest,
) (*liquidation.Result, error) {
	return e.liquidate("liquidate_spot", ins, liquidator, liquidatee,
		func(prices *oracle.Map) (*liquidation.Result, error) {
			return e.liquidations.LiquidateSpot(liquidator, liquidatee, e.markets, prices, req)
		})
}

// LiquidateSpotWithSwapBegin opens a two-phase swap liquidation.
func (e *RiskEngine) LiquidateSpotWithSwapBegin(
	ins Instruction,
	liquidator, liquidatee *state.Account,
	req liquidation.SwapRequest,
) (*liquidation.Result, error) {
	return e.liquidate("liquidate_spot_swap_begin", ins, liquidator, liquidatee,
		func(prices *oracle.Map) (*liquidation.Result, error) {
			return e.liquidations.LiquidateSpotWithSwapBegin(liquidator, liquidatee, e.markets, prices, req)
		})
}

// LiquidateSpotWithSwapEnd settles a two-phase swap liquidation.
func (e *RiskEngine) LiquidateSpotWithSwapEnd(
	ins Instruction,
	liquidator, liquidatee *state.Account,
	req liquidation.SwapRequest,
) (*liquidation.Result, error) {
	return e.liquidate("liquidate_spot_swap_end", ins, liquidator, liquidatee,
		func(prices *oracle.Map) (*liquidation.Result, error) {
			return e.liquidations.LiquidateSpotWithSwapEnd(liquidator, liquidatee, e.markets, prices, req)
		})
}

func (e *RiskEngine) liquidate(
	name string,
	ins Instruction,
	liquidator, liquidatee *state.Account,
	run func(prices *oracle.Map) (*liquidation.Result, error),
) (*liquidation.Result, error) {
	return execute(e, name, ins, []*state.Account{liquidator, liquidatee},
		func(prices *oracle.Map) (*liquidation.Result, *applied, error) {
			res, err := run(prices)
			if err != nil {
				return nil, nil, err
			}
			return res, &applied{
				record:  e.liquidationRecord(res, liquidator.ID, liquidatee.ID),
				journal: liquidationJournal(res, liquidator.ID, liquidatee.ID),
				observe: func(m *observability.Metrics) {
					kind := res.Kind.String()
					m.LiquidationPrimitives.WithLabelValues(kind, res.Status.String()).Inc()
					m.LiquidationMarginFreed.WithLabelValues(kind).Add(float64(res.MarginFreed))
					m.LiquidationFees.WithLabelValues(kind, "liquidator").Add(float64(res.LiquidatorFee))
					m.LiquidationFees.WithLabelValues(kind, "insurance").Add(float64(res.IfFee))
				},
			}, nil
		})
}

var liquidationRecordTypes = map[liquidation.Kind]event.RecordType{
	liquidation.KindPerp:              event.RecordTypePerpLiquidated,
	liquidation.KindPerpWithFill:      event.RecordTypePerpLiquidatedWithFill,
	liquidation.KindPerpPnlForDeposit: event.RecordTypePerpPnlForDeposit,
	liquidation.KindSpot:              event.RecordTypeSpotLiquidated,
	liquidation.KindSpotSwapBegin:     event.RecordTypeSpotSwapBegun,
	liquidation.KindSpotSwapEnd:       event.RecordTypeSpotSwapEnded,
}

func (e *RiskEngine) liquidationRecord(res *liquidation.Result, liquidator, liquidatee uuid.UUID) *event.Liquidation {
	rec := &event.Liquidation{
		Type:            liquidationRecordTypes[res.Kind],
		Liquidator:      liquidator,
		Liquidatee:      liquidatee,
		LiquidationID:   res.LiquidationID,
		Market:          res.MarketIndex,
		Base:            event.Base(res.BaseTransferred),
		Quote:           event.Quote(res.QuoteTransferred),
		Price:           event.Price(res.Price),
		IfFee:           event.Quote(res.IfFee),
		LiquidatorFee:   event.Quote(res.LiquidatorFee),
		MarginFreed:     event.Quote(res.MarginFreed),
		OrdersCancelled: res.OrdersCancelled,
		Status:          res.Status.String(),
	}
	if res.Counterparty != uuid.Nil {
		maker := res.Counterparty
		rec.Counterparty = &maker
	}

	switch res.Kind {
	case liquidation.KindPerpPnlForDeposit:
		asset := res.AssetMarketIndex
		rec.AssetMarket = &asset
		rec.Liability = event.Quote(res.LiabilityTransfer)
		rec.Asset = e.tokens(asset, res.AssetTransfer)
	case liquidation.KindSpot, liquidation.KindSpotSwapBegin, liquidation.KindSpotSwapEnd:
		asset := res.AssetMarketIndex
		rec.AssetMarket = &asset
		rec.Liability = e.tokens(res.MarketIndex, res.LiabilityTransfer)
		rec.Asset = e.tokens(asset, res.AssetTransfer)
		rec.Excess = e.tokens(res.MarketIndex, res.Excess)
		rec.IfFee = e.tokens(res.MarketIndex, res.IfFee)
	}
	return rec
}

// liquidationJournal mirrors a primitive's balance movements. Perp quote
// ledgers and perp reserves are in quote; spot entries are in the market's token.
func liquidationJournal(res *liquidation.Result, liquidator, liquidatee uuid.UUID) func(b *ledger.Batch) {
	return func(b *ledger.Batch) {
		switch res.Kind {
		case liquidation.KindPerp:
			feePool := ledger.NewPerpSystemAccountKey(res.MarketIndex, ledger.SubTypeSystemFeePool)
			lee := ledger.UserPerpPnlKey(liquidatee, res.MarketIndex)
			lor := ledger.UserPerpPnlKey(liquidator, res.MarketIndex)
			b.Transfer(lee, lor, res.QuoteTransferred+res.IfFee, ledger.JournalTypeLiquidationTransfer)
			b.Transfer(feePool, lee, res.IfFee, ledger.JournalTypeInsuranceFee)

		case liquidation.KindPerpWithFill:
			feePool := ledger.NewPerpSystemAccountKey(res.MarketIndex, ledger.SubTypeSystemFeePool)
			lee := ledger.UserPerpPnlKey(liquidatee, res.MarketIndex)
			maker := ledger.NewPerpSystemAccountKey(res.MarketIndex, ledger.SubTypeSystemAmm)
			if res.Counterparty != uuid.Nil {
				maker = ledger.UserPerpPnlKey(res.Counterparty, res.MarketIndex)
			}
			filled := res.QuoteTransferred + res.LiquidatorFee + res.IfFee
			b.Transfer(lee, maker, filled, ledger.JournalTypeLiquidationTransfer)
			b.Transfer(ledger.UserPerpPnlKey(liquidator, res.MarketIndex), lee, res.LiquidatorFee, ledger.JournalTypeLiquidatorFee)
			b.Transfer(feePool, lee, res.IfFee, ledger.JournalTypeInsuranceFee)

		case liquidation.KindPerpPnlForDeposit:
			b.Transfer(
				ledger.UserPerpPnlKey(liquidatee, res.MarketIndex),
				ledger.UserPerpPnlKey(liquidator, res.MarketIndex),
				res.LiabilityTransfer, ledger.JournalTypePnlForDeposit)
			b.Transfer(
				ledger.UserSpotKey(liquidator, res.AssetMarketIndex),
				ledger.UserSpotKey(liquidatee, res.AssetMarketIndex),
				res.AssetTransfer, ledger.JournalTypePnlForDeposit)

		case liquidation.KindSpot:
			lor := ledger.UserSpotKey(liquidator, res.MarketIndex)
			insurance := ledger.NewSpotSystemAccountKey(res.MarketIndex, ledger.SubTypeSystemInsuranceFund)
			b.Transfer(ledger.UserSpotKey(liquidatee, res.MarketIndex), lor, res.LiabilityTransfer-res.IfFee, ledger.JournalTypeSpotLiquidation)
			b.Transfer(insurance, lor, res.IfFee, ledger.JournalTypeInsuranceFee)
			b.Transfer(
				ledger.UserSpotKey(liquidator, res.AssetMarketIndex),
				ledger.UserSpotKey(liquidatee, res.AssetMarketIndex),
				res.AssetTransfer, ledger.JournalTypeSpotLiquidation)

		case liquidation.KindSpotSwapEnd:
			swapAsset := ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, ledger.AssetID(res.AssetMarketIndex))
			swapLiability := ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, ledger.AssetID(res.MarketIndex))
			insurance := ledger.NewSpotSystemAccountKey(res.MarketIndex, ledger.SubTypeSystemInsuranceFund)
			b.Transfer(swapAsset, ledger.UserSpotKey(liquidatee, res.AssetMarketIndex), res.AssetTransfer, ledger.JournalTypeSwapOut)
			b.Transfer(ledger.UserSpotKey(liquidatee, res.MarketIndex), swapLiability, res.LiabilityTransfer, ledger.JournalTypeSwapIn)
			b.Transfer(insurance, swapLiability, res.IfFee, ledger.JournalTypeInsuranceFee)
			b.Transfer(ledger.UserSpotKey(liquidator, res.MarketIndex), swapLiability, res.Excess, ledger.JournalTypeSwapIn)
		}
	}
}

// tokens renders a token amount in its spot market's decimals.
func (e *RiskEngine) tokens(marketIndex uint16, amount int64) decimal.Decimal {
	m, err := e.markets.Spot(marketIndex)
	if err != nil {
		return event.Quote(amount)
	}
	return event.Tokens(amount, m.Decimals)
}
