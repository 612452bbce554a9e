package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fixed-point exponents used to render amounts for readers of the log.
const (
	quoteExp int32 = -6
	baseExp  int32 = -9
	priceExp int32 = -6
)

// Quote renders a quote-precision amount.
func Quote(v int64) decimal.Decimal {
	return decimal.New(v, quoteExp)
}

// Base renders a base-precision amount.
func Base(v int64) decimal.Decimal {
	return decimal.New(v, baseExp)
}

// Price renders a price-precision amount.
func Price(v int64) decimal.Decimal {
	return decimal.New(v, priceExp)
}

// Tokens renders a token amount of a currency with the given decimals.
func Tokens(v int64, decimals uint32) decimal.Decimal {
	return decimal.New(v, -int32(decimals))
}

// LiquidationEntered is emitted when an account starts being liquidated
type LiquidationEntered struct {
	Account           uuid.UUID       `json:"account"`
	LiquidationID     uint16          `json:"liquidation_id"`
	Collateral        decimal.Decimal `json:"collateral"`
	MarginRequirement decimal.Decimal `json:"margin_requirement"`
	Status            string          `json:"status"`
}

func (l *LiquidationEntered) RecordType() RecordType {
	return RecordTypeLiquidationEntered
}

func (l *LiquidationEntered) AccountID() uuid.UUID {
	return l.Account
}

func (l *LiquidationEntered) MarketIndex() *uint16 {
	return nil
}

// Liquidation describes one liquidation primitive. Amounts are from the
// liquidatee's side; token amounts are in the currency of their market.
type Liquidation struct {
	Type          RecordType `json:"-"`
	Liquidator    uuid.UUID  `json:"liquidator"`
	Liquidatee    uuid.UUID  `json:"liquidatee"`
	Counterparty  *uuid.UUID `json:"counterparty,omitempty"`
	LiquidationID uint16     `json:"liquidation_id"`

	Market      uint16  `json:"market"`
	AssetMarket *uint16 `json:"asset_market,omitempty"`

	Base      decimal.Decimal `json:"base"`
	Quote     decimal.Decimal `json:"quote"`
	Liability decimal.Decimal `json:"liability"`
	Asset     decimal.Decimal `json:"asset"`
	Excess    decimal.Decimal `json:"excess"`
	Price     decimal.Decimal `json:"price"`

	LiquidatorFee   decimal.Decimal `json:"liquidator_fee"`
	IfFee           decimal.Decimal `json:"if_fee"`
	MarginFreed     decimal.Decimal `json:"margin_freed"`
	OrdersCancelled uint8           `json:"orders_cancelled"`
	Status          string          `json:"status"`
}

func (l *Liquidation) RecordType() RecordType {
	return l.Type
}

func (l *Liquidation) AccountID() uuid.UUID {
	return l.Liquidatee
}

func (l *Liquidation) MarketIndex() *uint16 {
	return &l.Market
}
