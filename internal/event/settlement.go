package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketSettled is emitted once when an expired market's price is fixed
type MarketSettled struct {
	Market       uint16          `json:"market"`
	Price        decimal.Decimal `json:"price"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	FeeSwept     decimal.Decimal `json:"fee_swept"`
	PnlPool      decimal.Decimal `json:"pnl_pool"`
	NetUserBase  decimal.Decimal `json:"net_user_base"`
	NetUserQuote decimal.Decimal `json:"net_user_quote"`
}

func (s *MarketSettled) RecordType() RecordType {
	return RecordTypeMarketSettled
}

func (s *MarketSettled) AccountID() uuid.UUID {
	return uuid.Nil
}

func (s *MarketSettled) MarketIndex() *uint16 {
	return &s.Market
}

// PositionSettled is emitted when an account's position closes at the settlement price
type PositionSettled struct {
	Account     uuid.UUID       `json:"account"`
	Market      uint16          `json:"market"`
	Noop        bool            `json:"noop"`
	Price       decimal.Decimal `json:"price"`
	BaseSettled decimal.Decimal `json:"base_settled"`
	Pnl         decimal.Decimal `json:"pnl"`
	Funding     decimal.Decimal `json:"funding"`
	SocialLoss  decimal.Decimal `json:"social_loss"`
	Delisted    bool            `json:"delisted"`
}

func (s *PositionSettled) RecordType() RecordType {
	return RecordTypePositionSettled
}

func (s *PositionSettled) AccountID() uuid.UUID {
	return s.Account
}

func (s *PositionSettled) MarketIndex() *uint16 {
	return &s.Market
}

// VaultObserved records the token balance seen in a spot market's vault
type VaultObserved struct {
	Market  uint16          `json:"market"`
	Balance decimal.Decimal `json:"balance"`
}

func (v *VaultObserved) RecordType() RecordType {
	return RecordTypeVaultObserved
}

func (v *VaultObserved) AccountID() uuid.UUID {
	return uuid.Nil
}

func (v *VaultObserved) MarketIndex() *uint16 {
	return &v.Market
}
