package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PerpBankruptcy is emitted when a bankrupt account's perp debt is written off
type PerpBankruptcy struct {
	Account           uuid.UUID       `json:"account"`
	Market            uint16          `json:"market"`
	Noop              bool            `json:"noop"`
	Loss              decimal.Decimal `json:"loss"`
	InsurancePaid     decimal.Decimal `json:"insurance_paid"`
	SocialLoss        decimal.Decimal `json:"social_loss"`
	SocialLossPerBase int64           `json:"social_loss_per_base"`
	WrittenOff        decimal.Decimal `json:"written_off"`
	Status            string          `json:"status"`
}

func (b *PerpBankruptcy) RecordType() RecordType {
	return RecordTypePerpBankruptcyResolved
}

func (b *PerpBankruptcy) AccountID() uuid.UUID {
	return b.Account
}

func (b *PerpBankruptcy) MarketIndex() *uint16 {
	return &b.Market
}

// SpotBankruptcy is emitted when a bankrupt account's borrow is written off
type SpotBankruptcy struct {
	Account          uuid.UUID       `json:"account"`
	Market           uint16          `json:"market"`
	Noop             bool            `json:"noop"`
	Loss             decimal.Decimal `json:"loss"`
	InsurancePaid    decimal.Decimal `json:"insurance_paid"`
	SocialLoss       decimal.Decimal `json:"social_loss"`
	InterestDecrease int64           `json:"interest_decrease"`
	Status           string          `json:"status"`
}

func (b *SpotBankruptcy) RecordType() RecordType {
	return RecordTypeSpotBankruptcyResolved
}

func (b *SpotBankruptcy) AccountID() uuid.UUID {
	return b.Account
}

func (b *SpotBankruptcy) MarketIndex() *uint16 {
	return &b.Market
}
