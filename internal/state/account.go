package state

import (
	"PerpRisk/internal/errors"

	"github.com/google/uuid"
)

const (
	MaxSpotPositions = 8
	MaxPerpPositions = 8
)

// LiquidationStatus tracks an account through the liquidation protocol
type LiquidationStatus int32

const (
	LiquidationStatusNormal LiquidationStatus = iota
	LiquidationStatusBeingLiquidated
	LiquidationStatusBankrupt
)

func (ls LiquidationStatus) String() string {
	switch ls {
	case LiquidationStatusNormal:
		return "Normal"
	case LiquidationStatusBeingLiquidated:
		return "BeingLiquidated"
	case LiquidationStatusBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Bankrupt is only reachable
// from BeingLiquidated.
func (ls LiquidationStatus) CanTransitionTo(next LiquidationStatus) bool {
	validTransitions := map[LiquidationStatus][]LiquidationStatus{
		LiquidationStatusNormal: {
			LiquidationStatusBeingLiquidated,
		},
		LiquidationStatusBeingLiquidated: {
			LiquidationStatusBeingLiquidated, // re-entry refreshes nothing
			LiquidationStatusNormal,          // health restored
			LiquidationStatusBankrupt,
		},
		LiquidationStatusBankrupt: {
			LiquidationStatusNormal, // after bankruptcy resolution
		},
	}

	for _, allowed := range validTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// SpotBalanceType is the sign of a spot position
type SpotBalanceType uint8

const (
	SpotBalanceDeposit SpotBalanceType = iota
	SpotBalanceBorrow
)

func (t SpotBalanceType) String() string {
	if t == SpotBalanceBorrow {
		return "Borrow"
	}
	return "Deposit"
}

// SpotPosition is a scaled deposit or borrow in one currency.
type SpotPosition struct {
	MarketIndex   uint16
	BalanceType   SpotBalanceType
	ScaledBalance int64 // Fixed-point: spot balance scale, never negative
	OpenOrders    uint8
	OpenBids      int64 // token amount, >= 0
	OpenAsks      int64 // token amount, <= 0
}

// IsAvailable reports whether the slot holds nothing.
func (p *SpotPosition) IsAvailable() bool {
	return p.ScaledBalance == 0 && !p.HasOpenOrders()
}

// HasOpenOrders reports whether resting orders remain.
func (p *SpotPosition) HasOpenOrders() bool {
	return p.OpenOrders != 0 || p.OpenBids != 0 || p.OpenAsks != 0
}

// PerpPosition is a signed exposure in one perp market.
type PerpPosition struct {
	MarketIndex          uint16
	BaseAssetAmount      int64 // Fixed-point: base scale, signed
	QuoteAssetAmount     int64 // Fixed-point: quote scale, realized ledger
	QuoteEntryAmount     int64
	QuoteBreakEvenAmount int64

	LastCumulativeFundingRate int64
	LastCumulativeSocialLoss  int64

	OpenOrders uint8
	OpenBids   int64 // base, >= 0
	OpenAsks   int64 // base, <= 0
	LpShares   int64
}

// IsAvailable reports whether the slot can be reused. A slot is only freed
// once size, open orders and the quote ledger are all zero.
func (p *PerpPosition) IsAvailable() bool {
	return p.BaseAssetAmount == 0 &&
		p.OpenOrders == 0 &&
		p.QuoteAssetAmount == 0 &&
		p.LpShares == 0
}

// HasOpenOrders reports whether resting orders remain.
func (p *PerpPosition) HasOpenOrders() bool {
	return p.OpenOrders != 0 || p.OpenBids != 0 || p.OpenAsks != 0
}

// Account is a margin account holding spot and perp positions.
type Account struct {
	ID             uuid.UUID
	SpotPositions  [MaxSpotPositions]SpotPosition
	PerpPositions  [MaxPerpPositions]PerpPosition
	Status         LiquidationStatus
	MaxMarginRatio int64 // Fixed-point: margin scale; 0 means no override
	LastActiveTs   int64

	LiquidationStartTs     int64
	LiquidationMarginFreed int64 // Fixed-point: quote scale
	NextLiquidationID      uint16
}

func NewAccount(id uuid.UUID) *Account {
	return &Account{ID: id}
}

// IsBeingLiquidated is true while the account is in the protocol, bankrupt included.
func (a *Account) IsBeingLiquidated() bool {
	return a.Status == LiquidationStatusBeingLiquidated || a.Status == LiquidationStatusBankrupt
}

// IsBankrupt reports the terminal flag.
func (a *Account) IsBankrupt() bool {
	return a.Status == LiquidationStatusBankrupt
}

// TransitionTo moves the account to next or fails on an illegal transition.
func (a *Account) TransitionTo(next LiquidationStatus) error {
	if a.Status == next && next == LiquidationStatusNormal {
		return nil
	}
	if !a.Status.CanTransitionTo(next) {
		return errors.Wrapf(errors.ErrPreconditionFailed, "invalid liquidation transition: %s -> %s", a.Status, next)
	}
	a.Status = next
	if next == LiquidationStatusNormal {
		a.LiquidationMarginFreed = 0
		a.LiquidationStartTs = 0
	}
	return nil
}

// SpotPosition returns the position in marketIndex if one is open.
func (a *Account) SpotPosition(marketIndex uint16) (*SpotPosition, bool) {
	for i := range a.SpotPositions {
		p := &a.SpotPositions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return p, true
		}
	}
	return nil, false
}

// ForceSpotPosition returns the position in marketIndex, claiming a free slot if needed.
func (a *Account) ForceSpotPosition(marketIndex uint16) (*SpotPosition, error) {
	if p, ok := a.SpotPosition(marketIndex); ok {
		return p, nil
	}
	for i := range a.SpotPositions {
		p := &a.SpotPositions[i]
		if p.IsAvailable() {
			*p = SpotPosition{MarketIndex: marketIndex}
			return p, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrPositionSlotsExceeded, "spot market %d", marketIndex)
}

// PerpPosition returns the position in marketIndex if one is open.
func (a *Account) PerpPosition(marketIndex uint16) (*PerpPosition, bool) {
	for i := range a.PerpPositions {
		p := &a.PerpPositions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return p, true
		}
	}
	return nil, false
}

// ForcePerpPosition returns the position in marketIndex, claiming a free slot
// and checkpointing it at the market's current accumulators if needed.
func (a *Account) ForcePerpPosition(m *PerpMarket) (*PerpPosition, error) {
	if p, ok := a.PerpPosition(m.MarketIndex); ok {
		return p, nil
	}
	for i := range a.PerpPositions {
		p := &a.PerpPositions[i]
		if p.IsAvailable() {
			*p = PerpPosition{MarketIndex: m.MarketIndex}
			checkpoint(p, m)
			return p, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrPositionSlotsExceeded, "perp market %d", m.MarketIndex)
}

// Clone returns an independent copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// IsInsolvent reports whether the account holds only liabilities: no deposit,
// no perp exposure, no open orders, no positive quote ledger, and at least one
// borrow or negative quote ledger.
func IsInsolvent(a *Account) bool {
	hasLiability := false

	for i := range a.SpotPositions {
		p := &a.SpotPositions[i]
		if p.IsAvailable() {
			continue
		}
		if p.OpenOrders > 0 {
			return false
		}
		switch p.BalanceType {
		case SpotBalanceDeposit:
			if p.ScaledBalance > 0 {
				return false
			}
		case SpotBalanceBorrow:
			if p.ScaledBalance > 0 {
				hasLiability = true
			}
		}
	}

	for i := range a.PerpPositions {
		p := &a.PerpPositions[i]
		if p.BaseAssetAmount != 0 || p.QuoteAssetAmount > 0 || p.HasOpenOrders() || p.LpShares > 0 {
			return false
		}
		if p.QuoteAssetAmount < 0 {
			hasLiability = true
		}
	}

	return hasLiability
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 512)

	// id (16 bytes UUID binary)
	buf = append(buf, a.ID[:]...)
	buf = append(buf, byte(a.Status))
	buf = appendInt64LE(buf, a.MaxMarginRatio)
	buf = appendInt64LE(buf, a.LiquidationStartTs)
	buf = appendInt64LE(buf, a.LiquidationMarginFreed)

	for i := range a.SpotPositions {
		p := &a.SpotPositions[i]
		if p.IsAvailable() {
			continue
		}
		buf = appendUint16LE(buf, p.MarketIndex)
		buf = append(buf, byte(p.BalanceType))
		buf = appendInt64LE(buf, p.ScaledBalance)
		buf = append(buf, p.OpenOrders)
	}

	for i := range a.PerpPositions {
		p := &a.PerpPositions[i]
		if p.IsAvailable() {
			continue
		}
		buf = appendUint16LE(buf, p.MarketIndex)
		buf = appendInt64LE(buf, p.BaseAssetAmount)
		buf = appendInt64LE(buf, p.QuoteAssetAmount)
		buf = appendInt64LE(buf, p.LastCumulativeFundingRate)
		buf = appendInt64LE(buf, p.LastCumulativeSocialLoss)
		buf = append(buf, p.OpenOrders)
	}

	return buf
}
