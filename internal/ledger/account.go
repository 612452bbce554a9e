package ledger

import (
	"fmt"

	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeSpot AccountSubType = iota
	SubTypePerpPnl

	// System sub-types, one per market
	SubTypeSystemPnlPool
	SubTypeSystemFeePool
	SubTypeSystemInsuranceFund
	SubTypeSystemSocializedLoss
	SubTypeSystemAmm

	// External sub-types
	SubTypeExternalSwap
)

// AssetID is the spot market index of the currency an entry moves. Perp pnl
// entries carry the perp market index instead, their currency is always quote.
type AssetID uint16

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // account UUID for users, market tag for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewPerpSystemAccountKey creates a key for a perp market reserve.
func NewPerpSystemAccountKey(marketIndex uint16, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: marketEntity('p', marketIndex),
		SubType:  subType,
	}
}

// NewSpotSystemAccountKey creates a key for a spot market reserve.
func NewSpotSystemAccountKey(marketIndex uint16, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: marketEntity('s', marketIndex),
		SubType:  subType,
		AssetID:  AssetID(marketIndex),
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// UserSpotKey is an account's token balance in a spot market.
func UserSpotKey(userID uuid.UUID, marketIndex uint16) AccountKey {
	return NewUserAccountKey(userID, SubTypeSpot, AssetID(marketIndex))
}

// UserPerpPnlKey is an account's quote ledger in a perp market.
func UserPerpPnlKey(userID uuid.UUID, perpMarketIndex uint16) AccountKey {
	return NewUserAccountKey(userID, SubTypePerpPnl, AssetID(perpMarketIndex))
}

// Currency returns the spot market index of the currency the account holds.
func (k AccountKey) Currency() AssetID {
	if k.SubType == SubTypePerpPnl || (k.Scope == AccountScopeSystem && k.EntityID[0] == 'p') {
		return AssetID(state.QuoteSpotMarketIndex)
	}
	return k.AssetID
}

func marketEntity(kind byte, marketIndex uint16) [16]byte {
	var entityID [16]byte
	entityID[0] = kind
	entityID[1] = byte(marketIndex)
	entityID[2] = byte(marketIndex >> 8)
	return entityID
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%d", uid.String(), k.subTypeName(), k.AssetID)
	case AccountScopeSystem:
		kind := "perp"
		if k.EntityID[0] == 's' {
			kind = "spot"
		}
		index := uint16(k.EntityID[1]) | uint16(k.EntityID[2])<<8
		return fmt.Sprintf("system:%s-%d:%s:%d", kind, index, k.subTypeName(), k.AssetID)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%d", k.subTypeName(), k.AssetID)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeSpot:
		return "spot"
	case SubTypePerpPnl:
		return "perp_pnl"
	case SubTypeSystemPnlPool:
		return "pnl_pool"
	case SubTypeSystemFeePool:
		return "fee_pool"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeSystemSocializedLoss:
		return "socialized_loss"
	case SubTypeSystemAmm:
		return "amm"
	case SubTypeExternalSwap:
		return "swap"
	default:
		return "unknown"
	}
}
