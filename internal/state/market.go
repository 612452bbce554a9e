package state

import (
	"slices"

	"PerpRisk/internal/errors"

	"github.com/google/uuid"
)

// QuoteSpotMarketIndex is the spot market every perp settles in.
const QuoteSpotMarketIndex uint16 = 0

// MarketStatus tracks a market through its lifecycle
type MarketStatus int32

const (
	MarketStatusInitialized MarketStatus = iota
	MarketStatusActive
	MarketStatusReduceOnly
	MarketStatusSettlement
	MarketStatusDelisted
)

func (s MarketStatus) String() string {
	switch s {
	case MarketStatusInitialized:
		return "Initialized"
	case MarketStatusActive:
		return "Active"
	case MarketStatusReduceOnly:
		return "ReduceOnly"
	case MarketStatusSettlement:
		return "Settlement"
	case MarketStatusDelisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions
func (s MarketStatus) CanTransitionTo(next MarketStatus) bool {
	validTransitions := map[MarketStatus][]MarketStatus{
		MarketStatusInitialized: {
			MarketStatusActive,
			MarketStatusReduceOnly,
			MarketStatusSettlement,
		},
		MarketStatusActive: {
			MarketStatusReduceOnly,
			MarketStatusSettlement,
		},
		MarketStatusReduceOnly: {
			MarketStatusActive,
			MarketStatusSettlement,
		},
		MarketStatusSettlement: {
			MarketStatusDelisted, // open interest reached zero
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// PausedOperations is a bitmask of operations the dispatch layer has halted on a market.
type PausedOperations uint8

const (
	PauseLiquidation PausedOperations = 1 << iota
	PauseSettlePnl
	PauseFunding
)

// IsPaused reports whether op is halted.
func (p PausedOperations) IsPaused(op PausedOperations) bool {
	return p&op != 0
}

// AMM holds the virtual reserves and the net user exposure of a perp market.
type AMM struct {
	BaseAssetReserve  int64 // Fixed-point: base scale
	QuoteAssetReserve int64 // Fixed-point: base scale
	PegMultiplier     int64 // Fixed-point: price scale
	// MarkWeight is the share (margin scale) of the reserve price in the valuation price.
	MarkWeight int64

	BaseAssetAmountWithAmm int64 // net user base, AMM holds the other side
	BaseAssetAmountLong    int64
	BaseAssetAmountShort   int64 // negative
	QuoteAssetAmount       int64 // net user quote ledger
	NumberOfUsersWithBase  int64

	CumulativeFundingRateLong  int64 // Fixed-point: funding rate scale
	CumulativeFundingRateShort int64

	FeePool int64 // Fixed-point: quote scale
}

// PerpMarket is a derivative market and its shared reserves.
type PerpMarket struct {
	MarketIndex uint16
	Name        string
	Status      MarketStatus
	Paused      PausedOperations
	OracleID    uuid.UUID

	AMM AMM

	MarginRatioInitial     int64 // Fixed-point: margin scale
	MarginRatioMaintenance int64
	ImfFactor              int64 // Fixed-point: imf scale

	UnrealizedPnlInitialAssetWeight     int64 // Fixed-point: spot weight scale
	UnrealizedPnlMaintenanceAssetWeight int64
	UnrealizedPnlImfFactor              int64

	LiquidatorFee    int64 // Fixed-point: liquidation fee scale
	IfLiquidationFee int64

	PnlPool              int64 // Fixed-point: quote scale
	CumulativeSocialLoss int64 // Fixed-point: social loss scale, per unit base
	Insurance            InsuranceFund

	ExpiryTs    int64
	ExpiryPrice int64 // Fixed-point: price scale; set once in Settlement
}

// OpenInterest returns the absolute base held by users on both sides.
func (m *PerpMarket) OpenInterest() int64 {
	return m.AMM.BaseAssetAmountLong - m.AMM.BaseAssetAmountShort
}

// MarginRatio returns the market ratio for the requirement type.
func (m *PerpMarket) MarginRatio(t MarginRequirementType) int64 {
	if t == MarginRequirementInitial {
		return m.MarginRatioInitial
	}
	return m.MarginRatioMaintenance
}

// UnrealizedPnlAssetWeight returns the haircut base weight for positive pnl.
func (m *PerpMarket) UnrealizedPnlAssetWeight(t MarginRequirementType) int64 {
	if t == MarginRequirementInitial {
		return m.UnrealizedPnlInitialAssetWeight
	}
	return m.UnrealizedPnlMaintenanceAssetWeight
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *PerpMarket) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = appendUint16LE(buf, m.MarketIndex)
	buf = append(buf, byte(m.Status))
	buf = appendInt64LE(buf, m.AMM.BaseAssetAmountWithAmm)
	buf = appendInt64LE(buf, m.AMM.BaseAssetAmountLong)
	buf = appendInt64LE(buf, m.AMM.BaseAssetAmountShort)
	buf = appendInt64LE(buf, m.AMM.QuoteAssetAmount)
	buf = appendInt64LE(buf, m.AMM.CumulativeFundingRateLong)
	buf = appendInt64LE(buf, m.AMM.CumulativeFundingRateShort)
	buf = appendInt64LE(buf, m.AMM.FeePool)
	buf = appendInt64LE(buf, m.PnlPool)
	buf = appendInt64LE(buf, m.CumulativeSocialLoss)
	buf = appendInt64LE(buf, m.Insurance.Balance)
	buf = appendInt64LE(buf, m.ExpiryPrice)
	return buf
}

// PendingSwap records the first half of a two-phase swap liquidation.
// It lives on the liability spot market until the matching End call.
type PendingSwap struct {
	Liquidator           uuid.UUID
	Liquidatee           uuid.UUID
	AssetMarketIndex     uint16
	LiabilityMarketIndex uint16
	AssetAmountOut       int64 // token amount released to the liquidator
	AssetVaultBefore     int64
	LiabilityVaultBefore int64
	BeganAt              int64
}

// Expired reports whether the record is older than timeout seconds at now.
// A zero timeout never expires.
func (p *PendingSwap) Expired(now, timeout int64) bool {
	return timeout > 0 && now-p.BeganAt >= timeout
}

// SpotMarket is a currency market with deposit/borrow pools.
type SpotMarket struct {
	MarketIndex uint16
	Name        string
	Status      MarketStatus
	Paused      PausedOperations
	OracleID    uuid.UUID
	Decimals    uint32

	DepositBalance            int64 // Fixed-point: spot balance scale
	BorrowBalance             int64
	CumulativeDepositInterest int64 // Fixed-point: cumulative interest scale
	CumulativeBorrowInterest  int64

	InitialAssetWeight         int64 // Fixed-point: spot weight scale
	MaintenanceAssetWeight     int64
	InitialLiabilityWeight     int64
	MaintenanceLiabilityWeight int64
	ImfFactor                  int64 // Fixed-point: imf scale

	LiquidatorFee    int64 // Fixed-point: liquidation fee scale
	IfLiquidationFee int64

	// VaultBalance is the token amount observed in the market's vault.
	VaultBalance int64
	Insurance    InsuranceFund // token amount
	PendingSwap  *PendingSwap
}

// AssetWeight returns the base weight applied to deposits.
func (m *SpotMarket) AssetWeight(t MarginRequirementType) int64 {
	if t == MarginRequirementInitial {
		return m.InitialAssetWeight
	}
	return m.MaintenanceAssetWeight
}

// LiabilityWeight returns the base weight applied to borrows.
func (m *SpotMarket) LiabilityWeight(t MarginRequirementType) int64 {
	if t == MarginRequirementInitial {
		return m.InitialLiabilityWeight
	}
	return m.MaintenanceLiabilityWeight
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *SpotMarket) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendUint16LE(buf, m.MarketIndex)
	buf = append(buf, byte(m.Status))
	buf = appendInt64LE(buf, m.DepositBalance)
	buf = appendInt64LE(buf, m.BorrowBalance)
	buf = appendInt64LE(buf, m.CumulativeDepositInterest)
	buf = appendInt64LE(buf, m.CumulativeBorrowInterest)
	buf = appendInt64LE(buf, m.VaultBalance)
	buf = appendInt64LE(buf, m.Insurance.Balance)
	if m.PendingSwap != nil {
		buf = append(buf, 1)
		buf = appendInt64LE(buf, m.PendingSwap.AssetAmountOut)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// MarginRequirementType selects Initial or Maintenance rules.
type MarginRequirementType int32

const (
	MarginRequirementInitial MarginRequirementType = iota
	MarginRequirementMaintenance
)

func (t MarginRequirementType) String() string {
	if t == MarginRequirementInitial {
		return "Initial"
	}
	return "Maintenance"
}

// MarketSet holds every market an instruction may reference.
type MarketSet struct {
	spot map[uint16]*SpotMarket
	perp map[uint16]*PerpMarket
}

func NewMarketSet() *MarketSet {
	return &MarketSet{
		spot: make(map[uint16]*SpotMarket),
		perp: make(map[uint16]*PerpMarket),
	}
}

// AddSpot registers a spot market after validating its parameters.
func (ms *MarketSet) AddSpot(m *SpotMarket) error {
	if err := ValidateSpotMarket(m); err != nil {
		return err
	}
	ms.spot[m.MarketIndex] = m
	return nil
}

// AddPerp registers a perp market after validating its parameters.
func (ms *MarketSet) AddPerp(m *PerpMarket) error {
	if err := ValidatePerpMarket(m); err != nil {
		return err
	}
	ms.perp[m.MarketIndex] = m
	return nil
}

// Spot returns the spot market or ErrMarketNotFound.
func (ms *MarketSet) Spot(index uint16) (*SpotMarket, error) {
	m, ok := ms.spot[index]
	if !ok {
		return nil, errors.Wrapf(errors.ErrMarketNotFound, "spot market %d", index)
	}
	return m, nil
}

// Perp returns the perp market or ErrMarketNotFound.
func (ms *MarketSet) Perp(index uint16) (*PerpMarket, error) {
	m, ok := ms.perp[index]
	if !ok {
		return nil, errors.Wrapf(errors.ErrMarketNotFound, "perp market %d", index)
	}
	return m, nil
}

// SpotIndexes returns registered spot market indexes in ascending order.
func (ms *MarketSet) SpotIndexes() []uint16 {
	return sortedKeys(ms.spot)
}

// PerpIndexes returns registered perp market indexes in ascending order.
func (ms *MarketSet) PerpIndexes() []uint16 {
	return sortedKeys(ms.perp)
}

// Clone returns a deep copy used to roll back a failed instruction.
func (ms *MarketSet) Clone() *MarketSet {
	c := NewMarketSet()
	for k, v := range ms.spot {
		m := *v
		if v.PendingSwap != nil {
			swap := *v.PendingSwap
			m.PendingSwap = &swap
		}
		c.spot[k] = &m
	}
	for k, v := range ms.perp {
		m := *v
		c.perp[k] = &m
	}
	return c
}

// Restore copies every market in snap back over the live markets in place,
// so pointers held by callers stay valid.
func (ms *MarketSet) Restore(snap *MarketSet) {
	for k, v := range snap.spot {
		if live, ok := ms.spot[k]; ok {
			*live = *v
		} else {
			ms.spot[k] = v
		}
	}
	for k, v := range snap.perp {
		if live, ok := ms.perp[k]; ok {
			*live = *v
		} else {
			ms.perp[k] = v
		}
	}
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	var keys []uint16
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
