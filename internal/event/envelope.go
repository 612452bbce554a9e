package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RecordType discriminator for record payloads
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeLiquidationEntered
	RecordTypePerpLiquidated
	RecordTypePerpLiquidatedWithFill
	RecordTypePerpPnlForDeposit
	RecordTypeSpotLiquidated
	RecordTypeSpotSwapBegun
	RecordTypeSpotSwapEnded
	RecordTypePerpBankruptcyResolved
	RecordTypeSpotBankruptcyResolved
	RecordTypeMarketSettled
	RecordTypePositionSettled
	RecordTypeVaultObserved
)

// Envelope wraps every committed instruction in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Instruction names the core entry point; keys deduplicate per instruction
	Instruction string

	// Caller-supplied idempotency key
	IdempotencyKey string

	RecordType RecordType

	// Market context (nil for account-wide instructions)
	MarketIndex *uint16

	// Instruction clock (unix seconds), never wall-clock
	Timestamp int64

	Record Record

	// SHA-256 of state AFTER applying this instruction
	StateHash [32]byte

	// Previous instruction's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is the interface all instruction payloads implement
type Record interface {
	// RecordType returns the discriminator
	RecordType() RecordType

	// AccountID returns the account the instruction acted on (uuid.Nil for market-wide)
	AccountID() uuid.UUID

	// MarketIndex returns the market context (nil for account-wide records)
	MarketIndex() *uint16
}

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeLiquidationEntered:
		return "LiquidationEntered"
	case RecordTypePerpLiquidated:
		return "PerpLiquidated"
	case RecordTypePerpLiquidatedWithFill:
		return "PerpLiquidatedWithFill"
	case RecordTypePerpPnlForDeposit:
		return "PerpPnlForDeposit"
	case RecordTypeSpotLiquidated:
		return "SpotLiquidated"
	case RecordTypeSpotSwapBegun:
		return "SpotSwapBegun"
	case RecordTypeSpotSwapEnded:
		return "SpotSwapEnded"
	case RecordTypePerpBankruptcyResolved:
		return "PerpBankruptcyResolved"
	case RecordTypeSpotBankruptcyResolved:
		return "SpotBankruptcyResolved"
	case RecordTypeMarketSettled:
		return "MarketSettled"
	case RecordTypePositionSettled:
		return "PositionSettled"
	case RecordTypeVaultObserved:
		return "VaultObserved"
	default:
		return "Unknown"
	}
}

// wireEnvelope is the JSON form persisted and published.
type wireEnvelope struct {
	Sequence       int64           `json:"sequence"`
	Instruction    string          `json:"instruction"`
	IdempotencyKey string          `json:"idempotency_key"`
	RecordType     string          `json:"record_type"`
	MarketIndex    *uint16         `json:"market_index,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	AccountID      uuid.UUID       `json:"account_id"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Payload        json.RawMessage `json:"payload"`
}

// Payload returns the JSON encoding of the record alone.
func (e *Envelope) Payload() ([]byte, error) {
	if e.Record == nil {
		return []byte("null"), nil
	}
	return json.Marshal(e.Record)
}

// Encode returns the JSON form of the envelope with its payload inlined.
func (e *Envelope) Encode() ([]byte, error) {
	payload, err := e.Payload()
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.RecordType, err)
	}
	w := wireEnvelope{
		Sequence:       e.Sequence,
		Instruction:    e.Instruction,
		IdempotencyKey: e.IdempotencyKey,
		RecordType:     e.RecordType.String(),
		MarketIndex:    e.MarketIndex,
		Timestamp:      e.Timestamp,
		StateHash:      fmt.Sprintf("%x", e.StateHash),
		PrevHash:       fmt.Sprintf("%x", e.PrevHash),
		Payload:        payload,
	}
	if e.Record != nil {
		w.AccountID = e.Record.AccountID()
	}
	return json.Marshal(w)
}
