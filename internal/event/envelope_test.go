package event_test

import (
	"encoding/json"
	"strings"
	"testing"

	"PerpRisk/internal/event"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderers(t *testing.T) {
	assert.Equal(t, "195", event.Quote(195_000_000).String())
	assert.Equal(t, "-3.125", event.Base(-3_125_000_000).String())
	assert.Equal(t, "-0.5", event.Price(-500_000).String())
	assert.Equal(t, "0.000000001", event.Tokens(1, 9).String())
}

func TestEnvelope_EncodeInlinesPayload(t *testing.T) {
	account := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	market := uint16(2)
	env := &event.Envelope{
		Sequence:       12,
		Instruction:    "settle_expired_position",
		IdempotencyKey: "pos-1",
		RecordType:     event.RecordTypePositionSettled,
		MarketIndex:    &market,
		Timestamp:      1_700_000_000,
		Record: &event.PositionSettled{
			Account: account,
			Market:  market,
			Pnl:     event.Quote(195_000_000),
		},
		StateHash: [32]byte{0xab},
		PrevHash:  [32]byte{0x01},
	}

	raw, err := env.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(12), decoded["sequence"])
	assert.Equal(t, "settle_expired_position", decoded["instruction"])
	assert.Equal(t, "PositionSettled", decoded["record_type"])
	assert.Equal(t, float64(2), decoded["market_index"])
	assert.Equal(t, account.String(), decoded["account_id"])
	assert.Equal(t, "ab"+strings.Repeat("0", 62), decoded["state_hash"])

	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "195", payload["pnl"])
	assert.Equal(t, false, payload["noop"])
}

func TestEnvelope_MarketWideRecordHasNilAccount(t *testing.T) {
	env := &event.Envelope{
		RecordType: event.RecordTypeVaultObserved,
		Record:     &event.VaultObserved{Market: 1, Balance: event.Tokens(5, 0)},
	}
	raw, err := env.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, uuid.Nil.String(), decoded["account_id"])
	_, hasMarket := decoded["market_index"]
	assert.False(t, hasMarket)
}

func TestEnvelope_NilRecordEncodesNullPayload(t *testing.T) {
	payload, err := (&event.Envelope{}).Payload()
	require.NoError(t, err)
	assert.Equal(t, "null", string(payload))
}

func TestRecordType_String(t *testing.T) {
	assert.Equal(t, "PerpBankruptcyResolved", event.RecordTypePerpBankruptcyResolved.String())
	assert.Equal(t, "Unknown", event.RecordType(99).String())
}
