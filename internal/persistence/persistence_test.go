package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settledOutput(seq int64, key string) core.Output {
	account := uuid.New()
	market := uint16(0)
	gen := ledger.NewJournalGenerator(seq, ledger.NewBalanceTracker())
	batch := gen.NewBatch(key, testutil.Now)
	batch.Transfer(
		ledger.UserSpotKey(account, 0),
		ledger.NewPerpSystemAccountKey(0, ledger.SubTypeSystemPnlPool),
		testutil.USDC(195), ledger.JournalTypeSettlePnl)

	return core.Output{
		Envelope: &event.Envelope{
			Sequence:       seq,
			Instruction:    "settle_expired_position",
			IdempotencyKey: key,
			RecordType:     event.RecordTypePositionSettled,
			MarketIndex:    &market,
			Timestamp:      testutil.Now,
			Record: &event.PositionSettled{
				Account: account,
				Market:  market,
				Pnl:     event.Quote(testutil.USDC(195)),
			},
			StateHash: [32]byte{byte(seq + 1)},
			PrevHash:  [32]byte{byte(seq)},
		},
		Batch: batch,
	}
}

// ============================================================================
// Test: row mapping
// ============================================================================

func TestRowsFromOutput_MapsEnvelopeAndJournals(t *testing.T) {
	out := settledOutput(7, "pos-1")

	row, journals, err := persistence.RowsFromOutput(out)
	require.NoError(t, err)

	assert.Equal(t, int64(7), row.Sequence)
	assert.Equal(t, "settle_expired_position", row.Instruction)
	require.NotNil(t, row.IdempotencyKey)
	assert.Equal(t, "pos-1", *row.IdempotencyKey)
	assert.Equal(t, "PositionSettled", row.RecordType)
	require.NotNil(t, row.AccountID)
	assert.Equal(t, out.Envelope.Record.AccountID().String(), *row.AccountID)
	require.NotNil(t, row.MarketIndex)
	assert.Equal(t, int32(0), *row.MarketIndex)
	assert.Equal(t, time.Unix(testutil.Now, 0).UTC(), row.Timestamp)
	assert.Len(t, row.StateHash, 32)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(row.Payload, &payload))
	assert.Equal(t, "195", payload["pnl"])

	require.Len(t, journals, 1)
	assert.Equal(t, int64(7), journals[0].Sequence)
	assert.Equal(t, testutil.USDC(195), journals[0].Amount)
	assert.Equal(t, "settle_pnl", journals[0].JournalType)
	assert.Equal(t, "pos-1", journals[0].EventRef)
}

func TestRowsFromOutput_MarketWideRecordHasNoAccount(t *testing.T) {
	market := uint16(0)
	out := core.Output{
		Envelope: &event.Envelope{
			Sequence:   1,
			RecordType: event.RecordTypeMarketSettled,
			Record:     &event.MarketSettled{Market: market},
		},
	}

	row, journals, err := persistence.RowsFromOutput(out)
	require.NoError(t, err)
	assert.Nil(t, row.AccountID)
	assert.Nil(t, row.IdempotencyKey)
	assert.Empty(t, journals)
}

// ============================================================================
// Test: balance projection
// ============================================================================

type capturedExec struct {
	query string
	args  []any
}

type recordingExecer struct {
	calls []capturedExec
}

func (r *recordingExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	r.calls = append(r.calls, capturedExec{query: query, args: args})
	return nil, nil
}

func TestProjectBalances_NetsLegsPerAccount(t *testing.T) {
	journals := []persistence.JournalRow{
		{Sequence: 4, DebitAccount: "user:b", CreditAccount: "pool", AssetID: 0, Amount: 30},
		{Sequence: 5, DebitAccount: "user:a", CreditAccount: "pool", AssetID: 0, Amount: 20},
		{Sequence: 5, DebitAccount: "pool", CreditAccount: "user:b", AssetID: 0, Amount: 5},
	}

	ex := &recordingExecer{}
	require.NoError(t, persistence.NewLogWriter(nil).ProjectBalances(context.Background(), journals, ex))
	require.Len(t, ex.calls, 1)

	// rows sorted by path: pool, user:a, user:b
	assert.Equal(t, []any{
		"pool", int32(0), int64(-45), int64(5),
		"user:a", int32(0), int64(20), int64(5),
		"user:b", int32(0), int64(25), int64(5),
	}, ex.calls[0].args)
	assert.Contains(t, ex.calls[0].query, "last_sequence < EXCLUDED.last_sequence")
}

func TestProjectBalances_EmptyBatchSkipsWrite(t *testing.T) {
	ex := &recordingExecer{}
	require.NoError(t, persistence.NewLogWriter(nil).ProjectBalances(context.Background(), nil, ex))
	assert.Empty(t, ex.calls)
}

// ============================================================================
// Test: Postgres round trip
// ============================================================================

func TestPersistenceWorker_WritesAndDeduplicates(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	logger := zerolog.Nop()
	migrator := persistence.NewMigrator(db, "../../migrations", logger)
	require.NoError(t, migrator.Up(context.Background()))
	pending, err := migrator.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	in := make(chan core.Output, 4)
	worker := persistence.NewPersistenceWorker(db, in, 2, 50*time.Millisecond, nil, logger)

	in <- settledOutput(0, "pos-1")
	in <- settledOutput(1, "pos-2")
	in <- settledOutput(2, "")
	close(in)
	require.NoError(t, worker.Run(context.Background()))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM risk_log.instructions`).Scan(&count))
	assert.Equal(t, 3, count)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM risk_log.journal`).Scan(&count))
	assert.Equal(t, 3, count)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("settle_expired_position", "pos-2")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("resolve_perp_bankruptcy", "pos-2")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"pos-1", "pos-2"}, keys["settle_expired_position"])

	seq, tip, ok, err := checker.LastCommitted(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), seq)
	assert.Equal(t, [32]byte{3}, tip)

	pool := ledger.NewPerpSystemAccountKey(0, ledger.SubTypeSystemPnlPool).AccountPath()
	balance, last, err := persistence.JournalBalance(context.Background(), db, pool, 0)
	require.NoError(t, err)
	assert.Equal(t, -3*testutil.USDC(195), balance)
	assert.Equal(t, int64(2), last)

	require.NoError(t, persistence.RebuildBalances(context.Background(), db))
	rebuilt, _, err := persistence.JournalBalance(context.Background(), db, pool, 0)
	require.NoError(t, err)
	assert.Equal(t, balance, rebuilt)
}
