package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpRisk/internal/core"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LogWriter writes committed instructions and their journals to Postgres
// using multi-row inserts. Writes are idempotent on sequence and journal id.
type LogWriter struct {
	db *sql.DB
}

// InstructionRow represents a row in risk_log.instructions
type InstructionRow struct {
	Sequence       int64
	Instruction    string
	IdempotencyKey *string
	RecordType     string
	AccountID      *string
	MarketIndex    *int32
	Payload        []byte // JSON-encoded record
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in risk_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       int32
	Amount        int64
	JournalType   string
	Timestamp     int64
}

func NewLogWriter(db *sql.DB) *LogWriter {
	return &LogWriter{db: db}
}

// RowsFromOutput converts one committed core output into storage rows.
func RowsFromOutput(out core.Output) (InstructionRow, []JournalRow, error) {
	env := out.Envelope
	payload, err := env.Payload()
	if err != nil {
		return InstructionRow{}, nil, fmt.Errorf("payload seq %d: %w", env.Sequence, err)
	}

	row := InstructionRow{
		Sequence:    env.Sequence,
		Instruction: env.Instruction,
		RecordType:  env.RecordType.String(),
		Payload:     payload,
		StateHash:   env.StateHash[:],
		PrevHash:    env.PrevHash[:],
		Timestamp:   time.Unix(env.Timestamp, 0).UTC(),
	}
	if env.IdempotencyKey != "" {
		key := env.IdempotencyKey
		row.IdempotencyKey = &key
	}
	if env.Record != nil {
		if id := env.Record.AccountID(); id != uuid.Nil {
			s := id.String()
			row.AccountID = &s
		}
	}
	if env.MarketIndex != nil {
		idx := int32(*env.MarketIndex)
		row.MarketIndex = &idx
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       int32(j.AssetID),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, journals, nil
}

// WriteInstructionBatch writes a batch of instructions to risk_log.instructions.
func (w *LogWriter) WriteInstructionBatch(ctx context.Context, rows []InstructionRow, ex execer) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO risk_log.instructions
		(sequence, instruction, idempotency_key, record_type, account_id, market_index, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*10)

	for i, r := range rows {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.Sequence, r.Instruction, r.IdempotencyKey, r.RecordType, r.AccountID,
			r.MarketIndex, r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to risk_log.journal.
func (w *LogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, ex execer) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO risk_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
