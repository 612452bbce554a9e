package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// balanceKey identifies one row of risk_log.journal_balances.
type balanceKey struct {
	path  string
	asset int32
}

type balanceDelta struct {
	amount   int64
	sequence int64
}

// ProjectBalances folds a batch of journal rows into risk_log.journal_balances.
// A debit adds to the account's balance, a credit subtracts, matching the
// in-memory tracker. Rows whose last_sequence is already at or past the
// batch's are left alone, so a replayed flush does not double count.
func (w *LogWriter) ProjectBalances(ctx context.Context, journals []JournalRow, ex execer) error {
	if len(journals) == 0 {
		return nil
	}

	deltas := make(map[balanceKey]*balanceDelta)
	add := func(path string, asset int32, amount, seq int64) {
		k := balanceKey{path: path, asset: asset}
		d, ok := deltas[k]
		if !ok {
			d = &balanceDelta{}
			deltas[k] = d
		}
		d.amount += amount
		d.sequence = max(d.sequence, seq)
	}
	for _, j := range journals {
		add(j.DebitAccount, j.AssetID, j.Amount, j.Sequence)
		add(j.CreditAccount, j.AssetID, -j.Amount, j.Sequence)
	}

	// fixed row order keeps concurrent upserts from deadlocking
	keys := make([]balanceKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].path != keys[j].path {
			return keys[i].path < keys[j].path
		}
		return keys[i].asset < keys[j].asset
	})

	values := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*4)
	for i, k := range keys {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		d := deltas[k]
		args = append(args, k.path, k.asset, d.amount, d.sequence)
	}

	query := `INSERT INTO risk_log.journal_balances (account_path, asset_id, balance, last_sequence)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (account_path, asset_id) DO UPDATE
		SET balance = risk_log.journal_balances.balance + EXCLUDED.balance,
		    last_sequence = EXCLUDED.last_sequence
		WHERE risk_log.journal_balances.last_sequence < EXCLUDED.last_sequence`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// RebuildBalances recomputes risk_log.journal_balances from the journal.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE risk_log.journal_balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_log.journal_balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(amount), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount, sequence FROM risk_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM risk_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	return tx.Commit()
}

// JournalBalance reads one projected balance; a missing row is zero.
func JournalBalance(ctx context.Context, db *sql.DB, accountPath string, assetID int32) (balance, lastSequence int64, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT balance, last_sequence
		FROM risk_log.journal_balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, assetID).Scan(&balance, &lastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return balance, lastSequence, err
}
