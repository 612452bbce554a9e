package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker answers tier-2 dedup lookups from the instruction log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether the key was committed under the instruction.
func (pic *PostgresIdempotencyChecker) IsDuplicate(instruction string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM risk_log.instructions
		WHERE instruction = $1 AND idempotency_key = $2
		LIMIT 1
	`, instruction, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the most recently committed keys per instruction, newest
// last, for warming the in-memory cache on restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) (map[string][]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT instruction, idempotency_key
		FROM (
			SELECT instruction, idempotency_key, sequence
			FROM risk_log.instructions
			WHERE idempotency_key IS NOT NULL
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string][]string)
	for rows.Next() {
		var instruction, key string
		if err := rows.Scan(&instruction, &key); err != nil {
			return nil, err
		}
		keys[instruction] = append(keys[instruction], key)
	}
	return keys, rows.Err()
}

// LastCommitted returns the highest persisted sequence and its state hash, so
// a restarted core resumes the chain. ok is false on an empty log.
func (pic *PostgresIdempotencyChecker) LastCommitted(ctx context.Context) (sequence int64, tip [32]byte, ok bool, err error) {
	var hash []byte
	err = pic.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM risk_log.instructions
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&sequence, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tip, false, nil
	}
	if err != nil {
		return 0, tip, false, err
	}
	copy(tip[:], hash)
	return sequence, tip, true, nil
}
