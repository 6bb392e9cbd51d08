package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresHistory persists approved proof hashes in the proof_hashes table.
type PostgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory creates a new PostgreSQL-backed proof history.
func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (h *PostgresHistory) Lookup(ctx context.Context, hash string) (string, bool, error) {
	var txnID string
	err := h.db.QueryRowContext(ctx,
		`SELECT transaction_id FROM proof_hashes WHERE hash = $1`, hash,
	).Scan(&txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up proof hash: %w", err)
	}
	return txnID, true, nil
}

// Record relies on the primary key for insert-if-absent; the no-op update
// makes RETURNING yield the existing owner on conflict.
func (h *PostgresHistory) Record(ctx context.Context, txnID, hash string) (string, error) {
	var owner string
	err := h.db.QueryRowContext(ctx, `
		INSERT INTO proof_hashes (hash, transaction_id, recorded_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		RETURNING transaction_id`,
		hash, txnID,
	).Scan(&owner)
	if err != nil {
		return "", fmt.Errorf("failed to record proof hash: %w", err)
	}
	return owner, nil
}

func (h *PostgresHistory) Hashes(ctx context.Context, txnID string) ([]string, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT hash FROM proof_hashes WHERE transaction_id = $1 ORDER BY recorded_at, hash`, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proof hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		out = append(out, hash)
	}
	return out, rows.Err()
}
