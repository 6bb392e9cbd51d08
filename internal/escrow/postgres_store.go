package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore persists transaction records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	conditions, proof, verdict, err := marshalDocs(t)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_addr, farmer_addr, amount, conditions, state,
			hold_id, proof, verdict, settlement_ref, refund_ref,
			created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.BuyerAddr, t.FarmerAddr, t.Amount,
		conditions, string(t.State),
		nullString(t.HoldID), proof, verdict,
		nullString(t.SettlementRef), nullString(t.RefundRef),
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}
	return err
}

const transactionColumns = `id, buyer_addr, farmer_addr, amount::TEXT, conditions, state,
		       hold_id, proof, verdict, settlement_ref, refund_ref,
		       created_at, updated_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	_, proof, verdict, err := marshalDocs(t)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			state = $1, hold_id = $2, proof = $3, verdict = $4,
			settlement_ref = $5, refund_ref = $6, updated_at = $7, completed_at = $8
		WHERE id = $9`,
		string(t.State), nullString(t.HoldID), proof, verdict,
		nullString(t.SettlementRef), nullString(t.RefundRef), t.UpdatedAt, nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// ListByParty returns transactions where addr is the buyer or the farmer,
// newest first. Addresses keep the caller's case and match case-insensitively.
// A limit <= 0 returns every match.
func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE LOWER(buyer_addr) = $1 OR LOWER(farmer_addr) = $1
		ORDER BY created_at DESC`
	args := []any{strings.ToLower(addr)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		state                            string
		conditions, proof, verdict       []byte
		holdID, settlementRef, refundRef sql.NullString
		completedAt                      sql.NullTime
	)

	err := sc.Scan(
		&t.ID, &t.BuyerAddr, &t.FarmerAddr, &t.Amount, &conditions, &state,
		&holdID, &proof, &verdict, &settlementRef, &refundRef,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	t.HoldID = holdID.String
	t.SettlementRef = settlementRef.String
	t.RefundRef = refundRef.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal(conditions, &t.Conditions); err != nil {
		return nil, fmt.Errorf("invalid conditions for %s: %w", t.ID, err)
	}
	if len(proof) > 0 {
		if err := json.Unmarshal(proof, &t.Proof); err != nil {
			return nil, fmt.Errorf("invalid proof for %s: %w", t.ID, err)
		}
	}
	if len(verdict) > 0 {
		if err := json.Unmarshal(verdict, &t.Verdict); err != nil {
			return nil, fmt.Errorf("invalid verdict for %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// marshalDocs encodes the JSONB columns. Absent proof and verdict map to NULL.
func marshalDocs(t *Transaction) (conditions, proof, verdict []byte, err error) {
	if conditions, err = json.Marshal(t.Conditions); err != nil {
		return nil, nil, nil, err
	}
	if t.Proof != nil {
		if proof, err = json.Marshal(t.Proof); err != nil {
			return nil, nil, nil, err
		}
	}
	if t.Verdict != nil {
		if verdict, err = json.Marshal(t.Verdict); err != nil {
			return nil, nil, nil, err
		}
	}
	return conditions, proof, verdict, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresStateStore keeps current state in transaction_states and the
// audit trail in state_transitions.
type PostgresStateStore struct {
	db *sql.DB
}

// NewPostgresStateStore creates a new PostgreSQL-backed state store.
func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

func (p *PostgresStateStore) Init(ctx context.Context, rec StateTransition) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_states (id, state, updated_at) VALUES ($1, $2, $3)`,
			rec.TransactionID, string(rec.To), rec.Timestamp)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.TransactionID)
		}
		if err != nil {
			return err
		}
		return insertTransition(ctx, tx, rec)
	})
}

func (p *PostgresStateStore) Current(ctx context.Context, id string) (State, error) {
	var state string
	err := p.db.QueryRowContext(ctx, `SELECT state FROM transaction_states WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return State(state), nil
}

func (p *PostgresStateStore) Append(ctx context.Context, rec StateTransition) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE transaction_states SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
			string(rec.To), rec.Timestamp, rec.TransactionID, string(rec.From))
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrStateConflict
		}
		return insertTransition(ctx, tx, rec)
	})
}

func (p *PostgresStateStore) History(ctx context.Context, id string) ([]StateTransition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, from_state, to_state, created_at, triggered_by, reason
		FROM state_transitions
		WHERE transaction_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateTransition
	for rows.Next() {
		var (
			rec      StateTransition
			from, to string
			reason   sql.NullString
		)
		if err := rows.Scan(&rec.TransactionID, &from, &to, &rec.Timestamp, &rec.TriggeredBy, &reason); err != nil {
			return nil, err
		}
		rec.From, rec.To, rec.Reason = State(from), State(to), reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func insertTransition(ctx context.Context, tx *sql.Tx, rec StateTransition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (transaction_id, from_state, to_state, created_at, triggered_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TransactionID, string(rec.From), string(rec.To), rec.Timestamp, rec.TriggeredBy, nullString(rec.Reason))
	return err
}

func (p *PostgresStateStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
