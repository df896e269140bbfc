package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, txn *Transaction) error {
	return CreateInTx(ctx, p.db, txn)
}

func (p *PostgresStore) Get(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT ref, user_id, amount, method, status, metadata, created_at, updated_at
		FROM transactions WHERE ref = $1
	`, ref)
	return scanTransaction(row)
}

// UpdateStatus moves a transaction to the target status. The WHERE clause
// carries the allowed source statuses, so a concurrent transition loses
// cleanly instead of overwriting.
func (p *PostgresStore) UpdateStatus(ctx context.Context, ref, to string, from ...string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = NOW()
		WHERE ref = $1 AND status = ANY($3)
		RETURNING ref, user_id, amount, method, status, metadata, created_at, updated_at
	`, ref, to, pq.Array(from))

	txn, err := scanTransaction(row)
	if err == ErrNotFound {
		// Distinguish a missing transaction from a blocked transition.
		var exists bool
		if qErr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE ref = $1)`, ref).Scan(&exists); qErr != nil {
			return nil, qErr
		}
		if exists {
			return nil, ErrInvalidTransition
		}
		return nil, ErrNotFound
	}
	return txn, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ref, user_id, amount, method, status, metadata, created_at, updated_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// Execer covers both *sql.DB and *sql.Tx so the charge path can insert the
// transaction record inside its own storage transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateInTx inserts a transaction record through the given execer.
func CreateInTx(ctx context.Context, e Execer, txn *Transaction) error {
	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO transactions (ref, user_id, amount, method, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(12,2), $4, $5, $6, NOW(), NOW())
	`, txn.Ref, txn.UserID, txn.Amount, txn.Method, txn.Status, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTransaction(row scannable) (*Transaction, error) {
	txn := &Transaction{}
	var metadata []byte
	err := row.Scan(&txn.Ref, &txn.UserID, &txn.Amount, &txn.Method, &txn.Status, &metadata, &txn.CreatedAt, &txn.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return txn, nil
}
