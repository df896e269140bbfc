package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	return GetInTx(ctx, p.db, key)
}

func (p *PostgresStore) Put(ctx context.Context, key, userID, scope string, response json.RawMessage) error {
	return PutInTx(ctx, p.db, key, userID, scope, response)
}

// PurgeOlderThan deletes records created before the cutoff.
func (p *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

// Querier covers both *sql.DB and *sql.Tx so the charge path can run
// idempotency reads and writes inside its own transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetInTx reads a cached record through the given querier.
func GetInTx(ctx context.Context, q Querier, key string) (*Record, error) {
	rec := &Record{}
	err := q.QueryRowContext(ctx, `
		SELECT key, user_id, scope, response, created_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.UserID, &rec.Scope, &rec.Response, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutInTx inserts a record through the given querier. ON CONFLICT DO
// NOTHING makes the first writer win without aborting the surrounding
// transaction; zero rows affected means another writer got there first.
func PutInTx(ctx context.Context, q Querier, key, userID, scope string, response json.RawMessage) error {
	if key == "" {
		return ErrEmptyKey
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, user_id, scope, response, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key, userID, scope, response)
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyTaken
	}
	return nil
}
