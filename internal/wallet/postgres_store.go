package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/idgen"
	"github.com/velora-app/velora/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Balance retrieves a user's balance
func (p *PostgresStore) Balance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&bal.Balance, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			UserID:    userID,
			Balance:   decimal.Zero,
			TotalIn:   decimal.Zero,
			TotalOut:  decimal.Zero,
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a user's wallet
func (p *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := CreditInTx(ctx, tx, userID, amount, entryType, reference); err != nil {
		return err
	}

	return tx.Commit()
}

// Debit removes funds from a user's wallet. A single conditional UPDATE
// guards against overdraft; the CHECK constraint on balance >= 0 is the
// backstop.
func (p *PostgresStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := DebitInTx(ctx, tx, userID, amount, entryType, reference); err != nil {
		return err
	}

	return tx.Commit()
}

// History retrieves wallet entries for a user. The (created_at, id) row
// comparison keeps pages stable when entries share a timestamp.
func (p *PostgresStore) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, type, amount, reference, created_at
			FROM wallet_entries
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, type, amount, reference, created_at
			FROM wallet_entries
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreditInTx upserts a wallet credit inside an existing transaction.
// Other stores use it to keep an escrow transition and its payout in the
// same transaction.
func CreditInTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, entryType, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(12,2), $2::NUMERIC(12,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance    = wallets.balance  + $2::NUMERIC(12,2),
			total_in   = wallets.total_in + $2::NUMERIC(12,2),
			updated_at = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, NOW())
	`, idgen.WithPrefix("we_"), userID, entryType, amount, nullable(reference))
	if err != nil {
		return fmt.Errorf("failed to record wallet entry: %w", err)
	}
	return nil
}

// DebitInTx debits a wallet inside an existing transaction. The WHERE
// clause makes the balance check and the decrement one atomic step; zero
// rows affected means the balance cannot cover the amount.
func DebitInTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, entryType, reference string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance   - $2::NUMERIC(12,2),
			total_out  = total_out + $2::NUMERIC(12,2),
			updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2::NUMERIC(12,2)
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, NOW())
	`, idgen.WithPrefix("we_"), userID, entryType, amount, nullable(reference))
	if err != nil {
		return fmt.Errorf("failed to record wallet entry: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
