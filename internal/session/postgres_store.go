package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const sessionColumns = `ref, client_id, model_id, session_type, duration, price,
	scheduled_for, status, escrow_ref, extension_refs,
	client_joined_at, model_joined_at, actual_start, scheduled_end,
	client_confirmed, model_confirmed, ended_by, end_reason, outcome,
	created_at, updated_at`

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	return CreateInTx(ctx, p.db, s)
}

// Execer covers both *sql.DB and *sql.Tx so the wallet charge path can
// create the session inside its own storage transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateInTx inserts a session through the given execer.
func CreateInTx(ctx context.Context, e Execer, s *Session) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO sessions (
			ref, client_id, model_id, session_type, duration, price,
			scheduled_for, status, escrow_ref, extension_refs,
			client_confirmed, model_confirmed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), $7, $8, $9, $10,
			$11, $12, NOW(), NOW())
	`, s.Ref, s.ClientID, s.ModelID, s.Type, s.Duration, s.Price,
		s.ScheduledFor, s.Status, nullString(s.EscrowRef),
		pq.Array(s.ExtensionRefs), s.ClientConfirmed, s.ModelConfirmed)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, ref string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE ref = $1`, ref)
	return scanSession(row)
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			duration = $2, status = $3, escrow_ref = $4, extension_refs = $5,
			client_joined_at = $6, model_joined_at = $7,
			actual_start = $8, scheduled_end = $9,
			client_confirmed = $10, model_confirmed = $11,
			ended_by = $12, end_reason = $13, outcome = $14,
			updated_at = NOW()
		WHERE ref = $1
	`, s.Ref, s.Duration, s.Status, nullString(s.EscrowRef), pq.Array(s.ExtensionRefs),
		nullTime(s.ClientJoinedAt), nullTime(s.ModelJoinedAt),
		nullTime(s.ActualStart), nullTime(s.ScheduledEnd),
		s.ClientConfirmed, s.ModelConfirmed,
		nullString(s.EndedBy), nullString(s.EndReason), nullString(s.Outcome))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE client_id = $1 OR model_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (p *PostgresStore) ListActivePastDeadline(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active'
		  AND COALESCE(scheduled_end, actual_start + duration * INTERVAL '1 minute') < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// MarkAwaitingConfirmation is guarded on status so a re-run of the sweep
// against an already-moved session is a clean no-op.
func (p *PostgresStore) MarkAwaitingConfirmation(ctx context.Context, ref string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'awaiting_confirmation', updated_at = NOW()
		WHERE ref = $1 AND status = 'active'
	`, ref)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	s := &Session{}
	var escrowRef, endedBy, endReason, outcome sql.NullString
	var clientJoined, modelJoined, actualStart, scheduledEnd sql.NullTime
	var extensionRefs pq.StringArray

	err := row.Scan(&s.Ref, &s.ClientID, &s.ModelID, &s.Type, &s.Duration, &s.Price,
		&s.ScheduledFor, &s.Status, &escrowRef, &extensionRefs,
		&clientJoined, &modelJoined, &actualStart, &scheduledEnd,
		&s.ClientConfirmed, &s.ModelConfirmed, &endedBy, &endReason, &outcome,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	s.EscrowRef = escrowRef.String
	s.ExtensionRefs = []string(extensionRefs)
	s.EndedBy = endedBy.String
	s.EndReason = endReason.String
	s.Outcome = outcome.String
	if clientJoined.Valid {
		s.ClientJoinedAt = &clientJoined.Time
	}
	if modelJoined.Valid {
		s.ModelJoinedAt = &modelJoined.Time
	}
	if actualStart.Valid {
		s.ActualStart = &actualStart.Time
	}
	if scheduledEnd.Valid {
		s.ScheduledEnd = &scheduledEnd.Time
	}
	return s, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
