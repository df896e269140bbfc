package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresHeartbeats records worker runs in PostgreSQL.
type PostgresHeartbeats struct {
	db *sql.DB
}

// NewPostgresHeartbeats creates a PostgreSQL-backed heartbeat store.
func NewPostgresHeartbeats(db *sql.DB) *PostgresHeartbeats {
	return &PostgresHeartbeats{db: db}
}

func (p *PostgresHeartbeats) Record(ctx context.Context, hb *Heartbeat) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (ran_at, sessions_marked, escrows_released, errors, duration_ms)
		VALUES ($1, $2, $3, $4, $5)
	`, hb.RanAt, hb.SessionsMarked, hb.EscrowsReleased, hb.Errors, hb.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (p *PostgresHeartbeats) Last(ctx context.Context) (*Heartbeat, error) {
	hb := &Heartbeat{}
	var durationMs int64
	err := p.db.QueryRowContext(ctx, `
		SELECT ran_at, sessions_marked, escrows_released, errors, duration_ms
		FROM worker_heartbeats
		ORDER BY ran_at DESC
		LIMIT 1
	`).Scan(&hb.RanAt, &hb.SessionsMarked, &hb.EscrowsReleased, &hb.Errors, &durationMs)
	if err == sql.ErrNoRows {
		return nil, ErrNoHeartbeat
	}
	if err != nil {
		return nil, err
	}
	hb.Duration = time.Duration(durationMs) * time.Millisecond
	return hb, nil
}
