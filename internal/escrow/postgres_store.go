package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velora-app/velora/internal/wallet"
)

const escrowColumns = `ref, escrow_type, related_ref, payer_id, receiver_id, amount,
	platform_fee, receiver_payout, status, release_condition, condition_met,
	dispute_reason, auto_release_at, resolved_at, created_at, updated_at`

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, escrow *Escrow) error {
	return CreateInTx(ctx, p.db, escrow)
}

// Execer covers both *sql.DB and *sql.Tx so the charge path can open an
// escrow inside its own storage transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateInTx inserts an escrow account through the given execer.
func CreateInTx(ctx context.Context, e Execer, escrow *Escrow) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			ref, escrow_type, related_ref, payer_id, receiver_id, amount,
			platform_fee, receiver_payout, status, release_condition,
			condition_met, auto_release_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), $7::NUMERIC(12,2),
			$8::NUMERIC(12,2), $9, $10, $11, $12, NOW(), NOW())
	`, escrow.Ref, escrow.Type, nullString(escrow.RelatedRef), escrow.PayerID,
		nullString(escrow.ReceiverID), escrow.Amount, escrow.PlatformFee,
		escrow.ReceiverPayout, escrow.Status, nullString(escrow.ReleaseCondition),
		escrow.ConditionMet, nullTime(escrow.AutoReleaseAt))
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, ref string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE ref = $1`, ref)
	return scanEscrow(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE payer_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE status = 'held' AND auto_release_at IS NOT NULL AND auto_release_at < $1
		ORDER BY auto_release_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// Release flips held|disputed → released and credits the receiver payout
// in one transaction. The status guard in the WHERE clause means a racing
// release or refund loses cleanly: no row comes back and nothing is paid.
func (p *PostgresStore) Release(ctx context.Context, ref string) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE escrow_accounts
		SET status = 'released', condition_met = TRUE, resolved_at = NOW(), updated_at = NOW()
		WHERE ref = $1 AND status IN ('held', 'disputed')
		RETURNING `+escrowColumns, ref)

	escrow, err := scanEscrow(row)
	if err == ErrEscrowNotFound {
		return nil, p.notFoundOrInvalid(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	if escrow.ReceiverID != "" && escrow.ReceiverPayout.IsPositive() {
		if err := wallet.CreditInTx(ctx, tx, escrow.ReceiverID, escrow.ReceiverPayout, wallet.EntryPayout, escrow.Ref); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Refund flips held|disputed → refunded and returns the full amount to the
// payer in one transaction.
func (p *PostgresStore) Refund(ctx context.Context, ref string) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE escrow_accounts
		SET status = 'refunded', resolved_at = NOW(), updated_at = NOW()
		WHERE ref = $1 AND status IN ('held', 'disputed')
		RETURNING `+escrowColumns, ref)

	escrow, err := scanEscrow(row)
	if err == ErrEscrowNotFound {
		return nil, p.notFoundOrInvalid(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	if err := wallet.CreditInTx(ctx, tx, escrow.PayerID, escrow.Amount, wallet.EntryRefund, escrow.Ref); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return escrow, nil
}

// MarkDisputed freezes an escrow. COALESCE keeps the first dispute reason.
func (p *PostgresStore) MarkDisputed(ctx context.Context, ref, reason string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_accounts
		SET status = 'disputed',
		    dispute_reason = COALESCE(dispute_reason, $2),
		    updated_at = NOW()
		WHERE ref = $1 AND status IN ('held', 'disputed')
		RETURNING `+escrowColumns, ref, reason)

	escrow, err := scanEscrow(row)
	if err == ErrEscrowNotFound {
		return nil, p.notFoundOrInvalid(ctx, ref)
	}
	return escrow, err
}

// notFoundOrInvalid distinguishes a missing escrow from a blocked transition.
func (p *PostgresStore) notFoundOrInvalid(ctx context.Context, ref string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrow_accounts WHERE ref = $1)`, ref).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrInvalidStatus
	}
	return ErrEscrowNotFound
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	// The partial unique index on (escrow_ref) WHERE status = 'open'
	// rejects a second open dispute at the database level.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_disputes (ref, escrow_ref, session_ref, opened_by, reason, note, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, d.Ref, d.EscrowRef, nullString(d.SessionRef), d.OpenedBy, d.Reason, nullString(d.Note), d.Status)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) OpenDisputeFor(ctx context.Context, escrowRef string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE escrow_ref = $1 AND status = 'open'
	`, escrowRef)
	return scanDispute(row)
}

func (p *PostgresStore) CloseDispute(ctx context.Context, disputeRef, resolution, resolvedBy, note string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_disputes
		SET status = 'resolved', resolution = $2, resolved_by = $3,
		    note = COALESCE(NULLIF($4, ''), note), resolved_at = NOW()
		WHERE ref = $1 AND status = 'open'
		RETURNING `+disputeColumns, disputeRef, resolution, resolvedBy, note)
	return scanDispute(row)
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

const disputeColumns = `ref, escrow_ref, session_ref, opened_by, reason, note, status,
	resolution, resolved_by, resolved_at, created_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanEscrow(row scannable) (*Escrow, error) {
	e := &Escrow{}
	var relatedRef, receiverID, releaseCondition, disputeReason sql.NullString
	var autoReleaseAt, resolvedAt sql.NullTime

	err := row.Scan(&e.Ref, &e.Type, &relatedRef, &e.PayerID, &receiverID, &e.Amount,
		&e.PlatformFee, &e.ReceiverPayout, &e.Status, &releaseCondition, &e.ConditionMet,
		&disputeReason, &autoReleaseAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	e.RelatedRef = relatedRef.String
	e.ReceiverID = receiverID.String
	e.ReleaseCondition = releaseCondition.String
	e.DisputeReason = disputeReason.String
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = &autoReleaseAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanDispute(row scannable) (*Dispute, error) {
	d := &Dispute{}
	var sessionRef, note, resolution, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&d.Ref, &d.EscrowRef, &sessionRef, &d.OpenedBy, &d.Reason, &note,
		&d.Status, &resolution, &resolvedBy, &resolvedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}

	d.SessionRef = sessionRef.String
	d.Note = note.String
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var escrows []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
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
