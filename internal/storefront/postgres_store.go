package storefront

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed storefront store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateGrant(ctx context.Context, g *AccessGrant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO access_grants (client_id, model_id, escrow_ref, created_at)
		VALUES ($1, $2, $3, NOW())
	`, g.ClientID, g.ModelID, g.EscrowRef)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return ErrAlreadyGranted
		}
		return fmt.Errorf("failed to insert access grant: %w", err)
	}
	return nil
}

func (p *PostgresStore) HasAccess(ctx context.Context, clientID, modelID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM access_grants WHERE client_id = $1 AND model_id = $2)
	`, clientID, modelID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListGrants(ctx context.Context, clientID string) ([]*AccessGrant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT client_id, model_id, escrow_ref, created_at
		FROM access_grants
		WHERE client_id = $1
		ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*AccessGrant
	for rows.Next() {
		g := &AccessGrant{}
		if err := rows.Scan(&g.ClientID, &g.ModelID, &g.EscrowRef, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

const purchaseColumns = `ref, content_id, buyer_id, model_id, escrow_ref, amount,
	delivered, delivered_at, created_at`

func (p *PostgresStore) CreatePurchase(ctx context.Context, cp *ContentPurchase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO content_purchases (ref, content_id, buyer_id, model_id, escrow_ref, amount, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), FALSE, NOW())
	`, cp.Ref, cp.ContentID, cp.BuyerID, cp.ModelID, cp.EscrowRef, cp.Amount)
	if err != nil {
		return fmt.Errorf("failed to insert content purchase: %w", err)
	}
	return nil
}

func (p *PostgresStore) PurchaseByEscrow(ctx context.Context, escrowRef string) (*ContentPurchase, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM content_purchases WHERE escrow_ref = $1`, escrowRef)
	return scanPurchase(row)
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, escrowRef string) (*ContentPurchase, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE content_purchases
		SET delivered = TRUE, delivered_at = COALESCE(delivered_at, NOW())
		WHERE escrow_ref = $1
		RETURNING `+purchaseColumns, escrowRef)
	return scanPurchase(row)
}

func (p *PostgresStore) ListPurchases(ctx context.Context, buyerID string, limit int) ([]*ContentPurchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM content_purchases
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, buyerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []*ContentPurchase
	for rows.Next() {
		cp, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, cp)
	}
	return purchases, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPurchase(row scannable) (*ContentPurchase, error) {
	cp := &ContentPurchase{}
	var deliveredAt sql.NullTime

	err := row.Scan(&cp.Ref, &cp.ContentID, &cp.BuyerID, &cp.ModelID, &cp.EscrowRef,
		&cp.Amount, &cp.Delivered, &deliveredAt, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		cp.DeliveredAt = &deliveredAt.Time
	}
	return cp, nil
}
