// Package storefront tracks what a resolved payment unlocks: gallery
// access grants bought with access fees, and digital content purchases
// awaiting delivery. The payment layer records rows here and flips them
// when the matching escrow releases.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/idgen"
)

var (
	ErrPurchaseNotFound = errors.New("content purchase not found")
	ErrAlreadyGranted   = errors.New("access already granted")
)

// AccessGrant unlocks a model's gallery for a client.
type AccessGrant struct {
	ClientID  string    `json:"clientId"`
	ModelID   string    `json:"modelId"`
	EscrowRef string    `json:"escrowRef"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContentPurchase is a paid piece of digital content awaiting delivery.
type ContentPurchase struct {
	Ref         string          `json:"ref"`
	ContentID   string          `json:"contentId"`
	BuyerID     string          `json:"buyerId"`
	ModelID     string          `json:"modelId"`
	EscrowRef   string          `json:"escrowRef"`
	Amount      decimal.Decimal `json:"amount"`
	Delivered   bool            `json:"delivered"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists grants and purchases.
type Store interface {
	CreateGrant(ctx context.Context, g *AccessGrant) error
	HasAccess(ctx context.Context, clientID, modelID string) (bool, error)
	ListGrants(ctx context.Context, clientID string) ([]*AccessGrant, error)

	CreatePurchase(ctx context.Context, p *ContentPurchase) error
	PurchaseByEscrow(ctx context.Context, escrowRef string) (*ContentPurchase, error)
	// MarkDelivered flips the purchase tied to an escrow to delivered.
	// Already-delivered is a no-op so the sweep can retry safely.
	MarkDelivered(ctx context.Context, escrowRef string) (*ContentPurchase, error)
	ListPurchases(ctx context.Context, buyerID string, limit int) ([]*ContentPurchase, error)
}

// Service implements storefront bookkeeping.
type Service struct {
	store Store
}

// NewService creates a new storefront service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GrantAccess unlocks a model's gallery for a client. Granting twice is
// a no-op success, so a retried release cannot fail on it.
func (s *Service) GrantAccess(ctx context.Context, clientID, modelID, escrowRef string) (*AccessGrant, error) {
	grant := &AccessGrant{
		ClientID:  clientID,
		ModelID:   modelID,
		EscrowRef: escrowRef,
		CreatedAt: time.Now(),
	}
	err := s.store.CreateGrant(ctx, grant)
	if errors.Is(err, ErrAlreadyGranted) {
		return grant, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to grant access: %w", err)
	}
	return grant, nil
}

// HasAccess reports whether a client unlocked a model's gallery.
func (s *Service) HasAccess(ctx context.Context, clientID, modelID string) (bool, error) {
	return s.store.HasAccess(ctx, clientID, modelID)
}

// ListGrants returns a client's gallery unlocks.
func (s *Service) ListGrants(ctx context.Context, clientID string) ([]*AccessGrant, error) {
	return s.store.ListGrants(ctx, clientID)
}

// RecordPurchase writes a content purchase tied to its escrow.
func (s *Service) RecordPurchase(ctx context.Context, contentID, buyerID, modelID, escrowRef string, amount decimal.Decimal) (*ContentPurchase, error) {
	purchase := &ContentPurchase{
		Ref:       idgen.WithPrefix("cp_"),
		ContentID: contentID,
		BuyerID:   buyerID,
		ModelID:   modelID,
		EscrowRef: escrowRef,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreatePurchase(ctx, purchase); err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	return purchase, nil
}

// MarkDelivered flips the purchase tied to an escrow to delivered.
func (s *Service) MarkDelivered(ctx context.Context, escrowRef string) (*ContentPurchase, error) {
	return s.store.MarkDelivered(ctx, escrowRef)
}

// PurchaseByEscrow returns the purchase tied to an escrow, if any.
func (s *Service) PurchaseByEscrow(ctx context.Context, escrowRef string) (*ContentPurchase, error) {
	return s.store.PurchaseByEscrow(ctx, escrowRef)
}

// ListPurchases returns a buyer's content purchases.
func (s *Service) ListPurchases(ctx context.Context, buyerID string, limit int) ([]*ContentPurchase, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPurchases(ctx, buyerID, limit)
}
