// Package payments orchestrates money coming into the platform. It is
// the only place that composes the wallet ledger, transaction records,
// escrow holds, sessions and the storefront into one flow: a wallet
// charge settles immediately in a single storage transaction, while
// crypto/card payments go through pending → confirmed with the proof
// checked out of band.
package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/escrow"
	"github.com/velora-app/velora/internal/idempotency"
	"github.com/velora-app/velora/internal/session"
	"github.com/velora-app/velora/internal/storefront"
	"github.com/velora-app/velora/internal/transaction"
	"github.com/velora-app/velora/internal/wallet"
)

var (
	ErrUnknownPurpose     = errors.New("unknown payment purpose")
	ErrMissingField       = errors.New("missing purpose field")
	ErrAmountMismatch     = errors.New("confirmed amount does not match the transaction")
	ErrMissingIdempotency = errors.New("idempotency key required")
)

// Payment purposes. The purpose decides what a confirmed payment unlocks.
const (
	PurposeAccessFee = "access_fee"
	PurposeContent   = "content"
	PurposeSession   = "session"
	PurposeExtension = "extension"
	PurposeTopUp     = "top_up"
)

// Events receives payment notifications.
type Events interface {
	EmitPaymentConfirmed(transactionRef, userID, purpose, amount string)
}

// Service wires the payment flows together.
type Service struct {
	db           *sql.DB // nil in memory mode; set for the single-transaction charge path
	wallets      *wallet.Ledger
	transactions *transaction.Service
	escrows      *escrow.Service
	sessions     *session.Service
	storefront   *storefront.Service
	idem         idempotency.Store
	events       Events
	autoRelease  time.Duration // 0 = manual release only
}

// NewService creates a new payment service.
func NewService(
	wallets *wallet.Ledger,
	transactions *transaction.Service,
	escrows *escrow.Service,
	sessions *session.Service,
	store *storefront.Service,
	idem idempotency.Store,
) *Service {
	return &Service{
		wallets:      wallets,
		transactions: transactions,
		escrows:      escrows,
		sessions:     sessions,
		storefront:   store,
		idem:         idem,
	}
}

// WithDB switches the wallet charge path to a single serializable
// database transaction covering debit, transaction, escrow, session and
// idempotency record.
func (s *Service) WithDB(db *sql.DB) *Service {
	s.db = db
	return s
}

// WithAutoRelease sets the deadline after which the reconciliation sweep
// may release held escrows without confirmation. Zero disables it.
func (s *Service) WithAutoRelease(d time.Duration) *Service {
	s.autoRelease = d
	return s
}

// WithEvents attaches a payment event emitter.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

func (s *Service) autoReleaseAt() *time.Time {
	if s.autoRelease <= 0 {
		return nil
	}
	t := time.Now().Add(s.autoRelease)
	return &t
}

// ReleaseEffects applies what a released escrow unlocks: an access fee
// grants the gallery, a content sale is marked delivered. Both are
// idempotent so the sweep and a retried admin release are safe. Run
// before Release, matching the sweep's pre-release ordering.
func (s *Service) ReleaseEffects(ctx context.Context, e *escrow.Escrow) error {
	switch e.Type {
	case escrow.TypeAccessFee:
		// RelatedRef carries the model whose gallery was unlocked
		if e.RelatedRef == "" {
			return nil
		}
		_, err := s.storefront.GrantAccess(ctx, e.PayerID, e.RelatedRef, e.Ref)
		return err
	case escrow.TypeContent:
		_, err := s.storefront.MarkDelivered(ctx, e.Ref)
		if errors.Is(err, storefront.ErrPurchaseNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func validPurpose(p string) bool {
	switch p {
	case PurposeAccessFee, PurposeContent, PurposeSession, PurposeExtension, PurposeTopUp:
		return true
	}
	return false
}

func (s *Service) emitConfirmed(txnRef, userID, purpose string, amount decimal.Decimal) {
	if s.events != nil {
		s.events.EmitPaymentConfirmed(txnRef, userID, purpose, amount.String())
	}
}
