// Package transaction records payment attempts and their status lifecycle.
//
// A transaction is the payer-facing record of money entering the platform.
// Its amount is immutable after creation; only the status moves, and only
// forward:
//
//	pending → submitted → completed | failed
//	pending → completed | failed | rejected
//
// completed, failed and rejected are terminal.
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/idgen"
	"github.com/velora-app/velora/internal/money"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidMethod     = errors.New("invalid payment method")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Payment methods.
const (
	MethodWallet = "wallet"
	MethodCrypto = "crypto"
	MethodCard   = "card"
)

// Statuses.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted" // payer reports the external payment as sent
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected" // admin rejected the pending payment
)

// transitions lists the allowed source statuses for each target status.
var transitions = map[string][]string{
	StatusSubmitted: {StatusPending},
	StatusCompleted: {StatusPending, StatusSubmitted},
	StatusFailed:    {StatusPending, StatusSubmitted},
	StatusRejected:  {StatusPending},
}

// AllowedFrom returns the source statuses permitted for a transition to the
// given status.
func AllowedFrom(to string) []string {
	return transitions[to]
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusRejected
}

// Transaction is a single payment attempt.
type Transaction struct {
	Ref       string          `json:"ref"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Status    string          `json:"status"`
	Metadata  map[string]any  `json:"metadata,omitempty"` // purpose and purpose-specific fields
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, ref string) (*Transaction, error)
	// UpdateStatus moves a transaction to the target status, guarding the
	// allowed source statuses in the same statement. ErrInvalidTransition
	// when the current status is not among them.
	UpdateStatus(ctx context.Context, ref, to string, from ...string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// Service manages transaction records.
type Service struct {
	store Store
}

// New creates a new transaction service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Create records a new payment attempt in the given initial status.
func (s *Service) Create(ctx context.Context, userID string, amount decimal.Decimal, method, status string, metadata map[string]any) (*Transaction, error) {
	if err := money.Validate(amount); err != nil {
		return nil, ErrInvalidAmount
	}
	switch method {
	case MethodWallet, MethodCrypto, MethodCard:
	default:
		return nil, ErrInvalidMethod
	}

	now := time.Now()
	txn := &Transaction{
		Ref:       idgen.WithPrefix("txn_"),
		UserID:    userID,
		Amount:    amount,
		Method:    method,
		Status:    status,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Get returns a transaction by ref.
func (s *Service) Get(ctx context.Context, ref string) (*Transaction, error) {
	return s.store.Get(ctx, ref)
}

// Transition moves a transaction to the target status following the
// allowed edges only.
func (s *Service) Transition(ctx context.Context, ref, to string) (*Transaction, error) {
	from, ok := transitions[to]
	if !ok {
		return nil, ErrInvalidTransition
	}
	return s.store.UpdateStatus(ctx, ref, to, from...)
}

// ListByUser returns a user's transactions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
