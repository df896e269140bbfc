// Package wallet tracks per-user platform balances.
//
// Flow:
//  1. A confirmed payment or an escrow refund credits a user's wallet
//  2. Wallet-funded bookings debit the balance into an escrow hold
//  3. An escrow release credits the receiving model's payout
//
// Every mutation appends an immutable wallet entry.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/money"
	"github.com/velora-app/velora/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Entry types recorded in the wallet history.
const (
	EntryCharge     = "charge"     // wallet-funded booking debit
	EntryRefund     = "refund"     // escrow refunded to the payer
	EntryPayout     = "payout"     // escrow released to the receiver
	EntryTopUp      = "top_up"     // confirmed external payment
	EntryAdjustment = "adjustment" // admin correction
)

// Entry is one immutable line in a user's wallet history.
type Entry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"` // escrow ref, transaction ref
	CreatedAt time.Time       `json:"createdAt"`
}

// Balance is a user's current wallet state.
type Balance struct {
	UserID    string          `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists wallet balances and entries.
type Store interface {
	Balance(ctx context.Context, userID string) (*Balance, error)
	// Credit adds funds, creating the wallet if needed.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error
	// Debit removes funds atomically; it fails with ErrInsufficientFunds
	// when the balance cannot cover the amount.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error
	// History returns up to limit entries newest first, starting after
	// the cursor position when before is non-nil.
	History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Entry, error)
}

// Ledger manages user wallets.
type Ledger struct {
	store Store
}

// New creates a new wallet ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns a user's current balance. Unknown users get a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.Balance(ctx, userID)
}

// Credit adds funds to a user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error {
	if err := money.Validate(amount); err != nil {
		return ErrInvalidAmount
	}
	done := observeOp(entryType)
	defer done()
	return l.store.Credit(ctx, userID, amount, entryType, reference)
}

// Debit removes funds from a user's wallet.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error {
	if err := money.Validate(amount); err != nil {
		return ErrInvalidAmount
	}
	done := observeOp(entryType)
	defer done()
	return l.store.Debit(ctx, userID, amount, entryType, reference)
}

// CanSpend checks if a user has sufficient balance.
func (l *Ledger) CanSpend(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.Balance.GreaterThanOrEqual(amount), nil
}

// History returns one page of wallet entries for a user, newest first.
// cursor is an opaque position from a previous page, or "" for the first
// page. The returned cursor is "" on the last page.
func (l *Ledger) History(ctx context.Context, userID string, limit int, cursor string) ([]*Entry, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	// Fetch one extra row to learn whether another page exists.
	entries, err := l.store.History(ctx, userID, limit+1, before)
	if err != nil {
		return nil, "", false, err
	}
	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return entries, next, hasMore, nil
}
