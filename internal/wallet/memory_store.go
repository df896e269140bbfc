package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/idgen"
	"github.com/velora-app/velora/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		UserID:    userID,
		Balance:   decimal.Zero,
		TotalIn:   decimal.Zero,
		TotalOut:  decimal.Zero,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(userID, amount, entryType, reference)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debit(userID, amount, entryType, reference)
}

func (m *MemoryStore) credit(userID string, amount decimal.Decimal, entryType, reference string) {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID, Balance: decimal.Zero, TotalIn: decimal.Zero, TotalOut: decimal.Zero}
		m.balances[userID] = bal
	}

	bal.Balance = bal.Balance.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("we_"),
		UserID:    userID,
		Type:      entryType,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) debit(userID string, amount decimal.Decimal, entryType, reference string) error {
	bal, ok := m.balances[userID]
	if !ok || bal.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	bal.Balance = bal.Balance.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("we_"),
		UserID:    userID,
		Type:      entryType,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if before != nil && !beforeCursor(e, before) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// beforeCursor reports whether e sorts strictly after the cursor position
// in newest-first order.
func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}
