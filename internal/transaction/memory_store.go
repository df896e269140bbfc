package transaction

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns map[string]*Transaction
	refs []string // insertion order
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *txn
	m.txns[txn.Ref] = &cp
	m.refs = append(m.refs, txn.Ref)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, ref, to string, from ...string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, txn.Status) {
		return nil, ErrInvalidTransition
	}

	txn.Status = to
	txn.UpdatedAt = time.Now()
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.refs) - 1; i >= 0 && len(result) < limit; i-- {
		if txn := m.txns[m.refs[i]]; txn.UserID == userID {
			cp := *txn
			result = append(result, &cp)
		}
	}
	return result, nil
}
