package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory idempotency store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, key, userID, scope string, response json.RawMessage) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[key]; exists {
		return ErrKeyTaken
	}
	m.records[key] = &Record{
		Key:       key,
		UserID:    userID,
		Scope:     scope,
		Response:  append(json.RawMessage(nil), response...),
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for key, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, key)
			purged++
		}
	}
	return purged, nil
}
