package storefront

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory storefront store for demo/development mode.
type MemoryStore struct {
	grants    map[string]*AccessGrant     // clientID/modelID
	purchases map[string]*ContentPurchase // by escrow ref
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory storefront store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:    make(map[string]*AccessGrant),
		purchases: make(map[string]*ContentPurchase),
	}
}

func grantKey(clientID, modelID string) string {
	return clientID + "/" + modelID
}

func (m *MemoryStore) CreateGrant(ctx context.Context, g *AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := grantKey(g.ClientID, g.ModelID)
	if _, exists := m.grants[key]; exists {
		return ErrAlreadyGranted
	}
	cp := *g
	m.grants[key] = &cp
	return nil
}

func (m *MemoryStore) HasAccess(ctx context.Context, clientID, modelID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.grants[grantKey(clientID, modelID)]
	return ok, nil
}

func (m *MemoryStore) ListGrants(ctx context.Context, clientID string) ([]*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AccessGrant
	for _, g := range m.grants {
		if g.ClientID == clientID {
			cp := *g
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) CreatePurchase(ctx context.Context, p *ContentPurchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.purchases[p.EscrowRef] = &cp
	return nil
}

func (m *MemoryStore) PurchaseByEscrow(ctx context.Context, escrowRef string) (*ContentPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[escrowRef]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, escrowRef string) (*ContentPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[escrowRef]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	if !p.Delivered {
		now := time.Now()
		p.Delivered = true
		p.DeliveredAt = &now
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPurchases(ctx context.Context, buyerID string, limit int) ([]*ContentPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ContentPurchase
	for _, p := range m.purchases {
		if p.BuyerID == buyerID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
