package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/wallet"
)

// WalletCreditor abstracts the balance credit applied when an escrow
// resolves, so the memory store works against any wallet implementation.
type WalletCreditor interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) error
}

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows  map[string]*Escrow
	disputes map[string]*Dispute
	open     map[string]string // escrow ref -> open dispute ref
	wallets  WalletCreditor
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store. Resolved escrows
// credit balances through the given wallet.
func NewMemoryStore(wallets WalletCreditor) *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		disputes: make(map[string]*Dispute),
		open:     make(map[string]string),
		wallets:  wallets,
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *escrow
	m.escrows[escrow.Ref] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, ref string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[ref]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.PayerID == userID || e.ReceiverID == userID {
			cp := *e
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

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusHeld && e.AutoReleaseAt != nil && e.AutoReleaseAt.Before(before) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AutoReleaseAt.Before(*result[j].AutoReleaseAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Release(ctx context.Context, ref string) (*Escrow, error) {
	m.mu.Lock()
	escrow, ok := m.escrows[ref]
	if !ok {
		m.mu.Unlock()
		return nil, ErrEscrowNotFound
	}
	if escrow.Status != StatusHeld && escrow.Status != StatusDisputed {
		m.mu.Unlock()
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	escrow.Status = StatusReleased
	escrow.ConditionMet = true
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
	cp := *escrow
	m.mu.Unlock()

	if cp.ReceiverID != "" && cp.ReceiverPayout.IsPositive() {
		if err := m.wallets.Credit(ctx, cp.ReceiverID, cp.ReceiverPayout, wallet.EntryPayout, cp.Ref); err != nil {
			return nil, err
		}
	}
	return &cp, nil
}

func (m *MemoryStore) Refund(ctx context.Context, ref string) (*Escrow, error) {
	m.mu.Lock()
	escrow, ok := m.escrows[ref]
	if !ok {
		m.mu.Unlock()
		return nil, ErrEscrowNotFound
	}
	if escrow.Status != StatusHeld && escrow.Status != StatusDisputed {
		m.mu.Unlock()
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	escrow.Status = StatusRefunded
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
	cp := *escrow
	m.mu.Unlock()

	if err := m.wallets.Credit(ctx, cp.PayerID, cp.Amount, wallet.EntryRefund, cp.Ref); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MemoryStore) MarkDisputed(ctx context.Context, ref, reason string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[ref]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if escrow.Status != StatusHeld && escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	escrow.Status = StatusDisputed
	if escrow.DisputeReason == "" {
		escrow.DisputeReason = reason
	}
	escrow.UpdatedAt = time.Now()
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.open[d.EscrowRef]; exists {
		return ErrDisputeOpen
	}
	cp := *d
	m.disputes[d.Ref] = &cp
	m.open[d.EscrowRef] = d.Ref
	return nil
}

func (m *MemoryStore) OpenDisputeFor(ctx context.Context, escrowRef string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.open[escrowRef]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *m.disputes[ref]
	return &cp, nil
}

func (m *MemoryStore) CloseDispute(ctx context.Context, disputeRef, resolution, resolvedBy, note string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeRef]
	if !ok || d.Status != DisputeOpen {
		return nil, ErrDisputeNotFound
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.Resolution = resolution
	d.ResolvedBy = resolvedBy
	if note != "" {
		d.Note = note
	}
	d.ResolvedAt = &now
	delete(m.open, d.EscrowRef)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if status == "" || d.Status == status {
			cp := *d
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
