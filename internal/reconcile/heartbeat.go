package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoHeartbeat means the worker has never run.
var ErrNoHeartbeat = errors.New("no worker run recorded")

// Heartbeat is one recorded worker run.
type Heartbeat struct {
	RanAt           time.Time     `json:"ranAt"`
	SessionsMarked  int           `json:"sessionsMarked"`
	EscrowsReleased int           `json:"escrowsReleased"`
	Errors          int           `json:"errors"`
	Duration        time.Duration `json:"duration"`
}

// HeartbeatStore persists worker runs.
type HeartbeatStore interface {
	Record(ctx context.Context, hb *Heartbeat) error
	Last(ctx context.Context) (*Heartbeat, error)
}

// MemoryHeartbeats keeps only the most recent run.
type MemoryHeartbeats struct {
	last *Heartbeat
	mu   sync.RWMutex
}

// NewMemoryHeartbeats creates an in-memory heartbeat store.
func NewMemoryHeartbeats() *MemoryHeartbeats {
	return &MemoryHeartbeats{}
}

func (m *MemoryHeartbeats) Record(ctx context.Context, hb *Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *hb
	m.last = &cp
	return nil
}

func (m *MemoryHeartbeats) Last(ctx context.Context) (*Heartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.last == nil {
		return nil, ErrNoHeartbeat
	}
	cp := *m.last
	return &cp, nil
}
