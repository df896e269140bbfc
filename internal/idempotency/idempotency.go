// Package idempotency stores cached responses for client-supplied
// idempotency keys. The first writer wins; replays get the original
// response back unchanged.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("idempotency key not found")
	ErrKeyTaken = errors.New("idempotency key already recorded")
	ErrEmptyKey = errors.New("idempotency key must not be empty")
)

// Record is a cached response for one idempotency key.
type Record struct {
	Key       string          `json:"key"`
	UserID    string          `json:"userId"`
	Scope     string          `json:"scope"` // operation family, e.g. "wallet_charge"
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists idempotency records.
type Store interface {
	// Get returns the cached record or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Put records a response for a key. Insert-only: if the key already
	// exists it returns ErrKeyTaken and leaves the stored record alone.
	Put(ctx context.Context, key, userID, scope string, response json.RawMessage) error
	// PurgeOlderThan deletes records created before the cutoff and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
