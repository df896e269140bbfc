// Package notify delivers signed webhook notifications to external
// services. Clients and models register webhook URLs to hear about
// payment confirmations, escrow movements, disputes and session
// lifecycle changes.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/velora-app/velora/internal/retry"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType names a webhook event.
type EventType string

const (
	EventPaymentConfirmed        EventType = "payment.confirmed"
	EventEscrowHeld              EventType = "escrow.held"
	EventEscrowReleased          EventType = "escrow.released"
	EventEscrowRefunded          EventType = "escrow.refunded"
	EventDisputeOpened           EventType = "dispute.opened"
	EventDisputeResolved         EventType = "dispute.resolved"
	EventSessionBooked           EventType = "session.booked"
	EventSessionConfirmRequested EventType = "session.confirm_requested"
	EventSessionCompleted        EventType = "session.completed"
)

// KnownEvent reports whether t is a deliverable event type.
func KnownEvent(t EventType) bool {
	switch t {
	case EventPaymentConfirmed,
		EventEscrowHeld, EventEscrowReleased, EventEscrowRefunded,
		EventDisputeOpened, EventDisputeResolved,
		EventSessionBooked, EventSessionConfirmRequested, EventSessionCompleted:
		return true
	}
	return false
}

// Event is one webhook delivery payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and the auto-disable threshold.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxFailures consecutive failed deliveries deactivate the
	// subscription. Dead endpoints do not get hammered forever.
	MaxFailures int
}

// DefaultRetryConfig is the production delivery policy.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	MaxFailures: 25,
}

// Dispatcher sends webhook events.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with a custom retry policy.
func NewDispatcherWithRetry(store Store, retry RetryConfig) *Dispatcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		retry:        retry,
		urlValidator: validateURL,
	}
}

// validateURL rejects destinations a webhook must never reach: anything
// that is not plain http(s), and loopback or private addresses.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" || host == "localhost" {
		return fmt.Errorf("webhook host %q not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook host %q not allowed", host)
		}
	}
	return nil
}

// Dispatch sends an event to every active subscriber of its type.
// Delivery is async; Dispatch only fails when subscribers cannot be listed.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(ctx, sub, event)
	}
	return nil
}

// DispatchToUser sends an event to one user's matching subscriptions.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(ctx, sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	var lastErr string
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: d.retry.MaxAttempts,
		BaseDelay:   d.retry.BaseDelay,
		MaxDelay:    d.retry.MaxDelay,
	}, func() error {
		lastErr = d.attempt(ctx, sub, event, payload)
		if lastErr == "" {
			return nil
		}
		return errors.New(lastErr)
	})
	if err == nil {
		d.updateSuccess(ctx, sub)
		return
	}
	d.updateError(ctx, sub, lastErr)
}

// attempt makes one delivery. Returns "" on success, an error message
// otherwise.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, event *Event, payload []byte) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return "failed to create request"
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Velora-Event", string(event.Type))
	req.Header.Set("X-Velora-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Velora-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ""
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}
