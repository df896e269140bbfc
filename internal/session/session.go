// Package session owns the booked-session state machine: booking,
// model acceptance, joining, extension, mutual confirmation and the
// early-end decision table. Money never moves here directly; the service
// drives the escrow package, which credits wallets.
//
// Status flow:
//
//	pending_payment → pending → accepted → active → awaiting_confirmation → completed
//
// with side branches: pending_payment|pending → cancelled_by_client,
// pending → cancelled_by_model | rejected, and accepted|active|
// awaiting_confirmation → disputed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/escrow"
	"github.com/velora-app/velora/internal/idgen"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidState         = errors.New("invalid session status for this operation")
	ErrNotParticipant       = errors.New("actor is not part of this session")
	ErrNotModel             = errors.New("only the assigned model may respond")
	ErrAlreadyEnded         = errors.New("session already ended")
	ErrUnknownRate          = errors.New("no rate for this session type and duration")
	ErrExtensionUnavailable = errors.New("session type cannot be extended")
	ErrInvalidReason        = errors.New("unknown end reason")
	ErrOutsideWindow        = errors.New("scheduled time outside the booking window")
)

// Session types.
const (
	TypeChat  = "chat"
	TypeVoice = "voice"
	TypeVideo = "video"
)

// Status represents the state of a session.
type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPending         Status = "pending" // paid, waiting for the model to respond
	StatusAccepted        Status = "accepted"
	StatusActive          Status = "active"
	StatusAwaitingConfirm Status = "awaiting_confirmation"
	StatusCompleted       Status = "completed"
	StatusCancelledClient Status = "cancelled_by_client"
	StatusCancelledModel  Status = "cancelled_by_model"
	StatusRejected        Status = "rejected"
	StatusDisputed        Status = "disputed"
)

// IsTerminal reports whether no further end or cancel calls are accepted.
// disputed is a detour, not terminal: the admin resolution settles it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledClient, StatusCancelledModel, StatusRejected:
		return true
	}
	return false
}

// BookingWindow is how far ahead a session may be scheduled.
const BookingWindow = 24 * time.Hour

// Session is one booked call between a client and a model.
type Session struct {
	Ref          string          `json:"ref"`
	ClientID     string          `json:"clientId"`
	ModelID      string          `json:"modelId"`
	Type         string          `json:"type"`
	Duration     int             `json:"duration"` // minutes, grows with extensions
	Price        decimal.Decimal `json:"price"`
	ScheduledFor time.Time       `json:"scheduledFor"`
	Status       Status          `json:"status"`

	// EscrowRef is the main booking escrow; ExtensionRefs collect the
	// escrows opened for each 5-minute extension.
	EscrowRef     string   `json:"escrowRef,omitempty"`
	ExtensionRefs []string `json:"extensionRefs,omitempty"`

	ClientJoinedAt *time.Time `json:"clientJoinedAt,omitempty"`
	ModelJoinedAt  *time.Time `json:"modelJoinedAt,omitempty"`
	ActualStart    *time.Time `json:"actualStart,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduledEnd,omitempty"`

	ClientConfirmed bool `json:"clientConfirmed"`
	ModelConfirmed  bool `json:"modelConfirmed"`

	EndedBy   string `json:"endedBy,omitempty"`
	EndReason string `json:"endReason,omitempty"`
	Outcome   string `json:"outcome,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectiveDeadline is when the session should be over: scheduled_end if
// activation set it, otherwise actual_start plus the booked duration.
func (s *Session) EffectiveDeadline() (time.Time, bool) {
	if s.ScheduledEnd != nil {
		return *s.ScheduledEnd, true
	}
	if s.ActualStart != nil {
		return s.ActualStart.Add(time.Duration(s.Duration) * time.Minute), true
	}
	return time.Time{}, false
}

func (s *Session) role(actorID string) (string, error) {
	switch actorID {
	case s.ClientID:
		return RoleClient, nil
	case s.ModelID:
		return RoleModel, nil
	}
	return "", ErrNotParticipant
}

// Actor roles.
const (
	RoleClient = "client"
	RoleModel  = "model"
)

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, ref string) (*Session, error)
	// Update writes the mutable fields of a session.
	Update(ctx context.Context, s *Session) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	// ListActivePastDeadline returns active sessions whose effective
	// deadline passed before the given time.
	ListActivePastDeadline(ctx context.Context, before time.Time, limit int) ([]*Session, error)
	// MarkAwaitingConfirmation moves active → awaiting_confirmation.
	// Returns false without error when the session already moved on,
	// so a re-run of the sweep is a no-op.
	MarkAwaitingConfirmation(ctx context.Context, ref string) (bool, error)
}

// Escrows is the slice of the escrow service the lifecycle drives.
// *escrow.Service satisfies it.
type Escrows interface {
	Release(ctx context.Context, ref string) (*escrow.Escrow, error)
	Refund(ctx context.Context, ref string) (*escrow.Escrow, error)
	OpenDispute(ctx context.Context, escrowRef, sessionRef, openedBy, reason, note string) (*escrow.Dispute, error)
}

// Events receives session lifecycle notifications.
type Events interface {
	EmitSessionBooked(ref, clientID, modelID, sessionType string)
	EmitSessionConfirmRequested(ref, clientID, modelID string)
	EmitSessionCompleted(ref, outcome string)
}

// BookRequest contains the parameters for booking a session.
type BookRequest struct {
	ClientID     string
	ModelID      string
	Type         string
	Duration     int
	ScheduledFor time.Time
}

// Service implements the session lifecycle.
type Service struct {
	store   Store
	escrows Escrows
	events  Events
	locks   sync.Map
	now     func() time.Time
}

// NewService creates a new session service.
func NewService(store Store, escrows Escrows) *Service {
	return &Service{store: store, escrows: escrows, now: time.Now}
}

// WithEvents attaches a lifecycle event emitter.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

func (s *Service) sessionLock(ref string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(ref, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// dropLockIfTerminal evicts a finished session's lock entry so the map
// does not grow forever. Late callers may briefly hold a fresh mutex,
// but terminal sessions reject every further transition regardless.
func (s *Service) dropLockIfTerminal(session *Session) {
	if session.Status.IsTerminal() {
		s.locks.Delete(session.Ref)
	}
}

// New validates a booking request and builds an unpersisted session in
// pending_payment with the price locked in from the rate table. The
// payment layer persists it, flipping to pending for already-settled
// wallet charges.
func New(req BookRequest) (*Session, error) {
	price, err := Price(req.Type, req.Duration)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if req.ScheduledFor.Before(now.Add(-time.Minute)) || req.ScheduledFor.After(now.Add(BookingWindow)) {
		return nil, ErrOutsideWindow
	}

	return &Session{
		Ref:          idgen.WithPrefix("ses_"),
		ClientID:     req.ClientID,
		ModelID:      req.ModelID,
		Type:         req.Type,
		Duration:     req.Duration,
		Price:        price,
		ScheduledFor: req.ScheduledFor,
		Status:       StatusPendingPayment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Create persists a pre-built session, e.g. one the payment layer built
// with New and settled immediately.
func (s *Service) Create(ctx context.Context, session *Session) error {
	if err := s.store.Create(ctx, session); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	transitionsTotal.WithLabelValues(string(session.Status)).Inc()
	return nil
}

// Book creates a session awaiting external payment.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Session, error) {
	session, err := New(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	transitionsTotal.WithLabelValues(string(session.Status)).Inc()
	if s.events != nil {
		s.events.EmitSessionBooked(session.Ref, session.ClientID, session.ModelID, session.Type)
	}
	return session, nil
}

// Attach records a confirmed payment against a pending_payment session:
// the escrow ref is stored and the model's clock starts.
func (s *Service) Attach(ctx context.Context, ref, escrowRef string) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusPendingPayment {
		return nil, ErrInvalidState
	}

	session.Status = StatusPending
	session.EscrowRef = escrowRef
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	return session, nil
}

// Respond records the model's answer to a paid booking. Accepting moves
// the session to accepted; declining cancels it and refunds the full
// escrow to the client.
func (s *Service) Respond(ctx context.Context, ref, actorID string, accept bool) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if actorID != session.ModelID {
		return nil, ErrNotModel
	}
	if session.Status != StatusPending {
		return nil, ErrInvalidState
	}

	if accept {
		session.Status = StatusAccepted
	} else {
		session.Status = StatusCancelledModel
		session.Outcome = OutcomeRefund
	}
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}

	if !accept && session.EscrowRef != "" {
		if _, err := s.escrows.Refund(ctx, session.EscrowRef); err != nil {
			return nil, fmt.Errorf("declined but refund failed: %w", err)
		}
	}
	transitionsTotal.WithLabelValues(string(session.Status)).Inc()
	s.dropLockIfTerminal(session)
	return session, nil
}

// Join records that one side entered the call. When both sides have
// joined the session goes active: actual_start is stamped and
// scheduled_end is computed from the booked duration. Joining twice is
// a no-op; the first timestamp wins.
func (s *Service) Join(ctx context.Context, ref, actorID string) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	role, err := session.role(actorID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusAccepted && session.Status != StatusActive {
		return nil, ErrInvalidState
	}

	now := s.now()
	switch role {
	case RoleClient:
		if session.ClientJoinedAt == nil {
			session.ClientJoinedAt = &now
		}
	case RoleModel:
		if session.ModelJoinedAt == nil {
			session.ModelJoinedAt = &now
		}
	}

	if session.Status == StatusAccepted && session.ClientJoinedAt != nil && session.ModelJoinedAt != nil {
		session.Status = StatusActive
		session.ActualStart = &now
		end := now.Add(time.Duration(session.Duration) * time.Minute)
		session.ScheduledEnd = &end
		transitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	}

	session.UpdatedAt = now
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Confirm records one side's completion confirmation. The first confirm
// parks the session in awaiting_confirmation; when both sides have
// confirmed it completes and every escrow tied to it is released.
func (s *Service) Confirm(ctx context.Context, ref, actorID string) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	role, err := session.role(actorID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive && session.Status != StatusAwaitingConfirm {
		return nil, ErrInvalidState
	}

	if role == RoleClient {
		session.ClientConfirmed = true
	} else {
		session.ModelConfirmed = true
	}

	if session.ClientConfirmed && session.ModelConfirmed {
		session.Status = StatusCompleted
		session.Outcome = OutcomeRelease
	} else {
		session.Status = StatusAwaitingConfirm
	}
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(session.Status)).Inc()

	if session.Status == StatusCompleted {
		if err := s.releaseEscrows(ctx, session); err != nil {
			return nil, err
		}
		if s.events != nil {
			s.events.EmitSessionCompleted(session.Ref, OutcomeRelease)
		}
	}
	s.dropLockIfTerminal(session)
	return session, nil
}

// releaseEscrows releases the booking escrow and every extension escrow.
// escrow.Release is idempotent, so a partial failure can be retried.
func (s *Service) releaseEscrows(ctx context.Context, session *Session) error {
	refs := session.ExtensionRefs
	if session.EscrowRef != "" {
		refs = append([]string{session.EscrowRef}, refs...)
	}
	for _, ref := range refs {
		if _, err := s.escrows.Release(ctx, ref); err != nil {
			return fmt.Errorf("failed to release escrow %s: %w", ref, err)
		}
	}
	return nil
}

// Get returns a session by ref.
func (s *Service) Get(ctx context.Context, ref string) (*Session, error) {
	return s.store.Get(ctx, ref)
}

// ListByUser returns sessions involving a user as client or model.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
