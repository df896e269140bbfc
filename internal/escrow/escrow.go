// Package escrow holds buyer funds until the platform decides who gets them.
//
// Flow:
//  1. A confirmed payment opens an escrow account: funds are held
//  2. The release condition is met (session completes, content delivered,
//     admin approves) → receiver payout credited, platform keeps the fee
//  3. A dispute freezes the escrow until an admin resolves it
//  4. Past the auto-release deadline the reconciliation sweep releases it
//
// Status DAG:
//
//	held → released | refunded
//	held → disputed → released | refunded
//
// released and refunded are terminal.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/idgen"
	"github.com/velora-app/velora/internal/money"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidType     = errors.New("invalid escrow type")
	ErrAlreadyResolved = errors.New("escrow already resolved")
	ErrDisputeOpen     = errors.New("escrow already has an open dispute")
	ErrDisputeNotFound = errors.New("no open dispute for this escrow")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"     // Funds captured, awaiting the release condition
	StatusDisputed Status = "disputed" // Frozen pending admin resolution
	StatusReleased Status = "released" // Payout credited to the receiver
	StatusRefunded Status = "refunded" // Full amount returned to the payer
)

// Escrow types. The type decides the fee split and the release side effects.
const (
	TypeAccessFee       = "access_fee"       // gallery unlock, platform keeps everything
	TypeContent         = "content"          // digital content sale
	TypeSession         = "session"          // externally paid session booking
	TypeExtension       = "extension"        // externally paid session extension
	TypeWalletSession   = "wallet_session"   // wallet-funded session booking
	TypeWalletExtension = "wallet_extension" // wallet-funded session extension
)

func validType(t string) bool {
	switch t {
	case TypeAccessFee, TypeContent, TypeSession, TypeExtension, TypeWalletSession, TypeWalletExtension:
		return true
	}
	return false
}

// Escrow represents held funds and their resolution state.
type Escrow struct {
	Ref              string          `json:"ref"`
	Type             string          `json:"type"`
	RelatedRef       string          `json:"relatedRef,omitempty"` // session ref, content ref, transaction ref
	PayerID          string          `json:"payerId"`
	ReceiverID       string          `json:"receiverId,omitempty"` // empty for access fees
	Amount           decimal.Decimal `json:"amount"`
	PlatformFee      decimal.Decimal `json:"platformFee"`
	ReceiverPayout   decimal.Decimal `json:"receiverPayout"`
	Status           Status          `json:"status"`
	ReleaseCondition string          `json:"releaseCondition,omitempty"`
	ConditionMet     bool            `json:"conditionMet"`
	DisputeReason    string          `json:"disputeReason,omitempty"`
	AutoReleaseAt    *time.Time      `json:"autoReleaseAt,omitempty"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrow accounts and their disputes.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, ref string) (*Escrow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListAutoReleasable returns held escrows whose auto-release deadline
	// passed before the given time.
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// Release atomically moves held|disputed → released and credits the
	// receiver payout in the same storage transaction. ErrInvalidStatus
	// when the escrow is already terminal.
	Release(ctx context.Context, ref string) (*Escrow, error)
	// Refund atomically moves held|disputed → refunded and credits the
	// payer with the full amount in the same storage transaction.
	Refund(ctx context.Context, ref string) (*Escrow, error)
	// MarkDisputed moves held|disputed → disputed, keeping the first
	// recorded dispute reason.
	MarkDisputed(ctx context.Context, ref, reason string) (*Escrow, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	OpenDisputeFor(ctx context.Context, escrowRef string) (*Dispute, error)
	CloseDispute(ctx context.Context, disputeRef, resolution, resolvedBy, note string) (*Dispute, error)
	ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error)
}

// Events receives escrow lifecycle notifications. All methods are
// fire-and-forget.
type Events interface {
	EmitEscrowHeld(ref, escrowType, payerID, receiverID, amount string)
	EmitEscrowReleased(ref, receiverID, payout string)
	EmitEscrowRefunded(ref, payerID, amount string)
	EmitDisputeOpened(disputeRef, escrowRef, openedBy, reason string)
	EmitDisputeResolved(disputeRef, escrowRef, resolution, resolvedBy string)
}

// HoldRequest contains the parameters for opening an escrow.
type HoldRequest struct {
	Type       string
	RelatedRef string
	PayerID    string
	ReceiverID string
	Amount     decimal.Decimal
	// ReleaseCondition names what has to happen before release, e.g.
	// "session_completed", "content_delivered", "admin_approval".
	ReleaseCondition string
	// AutoReleaseAt, when set, lets the reconciliation sweep release the
	// escrow without anyone confirming.
	AutoReleaseAt *time.Time
}

// Service implements escrow business logic.
type Service struct {
	store  Store
	events Events
	locks  sync.Map // per-escrow ref locks so transitions cannot race
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithEvents attaches a lifecycle event emitter.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

// escrowLock returns a mutex for the given escrow ref.
// This prevents concurrent transitions (e.g. confirm + auto-release racing).
func (s *Service) escrowLock(ref string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(ref, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// dropLock evicts a terminal escrow's lock entry so the map does not
// grow forever. Late callers may briefly hold a fresh mutex, but every
// transition on a terminal escrow is rejected by the store anyway.
func (s *Service) dropLock(ref string) {
	s.locks.Delete(ref)
}

// NewHold validates a hold request and builds an unpersisted escrow.
// The fee split is computed once here and never recomputed: fee + payout
// always equals the amount. Access fees have no receiver, the platform
// keeps the whole amount.
func NewHold(req HoldRequest) (*Escrow, error) {
	if !validType(req.Type) {
		return nil, ErrInvalidType
	}
	if err := money.Validate(req.Amount); err != nil {
		return nil, ErrInvalidAmount
	}

	var fee, payout decimal.Decimal
	if req.Type == TypeAccessFee {
		fee, payout = req.Amount, decimal.Zero
	} else {
		fee, payout = money.SplitFee(req.Amount)
	}

	now := time.Now()
	return &Escrow{
		Ref:              idgen.WithPrefix("esc_"),
		Type:             req.Type,
		RelatedRef:       req.RelatedRef,
		PayerID:          req.PayerID,
		ReceiverID:       req.ReceiverID,
		Amount:           req.Amount,
		PlatformFee:      fee,
		ReceiverPayout:   payout,
		Status:           StatusHeld,
		ReleaseCondition: req.ReleaseCondition,
		AutoReleaseAt:    req.AutoReleaseAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Hold opens a new escrow.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Escrow, error) {
	escrow, err := NewHold(req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	transitionsTotal.WithLabelValues("held").Inc()
	if s.events != nil {
		s.events.EmitEscrowHeld(escrow.Ref, escrow.Type, escrow.PayerID, escrow.ReceiverID, escrow.Amount.String())
	}
	return escrow, nil
}

// Release resolves an escrow in the receiver's favor. The store credits the
// payout and flips the status in one transaction. Releasing an
// already-released escrow is a no-op success, so retries and racing sweeps
// cannot double-pay.
func (s *Service) Release(ctx context.Context, ref string) (*Escrow, error) {
	mu := s.escrowLock(ref)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if escrow.Status == StatusReleased {
		return escrow, nil
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	released, err := s.store.Release(ctx, ref)
	if err != nil {
		return s.settledElsewhere(ctx, ref, StatusReleased, err)
	}
	s.dropLock(ref)

	transitionsTotal.WithLabelValues("released").Inc()
	if s.events != nil {
		s.events.EmitEscrowReleased(released.Ref, released.ReceiverID, released.ReceiverPayout.String())
	}
	return released, nil
}

// Refund resolves an escrow in the payer's favor, returning the full
// amount including the platform fee. Refunding an already-refunded escrow
// is a no-op success.
func (s *Service) Refund(ctx context.Context, ref string) (*Escrow, error) {
	mu := s.escrowLock(ref)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if escrow.Status == StatusRefunded {
		return escrow, nil
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	refunded, err := s.store.Refund(ctx, ref)
	if err != nil {
		return s.settledElsewhere(ctx, ref, StatusRefunded, err)
	}
	s.dropLock(ref)

	transitionsTotal.WithLabelValues("refunded").Inc()
	if s.events != nil {
		s.events.EmitEscrowRefunded(refunded.Ref, refunded.PayerID, refunded.Amount.String())
	}
	return refunded, nil
}

// settledElsewhere re-reads the escrow after a store-level status
// rejection. The per-ref lock only covers this process; another
// instance can settle the escrow between our read and the update. When
// it landed in the state we wanted, the call is still a no-op success;
// any other terminal state surfaces ErrAlreadyResolved.
func (s *Service) settledElsewhere(ctx context.Context, ref string, want Status, storeErr error) (*Escrow, error) {
	if !errors.Is(storeErr, ErrInvalidStatus) {
		return nil, storeErr
	}
	current, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, storeErr
	}
	if current.Status == want {
		return current, nil
	}
	if current.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	return nil, storeErr
}

// Get returns an escrow by ref.
func (s *Service) Get(ctx context.Context, ref string) (*Escrow, error) {
	return s.store.Get(ctx, ref)
}

// ListByUser returns escrows involving a user as payer or receiver.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListAutoReleasable returns held escrows past their auto-release deadline.
func (s *Service) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListAutoReleasable(ctx, before, limit)
}
