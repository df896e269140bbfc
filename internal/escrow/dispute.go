package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/velora-app/velora/internal/idgen"
)

// Dispute statuses.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Dispute resolutions.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Dispute is a contested escrow awaiting an admin decision. History is
// retained: resolving a dispute closes the row rather than deleting it.
type Dispute struct {
	Ref        string     `json:"ref"`
	EscrowRef  string     `json:"escrowRef"`
	SessionRef string     `json:"sessionRef,omitempty"`
	OpenedBy   string     `json:"openedBy"`
	Reason     string     `json:"reason"`
	Note       string     `json:"note,omitempty"`
	Status     string     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// OpenDispute freezes an escrow and records who contested it and why.
// An escrow carries at most one open dispute; opening a second one fails
// with ErrDisputeOpen. The escrow keeps the first dispute reason it saw.
func (s *Service) OpenDispute(ctx context.Context, escrowRef, sessionRef, openedBy, reason, note string) (*Dispute, error) {
	mu := s.escrowLock(escrowRef)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, escrowRef)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	if _, err := s.store.OpenDisputeFor(ctx, escrowRef); err == nil {
		return nil, ErrDisputeOpen
	} else if err != ErrDisputeNotFound {
		return nil, err
	}

	dispute := &Dispute{
		Ref:        idgen.WithPrefix("dsp_"),
		EscrowRef:  escrowRef,
		SessionRef: sessionRef,
		OpenedBy:   openedBy,
		Reason:     reason,
		Note:       note,
		Status:     DisputeOpen,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	if _, err := s.store.MarkDisputed(ctx, escrowRef, reason); err != nil {
		return nil, fmt.Errorf("failed to mark escrow disputed: %w", err)
	}

	transitionsTotal.WithLabelValues("disputed").Inc()
	disputesOpen.Inc()
	if s.events != nil {
		s.events.EmitDisputeOpened(dispute.Ref, escrowRef, openedBy, reason)
	}
	return dispute, nil
}

// ResolveDispute closes the open dispute on an escrow and applies the
// decided outcome: release pays the receiver, refund returns the full
// amount to the payer.
func (s *Service) ResolveDispute(ctx context.Context, escrowRef, resolution, resolvedBy, note string) (*Escrow, error) {
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}

	dispute, err := s.store.OpenDisputeFor(ctx, escrowRef)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.CloseDispute(ctx, dispute.Ref, resolution, resolvedBy, note); err != nil {
		return nil, fmt.Errorf("failed to close dispute: %w", err)
	}
	disputesOpen.Dec()

	var escrow *Escrow
	if resolution == ResolutionRelease {
		escrow, err = s.Release(ctx, escrowRef)
	} else {
		escrow, err = s.Refund(ctx, escrowRef)
	}
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.EmitDisputeResolved(dispute.Ref, escrowRef, resolution, resolvedBy)
	}
	return escrow, nil
}

// OpenDisputeFor returns the open dispute on an escrow, if any.
func (s *Service) OpenDisputeFor(ctx context.Context, escrowRef string) (*Dispute, error) {
	return s.store.OpenDisputeFor(ctx, escrowRef)
}

// ListDisputes returns disputes filtered by status ("" for all).
func (s *Service) ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListDisputes(ctx, status, limit)
}
