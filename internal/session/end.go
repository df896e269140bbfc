package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/velora-app/velora/internal/escrow"
)

// End reasons.
const (
	ReasonModelNoShow     = "model_no_show"
	ReasonClientNoShow    = "client_no_show"
	ReasonCompletedEarly  = "completed_early"
	ReasonTimeElapsed     = "time_elapsed"
	ReasonSafetyConcern   = "safety_concern"
	ReasonConnectionIssue = "connection_issue"
	ReasonScreenRecording = "screen_recording_detected"
	ReasonOther           = "other"
)

// End outcomes.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
	OutcomeDispute = "dispute"
)

func validReason(reason string) bool {
	switch reason {
	case ReasonModelNoShow, ReasonClientNoShow, ReasonCompletedEarly, ReasonTimeElapsed,
		ReasonSafetyConcern, ReasonConnectionIssue, ReasonScreenRecording, ReasonOther:
		return true
	}
	return false
}

// earlyEndGuard is how close to the scheduled end a session must be
// before a non-time_elapsed end can settle without a dispute.
const earlyEndGuard = 30 * time.Second

// endOutcome applies the decision table. A party cannot declare the
// OTHER side's no-show outcome in its own favor: a model reporting
// model_no_show, or a client reporting client_no_show, goes to dispute.
func endOutcome(reason, role string) string {
	switch reason {
	case ReasonModelNoShow:
		if role == RoleClient {
			return OutcomeRefund
		}
		return OutcomeDispute
	case ReasonClientNoShow:
		if role == RoleModel {
			return OutcomeRelease
		}
		return OutcomeDispute
	case ReasonCompletedEarly, ReasonTimeElapsed:
		return OutcomeRelease
	default:
		return OutcomeDispute
	}
}

// End terminates a session with a reason. The outcome (release, refund
// or dispute) follows the decision table, except that ending more than
// 30 seconds before the scheduled end for any reason other than
// time_elapsed always goes to dispute: neither side can self-report an
// early release to skip the other's confirmation.
func (s *Service) End(ctx context.Context, ref, actorID, reason, note string) (*Session, error) {
	if !validReason(reason) {
		return nil, ErrInvalidReason
	}

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
	if session.Status.IsTerminal() {
		return nil, ErrAlreadyEnded
	}
	switch session.Status {
	case StatusAccepted, StatusActive, StatusAwaitingConfirm:
	default:
		return nil, ErrInvalidState
	}

	outcome := endOutcome(reason, role)
	if deadline, ok := session.EffectiveDeadline(); ok && reason != ReasonTimeElapsed {
		if s.now().Before(deadline.Add(-earlyEndGuard)) {
			outcome = OutcomeDispute
		}
	}

	session.EndedBy = actorID
	session.EndReason = reason
	session.Outcome = outcome
	switch outcome {
	case OutcomeRelease:
		session.Status = StatusCompleted
	case OutcomeRefund:
		session.Status = StatusCancelledModel
	case OutcomeDispute:
		session.Status = StatusDisputed
	}
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(session.Status)).Inc()

	switch outcome {
	case OutcomeRelease:
		if err := s.releaseEscrows(ctx, session); err != nil {
			return nil, err
		}
		if s.events != nil {
			s.events.EmitSessionCompleted(session.Ref, outcome)
		}
	case OutcomeRefund:
		if session.EscrowRef != "" {
			if _, err := s.escrows.Refund(ctx, session.EscrowRef); err != nil {
				return nil, fmt.Errorf("failed to refund escrow: %w", err)
			}
		}
	case OutcomeDispute:
		if err := s.disputeEscrows(ctx, session, actorID, reason, note); err != nil {
			return nil, err
		}
	}
	s.dropLockIfTerminal(session)
	return session, nil
}

// disputeEscrows opens a dispute on the booking escrow and every
// extension escrow. Extensions must freeze with the session: a held
// extension would still auto-release while the outcome is contested.
// An escrow that already carries an open dispute is skipped.
func (s *Service) disputeEscrows(ctx context.Context, session *Session, actorID, reason, note string) error {
	refs := session.ExtensionRefs
	if session.EscrowRef != "" {
		refs = append([]string{session.EscrowRef}, refs...)
	}
	for _, ref := range refs {
		if _, err := s.escrows.OpenDispute(ctx, ref, session.Ref, actorID, reason, note); err != nil {
			if errors.Is(err, escrow.ErrDisputeOpen) {
				continue
			}
			return fmt.Errorf("failed to open dispute on escrow %s: %w", ref, err)
		}
	}
	return nil
}

// Cancel handles a client cancellation. Before the model accepts it is a
// full refund; after acceptance it is never a unilateral clawback and
// goes to dispute instead.
func (s *Service) Cancel(ctx context.Context, ref, actorID, note string) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if actorID != session.ClientID {
		return nil, ErrNotParticipant
	}
	if session.Status.IsTerminal() {
		return nil, ErrAlreadyEnded
	}

	switch session.Status {
	case StatusPendingPayment, StatusPending:
		session.Status = StatusCancelledClient
		session.Outcome = OutcomeRefund
		session.UpdatedAt = s.now()
		if err := s.store.Update(ctx, session); err != nil {
			return nil, err
		}
		transitionsTotal.WithLabelValues(string(StatusCancelledClient)).Inc()
		if session.EscrowRef != "" {
			if _, err := s.escrows.Refund(ctx, session.EscrowRef); err != nil {
				return nil, fmt.Errorf("failed to refund escrow: %w", err)
			}
		}
		s.dropLockIfTerminal(session)
		return session, nil

	case StatusAccepted, StatusActive, StatusAwaitingConfirm:
		session.Status = StatusDisputed
		session.Outcome = OutcomeDispute
		session.UpdatedAt = s.now()
		if err := s.store.Update(ctx, session); err != nil {
			return nil, err
		}
		transitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
		if err := s.disputeEscrows(ctx, session, actorID, "client_cancelled", note); err != nil {
			return nil, err
		}
		return session, nil
	}
	return nil, ErrInvalidState
}

// Dispute moves a running session into dispute without ending it with a
// reason, e.g. when the client contests after the fact.
func (s *Service) Dispute(ctx context.Context, ref, actorID, reason, note string) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := session.role(actorID); err != nil {
		return nil, err
	}
	switch session.Status {
	case StatusAccepted, StatusActive, StatusAwaitingConfirm:
	default:
		if session.Status.IsTerminal() {
			return nil, ErrAlreadyEnded
		}
		return nil, ErrInvalidState
	}

	session.Status = StatusDisputed
	session.Outcome = OutcomeDispute
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()

	if err := s.disputeEscrows(ctx, session, actorID, reason, note); err != nil {
		return nil, err
	}
	return session, nil
}

// Extend adds 5 minutes to the session. Allowed while the session is
// accepted, active or awaiting confirmation; chat sessions have no
// extension price and are rejected. The extension's escrow is opened by
// the payment layer and recorded here so completion releases it too.
func (s *Service) Extend(ctx context.Context, ref, extensionEscrowRef string) (*Session, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := ExtensionPrice(session.Type); err != nil {
		return nil, err
	}
	switch session.Status {
	case StatusAccepted, StatusActive, StatusAwaitingConfirm:
	default:
		return nil, ErrInvalidState
	}

	session.Duration += ExtensionMinutes
	if session.ScheduledEnd != nil {
		end := session.ScheduledEnd.Add(ExtensionMinutes * time.Minute)
		session.ScheduledEnd = &end
	}
	if extensionEscrowRef != "" {
		session.ExtensionRefs = append(session.ExtensionRefs, extensionEscrowRef)
	}
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// RequestConfirmation moves an overdue active session to
// awaiting_confirmation and notifies both parties. Used by the
// reconciliation sweep; returns false when the session already moved on.
func (s *Service) RequestConfirmation(ctx context.Context, ref string) (bool, error) {
	mu := s.sessionLock(ref)
	mu.Lock()
	defer mu.Unlock()

	moved, err := s.store.MarkAwaitingConfirmation(ctx, ref)
	if err != nil || !moved {
		return false, err
	}
	transitionsTotal.WithLabelValues(string(StatusAwaitingConfirm)).Inc()

	if s.events != nil {
		if session, err := s.store.Get(ctx, ref); err == nil {
			s.events.EmitSessionConfirmRequested(session.Ref, session.ClientID, session.ModelID)
		}
	}
	return true, nil
}

// ListActivePastDeadline returns active sessions overdue for confirmation.
func (s *Service) ListActivePastDeadline(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListActivePastDeadline(ctx, before, limit)
}
