package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/escrow"
	"github.com/velora-app/velora/internal/session"
	"github.com/velora-app/velora/internal/traces"
	"github.com/velora-app/velora/internal/transaction"
	"github.com/velora-app/velora/internal/wallet"
)

// InitiateRequest starts a crypto or card payment. The transaction sits
// in pending until an admin (crypto) or the gateway callback (card)
// confirms the money actually arrived.
type InitiateRequest struct {
	UserID  string
	Method  string // crypto or card
	Purpose string

	// session booking
	ModelID      string
	SessionType  string
	Duration     int
	ScheduledFor time.Time

	// extension
	SessionRef string

	// content, access fee, top-up
	ContentID string
	Amount    decimal.Decimal
}

// InitiateResult is the pending transaction plus the session it books,
// if any.
type InitiateResult struct {
	Transaction *transaction.Transaction `json:"transaction"`
	SessionRef  string                   `json:"sessionRef,omitempty"`
}

// InitiateExternal creates a pending transaction for an external payment
// method. For a session purpose it also books the session in
// pending_payment so the slot is visible while the money is in flight.
func (s *Service) InitiateExternal(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.Method != transaction.MethodCrypto && req.Method != transaction.MethodCard {
		return nil, transaction.ErrInvalidMethod
	}
	if !validPurpose(req.Purpose) {
		return nil, ErrUnknownPurpose
	}

	amount := req.Amount
	metadata := map[string]any{"purpose": req.Purpose}
	sessionRef := ""

	switch req.Purpose {
	case PurposeSession:
		ses, err := s.sessions.Book(ctx, session.BookRequest{
			ClientID:     req.UserID,
			ModelID:      req.ModelID,
			Type:         req.SessionType,
			Duration:     req.Duration,
			ScheduledFor: req.ScheduledFor,
		})
		if err != nil {
			return nil, err
		}
		amount = ses.Price
		sessionRef = ses.Ref
		metadata["session_ref"] = ses.Ref
		metadata["model_id"] = req.ModelID

	case PurposeExtension:
		ses, err := s.sessions.Get(ctx, req.SessionRef)
		if err != nil {
			return nil, err
		}
		if ses.ClientID != req.UserID {
			return nil, session.ErrNotParticipant
		}
		price, err := session.ExtensionPrice(ses.Type)
		if err != nil {
			return nil, err
		}
		amount = price
		sessionRef = ses.Ref
		metadata["session_ref"] = ses.Ref

	case PurposeContent:
		if req.ContentID == "" || req.ModelID == "" {
			return nil, ErrMissingField
		}
		metadata["content_id"] = req.ContentID
		metadata["model_id"] = req.ModelID

	case PurposeAccessFee:
		if req.ModelID == "" {
			return nil, ErrMissingField
		}
		metadata["model_id"] = req.ModelID
	}

	txn, err := s.transactions.Create(ctx, req.UserID, amount, req.Method, transaction.StatusPending, metadata)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{Transaction: txn, SessionRef: sessionRef}, nil
}

// MarkSubmitted records that the payer reports the external payment as
// sent, e.g. a crypto transfer broadcast.
func (s *Service) MarkSubmitted(ctx context.Context, transactionRef string) (*transaction.Transaction, error) {
	return s.transactions.Transition(ctx, transactionRef, transaction.StatusSubmitted)
}

// ConfirmResult is the outcome of confirming an external payment.
type ConfirmResult struct {
	Transaction      *transaction.Transaction `json:"transaction"`
	EscrowRef        string                   `json:"escrowRef,omitempty"`
	AlreadyConfirmed bool                     `json:"alreadyConfirmed"`
}

// ConfirmExternalPayment settles a pending or submitted transaction once
// the money verifiably arrived, then opens the purpose-appropriate
// escrow. Confirming an already-completed transaction is a no-op.
func (s *Service) ConfirmExternalPayment(ctx context.Context, transactionRef string, confirmedAmount decimal.Decimal) (*ConfirmResult, error) {
	ctx, span := traces.StartSpan(ctx, "payments.ConfirmExternalPayment",
		traces.TransactionRef(transactionRef))
	defer span.End()

	txn, err := s.transactions.Get(ctx, transactionRef)
	if err != nil {
		return nil, err
	}
	if txn.Status == transaction.StatusCompleted {
		return &ConfirmResult{Transaction: txn, AlreadyConfirmed: true}, nil
	}
	if !confirmedAmount.IsZero() && !confirmedAmount.Equal(txn.Amount) {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrAmountMismatch, confirmedAmount, txn.Amount)
	}

	txn, err = s.transactions.Transition(ctx, transactionRef, transaction.StatusCompleted)
	if err != nil {
		// A racing confirm may have settled it first
		if errors.Is(err, transaction.ErrInvalidTransition) {
			if current, getErr := s.transactions.Get(ctx, transactionRef); getErr == nil &&
				current.Status == transaction.StatusCompleted {
				return &ConfirmResult{Transaction: current, AlreadyConfirmed: true}, nil
			}
		}
		return nil, err
	}

	purpose := metaString(txn.Metadata, "purpose")
	result := &ConfirmResult{Transaction: txn}

	switch purpose {
	case PurposeTopUp:
		if err := s.wallets.Credit(ctx, txn.UserID, txn.Amount, wallet.EntryTopUp, txn.Ref); err != nil {
			return nil, fmt.Errorf("confirmed but top-up credit failed: %w", err)
		}

	case PurposeSession:
		sessionRef := metaString(txn.Metadata, "session_ref")
		ses, err := s.sessions.Get(ctx, sessionRef)
		if err != nil {
			return nil, err
		}
		esc, err := s.escrows.Hold(ctx, escrow.HoldRequest{
			Type:             escrow.TypeSession,
			RelatedRef:       ses.Ref,
			PayerID:          txn.UserID,
			ReceiverID:       ses.ModelID,
			Amount:           txn.Amount,
			ReleaseCondition: "session_completed",
			AutoReleaseAt:    s.autoReleaseAt(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.sessions.Attach(ctx, ses.Ref, esc.Ref); err != nil {
			return nil, err
		}
		result.EscrowRef = esc.Ref

	case PurposeExtension:
		sessionRef := metaString(txn.Metadata, "session_ref")
		ses, err := s.sessions.Get(ctx, sessionRef)
		if err != nil {
			return nil, err
		}
		esc, err := s.escrows.Hold(ctx, escrow.HoldRequest{
			Type:             escrow.TypeExtension,
			RelatedRef:       ses.Ref,
			PayerID:          txn.UserID,
			ReceiverID:       ses.ModelID,
			Amount:           txn.Amount,
			ReleaseCondition: "session_completed",
			AutoReleaseAt:    s.autoReleaseAt(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.sessions.Extend(ctx, ses.Ref, esc.Ref); err != nil {
			return nil, err
		}
		result.EscrowRef = esc.Ref

	case PurposeContent:
		esc, err := s.escrows.Hold(ctx, escrow.HoldRequest{
			Type:             escrow.TypeContent,
			RelatedRef:       metaString(txn.Metadata, "content_id"),
			PayerID:          txn.UserID,
			ReceiverID:       metaString(txn.Metadata, "model_id"),
			Amount:           txn.Amount,
			ReleaseCondition: "content_delivered",
			AutoReleaseAt:    s.autoReleaseAt(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.storefront.RecordPurchase(ctx, metaString(txn.Metadata, "content_id"),
			txn.UserID, metaString(txn.Metadata, "model_id"), esc.Ref, txn.Amount); err != nil {
			return nil, err
		}
		result.EscrowRef = esc.Ref

	case PurposeAccessFee:
		// Parked in escrow until an admin approves and releases it;
		// release grants the gallery via ReleaseEffects.
		esc, err := s.escrows.Hold(ctx, escrow.HoldRequest{
			Type:             escrow.TypeAccessFee,
			RelatedRef:       metaString(txn.Metadata, "model_id"),
			PayerID:          txn.UserID,
			Amount:           txn.Amount,
			ReleaseCondition: "admin_approval",
			AutoReleaseAt:    s.autoReleaseAt(),
		})
		if err != nil {
			return nil, err
		}
		result.EscrowRef = esc.Ref

	default:
		return nil, ErrUnknownPurpose
	}

	chargesTotal.WithLabelValues(purpose).Inc()
	s.emitConfirmed(txn.Ref, txn.UserID, purpose, txn.Amount)
	return result, nil
}

// Reject declines a pending external payment. No refund is owed: no
// money was ever captured.
func (s *Service) Reject(ctx context.Context, transactionRef string) (*transaction.Transaction, error) {
	return s.transactions.Transition(ctx, transactionRef, transaction.StatusRejected)
}
