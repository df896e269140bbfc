package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/velora-app/velora/internal/escrow"
	"github.com/velora-app/velora/internal/idempotency"
	"github.com/velora-app/velora/internal/idgen"
	"github.com/velora-app/velora/internal/session"
	"github.com/velora-app/velora/internal/traces"
	"github.com/velora-app/velora/internal/transaction"
	"github.com/velora-app/velora/internal/wallet"
)

// ChargeRequest describes a wallet charge. The purpose decides which
// fields matter and what the charge costs.
type ChargeRequest struct {
	UserID         string
	Purpose        string
	IdempotencyKey string

	// session booking
	ModelID      string
	SessionType  string
	Duration     int
	ScheduledFor time.Time

	// extension
	SessionRef string

	// content and access fee
	ContentID string
	Amount    decimal.Decimal
}

// ChargeResult is what a wallet charge produced. Cached marks a replay
// served from the idempotency store.
type ChargeResult struct {
	TransactionRef string          `json:"transactionRef"`
	EscrowRef      string          `json:"escrowRef"`
	SessionRef     string          `json:"sessionRef,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Cached         bool            `json:"cached"`
}

// chargePlan is a resolved charge: the locked-in amount, the escrow to
// open, and the session to create or update.
type chargePlan struct {
	amount     decimal.Decimal
	hold       escrow.HoldRequest
	newSession *session.Session // created in the same transaction (session purpose)
	extendRef  string           // session to extend after commit (extension purpose)
	metadata   map[string]any
}

// resolve turns a charge request into a concrete plan. Prices come from
// the rate tables, never from the client, except for content and access
// fees where the amount is the listed price passed through.
func (s *Service) resolve(ctx context.Context, req ChargeRequest) (*chargePlan, error) {
	switch req.Purpose {
	case PurposeSession:
		ses, err := session.New(session.BookRequest{
			ClientID:     req.UserID,
			ModelID:      req.ModelID,
			Type:         req.SessionType,
			Duration:     req.Duration,
			ScheduledFor: req.ScheduledFor,
		})
		if err != nil {
			return nil, err
		}
		// Wallet charges settle immediately: the session skips
		// pending_payment and goes straight to the model's queue.
		ses.Status = session.StatusPending
		return &chargePlan{
			amount:     ses.Price,
			newSession: ses,
			hold: escrow.HoldRequest{
				Type:             escrow.TypeWalletSession,
				RelatedRef:       ses.Ref,
				PayerID:          req.UserID,
				ReceiverID:       req.ModelID,
				Amount:           ses.Price,
				ReleaseCondition: "session_completed",
				AutoReleaseAt:    s.autoReleaseAt(),
			},
			metadata: map[string]any{
				"purpose":     PurposeSession,
				"session_ref": ses.Ref,
				"model_id":    req.ModelID,
			},
		}, nil

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
		return &chargePlan{
			amount:    price,
			extendRef: ses.Ref,
			hold: escrow.HoldRequest{
				Type:             escrow.TypeWalletExtension,
				RelatedRef:       ses.Ref,
				PayerID:          req.UserID,
				ReceiverID:       ses.ModelID,
				Amount:           price,
				ReleaseCondition: "session_completed",
				AutoReleaseAt:    s.autoReleaseAt(),
			},
			metadata: map[string]any{
				"purpose":     PurposeExtension,
				"session_ref": ses.Ref,
			},
		}, nil

	case PurposeContent:
		if req.ContentID == "" || req.ModelID == "" {
			return nil, ErrMissingField
		}
		return &chargePlan{
			amount: req.Amount,
			hold: escrow.HoldRequest{
				Type:             escrow.TypeContent,
				RelatedRef:       req.ContentID,
				PayerID:          req.UserID,
				ReceiverID:       req.ModelID,
				Amount:           req.Amount,
				ReleaseCondition: "content_delivered",
				AutoReleaseAt:    s.autoReleaseAt(),
			},
			metadata: map[string]any{
				"purpose":    PurposeContent,
				"content_id": req.ContentID,
				"model_id":   req.ModelID,
			},
		}, nil

	case PurposeAccessFee:
		if req.ModelID == "" {
			return nil, ErrMissingField
		}
		return &chargePlan{
			amount: req.Amount,
			hold: escrow.HoldRequest{
				Type:             escrow.TypeAccessFee,
				RelatedRef:       req.ModelID,
				PayerID:          req.UserID,
				Amount:           req.Amount,
				ReleaseCondition: "admin_approval",
				AutoReleaseAt:    s.autoReleaseAt(),
			},
			metadata: map[string]any{
				"purpose":  PurposeAccessFee,
				"model_id": req.ModelID,
			},
		}, nil
	}
	return nil, ErrUnknownPurpose
}

// ChargeWallet debits the user's wallet and opens the purpose-appropriate
// escrow, exactly once per idempotency key. A replay of a committed
// charge returns the original result with Cached set; a replay racing
// the first attempt loses cleanly and also gets the original result.
func (s *Service) ChargeWallet(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingIdempotency
	}
	if !validPurpose(req.Purpose) || req.Purpose == PurposeTopUp {
		return nil, ErrUnknownPurpose
	}

	ctx, span := traces.StartSpan(ctx, "payments.ChargeWallet",
		traces.UserID(req.UserID), traces.Purpose(req.Purpose))
	defer span.End()

	if cached, err := s.cachedResult(ctx, req.IdempotencyKey); err == nil {
		return cached, nil
	} else if !errors.Is(err, idempotency.ErrNotFound) {
		return nil, err
	}

	plan, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	var result *ChargeResult
	if s.db != nil {
		result, err = s.chargeTx(ctx, req, plan)
	} else {
		result, err = s.chargeMemory(ctx, req, plan)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wallet charge failed")
		return nil, err
	}

	chargesTotal.WithLabelValues(req.Purpose).Inc()
	s.emitConfirmed(result.TransactionRef, req.UserID, req.Purpose, result.Amount)

	// Post-commit follow-ups. Both are retry-safe if the process dies
	// in between: the extension re-charge is caught by the idempotency
	// key, and MarkDelivered tolerates a missing purchase row.
	if plan.extendRef != "" {
		if _, err := s.sessions.Extend(ctx, plan.extendRef, result.EscrowRef); err != nil {
			return nil, fmt.Errorf("charged but extension failed: %w", err)
		}
	}
	if req.Purpose == PurposeContent {
		if _, err := s.storefront.RecordPurchase(ctx, req.ContentID, req.UserID, req.ModelID, result.EscrowRef, result.Amount); err != nil {
			return nil, fmt.Errorf("charged but purchase record failed: %w", err)
		}
	}
	return result, nil
}

func (s *Service) cachedResult(ctx context.Context, key string) (*ChargeResult, error) {
	rec, err := s.idem.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	result := &ChargeResult{}
	if err := json.Unmarshal(rec.Response, result); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	result.Cached = true
	return result, nil
}

// chargeTx runs the whole charge inside one serializable transaction.
// If two attempts with the same key race, the idempotency insert at the
// end lets exactly one commit; the loser's debit rolls back with it.
func (s *Service) chargeTx(ctx context.Context, req ChargeRequest, plan *chargePlan) (*ChargeResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn := &transaction.Transaction{
		Ref:       idgen.WithPrefix("txn_"),
		UserID:    req.UserID,
		Amount:    plan.amount,
		Method:    transaction.MethodWallet,
		Status:    transaction.StatusCompleted,
		Metadata:  plan.metadata,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := wallet.DebitInTx(ctx, tx, req.UserID, plan.amount, wallet.EntryCharge, txn.Ref); err != nil {
		return nil, err
	}
	if err := transaction.CreateInTx(ctx, tx, txn); err != nil {
		return nil, err
	}

	esc, err := escrow.NewHold(plan.hold)
	if err != nil {
		return nil, err
	}
	if err := escrow.CreateInTx(ctx, tx, esc); err != nil {
		return nil, err
	}

	if plan.newSession != nil {
		plan.newSession.EscrowRef = esc.Ref
		if err := session.CreateInTx(ctx, tx, plan.newSession); err != nil {
			return nil, err
		}
	}

	result := &ChargeResult{
		TransactionRef: txn.Ref,
		EscrowRef:      esc.Ref,
		Amount:         plan.amount,
	}
	if plan.newSession != nil {
		result.SessionRef = plan.newSession.Ref
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := idempotency.PutInTx(ctx, tx, req.IdempotencyKey, req.UserID, "wallet_charge", response); err != nil {
		if errors.Is(err, idempotency.ErrKeyTaken) {
			tx.Rollback()
			return s.cachedResult(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// chargeMemory composes the same flow from the in-memory services. Demo
// mode only: the steps are individually safe but not one atomic unit.
func (s *Service) chargeMemory(ctx context.Context, req ChargeRequest, plan *chargePlan) (*ChargeResult, error) {
	txn, err := s.transactions.Create(ctx, req.UserID, plan.amount, transaction.MethodWallet, transaction.StatusPending, plan.metadata)
	if err != nil {
		return nil, err
	}

	if err := s.wallets.Debit(ctx, req.UserID, plan.amount, wallet.EntryCharge, txn.Ref); err != nil {
		s.transactions.Transition(ctx, txn.Ref, transaction.StatusFailed)
		return nil, err
	}
	if _, err := s.transactions.Transition(ctx, txn.Ref, transaction.StatusCompleted); err != nil {
		return nil, err
	}

	esc, err := s.escrows.Hold(ctx, plan.hold)
	if err != nil {
		return nil, err
	}

	result := &ChargeResult{
		TransactionRef: txn.Ref,
		EscrowRef:      esc.Ref,
		Amount:         plan.amount,
	}

	if plan.newSession != nil {
		plan.newSession.EscrowRef = esc.Ref
		if err := s.sessions.Create(ctx, plan.newSession); err != nil {
			return nil, err
		}
		result.SessionRef = plan.newSession.Ref
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := s.idem.Put(ctx, req.IdempotencyKey, req.UserID, "wallet_charge", response); err != nil {
		if errors.Is(err, idempotency.ErrKeyTaken) {
			return s.cachedResult(ctx, req.IdempotencyKey)
		}
		return nil, err
	}
	return result, nil
}
