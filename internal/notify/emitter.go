package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/velora-app/velora/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velora",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velora",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
// It satisfies the Events interfaces of the payments, escrow and session
// services.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// emit delivers to one user's subscriptions, or to every subscriber of
// the event type when no user is targeted (platform-level events).
func (e *Emitter) emit(userID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if userID == "" {
		err = e.d.Dispatch(ctx, event)
	} else {
		err = e.d.DispatchToUser(ctx, userID, event)
	}
	if err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// EmitPaymentConfirmed emits a payment.confirmed event to the payer.
func (e *Emitter) EmitPaymentConfirmed(transactionRef, userID, purpose, amount string) {
	e.emit(userID, EventPaymentConfirmed, map[string]interface{}{
		"transactionRef": transactionRef,
		"userId":         userID,
		"purpose":        purpose,
		"amount":         amount,
	})
}

// EmitEscrowHeld emits an escrow.held event to the payer.
func (e *Emitter) EmitEscrowHeld(ref, escrowType, payerID, receiverID, amount string) {
	e.emit(payerID, EventEscrowHeld, map[string]interface{}{
		"escrowRef":  ref,
		"type":       escrowType,
		"payerId":    payerID,
		"receiverId": receiverID,
		"amount":     amount,
	})
}

// EmitEscrowReleased emits an escrow.released event to the receiver.
// Access-fee escrows have no receiver; those go to every subscriber.
func (e *Emitter) EmitEscrowReleased(ref, receiverID, payout string) {
	e.emit(receiverID, EventEscrowReleased, map[string]interface{}{
		"escrowRef":  ref,
		"receiverId": receiverID,
		"payout":     payout,
	})
}

// EmitEscrowRefunded emits an escrow.refunded event to the payer.
func (e *Emitter) EmitEscrowRefunded(ref, payerID, amount string) {
	e.emit(payerID, EventEscrowRefunded, map[string]interface{}{
		"escrowRef": ref,
		"payerId":   payerID,
		"amount":    amount,
	})
}

// EmitDisputeOpened emits a dispute.opened event to the party who opened it.
func (e *Emitter) EmitDisputeOpened(disputeRef, escrowRef, openedBy, reason string) {
	e.emit(openedBy, EventDisputeOpened, map[string]interface{}{
		"disputeRef": disputeRef,
		"escrowRef":  escrowRef,
		"openedBy":   openedBy,
		"reason":     reason,
	})
}

// EmitDisputeResolved emits a dispute.resolved event to every subscriber.
// Resolution comes from an admin, there is no single interested party.
func (e *Emitter) EmitDisputeResolved(disputeRef, escrowRef, resolution, resolvedBy string) {
	e.emit("", EventDisputeResolved, map[string]interface{}{
		"disputeRef": disputeRef,
		"escrowRef":  escrowRef,
		"resolution": resolution,
		"resolvedBy": resolvedBy,
	})
}

// EmitSessionBooked emits a session.booked event to the model, who has
// to accept or decline.
func (e *Emitter) EmitSessionBooked(ref, clientID, modelID, sessionType string) {
	e.emit(modelID, EventSessionBooked, map[string]interface{}{
		"sessionRef": ref,
		"clientId":   clientID,
		"modelId":    modelID,
		"type":       sessionType,
	})
}

// EmitSessionConfirmRequested pings both parties that a session needs
// their completion confirmation.
func (e *Emitter) EmitSessionConfirmRequested(ref, clientID, modelID string) {
	data := map[string]interface{}{
		"sessionRef": ref,
		"clientId":   clientID,
		"modelId":    modelID,
	}
	e.emit(clientID, EventSessionConfirmRequested, data)
	e.emit(modelID, EventSessionConfirmRequested, data)
}

// EmitSessionCompleted emits a session.completed event to every subscriber.
func (e *Emitter) EmitSessionCompleted(ref, outcome string) {
	e.emit("", EventSessionCompleted, map[string]interface{}{
		"sessionRef": ref,
		"outcome":    outcome,
	})
}
