package server

import (
	"time"

	"github.com/velora-app/velora/internal/notify"
	"github.com/velora-app/velora/internal/realtime"
)

// eventBridge fans domain events out to webhook subscribers and
// connected WebSocket clients.
type eventBridge struct {
	emitter *notify.Emitter
	hub     *realtime.Hub
}

func (b *eventBridge) broadcast(t realtime.EventType, data map[string]interface{}) {
	if b.hub == nil {
		return
	}
	b.hub.Broadcast(&realtime.Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (b *eventBridge) EmitPaymentConfirmed(transactionRef, userID, purpose, amount string) {
	b.emitter.EmitPaymentConfirmed(transactionRef, userID, purpose, amount)
	b.broadcast(realtime.EventPayment, map[string]interface{}{
		"transactionRef": transactionRef,
		"userId":         userID,
		"purpose":        purpose,
		"amount":         amount,
	})
}

func (b *eventBridge) EmitEscrowHeld(ref, escrowType, payerID, receiverID, amount string) {
	b.emitter.EmitEscrowHeld(ref, escrowType, payerID, receiverID, amount)
	b.broadcast(realtime.EventEscrow, map[string]interface{}{
		"escrowRef":  ref,
		"escrowType": escrowType,
		"payerId":    payerID,
		"receiverId": receiverID,
		"amount":     amount,
		"status":     "held",
	})
}

func (b *eventBridge) EmitEscrowReleased(ref, receiverID, payout string) {
	b.emitter.EmitEscrowReleased(ref, receiverID, payout)
	b.broadcast(realtime.EventEscrow, map[string]interface{}{
		"escrowRef":  ref,
		"receiverId": receiverID,
		"payout":     payout,
		"status":     "released",
	})
}

func (b *eventBridge) EmitEscrowRefunded(ref, payerID, amount string) {
	b.emitter.EmitEscrowRefunded(ref, payerID, amount)
	b.broadcast(realtime.EventEscrow, map[string]interface{}{
		"escrowRef": ref,
		"payerId":   payerID,
		"amount":    amount,
		"status":    "refunded",
	})
}

func (b *eventBridge) EmitDisputeOpened(disputeRef, escrowRef, openedBy, reason string) {
	b.emitter.EmitDisputeOpened(disputeRef, escrowRef, openedBy, reason)
	b.broadcast(realtime.EventDispute, map[string]interface{}{
		"disputeRef": disputeRef,
		"escrowRef":  escrowRef,
		"userId":     openedBy,
		"reason":     reason,
		"status":     "open",
	})
}

func (b *eventBridge) EmitDisputeResolved(disputeRef, escrowRef, resolution, resolvedBy string) {
	b.emitter.EmitDisputeResolved(disputeRef, escrowRef, resolution, resolvedBy)
	b.broadcast(realtime.EventDispute, map[string]interface{}{
		"disputeRef": disputeRef,
		"escrowRef":  escrowRef,
		"resolution": resolution,
		"resolvedBy": resolvedBy,
		"status":     "resolved",
	})
}

func (b *eventBridge) EmitSessionBooked(ref, clientID, modelID, sessionType string) {
	b.emitter.EmitSessionBooked(ref, clientID, modelID, sessionType)
	b.broadcast(realtime.EventSession, map[string]interface{}{
		"sessionRef":  ref,
		"clientId":    clientID,
		"modelId":     modelID,
		"sessionType": sessionType,
		"status":      "booked",
	})
}

func (b *eventBridge) EmitSessionConfirmRequested(ref, clientID, modelID string) {
	b.emitter.EmitSessionConfirmRequested(ref, clientID, modelID)
	b.broadcast(realtime.EventSession, map[string]interface{}{
		"sessionRef": ref,
		"clientId":   clientID,
		"modelId":    modelID,
		"status":     "awaiting_confirmation",
	})
}

func (b *eventBridge) EmitSessionCompleted(ref, outcome string) {
	b.emitter.EmitSessionCompleted(ref, outcome)
	b.broadcast(realtime.EventSession, map[string]interface{}{
		"sessionRef": ref,
		"outcome":    outcome,
		"status":     "completed",
	})
}
