package service

import (
	"sync"

	"github.com/google/uuid"
)

// Event types emitted to the audit/notification sink.
const (
	EventTaskCreated       = "task.created"
	EventTaskPosted        = "task.posted"
	EventTaskMatching      = "task.matching"
	EventTaskTransitioned  = "task.transitioned"
	EventTaskExpired       = "task.expired"
	EventTaskReviewed      = "task.reviewed"
	EventBookingOffered    = "booking.offered"
	EventBookingAccepted   = "booking.accepted"
	EventBookingDeclined   = "booking.declined"
	EventBookingConfirmed  = "booking.confirmed"
	EventBookingStarted    = "booking.started"
	EventBookingCompleted  = "booking.completed"
	EventBookingCanceled   = "booking.canceled"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentRefunded   = "payment.refunded"
	EventDisputeOpened     = "dispute.opened"
	EventDisputeEvidence   = "dispute.evidence_added"
	EventDisputeResolved   = "dispute.resolved"
)

// Emitter delivers state-change events to the audit/notification sink.
// Emit is fire-and-forget: the sink may process asynchronously, but the
// engine emits in commit order so per-entity ordering is preserved.
type Emitter interface {
	Emit(eventType string, entityID uuid.UUID, payload map[string]interface{})
}

// LogEmitter writes events to the service logger. It is the default sink
// when no notification transport is wired.
type LogEmitter struct {
	Logger Logger
}

func (e *LogEmitter) Emit(eventType string, entityID uuid.UUID, payload map[string]interface{}) {
	e.Logger.Infof("event %s entity=%s payload=%v", eventType, entityID, payload)
}

// RecordedEvent is one event captured by RecordingEmitter.
type RecordedEvent struct {
	Type     string
	EntityID uuid.UUID
	Payload  map[string]interface{}
}

// RecordingEmitter captures events in order for tests and examples.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (e *RecordingEmitter) Emit(eventType string, entityID uuid.UUID, payload map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, RecordedEvent{Type: eventType, EntityID: entityID, Payload: payload})
}

// Events returns a copy of everything emitted so far, in emission order.
func (e *RecordingEmitter) Events() []RecordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RecordedEvent, len(e.events))
	copy(out, e.events)
	return out
}

// ForEntity returns the ordered events emitted for one entity id.
func (e *RecordingEmitter) ForEntity(id uuid.UUID) []RecordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []RecordedEvent
	for _, ev := range e.events {
		if ev.EntityID == id {
			out = append(out, ev)
		}
	}
	return out
}
