package domain

import (
	"context"
	"time"
)

// EventType identifies a lifecycle event published on the bus.
type EventType string

const (
	EventNegotiationQuoted    EventType = "negotiation.quoted"
	EventNegotiationCountered EventType = "negotiation.countered"
	EventNegotiationAccepted  EventType = "negotiation.accepted"
	EventNegotiationRejected  EventType = "negotiation.rejected"
	EventNegotiationExpired   EventType = "negotiation.expired"

	EventSettlementInitiated EventType = "settlement.initiated"
	EventSettlementHeld      EventType = "settlement.held"
	EventSettlementPaid      EventType = "settlement.paid"
	EventSettlementFailed    EventType = "settlement.failed"
	EventSettlementRefunded  EventType = "settlement.refunded"

	EventReputationUpdated EventType = "reputation.updated"
)

// Event is one lifecycle notification. Payload carries the subject record
// (Session, SettlementRecord or ReputationRecord) at the time of publishing.
type Event struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	NegotiationID string    `json:"negotiation_id,omitempty"`
	Payload       any       `json:"payload,omitempty"`
}

// EventHandler consumes one published event. Handlers run asynchronously
// and must not assume ordering across event types.
type EventHandler func(ctx context.Context, ev Event)

// EventBus fans lifecycle events out to subscribers. Publishing never blocks
// the caller; handlers run in their own goroutines so a slow subscriber
// cannot stall the negotiation or settlement path.
type EventBus interface {
	Publish(ctx context.Context, ev Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
