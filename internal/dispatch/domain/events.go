package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventMatched    EventType = "order.matched"
	EventInProgress EventType = "order.in_progress"
	EventCompleted  EventType = "order.completed"
	EventCancelled  EventType = "order.cancelled"
	EventRequeued   EventType = "order.requeued"
)

// Event is an outbound lifecycle notification. Version is the order version
// produced by the transition that emitted it.
type Event struct {
	ID         string       `json:"id"`
	Type       EventType    `json:"type"`
	OrderID    uuid.UUID    `json:"order_id"`
	AgentID    string       `json:"agent_id,omitempty"`
	Version    int64        `json:"version"`
	Reason     CancelReason `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewEvent stamps an event for order with a sortable id.
func NewEvent(typ EventType, order Order, agentID string, at time.Time) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       typ,
		OrderID:    order.ID,
		AgentID:    agentID,
		Version:    order.Version,
		Reason:     order.CancelReason,
		OccurredAt: at,
	}
}
