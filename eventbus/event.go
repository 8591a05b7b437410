package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Priority tags an event with its urgency. It is descriptive only: the
// queue delivers strictly in publish order.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Payload is the structured body of an event.
type Payload = map[string]any

// Event is an immutable notification. Handlers must not modify Payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   Payload   `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Priority  Priority  `json:"priority"`
}

func newEvent(eventType string, payload Payload, priority Priority, now time.Time) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		ID:        id.String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: now,
		Priority:  priority,
	}
}
