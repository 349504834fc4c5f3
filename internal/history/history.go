package history

import (
	"context"
	"time"

	"github.com/corralhq/corral/internal/agent"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventCompleting EventType = "completing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventAbandoned  EventType = "abandoned"
	// EventReconciled is emitted in addition to the terminal event when the
	// transition came from a reconciliation pass rather than the completion
	// engine, so exports can tell the two apart.
	EventReconciled EventType = "reconciled"
)

// EventFor maps a post-transition status to its event type.
func EventFor(s agent.Status) EventType {
	switch s {
	case agent.StatusCompleting:
		return EventCompleting
	case agent.StatusCompleted:
		return EventCompleted
	case agent.StatusFailed:
		return EventFailed
	case agent.StatusAbandoned:
		return EventAbandoned
	}
	return EventRegistered
}

// Event is one lifecycle transition, exported to external systems.
type Event struct {
	Type       EventType   `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Agent      agent.Agent `json:"agent"`
}

// Sink is a destination for history events. Implementations must be safe for
// concurrent use. Sends are best-effort for callers: a failing sink never
// affects the registry write that produced the event.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
