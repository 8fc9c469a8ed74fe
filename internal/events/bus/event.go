// Package bus provides the in-process typed event bus for Sellerdesk.
//
// The bus is single-process. Each subscription owns a bounded queue and a
// dedicated dispatcher goroutine, which gives per-source publish-order
// delivery and exactly-once dispatch per subscription.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event on the bus.
type Kind int

const (
	KindCommand Kind = iota
	KindQuery
	KindResponse
	KindNotification
	KindError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Priority orders events for backpressure decisions. Higher is more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Event is the envelope carried on the bus.
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Name          string         `json:"name"`
	Source        string         `json:"source"`
	Target        string         `json:"target,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh UUID and the current time.
func NewEvent(kind Kind, name, source string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
		Payload:   payload,
	}
}

// WithTarget sets the target agent id and returns the event.
func (e *Event) WithTarget(target string) *Event {
	e.Target = target
	return e
}

// WithPriority sets the priority and returns the event.
func (e *Event) WithPriority(p Priority) *Event {
	e.Priority = p
	return e
}

// WithCorrelation sets the correlation id and returns the event.
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// Handler processes one delivered event. Errors are captured in bus metrics
// and never abort delivery to other subscriptions.
type Handler func(ctx context.Context, event *Event) error
