// Package protocol defines the typed inter-agent message envelopes and their
// mapping onto the event bus.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

// MessageKind enumerates the five inter-agent message kinds.
type MessageKind string

const (
	KindUpdate   MessageKind = "update"
	KindAlert    MessageKind = "alert"
	KindQuery    MessageKind = "query"
	KindCommand  MessageKind = "command"
	KindResponse MessageKind = "response"
)

// Priority orders messages. It maps one-to-one onto bus priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// BusPriority converts a message priority to the bus priority scale.
func (p Priority) BusPriority() bus.Priority {
	switch p {
	case PriorityLow:
		return bus.PriorityLow
	case PriorityHigh:
		return bus.PriorityHigh
	case PriorityCritical:
		return bus.PriorityCritical
	default:
		return bus.PriorityNormal
	}
}

// PriorityFromBus converts a bus priority back to the message scale.
func PriorityFromBus(p bus.Priority) Priority {
	switch p {
	case bus.PriorityLow:
		return PriorityLow
	case bus.PriorityHigh:
		return PriorityHigh
	case bus.PriorityCritical:
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Message is the immutable envelope exchanged between agents. An empty
// Receiver marks the message as a broadcast candidate.
type Message struct {
	ID             string         `json:"id"`
	Kind           MessageKind    `json:"kind"`
	Sender         string         `json:"sender"`
	Receiver       string         `json:"receiver,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Content        map[string]any `json:"content,omitempty"`
	Priority       Priority       `json:"priority"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ActionRequired bool           `json:"action_required"`

	// Alert fields
	Severity  string `json:"severity,omitempty"`
	AlertType string `json:"alert_type,omitempty"`

	// Query fields
	Query        string         `json:"query,omitempty"`
	QueryContext map[string]any `json:"query_context,omitempty"`

	// Command fields
	Command  string         `json:"command,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Deadline *time.Time     `json:"deadline,omitempty"`

	// Response fields
	RequestID   string         `json:"request_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	ExecutionMS int64          `json:"execution_ms,omitempty"`
}

func newMessage(kind MessageKind, sender string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// NewUpdate creates an update message carrying structured content.
func NewUpdate(sender string, content map[string]any) *Message {
	m := newMessage(KindUpdate, sender)
	m.Content = content
	return m
}

// NewAlert creates an alert with severity and alert type.
func NewAlert(sender, alertType, severity string, content map[string]any) *Message {
	m := newMessage(KindAlert, sender)
	m.AlertType = alertType
	m.Severity = severity
	m.Content = content
	m.Priority = PriorityHigh
	m.ActionRequired = true
	return m
}

// NewQuery creates a query with a fresh correlation id; follow-ups carry it
// verbatim.
func NewQuery(sender, receiver, query string, queryContext map[string]any) *Message {
	m := newMessage(KindQuery, sender)
	m.Receiver = receiver
	m.Query = query
	m.QueryContext = queryContext
	m.CorrelationID = uuid.New().String()
	return m
}

// NewCommand creates a command with a fresh correlation id.
func NewCommand(sender, receiver, command string, params map[string]any) *Message {
	m := newMessage(KindCommand, sender)
	m.Receiver = receiver
	m.Command = command
	m.Params = params
	m.CorrelationID = uuid.New().String()
	m.ActionRequired = true
	return m
}

// NewResponse creates a response referencing the original request. The
// request's correlation id is carried verbatim.
func (req *Message) NewResponse(sender, status string, result map[string]any, errs []string) *Message {
	m := newMessage(KindResponse, sender)
	m.Receiver = req.Sender
	m.RequestID = req.ID
	m.Status = status
	m.Result = result
	m.Errors = errs
	m.CorrelationID = req.CorrelationID
	m.Priority = req.Priority
	return m
}

// WithPriority sets the priority and returns the message.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithDeadline sets a command deadline and returns the message.
func (m *Message) WithDeadline(t time.Time) *Message {
	m.Deadline = &t
	return m
}

// WithMetadata sets a metadata entry and returns the message.
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// IsBroadcast reports whether the message has no explicit receiver.
func (m *Message) IsBroadcast() bool { return m.Receiver == "" }

// BusKind maps the message kind to the bus event kind.
func (m *Message) BusKind() bus.Kind {
	switch m.Kind {
	case KindCommand:
		return bus.KindCommand
	case KindQuery:
		return bus.KindQuery
	case KindResponse:
		return bus.KindResponse
	default:
		return bus.KindNotification
	}
}

// EventName returns the bus event name for this message.
func (m *Message) EventName() string {
	switch m.Kind {
	case KindCommand:
		return m.Command
	case KindQuery:
		return "query"
	case KindResponse:
		return "response"
	case KindAlert:
		return m.AlertType
	default:
		return "update"
	}
}

// ToEvent wraps the message into a bus event targeted at its receiver.
func (m *Message) ToEvent() *bus.Event {
	ev := bus.NewEvent(m.BusKind(), m.EventName(), m.Sender, map[string]any{"message": m})
	ev.Target = m.Receiver
	ev.Priority = m.Priority.BusPriority()
	ev.CorrelationID = m.CorrelationID
	return ev
}

// MessageFromEvent extracts a message from a bus event payload, if present.
func MessageFromEvent(ev *bus.Event) (*Message, bool) {
	if ev == nil || ev.Payload == nil {
		return nil, false
	}
	msg, ok := ev.Payload["message"].(*Message)
	return msg, ok
}
