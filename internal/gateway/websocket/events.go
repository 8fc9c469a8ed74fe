// Package websocket provides the realtime gateway that fans coordination
// events out to subscribed clients.
package websocket

import "time"

// EventType enumerates the realtime event stream types.
type EventType string

const (
	EventMessage           EventType = "message"
	EventTyping            EventType = "typing"
	EventAgentStatus       EventType = "agent_status"
	EventWorkflowUpdate    EventType = "workflow_update"
	EventAgentCoordination EventType = "agent_coordination"
	EventSystemAlert       EventType = "system_alert"
	EventError             EventType = "error"
)

// Event is the JSON envelope pushed to clients.
type Event struct {
	EventType      EventType      `json:"event_type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, payload map[string]any) Event {
	return Event{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
