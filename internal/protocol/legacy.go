package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Legacy map codec. Older agents exchange loose maps with canonical snake_case
// keys; these helpers convert between that representation and Message.

// ToMap converts a message to the legacy loose-map representation.
func ToMap(m *Message) map[string]any {
	out := map[string]any{
		"id":              m.ID,
		"kind":            string(m.Kind),
		"sender":          m.Sender,
		"timestamp":       m.Timestamp.Format(time.RFC3339Nano),
		"priority":        string(m.Priority),
		"action_required": m.ActionRequired,
	}
	if m.Receiver != "" {
		out["receiver"] = m.Receiver
	}
	if m.CorrelationID != "" {
		out["correlation_id"] = m.CorrelationID
	}
	if len(m.Content) > 0 {
		out["content"] = m.Content
	}
	if len(m.Metadata) > 0 {
		out["metadata"] = m.Metadata
	}

	switch m.Kind {
	case KindAlert:
		out["severity"] = m.Severity
		out["alert_type"] = m.AlertType
	case KindQuery:
		out["query"] = m.Query
		if len(m.QueryContext) > 0 {
			out["query_context"] = m.QueryContext
		}
	case KindCommand:
		out["command"] = m.Command
		if len(m.Params) > 0 {
			out["params"] = m.Params
		}
		if m.Deadline != nil {
			out["deadline"] = m.Deadline.Format(time.RFC3339Nano)
		}
	case KindResponse:
		out["request_id"] = m.RequestID
		out["status"] = m.Status
		if len(m.Result) > 0 {
			out["result"] = m.Result
		}
		if len(m.Errors) > 0 {
			out["errors"] = m.Errors
		}
		out["execution_ms"] = m.ExecutionMS
	}
	return out
}

// FromMap converts a legacy loose map back to a Message. Missing id and
// timestamp fields are filled in; an unknown kind is an error.
func FromMap(raw map[string]any) (*Message, error) {
	kind := MessageKind(stringField(raw, "kind"))
	switch kind {
	case KindUpdate, KindAlert, KindQuery, KindCommand, KindResponse:
	default:
		return nil, fmt.Errorf("unknown message kind %q", stringField(raw, "kind"))
	}

	m := &Message{
		ID:             stringField(raw, "id"),
		Kind:           kind,
		Sender:         stringField(raw, "sender"),
		Receiver:       stringField(raw, "receiver"),
		Priority:       Priority(stringField(raw, "priority")),
		CorrelationID:  stringField(raw, "correlation_id"),
		Content:        mapField(raw, "content"),
		Metadata:       mapField(raw, "metadata"),
		ActionRequired: boolField(raw, "action_required"),
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if ts := stringField(raw, "timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.Timestamp = parsed
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	switch kind {
	case KindAlert:
		m.Severity = stringField(raw, "severity")
		m.AlertType = stringField(raw, "alert_type")
	case KindQuery:
		m.Query = stringField(raw, "query")
		m.QueryContext = mapField(raw, "query_context")
	case KindCommand:
		m.Command = stringField(raw, "command")
		m.Params = mapField(raw, "params")
		if d := stringField(raw, "deadline"); d != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, d); err == nil {
				m.Deadline = &parsed
			}
		}
	case KindResponse:
		m.RequestID = stringField(raw, "request_id")
		m.Status = stringField(raw, "status")
		m.Result = mapField(raw, "result")
		m.Errors = stringSliceField(raw, "errors")
		if v, ok := raw["execution_ms"]; ok {
			switch n := v.(type) {
			case int64:
				m.ExecutionMS = n
			case int:
				m.ExecutionMS = int64(n)
			case float64:
				m.ExecutionMS = int64(n)
			}
		}
	}
	return m, nil
}

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func boolField(raw map[string]any, key string) bool {
	if v, ok := raw[key].(bool); ok {
		return v
	}
	return false
}

func mapField(raw map[string]any, key string) map[string]any {
	if v, ok := raw[key].(map[string]any); ok {
		return v
	}
	return nil
}

func stringSliceField(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
