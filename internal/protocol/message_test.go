package protocol

import (
	"testing"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

func TestNewQueryCarriesCorrelation(t *testing.T) {
	q := NewQuery("chat_orchestrator", "market-1", "current buy box price?", map[string]any{"sku": "B0TEST"})
	if q.CorrelationID == "" {
		t.Fatal("query has no correlation id")
	}
	if q.Kind != KindQuery || q.Receiver != "market-1" {
		t.Errorf("unexpected envelope: %+v", q)
	}

	resp := q.NewResponse("market-1", "success", map[string]any{"price": 19.99}, nil)
	if resp.CorrelationID != q.CorrelationID {
		t.Errorf("response correlation %q != query correlation %q", resp.CorrelationID, q.CorrelationID)
	}
	if resp.RequestID != q.ID {
		t.Errorf("response request_id %q != query id %q", resp.RequestID, q.ID)
	}
	if resp.Receiver != q.Sender {
		t.Errorf("response receiver %q, want %q", resp.Receiver, q.Sender)
	}
}

func TestNewAlertDefaults(t *testing.T) {
	a := NewAlert("logistics-1", "stock_low", "warning", map[string]any{"sku": "B0TEST", "level": 3})
	if a.Priority != PriorityHigh {
		t.Errorf("alert priority = %s, want high", a.Priority)
	}
	if !a.ActionRequired {
		t.Error("alerts require action")
	}
	if a.AlertType != "stock_low" || a.Severity != "warning" {
		t.Errorf("alert fields: %+v", a)
	}
}

func TestCommandDeadlineAndMetadata(t *testing.T) {
	deadline := time.Now().Add(time.Minute).UTC()
	cmd := NewCommand("pipeline_controller", "market-1", "update_pricing", map[string]any{"sku": "B0TEST"}).
		WithDeadline(deadline).
		WithPriority(PriorityCritical).
		WithMetadata("stage_id", "apply_pricing")

	if cmd.Deadline == nil || !cmd.Deadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", cmd.Deadline, deadline)
	}
	if cmd.Priority != PriorityCritical {
		t.Errorf("priority = %s", cmd.Priority)
	}
	if cmd.Metadata["stage_id"] != "apply_pricing" {
		t.Errorf("metadata = %v", cmd.Metadata)
	}
	if cmd.IsBroadcast() {
		t.Error("targeted command reported as broadcast")
	}
	if !NewUpdate("market-1", nil).IsBroadcast() {
		t.Error("receiverless update should be a broadcast")
	}
}

func TestToEventRoundTrip(t *testing.T) {
	cmd := NewCommand("pipeline_controller", "logistics-1", "reconcile_inventory", map[string]any{"dry_run": true}).
		WithPriority(PriorityHigh)

	ev := cmd.ToEvent()
	if ev.Kind != bus.KindCommand {
		t.Errorf("event kind = %v, want command", ev.Kind)
	}
	if ev.Name != "reconcile_inventory" {
		t.Errorf("event name = %q", ev.Name)
	}
	if ev.Target != "logistics-1" || ev.Source != "pipeline_controller" {
		t.Errorf("event routing: source=%q target=%q", ev.Source, ev.Target)
	}
	if ev.Priority != bus.PriorityHigh {
		t.Errorf("event priority = %v", ev.Priority)
	}
	if ev.CorrelationID != cmd.CorrelationID {
		t.Errorf("event correlation %q != %q", ev.CorrelationID, cmd.CorrelationID)
	}

	got, ok := MessageFromEvent(ev)
	if !ok {
		t.Fatal("MessageFromEvent failed")
	}
	if got != cmd {
		t.Error("expected the same message instance back")
	}
}

func TestMessageFromEventMisses(t *testing.T) {
	if _, ok := MessageFromEvent(nil); ok {
		t.Error("nil event should not yield a message")
	}
	ev := bus.NewEvent(bus.KindNotification, "plain", "test", map[string]any{"message": "not a message"})
	if _, ok := MessageFromEvent(ev); ok {
		t.Error("non-message payload should not yield a message")
	}
}

func TestEventNamePerKind(t *testing.T) {
	cases := []struct {
		msg  *Message
		want string
	}{
		{NewUpdate("a", nil), "update"},
		{NewAlert("a", "stock_low", "warning", nil), "stock_low"},
		{NewQuery("a", "b", "q", nil), "query"},
		{NewCommand("a", "b", "update_pricing", nil), "update_pricing"},
		{NewCommand("a", "b", "x", nil).NewResponse("b", "success", nil, nil), "response"},
	}
	for _, tc := range cases {
		if got := tc.msg.EventName(); got != tc.want {
			t.Errorf("EventName(%s) = %q, want %q", tc.msg.Kind, got, tc.want)
		}
	}
}

func TestPriorityBusMapping(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if got := PriorityFromBus(p.BusPriority()); got != p {
			t.Errorf("round trip %s -> %s", p, got)
		}
	}
	if Priority("weird").BusPriority() != bus.PriorityNormal {
		t.Error("unknown priority should map to normal")
	}
}
