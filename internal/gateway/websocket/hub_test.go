package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func newHubClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	client := NewClient(hub, nil, testLogger(t))
	hub.Register(client)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return client
}

func drain(t *testing.T, c *Client) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case data := <-c.send:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("bad event payload: %v", err)
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestBroadcastRoutesByConversation(t *testing.T) {
	hub := newTestHub(t)
	a := newHubClient(t, hub)
	b := newHubClient(t, hub)
	hub.SubscribeConversation(a, "c1")
	hub.SubscribeConversation(b, "c2")

	event := NewEvent(EventMessage, map[string]any{"text": "hello"})
	event.ConversationID = "c1"
	if count := hub.Broadcast(event); count != 1 {
		t.Fatalf("recipient count = %d, want 1", count)
	}

	got := drain(t, a)
	if len(got) != 1 || got[0].EventType != EventMessage || got[0].ConversationID != "c1" {
		t.Errorf("events for a = %+v", got)
	}
	if leaked := drain(t, b); len(leaked) != 0 {
		t.Errorf("c2 subscriber received %+v", leaked)
	}
}

func TestBroadcastDeduplicatesOverlappingSubscriptions(t *testing.T) {
	hub := newTestHub(t)
	client := newHubClient(t, hub)
	hub.SubscribeConversation(client, "c1")
	hub.SubscribeUser(client, "u1")
	hub.SubscribeFirehose(client)

	event := NewEvent(EventMessage, nil)
	event.ConversationID = "c1"
	event.UserID = "u1"
	if count := hub.Broadcast(event); count != 1 {
		t.Errorf("recipient count = %d, want 1", count)
	}
	if got := drain(t, client); len(got) != 1 {
		t.Errorf("client received %d events, want 1", len(got))
	}
}

func TestFirehoseSeesEverything(t *testing.T) {
	hub := newTestHub(t)
	client := newHubClient(t, hub)
	hub.SubscribeFirehose(client)

	hub.SendToConversation("c9", NewEvent(EventMessage, nil))
	hub.SendTyping("c9", true, "market")
	hub.BroadcastWorkflowUpdate("exec-1", "pricing_update", "running", 0.5, []string{"market"}, "market-1", "")

	got := drain(t, client)
	if len(got) != 3 {
		t.Fatalf("firehose received %d events, want 3", len(got))
	}
	if got[1].EventType != EventTyping || got[1].Payload["is_typing"] != true {
		t.Errorf("typing event = %+v", got[1])
	}
	if got[2].WorkflowID != "exec-1" || got[2].Payload["progress"] != 0.5 {
		t.Errorf("workflow event = %+v", got[2])
	}
}

func TestBroadcastSkipsFullBuffers(t *testing.T) {
	hub := newTestHub(t)
	client := newHubClient(t, hub)
	// Replace the send buffer with an unbuffered channel so every delivery
	// hits the full-buffer path.
	client.send = make(chan []byte)
	hub.SubscribeConversation(client, "c1")

	event := NewEvent(EventMessage, nil)
	event.ConversationID = "c1"
	if count := hub.Broadcast(event); count != 0 {
		t.Errorf("recipient count = %d, want 0", count)
	}
}

func TestUnregisterCleansSubscriptionIndexes(t *testing.T) {
	hub := newTestHub(t)
	client := newHubClient(t, hub)
	hub.SubscribeConversation(client, "c1")
	hub.SubscribeWorkflow(client, "w1")

	hub.Unregister(client)
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("client still counted after unregister")
	}

	event := NewEvent(EventMessage, nil)
	event.ConversationID = "c1"
	if count := hub.Broadcast(event); count != 0 {
		t.Errorf("conversation index still delivers: %d", count)
	}
	wf := NewEvent(EventWorkflowUpdate, nil)
	wf.WorkflowID = "w1"
	if count := hub.Broadcast(wf); count != 0 {
		t.Errorf("workflow index still delivers: %d", count)
	}
}

func TestClientRequestHandling(t *testing.T) {
	hub := newTestHub(t)
	client := newHubClient(t, hub)

	client.handleRequest(clientRequest{Action: "subscribe_conversation", ConversationID: "c1"})
	client.handleRequest(clientRequest{Action: "subscribe_conversation"})
	client.handleRequest(clientRequest{Action: "ping"})
	client.handleRequest(clientRequest{Action: "warp"})

	event := NewEvent(EventMessage, nil)
	event.ConversationID = "c1"
	if count := hub.Broadcast(event); count != 1 {
		t.Errorf("subscription via request not installed: %d", count)
	}

	var kinds []EventType
	for _, ev := range drain(t, client) {
		kinds = append(kinds, ev.EventType)
	}
	// Missing id error, pong, unknown action error, then the broadcast.
	want := []EventType{EventError, EventSystemAlert, EventError, EventMessage}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestLatencyRing(t *testing.T) {
	var ring latencyRing
	if ring.mean() != 0 {
		t.Errorf("empty mean = %f", ring.mean())
	}

	ring.record(1)
	ring.record(3)
	if got := ring.mean(); got != 2 {
		t.Errorf("mean = %f, want 2", got)
	}

	// Overfill the ring; the mean stays bounded by the window contents.
	for i := 0; i < latencyRingSize*2; i++ {
		ring.record(5)
	}
	if got := ring.mean(); got != 5 {
		t.Errorf("mean after wrap = %f, want 5", got)
	}
}

func TestBroadcastRecordsLatency(t *testing.T) {
	hub := newTestHub(t)
	client := newHubClient(t, hub)
	hub.SubscribeFirehose(client)

	hub.Broadcast(NewEvent(EventMessage, nil))
	if hub.latency.filled == 0 {
		t.Error("broadcast did not record a latency sample")
	}
	if hub.AverageLatencyMS() < 0 {
		t.Errorf("average latency = %f", hub.AverageLatencyMS())
	}
}
