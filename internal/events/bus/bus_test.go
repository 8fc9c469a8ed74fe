package bus

import (
	"context"
	"sync"
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

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(Config{QueueSize: 64}, testLogger(t))
	t.Cleanup(b.Close)
	return b
}

// collector records delivered events behind a mutex.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(_ context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPublishDeliversToMatchingSubscription(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}

	if _, err := b.Subscribe(ByName("inventory.updated"), c.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent(KindNotification, "inventory.updated", "logistics-1", map[string]any{"sku": "B0TEST"})
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	_ = b.Publish(context.Background(), NewEvent(KindNotification, "pricing.updated", "market-1", nil))

	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
	got := c.snapshot()
	if got[0].Name != "inventory.updated" {
		t.Errorf("expected inventory.updated, got %s", got[0].Name)
	}
	if got[0].Payload["sku"] != "B0TEST" {
		t.Errorf("payload not preserved: %v", got[0].Payload)
	}
}

func TestExactlyOnceDeliveryPerSubscription(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}

	// Two overlapping filters on one subscription would double-deliver if
	// matching were per-filter rather than per-subscription.
	filter := Or(ByName("task.created"), ByKind(KindNotification))
	if _, err := b.Subscribe(filter, c.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent(KindNotification, "task.created", "delegator", nil)
	_ = b.Publish(context.Background(), event)

	waitFor(t, func() bool { return len(c.snapshot()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
}

func TestPerSourcePublishOrder(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	if _, err := b.Subscribe(BySource("market-1"), c.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		event := NewEvent(KindNotification, "tick", "market-1", map[string]any{"seq": i})
		if err := b.Publish(context.Background(), event); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(c.snapshot()) == n })
	for i, event := range c.snapshot() {
		if event.Payload["seq"] != i {
			t.Fatalf("out of order at %d: got seq %v", i, event.Payload["seq"])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	sub, err := b.Subscribe(All(), c.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), NewEvent(KindNotification, "before", "test", nil))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	b.Unsubscribe(sub.ID())
	if sub.IsValid() {
		t.Error("subscription still valid after Unsubscribe")
	}

	_ = b.Publish(context.Background(), NewEvent(KindNotification, "after", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d events", n)
	}

	// Idempotent.
	b.Unsubscribe(sub.ID())
}

func TestOverflowDropOldestEmitsNotification(t *testing.T) {
	b := newTestBus(t)

	release := make(chan struct{})
	var once sync.Once
	c := &collector{}
	slow := func(ctx context.Context, event *Event) error {
		<-release
		return c.handler(ctx, event)
	}
	if _, err := b.Subscribe(ByName("burst"), slow, WithQueueSize(2), WithOverflowPolicy(OverflowDropOldest)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	overflow := &collector{}
	if _, err := b.Subscribe(ByName(EventSubscriptionOverflow), overflow.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Queue depth 2 plus one in-flight; the rest force evictions.
	for i := 0; i < 8; i++ {
		_ = b.Publish(context.Background(), NewEvent(KindNotification, "burst", "test", map[string]any{"seq": i}))
	}
	once.Do(func() { close(release) })

	waitFor(t, func() bool { return len(overflow.snapshot()) >= 1 })
	note := overflow.snapshot()[0]
	if note.Kind != KindNotification {
		t.Errorf("overflow notification kind = %v", note.Kind)
	}
	if note.Payload["dropped_event"] != "burst" {
		t.Errorf("dropped_event = %v", note.Payload["dropped_event"])
	}

	waitFor(t, func() bool { return b.Metrics().Dropped >= 1 })
}

func TestHandlerErrorDoesNotStopDispatch(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	handler := func(ctx context.Context, event *Event) error {
		if event.Name == "bad" {
			return context.DeadlineExceeded
		}
		return c.handler(ctx, event)
	}
	if _, err := b.Subscribe(All(), handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), NewEvent(KindNotification, "bad", "test", nil))
	_ = b.Publish(context.Background(), NewEvent(KindNotification, "good", "test", nil))

	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
	if b.Metrics().HandlerErrors != 1 {
		t.Errorf("expected 1 handler error, got %d", b.Metrics().HandlerErrors)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New(Config{}, testLogger(t))
	b.Close()
	if err := b.Publish(context.Background(), NewEvent(KindNotification, "late", "test", nil)); err == nil {
		t.Error("expected error publishing to a closed bus")
	}
	if _, err := b.Subscribe(All(), func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to a closed bus")
	}
}

func TestFilterCombinators(t *testing.T) {
	event := NewEvent(KindCommand, "pipeline.stage", "pipeline_controller", nil)
	event.WithTarget("market-1").WithPriority(PriorityHigh)

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"by name", ByName("pipeline.stage"), true},
		{"by name miss", ByName("other"), false},
		{"by kind", ByKind(KindCommand), true},
		{"by source", BySource("pipeline_controller"), true},
		{"by target", ByTarget("market-1"), true},
		{"min priority", MinPriority(PriorityNormal), true},
		{"min priority miss", MinPriority(PriorityCritical), false},
		{"and", And(ByKind(KindCommand), ByTarget("market-1")), true},
		{"and miss", And(ByKind(KindCommand), ByTarget("other")), false},
		{"or", Or(ByName("other"), BySource("pipeline_controller")), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(event); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestByNamePattern(t *testing.T) {
	filter, err := ByNamePattern(`^pipeline\.`)
	if err != nil {
		t.Fatalf("ByNamePattern failed: %v", err)
	}
	if !filter.Matches(NewEvent(KindNotification, "pipeline.stage_completed", "x", nil)) {
		t.Error("expected match")
	}
	if filter.Matches(NewEvent(KindNotification, "chat.message", "x", nil)) {
		t.Error("unexpected match")
	}

	if _, err := ByNamePattern(`([`); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestMetricsCounters(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	if _, err := b.Subscribe(All(), c.handler, WithSubName("metrics_probe")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = b.Publish(context.Background(), NewEvent(KindNotification, "tick", "test", nil))
	}
	waitFor(t, func() bool { return b.Metrics().Delivered == 3 })

	m := b.Metrics()
	if m.Published != 3 {
		t.Errorf("Published = %d, want 3", m.Published)
	}
	if len(m.Subscriptions) != 1 || m.Subscriptions[0].Name != "metrics_probe" {
		t.Errorf("subscription stats = %+v", m.Subscriptions)
	}
}
