package conflict

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	b := bus.New(bus.Config{}, log)
	t.Cleanup(b.Close)
	return New(b, log)
}

func TestDetectRequiresEntities(t *testing.T) {
	r := newTestResolver(t)
	if _, err := r.Detect(KindResource, nil, "empty", nil); err == nil {
		t.Error("expected error for conflict without entities")
	}
}

func TestResolvePriority(t *testing.T) {
	r := newTestResolver(t)
	c, err := r.Detect(KindResource, []map[string]any{
		{"task": "a", "priority": 1},
		{"task": "b", "priority": 5},
		{"task": "c", "priority": 3},
	}, "inventory lock contention", nil)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	got, err := r.Resolve(c.ID, StrategyPriority, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	winner, ok := got.(map[string]any)
	if !ok || winner["task"] != "b" {
		t.Errorf("priority winner = %v", got)
	}

	stored := r.Get(c.ID)
	if stored.Status != StatusResolved || stored.ResolvedAt == nil {
		t.Errorf("conflict not closed: %+v", stored)
	}
}

func TestResolveDefaultStrategyPerKind(t *testing.T) {
	r := newTestResolver(t)

	// KindAgent defaults to authority.
	c, _ := r.Detect(KindAgent, []map[string]any{
		{"agent": "market-1", "authority": 2},
		{"agent": "executive-1", "authority": 9},
	}, "", nil)
	got, err := r.Resolve(c.ID, "", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner := got.(map[string]any); winner["agent"] != "executive-1" {
		t.Errorf("authority winner = %v", got)
	}

	// KindData defaults to last.
	c2, _ := r.Detect(KindData, []map[string]any{
		{"price": 10.0},
		{"price": 12.0},
	}, "", nil)
	got2, err := r.Resolve(c2.ID, "", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner := got2.(map[string]any); winner["price"] != 12.0 {
		t.Errorf("data winner = %v", got2)
	}
}

func TestResolveConsensus(t *testing.T) {
	r := newTestResolver(t)
	c, _ := r.Detect(KindTask, []map[string]any{
		{"value": "raise"},
		{"value": "hold"},
		{"value": "raise"},
	}, "", nil)
	got, err := r.Resolve(c.ID, StrategyConsensus, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "raise" {
		t.Errorf("consensus = %v", got)
	}
}

func TestMergeOrderSensitivity(t *testing.T) {
	r := newTestResolver(t)
	c, _ := r.Detect(KindData, []map[string]any{
		{"price": 10.0, "stock": 5, "title": "old"},
		{"price": 12.0, "title": nil},
	}, "", nil)

	got, err := r.Resolve(c.ID, StrategyMerge, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Later entities win; nil never clobbers an earlier value.
	want := map[string]any{"price": 12.0, "stock": 5, "title": "old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merge = %v, want %v", got, want)
	}
}

func TestMergeRestrictedFields(t *testing.T) {
	r := newTestResolver(t)
	c, _ := r.Detect(KindData, []map[string]any{
		{"price": 10.0, "stock": 5},
		{"price": 12.0, "stock": 7},
	}, "", nil)

	got, err := r.Resolve(c.ID, StrategyMerge, map[string]any{"merge_fields": []string{"price"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := map[string]any{"price": 12.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("restricted merge = %v, want %v", got, want)
	}
}

func TestResolveCustom(t *testing.T) {
	r := newTestResolver(t)
	r.RegisterCustom(KindOther, func(c *Conflict, params map[string]any) (any, error) {
		return len(c.Entities), nil
	})

	c, _ := r.Detect(KindOther, []map[string]any{{"a": 1}, {"b": 2}}, "", nil)
	got, err := r.Resolve(c.ID, StrategyCustom, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 2 {
		t.Errorf("custom = %v", got)
	}

	// Custom without a registered function is unresolvable.
	c2, _ := r.Detect(KindCapability, []map[string]any{{"a": 1}}, "", nil)
	if _, err := r.Resolve(c2.ID, StrategyCustom, nil); err == nil {
		t.Error("expected error with no custom function for the kind")
	}
	if got := r.Get(c2.ID).Status; got != StatusUnresolvable {
		t.Errorf("status after failed custom = %s", got)
	}
}

func TestResolveFailureMarksUnresolvable(t *testing.T) {
	r := newTestResolver(t)
	c, _ := r.Detect(KindResource, []map[string]any{
		{"task": "a"}, // no numeric priority anywhere
	}, "", nil)

	if _, err := r.Resolve(c.ID, StrategyPriority, nil); err == nil {
		t.Fatal("expected resolution failure")
	}
	stored := r.Get(c.ID)
	if stored.Status != StatusUnresolvable {
		t.Errorf("status = %s, want unresolvable", stored.Status)
	}
	// Closed conflicts reject further resolution.
	if _, err := r.Resolve(c.ID, StrategyFirst, nil); err == nil {
		t.Error("expected error resolving a closed conflict")
	}
}

func TestIgnoreAndActive(t *testing.T) {
	r := newTestResolver(t)
	c1, _ := r.Detect(KindTask, []map[string]any{{"a": 1}}, "", nil)
	c2, _ := r.Detect(KindTask, []map[string]any{{"b": 2}}, "", nil)

	if err := r.Ignore(c1.ID, "superseded by newer pricing run"); err != nil {
		t.Fatalf("Ignore failed: %v", err)
	}
	stored := r.Get(c1.ID)
	if stored.Status != StatusIgnored || stored.Metadata["reason"] != "superseded by newer pricing run" {
		t.Errorf("ignored conflict = %+v", stored)
	}

	active := r.Active()
	if len(active) != 1 || active[0].ID != c2.ID {
		t.Errorf("Active() = %+v", active)
	}
	if got := r.FindByKind(KindTask); len(got) != 2 {
		t.Errorf("FindByKind = %d, want 2", len(got))
	}
}

func TestMarkUnresolvable(t *testing.T) {
	r := newTestResolver(t)
	c, _ := r.Detect(KindAuthority, []map[string]any{{"a": 1}}, "", nil)
	if err := r.MarkUnresolvable(c.ID, "requires human review"); err != nil {
		t.Fatalf("MarkUnresolvable failed: %v", err)
	}
	if got := r.Get(c.ID).Status; got != StatusUnresolvable {
		t.Errorf("status = %s", got)
	}
	if err := r.MarkUnresolvable(c.ID, "again"); err == nil {
		t.Error("expected error re-closing a closed conflict")
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	r := newTestResolver(t)
	if _, err := r.Resolve("ghost", StrategyFirst, nil); err == nil {
		t.Error("expected not-found")
	}
}

func TestStrategyTable(t *testing.T) {
	entities := []map[string]any{
		{"id": "first", "priority": 1, "value": "x"},
		{"id": "second", "priority": 2, "value": "x"},
	}
	cases := []struct {
		strategy Strategy
		check    func(got any) error
	}{
		{StrategyFirst, func(got any) error {
			if got.(map[string]any)["id"] != "first" {
				return fmt.Errorf("got %v", got)
			}
			return nil
		}},
		{StrategyLast, func(got any) error {
			if got.(map[string]any)["id"] != "second" {
				return fmt.Errorf("got %v", got)
			}
			return nil
		}},
		{StrategyCancel, func(got any) error {
			if got != nil {
				return fmt.Errorf("cancel should yield nil, got %v", got)
			}
			return nil
		}},
		{StrategyDelegate, func(got any) error {
			if got != nil {
				return fmt.Errorf("delegate should yield nil, got %v", got)
			}
			return nil
		}},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			r := newTestResolver(t)
			c, _ := r.Detect(KindOther, entities, "", nil)
			got, err := r.Resolve(c.ID, tc.strategy, nil)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if err := tc.check(got); err != nil {
				t.Error(err)
			}
		})
	}
}
