package aggregator

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	b := bus.New(bus.Config{}, log)
	t.Cleanup(b.Close)
	return New(b, log)
}

func TestRegisterTaskValidation(t *testing.T) {
	a := newTestAggregator(t)
	if err := a.RegisterTask("", StrategyCollect, nil); err == nil {
		t.Error("expected error for empty task id")
	}
	if err := a.RegisterTask("t1", StrategyCustom, nil); err == nil {
		t.Error("expected error for custom strategy without a function")
	}
	if err := a.RegisterTask("t1", StrategyCollect, nil); err != nil {
		t.Fatalf("RegisterTask failed: %v", err)
	}
	if err := a.RegisterTask("t1", StrategyCollect, nil); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestAddResultUnknownTask(t *testing.T) {
	a := newTestAggregator(t)
	if err := a.AddResult("ghost", "market-1", 1, nil); err == nil {
		t.Error("expected not-found for unregistered task")
	}
	if _, err := a.Aggregate("ghost"); err == nil {
		t.Error("expected not-found aggregating an unregistered task")
	}
}

func TestCollectStrategy(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyCollect, nil)
	_ = a.AddResult("t1", "market-1", map[string]any{"price": 19.99}, nil)
	_ = a.AddResult("t1", "logistics-1", map[string]any{"stock": 12}, nil)

	got, err := a.Aggregate("t1")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	want := map[string]any{
		"market-1":    map[string]any{"price": 19.99},
		"logistics-1": map[string]any{"stock": 12},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("collect = %v, want %v", got, want)
	}
}

func TestMajorityStrategy(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyMajority, nil)
	_ = a.AddResult("t1", "a", "raise", nil)
	_ = a.AddResult("t1", "b", "hold", nil)
	_ = a.AddResult("t1", "c", "raise", nil)

	got, err := a.Aggregate("t1")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if got != "raise" {
		t.Errorf("majority = %v, want raise", got)
	}
}

func TestMajorityTieBreaksByArrival(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyMajority, nil)
	_ = a.AddResult("t1", "a", "hold", nil)
	_ = a.AddResult("t1", "b", "raise", nil)

	got, _ := a.Aggregate("t1")
	if got != "hold" {
		t.Errorf("tie = %v, want first arrival (hold)", got)
	}
}

func TestWeightedStrategy(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyWeighted, nil)
	_ = a.AddResult("t1", "a", 10.0, map[string]any{"weight": 1.0})
	_ = a.AddResult("t1", "b", 20.0, map[string]any{"weight": 3.0})

	got, err := a.Aggregate("t1")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if got != 17.5 {
		t.Errorf("weighted = %v, want 17.5", got)
	}
}

func TestWeightedStrategyRejectsNonNumeric(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyWeighted, nil)
	_ = a.AddResult("t1", "a", "not a number", map[string]any{"weight": 1.0})
	if _, err := a.Aggregate("t1"); err == nil {
		t.Error("expected error for non-numeric result")
	}

	_ = a.RegisterTask("t2", StrategyWeighted, nil)
	_ = a.AddResult("t2", "a", 10.0, nil)
	if _, err := a.Aggregate("t2"); err == nil {
		t.Error("expected error for missing weight")
	}
}

func TestFirstAndLastStrategies(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("first", StrategyFirst, nil)
	_ = a.RegisterTask("last", StrategyLast, nil)
	for _, id := range []string{"first", "last"} {
		_ = a.AddResult(id, "a", 1, nil)
		_ = a.AddResult(id, "b", 2, nil)
	}

	if got, _ := a.Aggregate("first"); got != 1 {
		t.Errorf("first = %v", got)
	}
	if got, _ := a.Aggregate("last"); got != 2 {
		t.Errorf("last = %v", got)
	}
}

func TestCustomStrategy(t *testing.T) {
	a := newTestAggregator(t)
	sum := func(entries []Entry) (any, error) {
		total := 0
		for _, e := range entries {
			n, ok := e.Result.(int)
			if !ok {
				return nil, fmt.Errorf("unexpected type %T", e.Result)
			}
			total += n
		}
		return total, nil
	}
	_ = a.RegisterTask("t1", StrategyCustom, sum)
	_ = a.AddResult("t1", "a", 3, nil)
	_ = a.AddResult("t1", "b", 4, nil)

	if got, _ := a.Aggregate("t1"); got != 7 {
		t.Errorf("custom = %v, want 7", got)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyMajority, nil)
	_ = a.AddResult("t1", "a", "raise", nil)
	_ = a.AddResult("t1", "b", "raise", nil)

	first, _ := a.Aggregate("t1")
	second, _ := a.Aggregate("t1")
	if first != second {
		t.Errorf("repeat aggregation changed: %v then %v", first, second)
	}
	// Entries are never consumed.
	if got := len(a.GetResults("t1")); got != 2 {
		t.Errorf("entries after aggregate = %d, want 2", got)
	}
}

func TestEmptyEntries(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyMajority, nil)
	if got, err := a.Aggregate("t1"); err != nil || got != nil {
		t.Errorf("empty majority = (%v, %v)", got, err)
	}

	_ = a.RegisterTask("t2", StrategyCollect, nil)
	got, err := a.Aggregate("t2")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if m, ok := got.(map[string]any); !ok || len(m) != 0 {
		t.Errorf("empty collect = %v", got)
	}
}

func TestClear(t *testing.T) {
	a := newTestAggregator(t)
	_ = a.RegisterTask("t1", StrategyCollect, nil)
	_ = a.AddResult("t1", "a", 1, nil)
	a.Clear("t1")

	if got := a.GetResults("t1"); got != nil {
		t.Errorf("results after clear = %v", got)
	}
	// Cleared ids are free for re-registration.
	if err := a.RegisterTask("t1", StrategyFirst, nil); err != nil {
		t.Errorf("re-register after clear failed: %v", err)
	}
}
