// Package aggregator collects per-task results from multiple agents and
// combines them with a pluggable strategy.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

// Strategy selects how collected entries are combined.
type Strategy string

const (
	StrategyCollect  Strategy = "collect"
	StrategyMajority Strategy = "majority"
	StrategyWeighted Strategy = "weighted"
	StrategyFirst    Strategy = "first"
	StrategyLast     Strategy = "last"
	StrategyCustom   Strategy = "custom"
)

// Entry is one agent's contribution to a task.
type Entry struct {
	AgentID    string         `json:"agent_id"`
	Result     any            `json:"result"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// CustomFunc combines entries for StrategyCustom.
type CustomFunc func(entries []Entry) (any, error)

type taskState struct {
	strategy Strategy
	custom   CustomFunc
	entries  []Entry
}

// Aggregator owns per-task result collections. Aggregation never consumes
// entries; re-invocation over unchanged inputs yields the same value.
type Aggregator struct {
	mu    sync.Mutex
	tasks map[string]*taskState

	bus    *bus.Bus
	logger *logger.Logger
}

// New creates an aggregator attached to the bus.
func New(b *bus.Bus, log *logger.Logger) *Aggregator {
	return &Aggregator{
		tasks:  make(map[string]*taskState),
		bus:    b,
		logger: log.WithFields(zap.String("component", "result_aggregator")),
	}
}

// RegisterTask prepares collection for a task with the given strategy.
// StrategyCustom requires a combine function.
func (a *Aggregator) RegisterTask(taskID string, strategy Strategy, custom CustomFunc) error {
	if taskID == "" {
		return apperr.Validation("task id is required")
	}
	if strategy == StrategyCustom && custom == nil {
		return apperr.Validation("custom strategy requires a combine function")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tasks[taskID]; exists {
		return apperr.Newf(apperr.KindValidation, "task %q already registered for aggregation", taskID)
	}
	a.tasks[taskID] = &taskState{strategy: strategy, custom: custom}
	return nil
}

// AddResult records one agent's result for a task.
func (a *Aggregator) AddResult(taskID, agentID string, result any, metadata map[string]any) error {
	a.mu.Lock()
	state, ok := a.tasks[taskID]
	if ok {
		state.entries = append(state.entries, Entry{
			AgentID:    agentID,
			Result:     result,
			Metadata:   metadata,
			ReceivedAt: time.Now().UTC(),
		})
	}
	a.mu.Unlock()

	if !ok {
		return apperr.NotFound("aggregation task", taskID)
	}
	a.logger.Debug("Result added",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	return nil
}

// GetResults returns a snapshot of the collected entries in arrival order.
func (a *Aggregator) GetResults(taskID string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.tasks[taskID]
	if !ok {
		return nil
	}
	return append([]Entry(nil), state.entries...)
}

// Aggregate combines the collected entries per the task's strategy and emits
// a final_result notification. Entries are not consumed.
func (a *Aggregator) Aggregate(taskID string) (any, error) {
	a.mu.Lock()
	state, ok := a.tasks[taskID]
	if !ok {
		a.mu.Unlock()
		return nil, apperr.NotFound("aggregation task", taskID)
	}
	entries := append([]Entry(nil), state.entries...)
	strategy := state.strategy
	custom := state.custom
	a.mu.Unlock()

	value, err := combine(strategy, custom, entries)
	if err != nil {
		return nil, apperr.Coordination("aggregation failed", err)
	}

	ev := bus.NewEvent(bus.KindNotification, events.FinalResult, "result_aggregator", map[string]any{
		"task_id":  taskID,
		"strategy": string(strategy),
		"result":   value,
		"count":    len(entries),
	})
	if pubErr := a.bus.Publish(context.Background(), ev); pubErr != nil {
		a.logger.Warn("Failed to publish final result", zap.Error(pubErr))
	}
	return value, nil
}

// Clear forgets a task's entries and registration.
func (a *Aggregator) Clear(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, taskID)
}

func combine(strategy Strategy, custom CustomFunc, entries []Entry) (any, error) {
	switch strategy {
	case StrategyCollect:
		out := make(map[string]any, len(entries))
		for _, e := range entries {
			out[e.AgentID] = e.Result
		}
		return out, nil

	case StrategyMajority:
		if len(entries) == 0 {
			return nil, nil
		}
		counts := make(map[string]int, len(entries))
		values := make(map[string]any, len(entries))
		for _, e := range entries {
			key := fmt.Sprintf("%v", e.Result)
			counts[key]++
			values[key] = e.Result
		}
		var bestKey string
		best := -1
		for _, e := range entries { // iterate entries to break ties by arrival order
			key := fmt.Sprintf("%v", e.Result)
			if counts[key] > best {
				best = counts[key]
				bestKey = key
			}
		}
		return values[bestKey], nil

	case StrategyWeighted:
		var weightedSum, totalWeight float64
		for _, e := range entries {
			value, ok := toFloat(e.Result)
			if !ok {
				return nil, fmt.Errorf("weighted aggregation requires numeric results, got %T", e.Result)
			}
			weight, ok := toFloat(e.Metadata["weight"])
			if !ok {
				return nil, fmt.Errorf("weighted aggregation requires metadata.weight for agent %s", e.AgentID)
			}
			weightedSum += value * weight
			totalWeight += weight
		}
		if totalWeight == 0 {
			return nil, nil
		}
		return weightedSum / totalWeight, nil

	case StrategyFirst:
		if len(entries) == 0 {
			return nil, nil
		}
		return entries[0].Result, nil

	case StrategyLast:
		if len(entries) == 0 {
			return nil, nil
		}
		return entries[len(entries)-1].Result, nil

	case StrategyCustom:
		return custom(entries)

	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", strategy)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
