package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

// CustomFunc arbitrates conflicts of a kind for StrategyCustom.
type CustomFunc func(c *Conflict, params map[string]any) (any, error)

// Resolver owns all conflict records. Mutations are serialized by one mutex.
type Resolver struct {
	mu        sync.Mutex
	conflicts map[string]*Conflict
	custom    map[Kind]CustomFunc

	bus    *bus.Bus
	logger *logger.Logger
}

// New creates a resolver attached to the bus.
func New(b *bus.Bus, log *logger.Logger) *Resolver {
	return &Resolver{
		conflicts: make(map[string]*Conflict),
		custom:    make(map[Kind]CustomFunc),
		bus:       b,
		logger:    log.WithFields(zap.String("component", "conflict_resolver")),
	}
}

// RegisterCustom installs the custom arbitration function for a kind.
func (r *Resolver) RegisterCustom(kind Kind, fn CustomFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[kind] = fn
}

// Detect records a new conflict and emits conflict_detected.
func (r *Resolver) Detect(kind Kind, entities []map[string]any, description string, metadata map[string]any) (*Conflict, error) {
	if len(entities) == 0 {
		return nil, apperr.Validation("a conflict requires at least one entity")
	}
	c := &Conflict{
		ID:          uuid.New().String(),
		Kind:        kind,
		Entities:    entities,
		Description: description,
		Metadata:    metadata,
		Status:      StatusDetected,
		DetectedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.mu.Unlock()

	r.logger.Info("Conflict detected",
		zap.String("conflict_id", c.ID),
		zap.String("kind", string(kind)),
		zap.Int("entities", len(entities)))
	r.notify(events.ConflictDetected, c)
	return c.clone(), nil
}

// Resolve arbitrates a conflict. An empty strategy applies the kind's
// default. The resolution value is recorded on the conflict and returned.
func (r *Resolver) Resolve(conflictID string, strategy Strategy, params map[string]any) (any, error) {
	r.mu.Lock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		r.mu.Unlock()
		return nil, apperr.NotFound("conflict", conflictID)
	}
	if !c.IsActive() {
		r.mu.Unlock()
		return nil, apperr.Coordinationf("conflict %q is already %s", conflictID, c.Status)
	}
	if strategy == "" {
		strategy = defaultStrategies[c.Kind]
	}
	c.Status = StatusResolving
	c.Strategy = strategy
	customFn := r.custom[c.Kind]
	snapshot := c.clone()
	r.mu.Unlock()

	resolution, err := apply(strategy, customFn, snapshot, params)

	r.mu.Lock()
	if err != nil {
		c.Status = StatusUnresolvable
		c.Resolution = nil
	} else {
		now := time.Now().UTC()
		c.Status = StatusResolved
		c.Resolution = resolution
		c.ResolvedAt = &now
	}
	result := c.clone()
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Conflict resolution failed",
			zap.String("conflict_id", conflictID),
			zap.String("strategy", string(strategy)),
			zap.Error(err))
		r.notify(events.ConflictUnresolvable, result)
		return nil, apperr.Coordination("conflict resolution failed", err)
	}

	r.logger.Info("Conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("strategy", string(strategy)))
	r.notify(events.ConflictResolved, result)
	return resolution, nil
}

// MarkUnresolvable closes a conflict as unresolvable with a reason.
func (r *Resolver) MarkUnresolvable(conflictID, reason string) error {
	return r.closeWith(conflictID, StatusUnresolvable, reason, events.ConflictUnresolvable)
}

// Ignore closes a conflict as ignored with a reason.
func (r *Resolver) Ignore(conflictID, reason string) error {
	return r.closeWith(conflictID, StatusIgnored, reason, events.ConflictIgnored)
}

func (r *Resolver) closeWith(conflictID string, status Status, reason, event string) error {
	r.mu.Lock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("conflict", conflictID)
	}
	if !c.IsActive() {
		r.mu.Unlock()
		return apperr.Coordinationf("conflict %q is already %s", conflictID, c.Status)
	}
	now := time.Now().UTC()
	c.Status = status
	c.ResolvedAt = &now
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata["reason"] = reason
	snapshot := c.clone()
	r.mu.Unlock()

	r.notify(event, snapshot)
	return nil
}

// Get returns a snapshot of the conflict, or nil if unknown.
func (r *Resolver) Get(conflictID string) *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conflicts[conflictID]; ok {
		return c.clone()
	}
	return nil
}

// FindByKind returns snapshots of all conflicts of a kind.
func (r *Resolver) FindByKind(kind Kind) []*Conflict {
	return r.filter(func(c *Conflict) bool { return c.Kind == kind })
}

// Active returns snapshots of all conflicts still needing attention.
func (r *Resolver) Active() []*Conflict {
	return r.filter(func(c *Conflict) bool { return c.IsActive() })
}

func (r *Resolver) filter(pred func(*Conflict) bool) []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conflict
	for _, c := range r.conflicts {
		if pred(c) {
			out = append(out, c.clone())
		}
	}
	return out
}

func (r *Resolver) notify(name string, c *Conflict) {
	ev := bus.NewEvent(bus.KindNotification, name, "conflict_resolver", map[string]any{
		"conflict_id": c.ID,
		"kind":        string(c.Kind),
		"status":      string(c.Status),
		"strategy":    string(c.Strategy),
	})
	if err := r.bus.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("Failed to publish conflict notification",
			zap.String("event", name), zap.Error(err))
	}
}

// apply executes one strategy over the conflict's entities.
func apply(strategy Strategy, custom CustomFunc, c *Conflict, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	switch strategy {
	case StrategyPriority:
		return highestBy(c.Entities, paramString(params, "priority_field", "priority"))
	case StrategyAuthority:
		return highestBy(c.Entities, paramString(params, "authority_field", "authority"))
	case StrategyConsensus:
		return consensus(c.Entities, paramString(params, "value_field", "value"))
	case StrategyFirst:
		if len(c.Entities) == 0 {
			return nil, nil
		}
		return c.Entities[0], nil
	case StrategyLast:
		if len(c.Entities) == 0 {
			return nil, nil
		}
		return c.Entities[len(c.Entities)-1], nil
	case StrategyMerge:
		return merge(c.Entities, paramStrings(params, "merge_fields")), nil
	case StrategyCancel, StrategyDelegate:
		// The caller decides what cancellation or delegation means.
		return nil, nil
	case StrategyCustom:
		if custom == nil {
			return nil, fmt.Errorf("no custom strategy registered for kind %q", c.Kind)
		}
		return custom(c, params)
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// highestBy returns the entity with the highest numeric value under field.
func highestBy(entities []map[string]any, field string) (any, error) {
	var best map[string]any
	bestValue := 0.0
	for _, entity := range entities {
		value, ok := toFloat(entity[field])
		if !ok {
			continue
		}
		if best == nil || value > bestValue {
			best = entity
			bestValue = value
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no entity carries numeric field %q", field)
	}
	return best, nil
}

// consensus returns the most common value under field, ties broken by first
// appearance.
func consensus(entities []map[string]any, field string) (any, error) {
	counts := make(map[string]int)
	values := make(map[string]any)
	var order []string
	for _, entity := range entities {
		v, ok := entity[field]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if counts[key] == 0 {
			order = append(order, key)
			values[key] = v
		}
		counts[key]++
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no entity carries field %q", field)
	}
	bestKey := order[0]
	for _, key := range order {
		if counts[key] > counts[bestKey] {
			bestKey = key
		}
	}
	return values[bestKey], nil
}

// merge shallow-merges entities in order; later entities override earlier
// ones, and a nil value falls back to the last non-nil one for that field.
// A non-empty mergeFields restricts the merged key set.
func merge(entities []map[string]any, mergeFields []string) map[string]any {
	allowed := map[string]struct{}{}
	for _, f := range mergeFields {
		allowed[f] = struct{}{}
	}

	out := make(map[string]any)
	for _, entity := range entities {
		for key, value := range entity {
			if len(allowed) > 0 {
				if _, ok := allowed[key]; !ok {
					continue
				}
			}
			if value == nil {
				if _, exists := out[key]; exists {
					continue
				}
			}
			out[key] = value
		}
	}
	return out
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
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

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
