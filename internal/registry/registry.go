package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

const (
	// DefaultHealthInterval is how often the health loop runs.
	DefaultHealthInterval = 60 * time.Second
	// DefaultPingTimeout bounds the wait for a ping_response.
	DefaultPingTimeout = 5 * time.Second

	staleAfter        = time.Minute
	disconnectedAfter = 5 * time.Minute
)

// LoadFunc reports the number of active tasks for an agent. The task
// delegator installs it so selection can prefer the least-loaded agent.
type LoadFunc func(agentID string) int

// Config holds registry tunables.
type Config struct {
	HealthInterval time.Duration
	PingTimeout    time.Duration
}

// Registry owns all agent records. All mutations are serialized by a single
// mutex; reads return snapshot copies.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent

	bus    *bus.Bus
	logger *logger.Logger
	cfg    Config

	loadFn       LoadFunc
	heartbeatSub *bus.Subscription

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a registry attached to the bus. Zero-valued config fields fall
// back to defaults.
func New(b *bus.Bus, cfg Config, log *logger.Logger) (*Registry, error) {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	r := &Registry{
		agents: make(map[string]*Agent),
		bus:    b,
		logger: log.WithFields(zap.String("component", "agent_registry")),
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	sub, err := b.Subscribe(
		bus.And(bus.ByKind(bus.KindNotification), bus.ByName(events.AgentHeartbeat)),
		r.onHeartbeat,
		bus.WithSubName("registry_heartbeat"),
	)
	if err != nil {
		return nil, err
	}
	r.heartbeatSub = sub
	return r, nil
}

// SetLoadFunc installs the active-task counter used for load-aware selection.
func (r *Registry) SetLoadFunc(fn LoadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadFn = fn
}

// Register adds an agent. The id must be unique within this coordinator.
func (r *Registry) Register(agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	r.mu.Lock()
	if _, exists := r.agents[agent.ID]; exists {
		r.mu.Unlock()
		return apperr.Newf(apperr.KindValidation, "agent %q already registered", agent.ID)
	}
	stored := agent.clone()
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	now := time.Now().UTC()
	stored.LastSeen = &now
	r.agents[stored.ID] = stored
	r.mu.Unlock()

	r.logger.Info("Agent registered",
		zap.String("agent_id", stored.ID),
		zap.String("category", string(stored.Category)))
	r.notify(events.AgentRegistered, stored.ID, string(stored.Status))
	return nil
}

// Unregister removes an agent. Subsequent lookups miss.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if !ok {
		return apperr.NotFound("agent", id)
	}
	r.logger.Info("Agent unregistered", zap.String("agent_id", id))
	r.notify(events.AgentUnregistered, id, "")
	return nil
}

// UpdateStatus transitions an agent's coarse status. Transitions to Inactive
// or Disconnected are always permitted.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		agent.Status = status
	}
	r.mu.Unlock()

	if !ok {
		return apperr.NotFound("agent", id)
	}
	r.notify(events.AgentStatusUpdated, id, string(status))
	return nil
}

// UpdateCapabilities replaces an agent's capability set.
func (r *Registry) UpdateCapabilities(id string, caps []Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return apperr.NotFound("agent", id)
	}
	agent.Capabilities = append([]Capability(nil), caps...)
	return nil
}

// Get returns a snapshot of the agent, or nil if unknown.
func (r *Registry) Get(id string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		return agent.clone()
	}
	return nil
}

// FindByCategory returns snapshots of all agents in a category.
func (r *Registry) FindByCategory(category Category) []*Agent {
	return r.filter(func(a *Agent) bool { return a.Category == category })
}

// FindByCapability returns snapshots of all agents offering a matching
// capability.
func (r *Registry) FindByCapability(required Capability) []*Agent {
	return r.filter(func(a *Agent) bool { return a.Offers(required) })
}

// FindByStatus returns snapshots of all agents with the given status.
func (r *Registry) FindByStatus(status Status) []*Agent {
	return r.filter(func(a *Agent) bool { return a.Status == status })
}

// All returns snapshots of every registered agent.
func (r *Registry) All() []*Agent {
	return r.filter(func(*Agent) bool { return true })
}

func (r *Registry) filter(pred func(*Agent) bool) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if pred(agent) {
			out = append(out, agent.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckHealth reports whether the agent is registered and in a workable
// state (Active or Busy).
func (r *Registry) CheckHealth(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return false
	}
	return agent.Status == StatusActive || agent.Status == StatusBusy
}

// SelectLeastLoaded picks the healthy agent with the fewest active tasks.
// Ties break by agent id lexicographic order. Returns nil when no candidate
// is healthy.
func (r *Registry) SelectLeastLoaded(candidates []*Agent) *Agent {
	r.mu.Lock()
	loadFn := r.loadFn
	r.mu.Unlock()

	var best *Agent
	bestLoad := 0
	for _, candidate := range candidates {
		if !r.CheckHealth(candidate.ID) {
			continue
		}
		load := 0
		if loadFn != nil {
			load = loadFn(candidate.ID)
		}
		if best == nil || load < bestLoad || (load == bestLoad && candidate.ID < best.ID) {
			best = candidate
			bestLoad = load
		}
	}
	return best
}

// onHeartbeat resets last-seen and revives Disconnected agents.
func (r *Registry) onHeartbeat(_ context.Context, ev *bus.Event) error {
	agentID, _ := ev.Payload["agent_id"].(string)
	if agentID == "" {
		return nil
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	var revived bool
	if ok {
		now := time.Now().UTC()
		agent.LastSeen = &now
		if agent.Status == StatusDisconnected {
			agent.Status = StatusActive
			revived = true
		}
	}
	r.mu.Unlock()

	if revived {
		r.logger.Info("Agent revived by heartbeat", zap.String("agent_id", agentID))
		r.notify(events.AgentStatusUpdated, agentID, string(StatusActive))
	}
	return nil
}

// notify publishes a registry notification; failures are logged only.
func (r *Registry) notify(name, agentID, status string) {
	payload := map[string]any{"agent_id": agentID}
	if status != "" {
		payload["status"] = status
	}
	ev := bus.NewEvent(bus.KindNotification, name, "agent_registry", payload)
	if err := r.bus.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("Failed to publish registry notification",
			zap.String("event", name), zap.Error(err))
	}
}

// Close stops the health loop and detaches from the bus.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.heartbeatSub != nil {
		r.bus.Unsubscribe(r.heartbeatSub.ID())
	}
}
