// Package comms binds the agent registry and the event bus into a routed
// agent-to-agent messaging layer.
package comms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// Handler is the closed per-agent interface the manager dispatches to.
// Every agent category implements it; there is no reflective method lookup.
type Handler interface {
	// ExecuteCommand runs a named command and returns its result map.
	ExecuteCommand(ctx context.Context, command string, params map[string]any) (map[string]any, error)
	// AnswerQuery answers a free-form query with context.
	AnswerQuery(ctx context.Context, query string, queryContext map[string]any) (map[string]any, error)
	// ProcessMessage handles a full message and may return an immediate reply.
	ProcessMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

// WorkflowRecord tracks one coordinated workflow.
type WorkflowRecord struct {
	WorkflowID    string         `json:"workflow_id"`
	CorrelationID string         `json:"correlation_id"`
	Participants  []string       `json:"participants"`
	Data          map[string]any `json:"data,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	Status        string         `json:"status"`
	Messages      []string       `json:"messages,omitempty"`
}

// Stats counts manager activity.
type Stats struct {
	Sent       int64 `json:"sent"`
	Broadcast  int64 `json:"broadcast"`
	Dispatched int64 `json:"dispatched"`
	Failures   int64 `json:"failures"`
}

// Manager routes protocol messages between registered agents.
type Manager struct {
	registry *registry.Registry
	bus      *bus.Bus
	logger   *logger.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	subs      map[string]string // agent id -> subscription id
	workflows map[string]*WorkflowRecord
	stats     Stats
}

// New creates a communication manager.
func New(reg *registry.Registry, b *bus.Bus, log *logger.Logger) *Manager {
	return &Manager{
		registry:  reg,
		bus:       b,
		logger:    log.WithFields(zap.String("component", "comm_manager")),
		handlers:  make(map[string]Handler),
		subs:      make(map[string]string),
		workflows: make(map[string]*WorkflowRecord),
	}
}

// RegisterAgent registers the agent record and installs its message
// dispatcher on the bus.
func (m *Manager) RegisterAgent(agent *registry.Agent, handler Handler) error {
	if handler == nil {
		return apperr.Validation("agent handler is required")
	}
	if err := m.registry.Register(agent); err != nil {
		return err
	}

	sub, err := m.bus.Subscribe(
		bus.ByTarget(agent.ID),
		m.dispatcherFor(agent.ID, handler),
		bus.WithSubName("agent_"+agent.ID),
	)
	if err != nil {
		_ = m.registry.Unregister(agent.ID)
		return err
	}

	m.mu.Lock()
	m.handlers[agent.ID] = handler
	m.subs[agent.ID] = sub.ID()
	m.mu.Unlock()
	return nil
}

// UnregisterAgent removes the agent and its dispatcher.
func (m *Manager) UnregisterAgent(agentID string) error {
	m.mu.Lock()
	subID, ok := m.subs[agentID]
	delete(m.subs, agentID)
	delete(m.handlers, agentID)
	m.mu.Unlock()

	if ok {
		m.bus.Unsubscribe(subID)
	}
	return m.registry.Unregister(agentID)
}

// Handler returns the installed handler for an agent, if any.
func (m *Manager) Handler(agentID string) (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[agentID]
	return h, ok
}

// Send routes a targeted message to its receiver through the bus. Messages
// without a receiver are delivered to nobody; use BroadcastToCategory.
func (m *Manager) Send(ctx context.Context, msg *protocol.Message) bool {
	if msg.IsBroadcast() {
		m.logger.Warn("Send called with broadcast message, dropping",
			zap.String("message_id", msg.ID))
		return false
	}
	agent := m.registry.Get(msg.Receiver)
	if agent == nil {
		m.countFailure()
		m.logger.Warn("Send to unknown agent",
			zap.String("receiver", msg.Receiver),
			zap.String("message_id", msg.ID))
		return false
	}
	if agent.Status != registry.StatusActive && agent.Status != registry.StatusBusy {
		m.countFailure()
		m.logger.Warn("Send to unavailable agent",
			zap.String("receiver", msg.Receiver),
			zap.String("status", string(agent.Status)))
		return false
	}

	if err := m.bus.Publish(ctx, msg.ToEvent()); err != nil {
		m.countFailure()
		return false
	}
	m.mu.Lock()
	m.stats.Sent++
	m.mu.Unlock()
	return true
}

// BroadcastToCategory delivers a copy of the message to every registered
// agent of the category and returns the recipient count.
func (m *Manager) BroadcastToCategory(ctx context.Context, msg *protocol.Message, category registry.Category) int {
	count := 0
	for _, agent := range m.registry.FindByCategory(category) {
		copied := *msg
		copied.Receiver = agent.ID
		if err := m.bus.Publish(ctx, copied.ToEvent()); err != nil {
			m.countFailure()
			continue
		}
		count++
	}
	m.mu.Lock()
	m.stats.Broadcast += int64(count)
	m.mu.Unlock()
	return count
}

// CoordinateWorkflow assigns a fresh correlation id, records the workflow,
// and sends a start_workflow command to every participant.
func (m *Manager) CoordinateWorkflow(ctx context.Context, workflowID string, participants []string, data map[string]any) (*WorkflowRecord, error) {
	if len(participants) == 0 {
		return nil, apperr.Validation("a workflow requires participants")
	}

	record := &WorkflowRecord{
		WorkflowID:    workflowID,
		CorrelationID: uuid.New().String(),
		Participants:  append([]string(nil), participants...),
		Data:          data,
		StartedAt:     time.Now().UTC(),
		Status:        "active",
	}

	m.mu.Lock()
	m.workflows[workflowID] = record
	m.mu.Unlock()

	for _, participant := range participants {
		cmd := protocol.NewCommand("comm_manager", participant, events.StartWorkflow, map[string]any{
			"workflow_id": workflowID,
			"data":        data,
		})
		cmd.CorrelationID = record.CorrelationID
		if !m.Send(ctx, cmd) {
			m.logger.Warn("Workflow participant unreachable",
				zap.String("workflow_id", workflowID),
				zap.String("participant", participant))
		}
	}

	m.logger.Info("Workflow coordination started",
		zap.String("workflow_id", workflowID),
		zap.String("correlation_id", record.CorrelationID),
		zap.Int("participants", len(participants)))
	return record, nil
}

// Workflow returns the record for a coordinated workflow, if any.
func (m *Manager) Workflow(workflowID string) (*WorkflowRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.workflows[workflowID]
	return record, ok
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) countFailure() {
	m.mu.Lock()
	m.stats.Failures++
	m.mu.Unlock()
}
