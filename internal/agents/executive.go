package agents

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// Decision is one recorded executive decision.
type Decision struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Approved  bool           `json:"approved"`
	Rationale string         `json:"rationale,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// ExecutiveAgent makes approval and planning decisions for pipeline stages.
type ExecutiveAgent struct {
	base

	mu        sync.Mutex
	decisions []Decision
}

// NewExecutiveAgent creates the executive agent.
func NewExecutiveAgent(id string, log *logger.Logger) *ExecutiveAgent {
	a := &ExecutiveAgent{base: newBase(id, registry.CategoryExecutive, "Executive Agent", log)}
	a.commands["approve_pricing"] = a.approvePricing
	a.commands["plan_inventory_sync"] = a.planInventorySync
	a.commands["content_brief"] = a.contentBrief
	a.commands["cycle_strategy"] = a.cycleStrategy
	return a
}

// Record returns the registry record for this agent.
func (a *ExecutiveAgent) Record() *registry.Agent {
	return a.base.Record("executive", "decisions")
}

func (a *ExecutiveAgent) approvePricing(_ context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	decision := a.record("pricing_approval", true, "within configured margin bounds", input)
	return map[string]any{
		"pricing_approved": true,
		"decision_id":      decision.ID,
	}, nil
}

func (a *ExecutiveAgent) planInventorySync(_ context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	decision := a.record("inventory_sync_plan", true, "full reconcile scheduled", input)
	return map[string]any{
		"sync_plan":   "full_reconcile",
		"decision_id": decision.ID,
	}, nil
}

func (a *ExecutiveAgent) contentBrief(_ context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	brief := map[string]any{
		"tone":     "professional",
		"audience": "marketplace buyers",
		"focus":    stringParam(input, "focus"),
	}
	a.record("content_brief", true, "standard listing brief", input)
	return map[string]any{"content_brief": brief}, nil
}

func (a *ExecutiveAgent) cycleStrategy(_ context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	decision := a.record("cycle_strategy", true, "refresh all listing surfaces", input)
	return map[string]any{
		"strategy":    "full_refresh",
		"decision_id": decision.ID,
	}, nil
}

// AnswerQuery summarizes recent decisions.
func (a *ExecutiveAgent) AnswerQuery(_ context.Context, query string, _ map[string]any) (map[string]any, error) {
	a.logger.Debug("Answering executive query", zap.String("query", query))
	a.mu.Lock()
	recent := len(a.decisions)
	a.mu.Unlock()
	return map[string]any{
		"content":        "I track approvals and strategy decisions for your marketplace operations.",
		"decision_count": recent,
	}, nil
}

// ProcessMessage handles a full protocol message.
func (a *ExecutiveAgent) ProcessMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return a.processWith(ctx, a, msg)
}

// Decisions returns a copy of the decision log.
func (a *ExecutiveAgent) Decisions() []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Decision(nil), a.decisions...)
}

func (a *ExecutiveAgent) record(kind string, approved bool, rationale string, decisionContext map[string]any) Decision {
	decision := Decision{
		ID:        uuid.New().String(),
		Kind:      kind,
		Approved:  approved,
		Rationale: rationale,
		Context:   decisionContext,
		DecidedAt: time.Now().UTC(),
	}
	a.mu.Lock()
	a.decisions = append(a.decisions, decision)
	a.mu.Unlock()
	return decision
}
