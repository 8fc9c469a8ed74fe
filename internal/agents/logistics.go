package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// LogisticsAgent reconciles inventory and fulfillment state.
type LogisticsAgent struct {
	base

	mu             sync.Mutex
	inventoryLevel map[string]int
}

// NewLogisticsAgent creates the logistics agent.
func NewLogisticsAgent(id string, log *logger.Logger) *LogisticsAgent {
	a := &LogisticsAgent{
		base:           newBase(id, registry.CategoryLogistics, "Logistics Agent", log),
		inventoryLevel: make(map[string]int),
	}
	a.commands["reconcile_inventory"] = a.reconcileInventory
	a.commands["refresh_fulfillment"] = a.refreshFulfillment
	a.commands["set_inventory_level"] = a.setInventoryLevel
	return a
}

// Record returns the registry record for this agent.
func (a *LogisticsAgent) Record() *registry.Agent {
	return a.base.Record("logistics", "inventory")
}

func (a *LogisticsAgent) reconcileInventory(_ context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)

	// Marketplace levels arrive from the preceding fetch stage.
	marketplaceLevels, _ := input["inventory"].(map[string]any)

	a.mu.Lock()
	local := len(a.inventoryLevel)
	a.mu.Unlock()

	a.logger.Debug("Reconciling inventory",
		zap.Int("local_skus", local),
		zap.Bool("marketplace_data", marketplaceLevels != nil))
	return map[string]any{
		"reconciled":    true,
		"local_skus":    local,
		"reconciled_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *LogisticsAgent) refreshFulfillment(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"fulfillment_refreshed": true}, nil
}

func (a *LogisticsAgent) setInventoryLevel(_ context.Context, params map[string]any) (map[string]any, error) {
	sku, err := requireString(params, "sku")
	if err != nil {
		return nil, err
	}
	level := 0
	if v, ok := params["level"].(float64); ok {
		level = int(v)
	} else if v, ok := params["level"].(int); ok {
		level = v
	}

	a.mu.Lock()
	a.inventoryLevel[sku] = level
	a.mu.Unlock()
	return map[string]any{"sku": sku, "level": level}, nil
}

// AnswerQuery reports inventory and shipping state.
func (a *LogisticsAgent) AnswerQuery(_ context.Context, query string, _ map[string]any) (map[string]any, error) {
	a.mu.Lock()
	levels := make(map[string]int, len(a.inventoryLevel))
	for k, v := range a.inventoryLevel {
		levels[k] = v
	}
	a.mu.Unlock()
	return map[string]any{
		"content":          "Current tracked inventory levels attached.",
		"inventory_levels": levels,
	}, nil
}

// ProcessMessage handles a full protocol message.
func (a *LogisticsAgent) ProcessMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return a.processWith(ctx, a, msg)
}
