// Package coordinator wires the coordination runtime together: event bus,
// agent registry, task delegation, aggregation, conflict resolution,
// communication, pipelines, chat, and the realtime hub.
package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/agents"
	"github.com/sellerdesk/sellerdesk/internal/aggregator"
	"github.com/sellerdesk/sellerdesk/internal/chat"
	"github.com/sellerdesk/sellerdesk/internal/comms"
	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/conflict"
	"github.com/sellerdesk/sellerdesk/internal/coordination/repository"
	"github.com/sellerdesk/sellerdesk/internal/delegation"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
	"github.com/sellerdesk/sellerdesk/internal/events/relay"
	"github.com/sellerdesk/sellerdesk/internal/gateway/websocket"
	"github.com/sellerdesk/sellerdesk/internal/llm"
	"github.com/sellerdesk/sellerdesk/internal/marketplace"
	"github.com/sellerdesk/sellerdesk/internal/pipeline"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// Deps carries the external collaborators injected by the transport shell.
type Deps struct {
	ChatRepo  chat.Repository
	StateRepo *repository.SQLiteRepository // optional
	LLM       llm.Adapter                  // optional, Stub when nil
	Amazon    *marketplace.Amazon          // optional
}

// Coordinator owns the coordination runtime and its background loops.
type Coordinator struct {
	Bus        *bus.Bus
	Registry   *registry.Registry
	Delegator  *delegation.Delegator
	Aggregator *aggregator.Aggregator
	Conflicts  *conflict.Resolver
	Comms      *comms.Manager
	Pipelines  *pipeline.Controller
	Chat       *chat.Orchestrator
	Hub        *websocket.Hub

	relay  *relay.Relay
	logger *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the full runtime. No component registers itself in a
// package-level singleton; everything is reachable from the returned
// coordinator.
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Coordinator, error) {
	b := bus.New(bus.Config{QueueSize: cfg.Coordination.BusQueueSize}, log)

	reg, err := registry.New(b, registry.Config{
		HealthInterval: cfg.Coordination.HealthCheckIntervalDuration(),
		PingTimeout:    cfg.Coordination.PingTimeoutDuration(),
	}, log)
	if err != nil {
		return nil, err
	}

	delegator := delegation.New(reg, b, delegation.Config{
		DeadlineInterval: cfg.Coordination.DeadlineCheckIntervalDuration(),
	}, log)

	agg := aggregator.New(b, log)
	resolver := conflict.New(b, log)
	manager := comms.New(reg, b, log)
	hub := websocket.NewHub(log)

	var store pipeline.StateStore
	if deps.StateRepo != nil {
		store = deps.StateRepo
	}
	pipelines := pipeline.New(reg, manager, b, store, hub, log)
	if dir := cfg.Coordination.TemplateDir; dir != "" {
		if n, err := pipelines.LoadTemplatesFromDir(dir); err != nil {
			log.Warn("Failed to load pipeline templates", zap.String("dir", dir), zap.Error(err))
		} else if n > 0 {
			log.Info("Loaded pipeline templates", zap.Int("count", n))
		}
	}

	orchestrator := chat.New(deps.ChatRepo, reg, manager, b, pipelines, hub, log)

	c := &Coordinator{
		Bus:        b,
		Registry:   reg,
		Delegator:  delegator,
		Aggregator: agg,
		Conflicts:  resolver,
		Comms:      manager,
		Pipelines:  pipelines,
		Chat:       orchestrator,
		Hub:        hub,
		logger:     log.WithFields(zap.String("component", "coordinator")),
	}

	if cfg.NATS.URL != "" {
		r, err := relay.New(b, cfg.NATS, log)
		if err != nil {
			// The relay is mirroring only; coordination never depends on it.
			log.Warn("Event relay unavailable", zap.Error(err))
		} else {
			c.relay = r
		}
	}

	if err := c.registerAgents(cfg, deps, log); err != nil {
		return nil, err
	}
	return c, nil
}

// registerAgents installs the built-in agent set.
func (c *Coordinator) registerAgents(cfg *config.Config, deps Deps, log *logger.Logger) error {
	adapter := deps.LLM
	if adapter == nil {
		adapter = llm.Stub{}
	}

	market := agents.NewMarketAgent("market-1", deps.Amazon, log)
	executive := agents.NewExecutiveAgent("executive-1", log)
	content := agents.NewContentAgent("content-1", adapter, log)
	logistics := agents.NewLogisticsAgent("logistics-1", log)
	assistant := agents.NewAssistantAgent("assistant-1", adapter, log)

	type registration struct {
		record  *registry.Agent
		handler comms.Handler
	}
	for _, r := range []registration{
		{market.Record(), market},
		{executive.Record(), executive},
		{content.Record(), content},
		{logistics.Record(), logistics},
		{assistant.Record(), assistant},
	} {
		if err := c.Comms.RegisterAgent(r.record, r.handler); err != nil {
			return err
		}
	}
	c.logger.Info("Built-in agents registered", zap.Int("count", 5))
	return nil
}

// Start launches the background loops.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.Hub.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.Registry.RunHealthLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.Delegator.RunDeadlineMonitor(ctx)
	}()

	c.logger.Info("Coordinator started")
}

// Stop shuts the runtime down in dependency order.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.relay != nil {
		c.relay.Close()
	}
	c.Delegator.Close()
	c.Registry.Close()
	c.Bus.Close()
	c.logger.Info("Coordinator stopped")
}
