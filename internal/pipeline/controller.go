package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sellerdesk/sellerdesk/internal/comms"
	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

const (
	controllerID = "pipeline_controller"

	retryBackoffBase = 2 * time.Second
)

var errStageTimeout = errors.New("stage timed out")

// Controller registers pipeline templates and executes pipeline runs over
// the agent registry and communication manager.
type Controller struct {
	registry *registry.Registry
	comms    *comms.Manager
	bus      *bus.Bus
	store    StateStore  // optional
	caster   Broadcaster // optional
	logger   *logger.Logger

	mu         sync.Mutex
	templates  map[string]*Pipeline
	pipelines  map[string]*Pipeline
	executions map[string]*WorkflowState
}

// New creates a controller with the built-in templates registered.
func New(reg *registry.Registry, cm *comms.Manager, b *bus.Bus, store StateStore, caster Broadcaster, log *logger.Logger) *Controller {
	c := &Controller{
		registry:   reg,
		comms:      cm,
		bus:        b,
		store:      store,
		caster:     caster,
		logger:     log.WithFields(zap.String("component", "pipeline_controller")),
		templates:  make(map[string]*Pipeline),
		pipelines:  make(map[string]*Pipeline),
		executions: make(map[string]*WorkflowState),
	}
	for _, tmpl := range DefaultTemplates() {
		c.templates[tmpl.ID] = tmpl
	}
	return c
}

// RegisterTemplate registers a reusable pipeline template.
func (c *Controller) RegisterTemplate(id string, template *Pipeline) error {
	template.ID = id
	if err := template.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[id] = template
	return nil
}

// CreateFromTemplate instantiates a registered template under a new pipeline
// id, applying overrides.
func (c *Controller) CreateFromTemplate(templateID, newID string, overrides *Overrides) (*Pipeline, error) {
	c.mu.Lock()
	tmpl, ok := c.templates[templateID]
	c.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("pipeline template", templateID)
	}

	p := tmpl.clone(newID)
	if err := p.applyOverrides(overrides); err != nil {
		return nil, err
	}
	if err := c.RegisterPipeline(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RegisterPipeline registers an executable pipeline.
func (c *Controller) RegisterPipeline(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelines[p.ID] = p
	return nil
}

// Pipeline returns a registered pipeline or template by id.
func (c *Controller) Pipeline(id string) (*Pipeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipelines[id]; ok {
		return p, true
	}
	p, ok := c.templates[id]
	return p, ok
}

// Execution returns the most recently published snapshot of an execution's
// workflow state.
func (c *Controller) Execution(executionID string) (*WorkflowState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.executions[executionID]
	if !ok {
		return nil, false
	}
	return state.clone(), true
}

// Execute runs the pipeline to completion. An aborted run returns false with
// the partial result data accumulated so far.
func (c *Controller) Execute(ctx context.Context, pipelineID string, input map[string]any, executionID string) (bool, map[string]any, error) {
	p, ok := c.Pipeline(pipelineID)
	if !ok {
		return false, nil, apperr.NotFound("pipeline", pipelineID)
	}
	if executionID == "" {
		executionID = uuid.New().String()
	}

	state := &WorkflowState{
		ExecutionID:    executionID,
		PipelineID:     p.ID,
		StartedAt:      time.Now().UTC(),
		Status:         StatusRunning,
		ResultData:     make(map[string]any, len(input)),
		AgentResponses: make(map[string]map[string]any),
	}
	for k, v := range input {
		state.ResultData[k] = v
	}

	// Only immutable snapshots go into c.executions; the live state stays
	// owned by this goroutine so stage runs never mutate shared memory.
	c.mu.Lock()
	c.executions[executionID] = state.clone()
	c.mu.Unlock()

	c.logger.Info("Pipeline execution started",
		zap.String("pipeline_id", p.ID),
		zap.String("execution_id", executionID),
		zap.Int("stages", len(p.Stages)))
	c.persist(ctx, p, state, events.WorkflowStarted)

	var succeeded bool
	if p.MaxParallelStages > 1 {
		succeeded = c.runBatched(ctx, p, state)
	} else {
		succeeded = c.runSequential(ctx, p, state)
	}

	if succeeded {
		state.Status = StatusCompleted
		state.Progress = 1.0
		state.CurrentStage = ""
		c.persist(ctx, p, state, events.WorkflowCompleted)
	} else {
		state.Status = StatusFailed
		c.persist(ctx, p, state, events.WorkflowFailed)
	}
	c.logger.Info("Pipeline execution finished",
		zap.String("execution_id", executionID),
		zap.String("status", state.Status))
	return succeeded, state.ResultData, nil
}

func (c *Controller) runSequential(ctx context.Context, p *Pipeline, state *WorkflowState) bool {
	ranAsFallback := make(map[string]bool)
	for _, stage := range p.Stages {
		// A stage that already ran as another stage's fallback is not
		// dispatched a second time at its own slot.
		if ranAsFallback[stage.ID] {
			continue
		}
		state.CurrentStage = stage.ID
		c.persist(ctx, p, state, events.WorkflowUpdated)

		agentID, result, err := c.runStageWithRetry(ctx, stage, state.ResultData)
		if err == nil {
			c.mergeStageResult(state, p, stage.ID, agentID, result)
			continue
		}

		if !stage.Required {
			state.StagesFailed++
			c.logger.Warn("Optional stage failed",
				zap.String("execution_id", state.ExecutionID),
				zap.String("stage_id", stage.ID),
				zap.Error(err))
			continue
		}

		// Required stage failed: try the fallback stage before aborting.
		if stage.FallbackStage != "" {
			fallback := p.stage(stage.FallbackStage)
			c.logger.Warn("Required stage failed, running fallback",
				zap.String("execution_id", state.ExecutionID),
				zap.String("stage_id", stage.ID),
				zap.String("fallback_stage", fallback.ID),
				zap.Error(err))
			fbAgent, fbResult, fbErr := c.runStageWithRetry(ctx, fallback, state.ResultData)
			if fbErr == nil {
				state.StagesFailed++
				ranAsFallback[fallback.ID] = true
				c.mergeStageResult(state, p, fallback.ID, fbAgent, fbResult)
				continue
			}
			err = fbErr
		}

		state.StagesFailed++
		state.Error = err.Error()
		return false
	}
	return true
}

func (c *Controller) runBatched(ctx context.Context, p *Pipeline, state *WorkflowState) bool {
	type outcome struct {
		agentID string
		result  map[string]any
		err     error
	}

	for start := 0; start < len(p.Stages); start += p.MaxParallelStages {
		end := start + p.MaxParallelStages
		if end > len(p.Stages) {
			end = len(p.Stages)
		}
		batch := p.Stages[start:end]

		state.CurrentStage = batch[0].ID
		c.persist(ctx, p, state, events.WorkflowUpdated)

		// Every stage in a batch reads the same pre-batch snapshot.
		snapshot := make(map[string]any, len(state.ResultData))
		for k, v := range state.ResultData {
			snapshot[k] = v
		}

		outcomes := make([]outcome, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, stage := range batch {
			i, stage := i, stage
			g.Go(func() error {
				agentID, result, err := c.runStageWithRetry(gctx, stage, snapshot)
				outcomes[i] = outcome{agentID: agentID, result: result, err: err}
				return nil
			})
		}
		_ = g.Wait()

		// Merge in stage order so later stages win ties within the batch.
		abort := false
		var abortErr error
		for i, stage := range batch {
			out := outcomes[i]
			if out.err == nil {
				c.mergeStageResult(state, p, stage.ID, out.agentID, out.result)
				continue
			}
			state.StagesFailed++
			if stage.Required {
				abort = true
				abortErr = out.err
			} else {
				c.logger.Warn("Optional stage failed",
					zap.String("execution_id", state.ExecutionID),
					zap.String("stage_id", stage.ID),
					zap.Error(out.err))
			}
		}
		if abort {
			state.Error = abortErr.Error()
			return false
		}
	}
	return true
}

func (c *Controller) mergeStageResult(state *WorkflowState, p *Pipeline, stageID, agentID string, result map[string]any) {
	for k, v := range result {
		state.ResultData[k] = v
	}
	if agentID != "" {
		state.AgentResponses[agentID] = result
	}
	state.StagesCompleted++
	state.Progress = float64(state.StagesCompleted) / float64(len(p.Stages))
}

// runStageWithRetry executes one stage, retrying timeouts with exponential
// backoff, and updates the stage's metrics.
func (c *Controller) runStageWithRetry(ctx context.Context, stage *Stage, input map[string]any) (string, map[string]any, error) {
	agent := c.selectAgent(stage.Category)
	if agent == nil {
		stage.recordAttempt()
		stage.recordOutcome(false, 0)
		c.notifyStage(ctx, events.StageFailed, stage.ID, "", "no available agent")
		return "", nil, apperr.Coordinationf("no available %s agent for stage %s", stage.Category, stage.ID)
	}

	c.notifyStage(ctx, events.StageStarted, stage.ID, agent.ID, "")
	started := time.Now()

	for attempt := 0; ; attempt++ {
		stage.recordAttempt()
		result, err := c.dispatchStage(ctx, stage, agent.ID, input)
		if err == nil {
			stage.recordOutcome(true, time.Since(started))
			c.notifyStage(ctx, events.StageCompleted, stage.ID, agent.ID, "")
			return agent.ID, result, nil
		}

		if errors.Is(err, errStageTimeout) {
			stage.recordTimeout()
			if attempt < stage.RetryCount {
				stage.recordRetry()
				backoff := retryBackoffBase << attempt
				c.logger.Warn("Stage timed out, retrying",
					zap.String("stage_id", stage.ID),
					zap.String("agent_id", agent.ID),
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", backoff))
				if !sleepCtx(ctx, backoff) {
					err = ctx.Err()
				} else {
					continue
				}
			}
		}

		stage.recordOutcome(false, time.Since(started))
		c.notifyStage(ctx, events.StageFailed, stage.ID, agent.ID, err.Error())
		return agent.ID, nil, err
	}
}

// dispatchStage sends the stage command to the agent through the
// communication manager and waits for the correlated response.
func (c *Controller) dispatchStage(ctx context.Context, stage *Stage, agentID string, input map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(stage.Params)+1)
	for k, v := range stage.Params {
		params[k] = v
	}
	params["input"] = input

	cmd := protocol.NewCommand(controllerID, agentID, stage.Command, params)

	respCh := make(chan *protocol.Message, 1)
	filter := bus.FilterFunc(func(ev *bus.Event) bool {
		return ev.Kind == bus.KindResponse && ev.CorrelationID == cmd.CorrelationID
	})
	sub, err := c.bus.Subscribe(filter, func(_ context.Context, ev *bus.Event) error {
		if msg, ok := protocol.MessageFromEvent(ev); ok {
			select {
			case respCh <- msg:
			default:
			}
		}
		return nil
	}, bus.WithSubName("stage_"+stage.ID))
	if err != nil {
		return nil, err
	}
	defer c.bus.Unsubscribe(sub.ID())

	if !c.comms.Send(ctx, cmd) {
		return nil, apperr.Coordinationf("stage %s: agent %s unreachable", stage.ID, agentID)
	}

	timer := time.NewTimer(stage.Timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Status == "error" {
			return nil, apperr.Coordinationf("stage %s failed: %s", stage.ID, strings.Join(resp.Errors, "; "))
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, errStageTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// selectAgent picks the least-loaded active agent of the category.
func (c *Controller) selectAgent(category registry.Category) *registry.Agent {
	var candidates []*registry.Agent
	for _, agent := range c.registry.FindByCategory(category) {
		if agent.Status == registry.StatusActive {
			candidates = append(candidates, agent)
		}
	}
	return c.registry.SelectLeastLoaded(candidates)
}

// persist stores the current snapshot and pushes it to the realtime layer.
func (c *Controller) persist(ctx context.Context, p *Pipeline, state *WorkflowState, eventName string) {
	state.UpdatedAt = time.Now().UTC()
	snapshot := state.clone()

	c.mu.Lock()
	c.executions[state.ExecutionID] = snapshot
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveWorkflowState(ctx, snapshot); err != nil {
			c.logger.Warn("Failed to persist workflow state",
				zap.String("execution_id", state.ExecutionID),
				zap.Error(err))
		}
	}
	if c.caster != nil {
		c.caster.BroadcastWorkflowUpdate(
			state.ExecutionID, state.PipelineID, state.Status,
			state.Progress, p.Categories(), state.CurrentStage, state.Error)
	}

	ev := bus.NewEvent(bus.KindNotification, eventName, controllerID, map[string]any{
		"execution_id": state.ExecutionID,
		"pipeline_id":  state.PipelineID,
		"status":       state.Status,
		"progress":     state.Progress,
	})
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Debug("Failed to publish workflow event", zap.Error(err))
	}
}

func (c *Controller) notifyStage(ctx context.Context, name, stageID, agentID, errMsg string) {
	payload := map[string]any{"stage_id": stageID}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	ev := bus.NewEvent(bus.KindNotification, name, controllerID, payload)
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Debug("Failed to publish stage event", zap.Error(err))
	}
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
