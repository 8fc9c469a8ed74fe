package delegation

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

const (
	// DefaultDeadlineInterval is how often the deadline monitor scans.
	DefaultDeadlineInterval = 30 * time.Second

	deadlineError       = "Task exceeded deadline"
	subtaskFailureError = "one or more subtasks failed"
)

// Config holds delegator tunables.
type Config struct {
	DeadlineInterval time.Duration
}

// CreateTaskRequest describes a new task.
type CreateTaskRequest struct {
	Type      string
	Params    map[string]any
	ParentID  string
	Priority  protocol.Priority
	Deadline  *time.Time
	Metadata  map[string]any
	Resources ResourceFlags
}

// DelegationRequest selects an agent for a new task. Exactly one of
// TargetAgentID or RequiredCapability must be set; TargetAgentID wins when
// both are present.
type DelegationRequest struct {
	TargetAgentID      string
	RequiredCapability *registry.Capability
	Task               CreateTaskRequest
}

// Delegator owns all task records. Mutations are serialized by one mutex;
// lifecycle notifications are published in transition order by a dedicated
// publisher goroutine so the lock is never held across a bus send.
type Delegator struct {
	mu    sync.Mutex
	tasks map[string]*Task

	registry *registry.Registry
	bus      *bus.Bus
	logger   *logger.Logger
	cfg      Config

	notifyCh chan *bus.Event
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a delegator and installs its load counter on the registry.
func New(reg *registry.Registry, b *bus.Bus, cfg Config, log *logger.Logger) *Delegator {
	if cfg.DeadlineInterval <= 0 {
		cfg.DeadlineInterval = DefaultDeadlineInterval
	}
	d := &Delegator{
		tasks:    make(map[string]*Task),
		registry: reg,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "task_delegator")),
		cfg:      cfg,
		notifyCh: make(chan *bus.Event, 4096),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	reg.SetLoadFunc(d.ActiveTaskCount)
	go d.publishLoop()
	return d
}

// CreateTask records a new task in Created state and returns its id.
func (d *Delegator) CreateTask(req CreateTaskRequest) (string, error) {
	if req.Type == "" {
		return "", apperr.Validation("task type is required")
	}
	task := &Task{
		ID:                uuid.New().String(),
		Type:              req.Type,
		Params:            req.Params,
		ParentID:          req.ParentID,
		Priority:          req.Priority,
		Deadline:          req.Deadline,
		Metadata:          req.Metadata,
		Resources:         req.Resources,
		Status:            StatusCreated,
		CreatedAt:         time.Now().UTC(),
		CompletedSubtasks: make(map[string]struct{}),
	}
	if task.Priority == "" {
		task.Priority = protocol.PriorityNormal
	}

	d.mu.Lock()
	if req.ParentID != "" {
		parent, ok := d.tasks[req.ParentID]
		if !ok {
			d.mu.Unlock()
			return "", apperr.NotFound("task", req.ParentID)
		}
		parent.Subtasks = append(parent.Subtasks, task.ID)
	}
	d.tasks[task.ID] = task
	d.enqueueNotify(events.TaskCreated, task)
	d.mu.Unlock()

	d.logger.Debug("Task created",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.String("parent_id", task.ParentID))
	return task.ID, nil
}

// Assign moves a Created task to Assigned on the given agent.
func (d *Delegator) Assign(taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.assignLocked(taskID, agentID)
}

func (d *Delegator) assignLocked(taskID, agentID string) error {
	task, ok := d.tasks[taskID]
	if !ok {
		return apperr.NotFound("task", taskID)
	}
	if err := transition(task.Status, StatusAssigned); err != nil {
		return apperr.Coordination("invalid task transition", err)
	}
	now := time.Now().UTC()
	task.Status = StatusAssigned
	task.AssignedAgent = agentID
	task.stamp(StatusAssigned, now)
	d.enqueueNotify(events.TaskAssigned, task)
	return nil
}

// Delegate creates a task and assigns it per the assignment policy:
// an explicit target is validated for registration, health, and capability;
// otherwise the least-loaded healthy capability match wins, ties broken by
// agent id.
func (d *Delegator) Delegate(req DelegationRequest) (*Task, error) {
	agentID, err := d.selectAgent(req)
	if err != nil {
		return nil, err
	}

	taskID, err := d.CreateTask(req.Task)
	if err != nil {
		return nil, err
	}
	if err := d.Assign(taskID, agentID); err != nil {
		return nil, err
	}
	return d.Get(taskID), nil
}

func (d *Delegator) selectAgent(req DelegationRequest) (string, error) {
	switch {
	case req.TargetAgentID != "":
		agent := d.registry.Get(req.TargetAgentID)
		if agent == nil {
			return "", apperr.Coordinationf("delegation target %q is not registered", req.TargetAgentID)
		}
		if !d.registry.CheckHealth(agent.ID) {
			return "", apperr.Coordinationf("delegation target %q is not healthy", agent.ID)
		}
		if req.RequiredCapability != nil && !agent.Offers(*req.RequiredCapability) {
			return "", apperr.Coordinationf("delegation target %q lacks capability %q",
				agent.ID, req.RequiredCapability.Name)
		}
		return agent.ID, nil

	case req.RequiredCapability != nil:
		candidates := d.registry.FindByCapability(*req.RequiredCapability)
		selected := d.registry.SelectLeastLoaded(candidates)
		if selected == nil {
			return "", apperr.Coordinationf("no healthy agent offers capability %q",
				req.RequiredCapability.Name)
		}
		return selected.ID, nil

	default:
		return "", apperr.Coordinationf("delegation requires a target agent or a capability")
	}
}

// UpdateStatus applies a lifecycle transition with optional result or error.
// Terminal transitions trigger the parent rollup.
func (d *Delegator) UpdateStatus(taskID string, status TaskStatus, result any, errMsg string) error {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return apperr.NotFound("task", taskID)
	}
	if err := transition(task.Status, status); err != nil {
		d.mu.Unlock()
		return apperr.Coordination("invalid task transition", err)
	}
	d.applyLocked(task, status, result, errMsg)
	d.mu.Unlock()
	return nil
}

// applyLocked commits a validated transition and, when terminal, rolls up the
// parent. Caller holds the lock.
func (d *Delegator) applyLocked(task *Task, status TaskStatus, result any, errMsg string) {
	now := time.Now().UTC()
	task.Status = status
	task.stamp(status, now)
	if result != nil {
		task.Result = result
	}
	if errMsg != "" {
		task.Error = errMsg
	}
	d.enqueueNotify(eventForStatus(status), task)

	if status.IsTerminal() && task.ParentID != "" {
		if parent, ok := d.tasks[task.ParentID]; ok {
			if status == StatusCompleted {
				parent.CompletedSubtasks[task.ID] = struct{}{}
			}
			d.rollupLocked(parent)
		}
	}
}

// rollupLocked applies the parent invariant: all subtasks Completed completes
// the parent with the per-subtask result map; any failed/cancelled/timed-out
// subtask fails it once every subtask is terminal.
func (d *Delegator) rollupLocked(parent *Task) {
	if parent.Status.IsTerminal() || len(parent.Subtasks) == 0 {
		return
	}

	allTerminal := true
	anyFailed := false
	results := make(map[string]any, len(parent.Subtasks))
	for _, subID := range parent.Subtasks {
		sub, ok := d.tasks[subID]
		if !ok || !sub.Status.IsTerminal() {
			allTerminal = false
			break
		}
		if sub.Status == StatusCompleted {
			results[subID] = sub.Result
		} else {
			anyFailed = true
		}
	}
	if !allTerminal {
		return
	}

	if anyFailed {
		d.applyLocked(parent, StatusFailed, nil, subtaskFailureError)
		return
	}
	d.applyLocked(parent, StatusCompleted, results, "")
}

// Cancel transitions a task and all of its non-terminal subtasks to
// Cancelled. Cancelling a terminal task is a no-op returning false.
func (d *Delegator) Cancel(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked(taskID)
}

func (d *Delegator) cancelLocked(taskID string) bool {
	task, ok := d.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return false
	}
	// Cancel the parent before its children so the rollup triggered by a
	// child's terminal transition finds the parent already terminal.
	d.applyLocked(task, StatusCancelled, nil, "")
	for _, subID := range task.Subtasks {
		d.cancelLocked(subID)
	}
	return true
}

// Get returns a snapshot of a task, or nil if unknown.
func (d *Delegator) Get(taskID string) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if task, ok := d.tasks[taskID]; ok {
		return task.clone()
	}
	return nil
}

// TasksFor returns snapshots of an agent's tasks, optionally filtered by
// status (empty status matches all).
func (d *Delegator) TasksFor(agentID string, status TaskStatus) []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Task
	for _, task := range d.tasks {
		if task.AssignedAgent != agentID {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, task.clone())
	}
	return out
}

// SubtasksOf returns snapshots of a parent's subtasks in decomposition order.
func (d *Delegator) SubtasksOf(parentID string) []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent, ok := d.tasks[parentID]
	if !ok {
		return nil
	}
	out := make([]*Task, 0, len(parent.Subtasks))
	for _, subID := range parent.Subtasks {
		if sub, ok := d.tasks[subID]; ok {
			out = append(out, sub.clone())
		}
	}
	return out
}

// Decompose creates subtasks under a parent and returns their ids in order.
func (d *Delegator) Decompose(parentID string, defs []CreateTaskRequest) ([]string, error) {
	if d.Get(parentID) == nil {
		return nil, apperr.NotFound("task", parentID)
	}
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		def.ParentID = parentID
		id, err := d.CreateTask(def)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ActiveTaskCount reports how many Assigned or Processing tasks an agent
// holds. The registry uses it for least-loaded selection.
func (d *Delegator) ActiveTaskCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	for _, task := range d.tasks {
		if task.AssignedAgent == agentID && task.Status.IsActive() {
			count++
		}
	}
	return count
}

// enqueueNotify queues a lifecycle notification while holding the lock. The
// channel send is non-blocking relative to handlers; the publisher goroutine
// preserves transition order per task.
func (d *Delegator) enqueueNotify(name string, task *Task) {
	payload := map[string]any{
		"task_id": task.ID,
		"type":    task.Type,
		"status":  string(task.Status),
	}
	if task.AssignedAgent != "" {
		payload["agent_id"] = task.AssignedAgent
	}
	if task.Error != "" {
		payload["error"] = task.Error
	}
	ev := bus.NewEvent(bus.KindNotification, name, "task_delegator", payload)
	ev.Priority = task.Priority.BusPriority()

	select {
	case d.notifyCh <- ev:
	default:
		d.logger.Warn("Task notification queue full, dropping",
			zap.String("event", name), zap.String("task_id", task.ID))
	}
}

func (d *Delegator) publishLoop() {
	for {
		select {
		case <-d.stop:
			return
		case ev := <-d.notifyCh:
			if err := d.bus.Publish(context.Background(), ev); err != nil {
				d.logger.Warn("Failed to publish task notification",
					zap.String("event", ev.Name), zap.Error(err))
			}
		}
	}
}

func eventForStatus(status TaskStatus) string {
	switch status {
	case StatusCompleted:
		return events.TaskCompleted
	case StatusFailed:
		return events.TaskFailed
	case StatusCancelled:
		return events.TaskCancelled
	case StatusTimeout:
		return events.TaskTimeout
	case StatusAssigned:
		return events.TaskAssigned
	default:
		return events.TaskUpdated
	}
}

// Close stops the background goroutines.
func (d *Delegator) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
