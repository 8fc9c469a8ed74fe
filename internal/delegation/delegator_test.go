package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

func newTestDelegator(t *testing.T) (*Delegator, *registry.Registry) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	b := bus.New(bus.Config{}, log)
	reg, err := registry.New(b, registry.Config{}, log)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	d := New(reg, b, Config{}, log)
	t.Cleanup(func() {
		d.Close()
		reg.Close()
		b.Close()
	})
	return d, reg
}

func registerMarket(t *testing.T, reg *registry.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := reg.Register(&registry.Agent{
			ID:       id,
			Category: registry.CategoryMarket,
			Status:   registry.StatusActive,
			Capabilities: []registry.Capability{
				{Name: "update_pricing", Tags: []string{"amazon"}},
			},
		})
		if err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}
}

func TestCreateTaskRequiresType(t *testing.T) {
	d, _ := newTestDelegator(t)
	if _, err := d.CreateTask(CreateTaskRequest{}); err == nil {
		t.Error("expected validation error for empty type")
	}
}

func TestLifecycleTimestamps(t *testing.T) {
	d, _ := newTestDelegator(t)
	id, err := d.CreateTask(CreateTaskRequest{Type: "update_pricing"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := d.Assign(id, "market-1"); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := d.UpdateStatus(id, StatusAccepted, nil, ""); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := d.UpdateStatus(id, StatusProcessing, nil, ""); err != nil {
		t.Fatalf("Processing failed: %v", err)
	}
	if err := d.UpdateStatus(id, StatusCompleted, map[string]any{"price": 19.99}, ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	task := d.Get(id)
	if task.AssignedAt == nil || task.AcceptedAt == nil || task.ProcessingAt == nil || task.CompletedAt == nil {
		t.Fatalf("missing timestamps: %+v", task)
	}
	// Timestamps are monotone along the lifecycle.
	if task.AssignedAt.Before(task.CreatedAt) ||
		task.AcceptedAt.Before(*task.AssignedAt) ||
		task.ProcessingAt.Before(*task.AcceptedAt) ||
		task.CompletedAt.Before(*task.ProcessingAt) {
		t.Errorf("timestamps out of order: %+v", task)
	}
}

func TestInvalidTransitions(t *testing.T) {
	d, _ := newTestDelegator(t)
	id, _ := d.CreateTask(CreateTaskRequest{Type: "update_pricing"})

	// Completing an unassigned task is illegal.
	if err := d.UpdateStatus(id, StatusCompleted, nil, ""); err == nil {
		t.Error("expected error completing a created task")
	}
	// Accepting before assignment is illegal.
	if err := d.UpdateStatus(id, StatusAccepted, nil, ""); err == nil {
		t.Error("expected error accepting a created task")
	}

	_ = d.Assign(id, "market-1")
	_ = d.UpdateStatus(id, StatusFailed, nil, "boom")

	// Terminal tasks reject all further transitions.
	if err := d.UpdateStatus(id, StatusProcessing, nil, ""); err == nil {
		t.Error("expected error transitioning a terminal task")
	}
}

func TestDelegateByCapability(t *testing.T) {
	d, reg := newTestDelegator(t)
	registerMarket(t, reg, "market-1", "market-2")

	// Load market-1 so the least-loaded pick goes to market-2.
	busyID, _ := d.CreateTask(CreateTaskRequest{Type: "update_pricing"})
	_ = d.Assign(busyID, "market-1")

	task, err := d.Delegate(DelegationRequest{
		RequiredCapability: &registry.Capability{Name: "update_pricing"},
		Task:               CreateTaskRequest{Type: "update_pricing"},
	})
	if err != nil {
		t.Fatalf("Delegate failed: %v", err)
	}
	if task.AssignedAgent != "market-2" {
		t.Errorf("assigned to %s, want market-2", task.AssignedAgent)
	}
	if task.Status != StatusAssigned {
		t.Errorf("status = %s", task.Status)
	}
}

func TestDelegateTargetValidation(t *testing.T) {
	d, reg := newTestDelegator(t)
	registerMarket(t, reg, "market-1")

	if _, err := d.Delegate(DelegationRequest{
		TargetAgentID: "ghost",
		Task:          CreateTaskRequest{Type: "update_pricing"},
	}); err == nil {
		t.Error("expected error for unregistered target")
	}

	_ = reg.UpdateStatus("market-1", registry.StatusInactive)
	if _, err := d.Delegate(DelegationRequest{
		TargetAgentID: "market-1",
		Task:          CreateTaskRequest{Type: "update_pricing"},
	}); err == nil {
		t.Error("expected error for unhealthy target")
	}

	_ = reg.UpdateStatus("market-1", registry.StatusActive)
	if _, err := d.Delegate(DelegationRequest{
		TargetAgentID:      "market-1",
		RequiredCapability: &registry.Capability{Name: "publish_listing"},
		Task:               CreateTaskRequest{Type: "publish_listing"},
	}); err == nil {
		t.Error("expected error for missing capability on explicit target")
	}

	if _, err := d.Delegate(DelegationRequest{
		Task: CreateTaskRequest{Type: "update_pricing"},
	}); err == nil {
		t.Error("expected error with neither target nor capability")
	}
}

func TestParentRollupAllCompleted(t *testing.T) {
	d, _ := newTestDelegator(t)
	parentID, _ := d.CreateTask(CreateTaskRequest{Type: "full_cycle"})
	_ = d.Assign(parentID, "executive-1")

	subIDs, err := d.Decompose(parentID, []CreateTaskRequest{
		{Type: "update_pricing"},
		{Type: "reconcile_inventory"},
	})
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	for i, subID := range subIDs {
		_ = d.Assign(subID, "market-1")
		if err := d.UpdateStatus(subID, StatusCompleted, map[string]any{"idx": i}, ""); err != nil {
			t.Fatalf("complete subtask %d: %v", i, err)
		}
	}

	parent := d.Get(parentID)
	if parent.Status != StatusCompleted {
		t.Fatalf("parent status = %s, want completed", parent.Status)
	}
	results, ok := parent.Result.(map[string]any)
	if !ok {
		t.Fatalf("parent result type %T", parent.Result)
	}
	for _, subID := range subIDs {
		if _, ok := results[subID]; !ok {
			t.Errorf("missing result for subtask %s", subID)
		}
	}
}

func TestParentRollupFailureWaitsForAllTerminal(t *testing.T) {
	d, _ := newTestDelegator(t)
	parentID, _ := d.CreateTask(CreateTaskRequest{Type: "full_cycle"})
	_ = d.Assign(parentID, "executive-1")

	subIDs, _ := d.Decompose(parentID, []CreateTaskRequest{
		{Type: "a"}, {Type: "b"},
	})
	_ = d.Assign(subIDs[0], "market-1")
	_ = d.Assign(subIDs[1], "market-1")

	_ = d.UpdateStatus(subIDs[0], StatusFailed, nil, "boom")
	// Parent holds until every subtask is terminal.
	if got := d.Get(parentID).Status; got != StatusAssigned {
		t.Fatalf("parent rolled up early: %s", got)
	}

	_ = d.UpdateStatus(subIDs[1], StatusCompleted, nil, "")
	parent := d.Get(parentID)
	if parent.Status != StatusFailed {
		t.Fatalf("parent status = %s, want failed", parent.Status)
	}
	if parent.Error != subtaskFailureError {
		t.Errorf("parent error = %q", parent.Error)
	}
}

func TestCancelCascades(t *testing.T) {
	d, _ := newTestDelegator(t)
	parentID, _ := d.CreateTask(CreateTaskRequest{Type: "full_cycle"})
	subIDs, _ := d.Decompose(parentID, []CreateTaskRequest{{Type: "a"}, {Type: "b"}})

	_ = d.Assign(subIDs[0], "market-1")
	_ = d.UpdateStatus(subIDs[0], StatusCompleted, nil, "")

	if !d.Cancel(parentID) {
		t.Fatal("Cancel returned false for active parent")
	}
	if got := d.Get(parentID).Status; got != StatusCancelled {
		t.Errorf("parent = %s", got)
	}
	// Completed subtask is untouched; pending one is cancelled.
	if got := d.Get(subIDs[0]).Status; got != StatusCompleted {
		t.Errorf("completed subtask = %s", got)
	}
	if got := d.Get(subIDs[1]).Status; got != StatusCancelled {
		t.Errorf("pending subtask = %s", got)
	}

	if d.Cancel(parentID) {
		t.Error("cancelling a terminal task should return false")
	}
}

func TestActiveTaskCount(t *testing.T) {
	d, _ := newTestDelegator(t)

	ids := make([]string, 3)
	for i := range ids {
		ids[i], _ = d.CreateTask(CreateTaskRequest{Type: "update_pricing"})
		_ = d.Assign(ids[i], "market-1")
	}
	_ = d.UpdateStatus(ids[0], StatusProcessing, nil, "")
	_ = d.UpdateStatus(ids[1], StatusCompleted, nil, "")

	if got := d.ActiveTaskCount("market-1"); got != 2 {
		t.Errorf("ActiveTaskCount = %d, want 2", got)
	}
	if got := d.ActiveTaskCount("market-2"); got != 0 {
		t.Errorf("ActiveTaskCount(other) = %d", got)
	}
}

func TestTasksForFiltersByStatus(t *testing.T) {
	d, _ := newTestDelegator(t)
	a, _ := d.CreateTask(CreateTaskRequest{Type: "x"})
	b, _ := d.CreateTask(CreateTaskRequest{Type: "y"})
	_ = d.Assign(a, "market-1")
	_ = d.Assign(b, "market-1")
	_ = d.UpdateStatus(b, StatusProcessing, nil, "")

	if got := d.TasksFor("market-1", ""); len(got) != 2 {
		t.Errorf("all tasks = %d, want 2", len(got))
	}
	got := d.TasksFor("market-1", StatusProcessing)
	if len(got) != 1 || got[0].ID != b {
		t.Errorf("processing tasks = %+v", got)
	}
}

func TestDeadlineMonitorExitsOnCancel(t *testing.T) {
	d, _ := newTestDelegator(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.RunDeadlineMonitor(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline monitor still running after cancel")
	}
}

func TestDeadlineExpiry(t *testing.T) {
	d, _ := newTestDelegator(t)
	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()

	overdue, _ := d.CreateTask(CreateTaskRequest{Type: "x", Deadline: &past})
	_ = d.Assign(overdue, "market-1")
	onTime, _ := d.CreateTask(CreateTaskRequest{Type: "y", Deadline: &future})
	_ = d.Assign(onTime, "market-1")

	d.expireOverdue()

	if got := d.Get(overdue); got.Status != StatusTimeout || got.Error != deadlineError {
		t.Errorf("overdue task = %+v", got)
	}
	if got := d.Get(onTime).Status; got != StatusAssigned {
		t.Errorf("on-time task = %s", got)
	}
}
