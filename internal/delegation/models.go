// Package delegation manages task lifecycle, assignment, parent/subtask
// rollups, and deadline enforcement.
package delegation

import (
	"fmt"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/protocol"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusCreated    TaskStatus = "created"
	StatusAssigned   TaskStatus = "assigned"
	StatusAccepted   TaskStatus = "accepted"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusTimeout    TaskStatus = "timeout"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// IsActive reports whether the task still counts toward an agent's load.
func (s TaskStatus) IsActive() bool {
	return s == StatusAssigned || s == StatusProcessing
}

// ResourceFlags are scheduling hints for mobile agents.
type ResourceFlags struct {
	BatteryIntensive bool `json:"battery_intensive,omitempty"`
	NetworkIntensive bool `json:"network_intensive,omitempty"`
	StorageIntensive bool `json:"storage_intensive,omitempty"`
	CPUIntensive     bool `json:"cpu_intensive,omitempty"`
	MemoryIntensive  bool `json:"memory_intensive,omitempty"`
}

// Task is a unit of delegated work.
type Task struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Params        map[string]any    `json:"params,omitempty"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	Priority      protocol.Priority `json:"priority"`
	Deadline      *time.Time        `json:"deadline,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Resources     ResourceFlags     `json:"resources,omitempty"`

	Status TaskStatus `json:"status"`

	CreatedAt    time.Time  `json:"created_at"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Subtasks is ordered by decomposition order; CompletedSubtasks is
	// always a subset of it.
	Subtasks          []string            `json:"subtasks,omitempty"`
	CompletedSubtasks map[string]struct{} `json:"-"`
}

// clone returns a snapshot copy safe to hand to callers.
func (t *Task) clone() *Task {
	out := *t
	out.Subtasks = append([]string(nil), t.Subtasks...)
	out.CompletedSubtasks = make(map[string]struct{}, len(t.CompletedSubtasks))
	for id := range t.CompletedSubtasks {
		out.CompletedSubtasks[id] = struct{}{}
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// transition validates a lifecycle move. It is a pure function applied under
// the delegator lock; invalid moves return an error and change nothing.
func transition(from, to TaskStatus) error {
	if from == to {
		return fmt.Errorf("task already %s", from)
	}
	if from.IsTerminal() {
		return fmt.Errorf("task is terminal (%s), cannot transition to %s", from, to)
	}
	switch to {
	case StatusAssigned:
		if from != StatusCreated {
			return fmt.Errorf("assignment is only legal from created, task is %s", from)
		}
	case StatusAccepted:
		if from != StatusAssigned {
			return fmt.Errorf("cannot accept task from %s", from)
		}
	case StatusProcessing:
		if from != StatusAssigned && from != StatusAccepted {
			return fmt.Errorf("cannot start processing from %s", from)
		}
	case StatusCompleted:
		if from == StatusCreated {
			return fmt.Errorf("cannot complete an unassigned task")
		}
	case StatusFailed, StatusCancelled, StatusTimeout:
		// Allowed from any non-terminal state.
	case StatusCreated:
		return fmt.Errorf("cannot transition back to created")
	default:
		return fmt.Errorf("unknown task status %q", to)
	}
	return nil
}

// stamp records the timestamp for a newly entered state.
func (t *Task) stamp(status TaskStatus, now time.Time) {
	switch status {
	case StatusAssigned:
		t.AssignedAt = &now
	case StatusAccepted:
		t.AcceptedAt = &now
	case StatusProcessing:
		t.ProcessingAt = &now
	case StatusCompleted:
		t.CompletedAt = &now
	case StatusFailed, StatusTimeout:
		t.FailedAt = &now
	case StatusCancelled:
		t.CancelledAt = &now
	}
}
