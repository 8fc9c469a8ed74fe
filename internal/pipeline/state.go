package pipeline

import (
	"context"
	"time"
)

// WorkflowState is the persisted snapshot of one pipeline execution.
type WorkflowState struct {
	ExecutionID     string                    `json:"execution_id"`
	PipelineID      string                    `json:"pipeline_id"`
	StartedAt       time.Time                 `json:"started_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	CurrentStage    string                    `json:"current_stage,omitempty"`
	StagesCompleted int                       `json:"stages_completed"`
	StagesFailed    int                       `json:"stages_failed"`
	Status          string                    `json:"status"`
	Progress        float64                   `json:"progress"`
	Error           string                    `json:"error,omitempty"`
	ResultData      map[string]any            `json:"result_data,omitempty"`
	AgentResponses  map[string]map[string]any `json:"agent_responses,omitempty"`
}

// Execution statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

func (w *WorkflowState) clone() *WorkflowState {
	copied := *w
	copied.ResultData = make(map[string]any, len(w.ResultData))
	for k, v := range w.ResultData {
		copied.ResultData[k] = v
	}
	copied.AgentResponses = make(map[string]map[string]any, len(w.AgentResponses))
	for agent, resp := range w.AgentResponses {
		inner := make(map[string]any, len(resp))
		for k, v := range resp {
			inner[k] = v
		}
		copied.AgentResponses[agent] = inner
	}
	return &copied
}

// StateStore persists workflow state snapshots.
type StateStore interface {
	SaveWorkflowState(ctx context.Context, state *WorkflowState) error
}

// Broadcaster pushes workflow progress to realtime subscribers.
type Broadcaster interface {
	BroadcastWorkflowUpdate(executionID, workflowType, status string, progress float64, participants []string, currentAgent, errMsg string)
}
