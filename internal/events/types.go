// Package events defines the event names used across the Sellerdesk
// coordination runtime.
package events

// Agent lifecycle events
const (
	AgentRegistered    = "agent_registered"
	AgentUnregistered  = "agent_unregistered"
	AgentStatusUpdated = "agent_status_updated"
	AgentHeartbeat     = "agent_heartbeat"
)

// Health check events
const (
	Ping         = "ping"
	PingResponse = "ping_response"
)

// Task lifecycle events
const (
	TaskCreated   = "task_created"
	TaskAssigned  = "task_assigned"
	TaskUpdated   = "task_updated"
	TaskCompleted = "task_completed"
	TaskFailed    = "task_failed"
	TaskCancelled = "task_cancelled"
	TaskTimeout   = "task_timeout"
)

// Aggregation events
const (
	ResultAdded = "result_added"
	FinalResult = "final_result"
)

// Conflict events
const (
	ConflictDetected     = "conflict_detected"
	ConflictResolved     = "conflict_resolved"
	ConflictUnresolvable = "conflict_unresolvable"
	ConflictIgnored      = "conflict_ignored"
)

// Workflow and pipeline events
const (
	WorkflowStarted   = "workflow_started"
	WorkflowUpdated   = "workflow_updated"
	WorkflowCompleted = "workflow_completed"
	WorkflowFailed    = "workflow_failed"
	StartWorkflow     = "start_workflow"
	StageStarted      = "stage_started"
	StageCompleted    = "stage_completed"
	StageFailed       = "stage_failed"
)

// Chat events
const (
	MessageReceived = "message_received"
	MessageRouted   = "message_routed"
	AgentHandoff    = "agent_handoff"
)
