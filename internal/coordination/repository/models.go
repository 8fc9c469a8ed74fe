// Package repository persists coordination state: workflow snapshots, agent
// status, decisions, performance metrics, and task records.
package repository

import "time"

// AgentStatusRecord is the persisted view of an agent's registry state.
type AgentStatusRecord struct {
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Category  string    `json:"category" db:"category"`
	Status    string    `json:"status" db:"status"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DecisionRecord is a pending or resolved agent decision requiring approval.
type DecisionRecord struct {
	ID         string         `json:"id" db:"id"`
	AgentID    string         `json:"agent_id" db:"agent_id"`
	Kind       string         `json:"kind" db:"kind"`
	Status     string         `json:"status" db:"status"` // pending|approved|rejected
	Context    map[string]any `json:"context,omitempty" db:"-"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Decision statuses.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// MetricRecord is one appended performance sample for an agent.
type MetricRecord struct {
	ID         int64     `json:"id" db:"id"`
	AgentID    string    `json:"agent_id" db:"agent_id"`
	Metric     string    `json:"metric" db:"metric"`
	Value      float64   `json:"value" db:"value"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// TaskRecord is the persisted summary of a delegated task.
type TaskRecord struct {
	ID          string         `json:"id" db:"id"`
	AgentID     string         `json:"agent_id" db:"agent_id"`
	Description string         `json:"description" db:"description"`
	Status      string         `json:"status" db:"status"`
	Result      map[string]any `json:"result,omitempty" db:"-"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}
