package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/pipeline"
)

// SQLiteRepository stores coordination state in SQLite.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ pipeline.StateStore = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the coordination database.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath == "" {
		return nil, apperr.Validation("sqlite path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_states (
		execution_id TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		state TEXT NOT NULL,
		PRIMARY KEY (execution_id, recorded_at)
	);

	CREATE TABLE IF NOT EXISTS agent_statuses (
		agent_id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_decisions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		context TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS performance_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_records (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_states_exec ON workflow_states(execution_id, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_decisions_status ON agent_decisions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_agent ON performance_metrics(agent_id, recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_task_records_agent ON task_records(agent_id, updated_at DESC);
	`
	_, err := r.db.Exec(schema)
	return err
}

// SaveWorkflowState appends one workflow state snapshot.
func (r *SQLiteRepository) SaveWorkflowState(ctx context.Context, state *pipeline.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode workflow state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflow_states (execution_id, recorded_at, state)
		VALUES (?, ?, ?)`,
		state.ExecutionID, state.UpdatedAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save workflow state: %w", err)
	}
	return nil
}

// LatestWorkflowState returns the most recent snapshot for an execution.
func (r *SQLiteRepository) LatestWorkflowState(ctx context.Context, executionID string) (*pipeline.WorkflowState, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw, `
		SELECT state FROM workflow_states
		WHERE execution_id = ? ORDER BY recorded_at DESC LIMIT 1`, executionID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("workflow state", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	var state pipeline.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode workflow state: %w", err)
	}
	return &state, nil
}

// WorkflowStateHistory returns every snapshot for an execution, oldest
// first.
func (r *SQLiteRepository) WorkflowStateHistory(ctx context.Context, executionID string) ([]*pipeline.WorkflowState, error) {
	var raws []string
	err := r.db.SelectContext(ctx, &raws, `
		SELECT state FROM workflow_states
		WHERE execution_id = ? ORDER BY recorded_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow history: %w", err)
	}
	states := make([]*pipeline.WorkflowState, 0, len(raws))
	for _, raw := range raws {
		var state pipeline.WorkflowState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("failed to decode workflow state: %w", err)
		}
		states = append(states, &state)
	}
	return states, nil
}

// UpsertAgentStatus records an agent's current status.
func (r *SQLiteRepository) UpsertAgentStatus(ctx context.Context, record *AgentStatusRecord) error {
	record.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_statuses (agent_id, category, status, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			category = excluded.category,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		record.AgentID, record.Category, record.Status, record.LastSeen, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent status: %w", err)
	}
	return nil
}

// GetAgentStatus fetches one agent's persisted status.
func (r *SQLiteRepository) GetAgentStatus(ctx context.Context, agentID string) (*AgentStatusRecord, error) {
	var record AgentStatusRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT agent_id, category, status, last_seen, updated_at
		FROM agent_statuses WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("agent status", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent status: %w", err)
	}
	return &record, nil
}

// ListAgentStatuses returns every persisted agent status.
func (r *SQLiteRepository) ListAgentStatuses(ctx context.Context) ([]*AgentStatusRecord, error) {
	var records []*AgentStatusRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT agent_id, category, status, last_seen, updated_at
		FROM agent_statuses ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent statuses: %w", err)
	}
	return records, nil
}

// CreateDecision records a pending decision.
func (r *SQLiteRepository) CreateDecision(ctx context.Context, decision *DecisionRecord) error {
	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	if decision.Status == "" {
		decision.Status = DecisionPending
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
	contextJSON := "{}"
	if decision.Context != nil {
		data, err := json.Marshal(decision.Context)
		if err != nil {
			return fmt.Errorf("failed to encode decision context: %w", err)
		}
		contextJSON = string(data)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_decisions (id, agent_id, kind, status, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.AgentID, decision.Kind, decision.Status, contextJSON, decision.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create decision: %w", err)
	}
	return nil
}

// ListPendingDecisions returns unresolved decisions, oldest first.
func (r *SQLiteRepository) ListPendingDecisions(ctx context.Context) ([]*DecisionRecord, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, agent_id, kind, status, context, created_at, resolved_at
		FROM agent_decisions WHERE status = ? ORDER BY created_at ASC`, DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// ApproveDecision marks a pending decision approved.
func (r *SQLiteRepository) ApproveDecision(ctx context.Context, id string) error {
	return r.resolveDecision(ctx, id, DecisionApproved)
}

// RejectDecision marks a pending decision rejected.
func (r *SQLiteRepository) RejectDecision(ctx context.Context, id string) error {
	return r.resolveDecision(ctx, id, DecisionRejected)
}

func (r *SQLiteRepository) resolveDecision(ctx context.Context, id, status string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE agent_decisions SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		status, time.Now().UTC(), id, DecisionPending)
	if err != nil {
		return fmt.Errorf("failed to resolve decision: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("pending decision", id)
	}
	return nil
}

func scanDecisions(rows *sqlx.Rows) ([]*DecisionRecord, error) {
	var decisions []*DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var contextJSON string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Kind, &d.Status, &contextJSON,
			&d.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &d.Context); err != nil {
				return nil, fmt.Errorf("failed to decode decision context: %w", err)
			}
		}
		if resolvedAt.Valid {
			ts := resolvedAt.Time
			d.ResolvedAt = &ts
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// AppendMetric records one performance sample.
func (r *SQLiteRepository) AppendMetric(ctx context.Context, agentID, metric string, value float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (agent_id, metric, value, recorded_at)
		VALUES (?, ?, ?, ?)`,
		agentID, metric, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append metric: %w", err)
	}
	return nil
}

// ListMetricsForAgent returns an agent's samples, most recent first.
func (r *SQLiteRepository) ListMetricsForAgent(ctx context.Context, agentID string, limit int) ([]*MetricRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var metrics []*MetricRecord
	err := r.db.SelectContext(ctx, &metrics, `
		SELECT id, agent_id, metric, value, recorded_at
		FROM performance_metrics WHERE agent_id = ?
		ORDER BY recorded_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	return metrics, nil
}

// SaveTaskRecord inserts or updates a task record.
func (r *SQLiteRepository) SaveTaskRecord(ctx context.Context, record *TaskRecord) error {
	record.UpdatedAt = time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	resultJSON := "{}"
	if record.Result != nil {
		data, err := json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		resultJSON = string(data)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_records (id, agent_id, description, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		record.ID, record.AgentID, record.Description, record.Status, resultJSON,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task record: %w", err)
	}
	return nil
}

// GetTaskRecord fetches one task record.
func (r *SQLiteRepository) GetTaskRecord(ctx context.Context, id string) (*TaskRecord, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT id, agent_id, description, status, result, created_at, updated_at
		FROM task_records WHERE id = ?`, id)

	var record TaskRecord
	var resultJSON string
	err := row.Scan(&record.ID, &record.AgentID, &record.Description, &record.Status,
		&resultJSON, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("task record", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}
	if resultJSON != "" && resultJSON != "{}" {
		if err := json.Unmarshal([]byte(resultJSON), &record.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
	}
	return &record, nil
}

// ListTaskRecordsForAgent returns an agent's task records, most recent
// first.
func (r *SQLiteRepository) ListTaskRecordsForAgent(ctx context.Context, agentID string) ([]*TaskRecord, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, agent_id, description, status, result, created_at, updated_at
		FROM task_records WHERE agent_id = ? ORDER BY updated_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		var record TaskRecord
		var resultJSON string
		if err := rows.Scan(&record.ID, &record.AgentID, &record.Description, &record.Status,
			&resultJSON, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		if resultJSON != "" && resultJSON != "{}" {
			if err := json.Unmarshal([]byte(resultJSON), &record.Result); err != nil {
				return nil, fmt.Errorf("failed to decode task result: %w", err)
			}
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
