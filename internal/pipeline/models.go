// Package pipeline coordinates multi-stage agent workflows: stage
// sequencing, batch parallelism, retries with backoff, fallback stages, and
// workflow state snapshots.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// StageMetrics accumulates per-stage execution counters.
type StageMetrics struct {
	Executions     int64   `json:"executions"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	Timeouts       int64   `json:"timeouts"`
	Retries        int64   `json:"retries"`
	AvgExecutionMS float64 `json:"avg_execution_ms"`
}

// Stage is one unit of a pipeline bound to an agent category.
type Stage struct {
	ID            string            `json:"id" yaml:"id"`
	Category      registry.Category `json:"category" yaml:"category"`
	Command       string            `json:"command" yaml:"command"`
	Required      bool              `json:"required" yaml:"required"`
	Timeout       time.Duration     `json:"timeout" yaml:"-"`
	RetryCount    int               `json:"retry_count" yaml:"retry_count"`
	FallbackStage string            `json:"fallback_stage,omitempty" yaml:"fallback_stage"`
	Params        map[string]any    `json:"params,omitempty" yaml:"params"`

	mu      sync.Mutex
	metrics StageMetrics
}

// Metrics returns a snapshot of the stage's counters.
func (s *Stage) Metrics() StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Stage) recordAttempt() {
	s.mu.Lock()
	s.metrics.Executions++
	s.mu.Unlock()
}

func (s *Stage) recordRetry() {
	s.mu.Lock()
	s.metrics.Retries++
	s.mu.Unlock()
}

func (s *Stage) recordTimeout() {
	s.mu.Lock()
	s.metrics.Timeouts++
	s.mu.Unlock()
}

func (s *Stage) recordOutcome(ok bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.metrics.Successes++
	} else {
		s.metrics.Failures++
	}
	// Rolling average over completed runs.
	runs := float64(s.metrics.Successes + s.metrics.Failures)
	s.metrics.AvgExecutionMS += (float64(elapsed.Milliseconds()) - s.metrics.AvgExecutionMS) / runs
}

// Pipeline is an ordered list of stages with an optional parallelism cap.
type Pipeline struct {
	ID                string   `json:"id" yaml:"id"`
	Description       string   `json:"description,omitempty" yaml:"description"`
	Stages            []*Stage `json:"stages" yaml:"stages"`
	MaxParallelStages int      `json:"max_parallel_stages" yaml:"max_parallel_stages"`
}

// Validate checks stage id uniqueness and fallback references.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return apperr.Validation("pipeline id is required")
	}
	if len(p.Stages) == 0 {
		return apperr.Validation("pipeline has no stages")
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, stage := range p.Stages {
		if stage.ID == "" {
			return apperr.Validation("stage id is required")
		}
		if seen[stage.ID] {
			return apperr.Newf(apperr.KindValidation, "duplicate stage id %q", stage.ID)
		}
		seen[stage.ID] = true
	}
	for _, stage := range p.Stages {
		if stage.FallbackStage != "" && !seen[stage.FallbackStage] {
			return apperr.Newf(apperr.KindValidation,
				"stage %q references unknown fallback stage %q", stage.ID, stage.FallbackStage)
		}
	}
	return nil
}

func (p *Pipeline) stage(id string) *Stage {
	for _, stage := range p.Stages {
		if stage.ID == id {
			return stage
		}
	}
	return nil
}

// clone returns a deep copy with fresh metrics.
func (p *Pipeline) clone(newID string) *Pipeline {
	copied := &Pipeline{
		ID:                newID,
		Description:       p.Description,
		MaxParallelStages: p.MaxParallelStages,
		Stages:            make([]*Stage, 0, len(p.Stages)),
	}
	for _, stage := range p.Stages {
		params := make(map[string]any, len(stage.Params))
		for k, v := range stage.Params {
			params[k] = v
		}
		copied.Stages = append(copied.Stages, &Stage{
			ID:            stage.ID,
			Category:      stage.Category,
			Command:       stage.Command,
			Required:      stage.Required,
			Timeout:       stage.Timeout,
			RetryCount:    stage.RetryCount,
			FallbackStage: stage.FallbackStage,
			Params:        params,
		})
	}
	return copied
}

// Overrides adjust a template-derived pipeline.
type Overrides struct {
	Description       string
	MaxParallelStages int
	StageTimeouts     map[string]time.Duration
	StageRequired     map[string]bool
}

func (p *Pipeline) applyOverrides(o *Overrides) error {
	if o == nil {
		return nil
	}
	if o.Description != "" {
		p.Description = o.Description
	}
	if o.MaxParallelStages > 0 {
		p.MaxParallelStages = o.MaxParallelStages
	}
	for id, timeout := range o.StageTimeouts {
		stage := p.stage(id)
		if stage == nil {
			return apperr.Newf(apperr.KindValidation, "override references unknown stage %q", id)
		}
		stage.Timeout = timeout
	}
	for id, required := range o.StageRequired {
		stage := p.stage(id)
		if stage == nil {
			return apperr.Newf(apperr.KindValidation, "override references unknown stage %q", id)
		}
		stage.Required = required
	}
	return nil
}

// Categories lists the distinct agent categories the pipeline touches, in
// stage order.
func (p *Pipeline) Categories() []string {
	seen := make(map[registry.Category]bool)
	var out []string
	for _, stage := range p.Stages {
		if !seen[stage.Category] {
			seen[stage.Category] = true
			out = append(out, string(stage.Category))
		}
	}
	return out
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline %s (%d stages)", p.ID, len(p.Stages))
}
