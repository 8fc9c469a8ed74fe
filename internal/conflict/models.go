// Package conflict detects and resolves contention between entities.
package conflict

import "time"

// Kind classifies a conflict.
type Kind string

const (
	KindResource   Kind = "resource"
	KindTask       Kind = "task"
	KindAgent      Kind = "agent"
	KindPriority   Kind = "priority"
	KindAuthority  Kind = "authority"
	KindCapability Kind = "capability"
	KindData       Kind = "data"
	KindOther      Kind = "other"
)

// Status is the conflict lifecycle state.
type Status string

const (
	StatusDetected     Status = "detected"
	StatusAnalyzing    Status = "analyzing"
	StatusResolving    Status = "resolving"
	StatusResolved     Status = "resolved"
	StatusUnresolvable Status = "unresolvable"
	StatusIgnored      Status = "ignored"
)

// Strategy selects how a conflict is arbitrated.
type Strategy string

const (
	StrategyPriority  Strategy = "priority"
	StrategyAuthority Strategy = "authority"
	StrategyConsensus Strategy = "consensus"
	StrategyFirst     Strategy = "first"
	StrategyLast      Strategy = "last"
	StrategyMerge     Strategy = "merge"
	StrategyCancel    Strategy = "cancel"
	StrategyDelegate  Strategy = "delegate"
	StrategyCustom    Strategy = "custom"
)

// defaultStrategies maps each conflict kind to its default strategy.
var defaultStrategies = map[Kind]Strategy{
	KindResource:   StrategyPriority,
	KindTask:       StrategyPriority,
	KindAgent:      StrategyAuthority,
	KindPriority:   StrategyAuthority,
	KindAuthority:  StrategyAuthority,
	KindCapability: StrategyAuthority,
	KindData:       StrategyLast,
	KindOther:      StrategyPriority,
}

// Conflict is a declared contention between entities.
type Conflict struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	Entities    []map[string]any `json:"entities"`
	Description string           `json:"description,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Status      Status           `json:"status"`
	DetectedAt  time.Time        `json:"detected_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	Strategy    Strategy         `json:"strategy,omitempty"`
	Resolution  any              `json:"resolution,omitempty"`
}

// IsActive reports whether the conflict still needs attention.
func (c *Conflict) IsActive() bool {
	switch c.Status {
	case StatusResolved, StatusUnresolvable, StatusIgnored:
		return false
	}
	return true
}

func (c *Conflict) clone() *Conflict {
	out := *c
	out.Entities = append([]map[string]any(nil), c.Entities...)
	if c.ResolvedAt != nil {
		ts := *c.ResolvedAt
		out.ResolvedAt = &ts
	}
	return &out
}
