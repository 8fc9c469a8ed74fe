// Package registry tracks agent records, capabilities, status, and health.
package registry

import (
	"time"
)

// Category groups agents by specialty.
type Category string

const (
	CategoryMarket     Category = "market"
	CategoryExecutive  Category = "executive"
	CategoryContent    Category = "content"
	CategoryLogistics  Category = "logistics"
	CategorySystem     Category = "system"
	CategorySpecialist Category = "specialist"
	CategoryUtility    Category = "utility"
	CategoryMobile     Category = "mobile"
)

// Status is the coarse agent state tracked by the registry. Category-specific
// operational sub-states are advisory and live in agent metadata.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusRegistering  Status = "registering"
	StatusActive       Status = "active"
	StatusBusy         Status = "busy"
	StatusInactive     Status = "inactive"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Capability declares the ability to handle a named operation.
type Capability struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  map[string]string  `json:"parameters,omitempty"`  // name -> type
	Constraints map[string]float64 `json:"constraints,omitempty"` // numeric limits
	Tags        []string           `json:"tags,omitempty"`
}

// Matches reports whether the offered capability satisfies the required one:
// names equal, every required parameter present, required tags a subset of
// offered tags, and every required numeric constraint <= the offered one.
func (required Capability) Matches(offered Capability) bool {
	if required.Name != offered.Name {
		return false
	}
	for param := range required.Parameters {
		if _, ok := offered.Parameters[param]; !ok {
			return false
		}
	}
	offeredTags := make(map[string]struct{}, len(offered.Tags))
	for _, tag := range offered.Tags {
		offeredTags[tag] = struct{}{}
	}
	for _, tag := range required.Tags {
		if _, ok := offeredTags[tag]; !ok {
			return false
		}
	}
	for name, limit := range required.Constraints {
		offeredLimit, ok := offered.Constraints[name]
		if !ok || limit > offeredLimit {
			return false
		}
	}
	return true
}

// Agent is a registered worker.
type Agent struct {
	ID           string         `json:"id"`
	Category     Category       `json:"category"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
	Status       Status         `json:"status"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Offers reports whether the agent offers a capability matching the
// requirement.
func (a *Agent) Offers(required Capability) bool {
	for _, cap := range a.Capabilities {
		if required.Matches(cap) {
			return true
		}
	}
	return false
}

// clone returns a snapshot copy safe to hand to callers.
func (a *Agent) clone() *Agent {
	out := *a
	out.Capabilities = append([]Capability(nil), a.Capabilities...)
	if a.LastSeen != nil {
		ts := *a.LastSeen
		out.LastSeen = &ts
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
