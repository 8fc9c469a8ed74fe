package chat

import (
	"fmt"
	"strings"
)

// workflowTrigger maps a trigger phrase to a pipeline.
type workflowTrigger struct {
	phrase     string
	pipelineID string
}

// The trigger catalog is checked before agent routing; first match wins.
var workflowTriggers = []workflowTrigger{
	{"analyze this product", "full_marketplace_cycle"},
	{"market research", "full_marketplace_cycle"},
	{"optimize my listing", "content_generation"},
	{"improve my listing", "content_generation"},
	{"pricing strategy", "pricing_update"},
	{"help me decide", "pricing_update"},
	{"sync my inventory", "inventory_sync"},
	{"reconcile inventory", "inventory_sync"},
}

// matchWorkflow returns the pipeline triggered by the text, if any.
func matchWorkflow(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, trigger := range workflowTriggers {
		if strings.Contains(lower, trigger.phrase) {
			return trigger.pipelineID, true
		}
	}
	return "", false
}

// acknowledgementText builds the immediate reply sent when a workflow is
// launched.
func acknowledgementText(pipelineID string, participants []string) string {
	agents := strings.Join(participants, ", ")
	if agents == "" {
		agents = "the coordination agents"
	}
	return fmt.Sprintf(
		"I'll run the %s workflow with the following agents: %s. This usually takes 30-60 seconds; I'll post the results here.",
		strings.ReplaceAll(pipelineID, "_", " "), agents)
}
