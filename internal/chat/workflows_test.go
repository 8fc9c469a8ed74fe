package chat

import (
	"strings"
	"testing"
)

func TestMatchWorkflow(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Can you analyze this product for me?", "full_marketplace_cycle"},
		{"do some MARKET RESEARCH please", "full_marketplace_cycle"},
		{"optimize my listing for the holidays", "content_generation"},
		{"improve my listing copy", "content_generation"},
		{"what pricing strategy fits here", "pricing_update"},
		{"help me decide between these two prices", "pricing_update"},
		{"sync my inventory with the warehouse", "inventory_sync"},
		{"please reconcile inventory tonight", "inventory_sync"},
	}
	for _, tc := range cases {
		got, ok := matchWorkflow(tc.text)
		if !ok || got != tc.want {
			t.Errorf("matchWorkflow(%q) = (%q, %v), want %q", tc.text, got, ok, tc.want)
		}
	}

	if _, ok := matchWorkflow("what's the weather like?"); ok {
		t.Error("plain chat should not trigger a workflow")
	}
}

func TestAcknowledgementText(t *testing.T) {
	got := acknowledgementText("pricing_update", []string{"executive", "market"})
	if !strings.Contains(got, "pricing update") {
		t.Errorf("pipeline name missing: %q", got)
	}
	if !strings.Contains(got, "executive, market") {
		t.Errorf("participants missing: %q", got)
	}

	empty := acknowledgementText("inventory_sync", nil)
	if !strings.Contains(empty, "the coordination agents") {
		t.Errorf("fallback participants missing: %q", empty)
	}
}
