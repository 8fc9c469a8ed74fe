package chat

import (
	"testing"

	"github.com/sellerdesk/sellerdesk/internal/registry"
)

func TestClassifyIntents(t *testing.T) {
	c := NewClassifier()
	cases := []struct {
		text string
		want Intent
	}{
		{"what is the buy box price for my listing?", IntentMarket},
		{"how is my competitor pricing this week", IntentMarket},
		{"show me the sales report and conversion rate", IntentAnalytics},
		{"I'm out of stock, when do I restock?", IntentInventory},
		{"what's the shipping status of my fulfillment orders", IntentLogistics},
		{"rewrite the product title and description", IntentContent},
		{"should i approve this strategy", IntentExecutive},
	}
	for _, tc := range cases {
		got := c.Classify(tc.text, nil)
		if got.Intent != tc.want {
			t.Errorf("Classify(%q) = %s (%.2f), want %s", tc.text, got.Intent, got.Confidence, tc.want)
		}
	}
}

func TestClassifyBelowThresholdIsGeneral(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("hello there, how are you doing today my friend", nil)
	if got.Intent != IntentGeneral {
		t.Errorf("Classify = %s (%.2f), want general_query", got.Intent, got.Confidence)
	}
}

func TestClassifyConfidenceBounds(t *testing.T) {
	c := NewClassifier()
	// Keyword-dense short text clips at the rule-score ceiling.
	got := c.Classify("price pricing competitor buy box market data", nil)
	if got.RuleScore > 1.0 || got.Confidence > 1.0 {
		t.Errorf("scores exceed 1.0: %+v", got)
	}
	if got.Intent != IntentMarket {
		t.Errorf("intent = %s", got.Intent)
	}
}

func TestContextBoostsAmbiguousMessage(t *testing.T) {
	c := NewClassifier()
	ambiguous := "and what about the second one?"

	without := c.Classify(ambiguous, nil)

	history := []*ChatMessage{
		{ConversationID: "c1", Text: "check the inventory for SKU A"},
		{ConversationID: "c1", Text: "stock level looks low on SKU B"},
	}
	with := c.Classify(ambiguous, history)

	if with.ContextScore <= without.ContextScore {
		t.Errorf("context score did not increase: %.2f vs %.2f", with.ContextScore, without.ContextScore)
	}
}

func TestContextWindowAndCap(t *testing.T) {
	c := NewClassifier()

	// Only the most recent messages count; older inventory chatter beyond
	// the window is invisible.
	history := []*ChatMessage{
		{Text: "inventory inventory inventory"},
		{Text: "weather is nice"},
		{Text: "weather is nice"},
		{Text: "weather is nice"},
		{Text: "weather is nice"},
		{Text: "weather is nice"},
	}
	got := c.Classify("anything new?", history)
	if got.ContextScore != 0 {
		t.Errorf("out-of-window history leaked: %.2f", got.ContextScore)
	}

	// Many matching messages cap at the context ceiling.
	var dense []*ChatMessage
	for i := 0; i < 5; i++ {
		dense = append(dense, &ChatMessage{Text: "inventory stock level restock"})
	}
	got = c.Classify("anything new?", dense)
	if got.ContextScore > contextScoreCap {
		t.Errorf("context score %.2f above cap", got.ContextScore)
	}
}

func TestIntentCategoryMapping(t *testing.T) {
	cases := map[Intent]registry.Category{
		IntentMarket:    registry.CategoryMarket,
		IntentAnalytics: registry.CategoryMarket,
		IntentInventory: registry.CategoryLogistics,
		IntentLogistics: registry.CategoryLogistics,
		IntentContent:   registry.CategoryContent,
		IntentExecutive: registry.CategoryExecutive,
		IntentGeneral:   registry.CategoryUtility,
	}
	for intent, want := range cases {
		if got := intentCategory[intent]; got != want {
			t.Errorf("intentCategory[%s] = %s, want %s", intent, got, want)
		}
	}
}

func TestCategoryFallbacksEndAtUtility(t *testing.T) {
	for category, fallbacks := range categoryFallbacks {
		if category == registry.CategoryUtility {
			if len(fallbacks) != 0 {
				t.Errorf("utility should have no fallbacks, got %v", fallbacks)
			}
			continue
		}
		if len(fallbacks) == 0 || fallbacks[len(fallbacks)-1] != registry.CategoryUtility {
			t.Errorf("fallbacks for %s do not end at utility: %v", category, fallbacks)
		}
	}
}
