package chat

import (
	"strings"

	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// Intent is a classified user intention.
type Intent string

const (
	IntentMarket    Intent = "market_query"
	IntentAnalytics Intent = "analytics_query"
	IntentInventory Intent = "inventory_query"
	IntentLogistics Intent = "logistics_query"
	IntentContent   Intent = "content_query"
	IntentExecutive Intent = "executive_query"
	IntentGeneral   Intent = "general_query"
)

// Keyword tier weights.
const (
	weightHigh   = 3.0
	weightMedium = 1.5
	weightLow    = 1.0
)

const (
	intentThreshold    = 0.3
	multiTierBoost     = 1.2
	contextHighScore   = 0.15
	contextLowScore    = 0.10
	contextScoreCap    = 0.3
	ruleBlendWeight    = 0.7
	contextBlendWeight = 0.3
	contextWindow      = 5
)

// keywordGroup is one weighted keyword tier for an intent.
type keywordGroup struct {
	weight   float64
	keywords []string
}

var intentKeywords = map[Intent][]keywordGroup{
	IntentMarket: {
		{weightHigh, []string{"price", "pricing", "competitor", "buy box", "market data"}},
		{weightMedium, []string{"sell", "listing price", "margin", "demand"}},
		{weightLow, []string{"market", "amazon", "ebay"}},
	},
	IntentAnalytics: {
		{weightHigh, []string{"analytics", "sales report", "conversion rate", "performance metrics"}},
		{weightMedium, []string{"trend", "statistics", "dashboard"}},
		{weightLow, []string{"report", "numbers", "data"}},
	},
	IntentInventory: {
		{weightHigh, []string{"inventory", "stock level", "out of stock", "restock"}},
		{weightMedium, []string{"sku", "warehouse", "units"}},
		{weightLow, []string{"stock", "quantity"}},
	},
	IntentLogistics: {
		{weightHigh, []string{"shipping", "fulfillment", "delivery", "carrier"}},
		{weightMedium, []string{"shipment", "tracking", "fba"}},
		{weightLow, []string{"ship", "package"}},
	},
	IntentContent: {
		{weightHigh, []string{"description", "listing content", "copywriting", "product title"}},
		{weightMedium, []string{"keywords", "seo", "images"}},
		{weightLow, []string{"content", "write", "text"}},
	},
	IntentExecutive: {
		{weightHigh, []string{"strategy", "decision", "approve", "should i"}},
		{weightMedium, []string{"plan", "recommend", "budget"}},
		{weightLow, []string{"decide", "advice"}},
	},
}

// Classification is the classifier's verdict.
type Classification struct {
	Intent       Intent  `json:"intent"`
	Confidence   float64 `json:"confidence"`
	RuleScore    float64 `json:"rule_score"`
	ContextScore float64 `json:"context_score"`
}

// Classifier scores user messages against the closed intent set using
// weighted keyword matching blended with recent-message context.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify scores text against every intent, blending in context from the
// most recent history messages, and returns the winner. Below the
// confidence threshold the verdict is general_query.
func (c *Classifier) Classify(text string, history []*ChatMessage) Classification {
	lower := strings.ToLower(text)
	words := len(strings.Fields(lower))
	lengthFactor := float64(words) / 10.0
	if lengthFactor < 0.5 {
		lengthFactor = 0.5
	}

	recent := history
	if len(recent) > contextWindow {
		recent = recent[len(recent)-contextWindow:]
	}

	best := Classification{Intent: IntentGeneral}
	for intent, groups := range intentKeywords {
		rule := ruleScore(lower, groups, lengthFactor)
		context := contextScore(recent, groups)
		confidence := ruleBlendWeight*rule + contextBlendWeight*context
		if confidence > best.Confidence {
			best = Classification{
				Intent:       intent,
				Confidence:   confidence,
				RuleScore:    rule,
				ContextScore: context,
			}
		}
	}

	if best.Confidence < intentThreshold {
		best.Intent = IntentGeneral
	}
	return best
}

// ruleScore sums unique keyword matches by tier weight, normalizes by the
// length factor, boosts multi-tier matches, and clips to [0, 1].
func ruleScore(lower string, groups []keywordGroup, lengthFactor float64) float64 {
	score := 0.0
	tiersMatched := 0
	for _, group := range groups {
		matched := 0
		for _, keyword := range group.keywords {
			if strings.Contains(lower, keyword) {
				matched++
			}
		}
		if matched > 0 {
			tiersMatched++
			score += float64(matched) * group.weight
		}
	}

	score /= lengthFactor
	if tiersMatched > 1 {
		score *= multiTierBoost
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// contextScore scans recent history: a high-tier hit scores 0.15, any other
// hit 0.10, capped at 0.3 total.
func contextScore(recent []*ChatMessage, groups []keywordGroup) float64 {
	score := 0.0
	for _, msg := range recent {
		lower := strings.ToLower(msg.Text)
		hit := 0.0
		for _, group := range groups {
			for _, keyword := range group.keywords {
				if strings.Contains(lower, keyword) {
					if group.weight == weightHigh {
						hit = contextHighScore
					} else if hit == 0 {
						hit = contextLowScore
					}
				}
			}
		}
		score += hit
	}
	if score > contextScoreCap {
		score = contextScoreCap
	}
	return score
}

// intentCategory maps each intent to its primary agent category.
var intentCategory = map[Intent]registry.Category{
	IntentMarket:    registry.CategoryMarket,
	IntentAnalytics: registry.CategoryMarket,
	IntentInventory: registry.CategoryLogistics,
	IntentLogistics: registry.CategoryLogistics,
	IntentContent:   registry.CategoryContent,
	IntentExecutive: registry.CategoryExecutive,
	IntentGeneral:   registry.CategoryUtility,
}

// categoryFallbacks is the compatibility matrix tried in order when no agent
// of the primary category is available. The general assistant is the final
// fallback for every category.
var categoryFallbacks = map[registry.Category][]registry.Category{
	registry.CategoryMarket:    {registry.CategoryExecutive, registry.CategoryUtility},
	registry.CategoryExecutive: {registry.CategoryMarket, registry.CategoryUtility},
	registry.CategoryLogistics: {registry.CategoryMarket, registry.CategoryUtility},
	registry.CategoryContent:   {registry.CategoryUtility},
	registry.CategoryUtility:   {},
}
