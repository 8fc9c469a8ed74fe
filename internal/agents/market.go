package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/marketplace"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// MarketAgent handles pricing, catalog, and listing operations against the
// marketplace APIs. It keeps a live market_data cache; readers always get a
// copy, never the live map.
type MarketAgent struct {
	base
	amazon *marketplace.Amazon // nil when credentials are absent

	mu         sync.Mutex
	marketData map[string]any
}

// NewMarketAgent creates the market agent. amazon may be nil; commands then
// answer from the local cache only.
func NewMarketAgent(id string, amazon *marketplace.Amazon, log *logger.Logger) *MarketAgent {
	a := &MarketAgent{
		base:       newBase(id, registry.CategoryMarket, "Market Agent", log),
		amazon:     amazon,
		marketData: make(map[string]any),
	}
	a.commands["update_pricing"] = a.updatePricing
	a.commands["fetch_inventory"] = a.fetchInventory
	a.commands["refresh_listings"] = a.refreshListings
	a.commands["publish_listing"] = a.publishListing
	a.commands["get_market_data"] = a.getMarketData
	return a
}

// Record returns the registry record for this agent.
func (a *MarketAgent) Record() *registry.Agent {
	return a.base.Record("market", "pricing")
}

func (a *MarketAgent) updatePricing(ctx context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	asin := stringParam(input, "asin")
	if asin == "" {
		asin = stringParam(params, "asin")
	}

	result := map[string]any{"pricing_updated": true}
	if a.amazon != nil && asin != "" {
		pricing, err := a.amazon.GetCompetitivePricing(ctx, asin)
		if err != nil {
			return nil, err
		}
		result["competitive_pricing"] = pricing
		a.cache("pricing_"+asin, pricing)
	}
	result["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	return result, nil
}

func (a *MarketAgent) fetchInventory(ctx context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	sku := stringParam(input, "sku")
	if sku == "" {
		sku = stringParam(params, "sku")
	}

	result := map[string]any{"inventory_fetched": true}
	if a.amazon != nil && sku != "" {
		summary, err := a.amazon.GetInventorySummary(ctx, sku)
		if err != nil {
			return nil, err
		}
		result["inventory"] = summary
		a.cache("inventory_"+sku, summary)
	}
	return result, nil
}

func (a *MarketAgent) refreshListings(ctx context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	keywords := stringParam(input, "keywords")

	result := map[string]any{"listings_refreshed": true}
	if a.amazon != nil && keywords != "" {
		catalog, err := a.amazon.SearchCatalog(ctx, keywords)
		if err != nil {
			return nil, err
		}
		result["catalog"] = catalog
		a.cache("catalog_"+keywords, catalog)
	}
	return result, nil
}

func (a *MarketAgent) publishListing(ctx context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)
	sku := stringParam(input, "sku")
	sellerID := stringParam(input, "seller_id")

	if a.amazon == nil || sku == "" || sellerID == "" {
		a.logger.Debug("Publish skipped, missing marketplace client or identifiers")
		return map[string]any{"published": false}, nil
	}
	attributes, _ := input["attributes"].(map[string]any)
	resp, err := a.amazon.PutListing(ctx, sellerID, sku, attributes)
	if err != nil {
		return nil, err
	}
	return map[string]any{"published": true, "listing": resp}, nil
}

func (a *MarketAgent) getMarketData(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"market_data": a.marketDataCopy()}, nil
}

// AnswerQuery serves market questions from the cached data.
func (a *MarketAgent) AnswerQuery(_ context.Context, query string, _ map[string]any) (map[string]any, error) {
	a.logger.Debug("Answering market query", zap.String("query", query))
	return map[string]any{
		"content":     "Here is the current market data I have on hand.",
		"market_data": a.marketDataCopy(),
	}, nil
}

// ProcessMessage handles a full protocol message.
func (a *MarketAgent) ProcessMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return a.processWith(ctx, a, msg)
}

func (a *MarketAgent) cache(key string, value any) {
	a.mu.Lock()
	a.marketData[key] = value
	a.mu.Unlock()
}

// marketDataCopy snapshots the live cache.
func (a *MarketAgent) marketDataCopy() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.marketData))
	for k, v := range a.marketData {
		out[k] = v
	}
	return out
}
