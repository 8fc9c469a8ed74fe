package marketplace

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

const lwaTokenURL = "https://api.amazon.com/auth/o2/token"

// Amazon is the Selling Partner API client.
type Amazon struct {
	*Client
	marketplaceID string
}

type lwaProvider struct {
	cfg  config.MarketplaceConfig
	http *http.Client
}

func (p *lwaProvider) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.cfg.SPAPIRefreshToken},
		"client_id":     {p.cfg.LWAAppID},
		"client_secret": {p.cfg.LWAClientSecret},
	}
	return refreshTokenExchange(ctx, p.http, lwaTokenURL, form, "")
}

func (p *lwaProvider) authorize(req *http.Request, token string) {
	req.Header.Set("x-amz-access-token", token)
}

// NewAmazon creates an SP-API client.
func NewAmazon(cfg config.MarketplaceConfig, log *logger.Logger) *Amazon {
	provider := &lwaProvider{cfg: cfg, http: &http.Client{Timeout: 15 * time.Second}}
	return &Amazon{
		Client:        newClient("amazon_sp_api", cfg, provider, log),
		marketplaceID: cfg.MarketplaceID,
	}
}

// GetCompetitivePricing fetches competitive pricing for an ASIN.
func (a *Amazon) GetCompetitivePricing(ctx context.Context, asin string) (map[string]any, error) {
	return a.Call(ctx, CategoryPricing, "/products/pricing/v0/items/"+asin+"/offers", http.MethodGet, map[string]string{
		"MarketplaceId": a.marketplaceID,
		"ItemCondition": "New",
	}, nil)
}

// GetInventorySummary fetches FBA inventory levels for a seller SKU.
func (a *Amazon) GetInventorySummary(ctx context.Context, sellerSKU string) (map[string]any, error) {
	return a.Call(ctx, CategoryInventory, "/fba/inventory/v1/summaries", http.MethodGet, map[string]string{
		"marketplaceIds":  a.marketplaceID,
		"sellerSkus":      sellerSKU,
		"granularityType": "Marketplace",
		"granularityId":   a.marketplaceID,
		"details":         "true",
	}, nil)
}

// GetOrders lists orders created after the given time.
func (a *Amazon) GetOrders(ctx context.Context, createdAfter time.Time) (map[string]any, error) {
	return a.Call(ctx, CategoryOrders, "/orders/v0/orders", http.MethodGet, map[string]string{
		"MarketplaceIds": a.marketplaceID,
		"CreatedAfter":   createdAfter.UTC().Format(time.RFC3339),
	}, nil)
}

// SearchCatalog searches the catalog by keywords.
func (a *Amazon) SearchCatalog(ctx context.Context, keywords string) (map[string]any, error) {
	return a.Call(ctx, CategoryCatalog, "/catalog/2022-04-01/items", http.MethodGet, map[string]string{
		"marketplaceIds": a.marketplaceID,
		"keywords":       keywords,
	}, nil)
}

// PutListing creates or updates a listing item.
func (a *Amazon) PutListing(ctx context.Context, sellerID, sku string, attributes map[string]any) (map[string]any, error) {
	body := map[string]any{
		"productType": attributes["product_type"],
		"attributes":  attributes,
	}
	return a.Call(ctx, CategoryListings, "/listings/2021-08-01/items/"+sellerID+"/"+sku, http.MethodPut, map[string]string{
		"marketplaceIds": a.marketplaceID,
	}, body)
}
