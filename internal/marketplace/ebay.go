package marketplace

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

const ebayTokenURL = "https://api.ebay.com/identity/v1/oauth2/token"

// Ebay is the eBay Sell API client.
type Ebay struct {
	*Client
}

type ebayProvider struct {
	cfg  config.MarketplaceConfig
	http *http.Client
}

func (p *ebayProvider) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.cfg.SPAPIRefreshToken},
	}
	return refreshTokenExchange(ctx, p.http, ebayTokenURL, form, p.basicAuth())
}

func (p *ebayProvider) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// basicAuth encodes the client credentials for the token endpoint.
func (p *ebayProvider) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(p.cfg.LWAAppID + ":" + p.cfg.LWAClientSecret))
}

// NewEbay creates an eBay Sell API client.
func NewEbay(cfg config.MarketplaceConfig, log *logger.Logger) *Ebay {
	provider := &ebayProvider{cfg: cfg, http: &http.Client{Timeout: 15 * time.Second}}
	return &Ebay{Client: newClient("ebay", cfg, provider, log)}
}

// GetInventoryItem fetches one inventory item by SKU.
func (e *Ebay) GetInventoryItem(ctx context.Context, sku string) (map[string]any, error) {
	return e.Call(ctx, CategoryInventory, "/sell/inventory/v1/inventory_item/"+sku, http.MethodGet, nil, nil)
}

// GetOffers lists offers for a SKU.
func (e *Ebay) GetOffers(ctx context.Context, sku string) (map[string]any, error) {
	return e.Call(ctx, CategoryPricing, "/sell/inventory/v1/offer", http.MethodGet, map[string]string{
		"sku": sku,
	}, nil)
}

// GetOrders lists orders created after the given time.
func (e *Ebay) GetOrders(ctx context.Context, createdAfter time.Time) (map[string]any, error) {
	return e.Call(ctx, CategoryOrders, "/sell/fulfillment/v1/order", http.MethodGet, map[string]string{
		"filter": "creationdate:[" + createdAfter.UTC().Format(time.RFC3339) + "..]",
	}, nil)
}
