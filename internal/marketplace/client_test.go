package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

type stubProvider struct {
	mu      sync.Mutex
	fetches int
	err     error
}

func (p *stubProvider) fetchToken(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.fetches++
	return "token-" + string(rune('0'+p.fetches)), nil
}

func (p *stubProvider) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (p *stubProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func newTestClient(t *testing.T, endpoint string, cfg config.MarketplaceConfig) (*Client, *stubProvider) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	cfg.Endpoint = endpoint
	if cfg.TokenTTLMinutes == 0 {
		cfg.TokenTTLMinutes = 50
	}
	provider := &stubProvider{}
	return newClient("test_marketplace", cfg, provider, log), provider
}

func TestCallDecodesResponse(t *testing.T) {
	var gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("MarketplaceId")
		w.Write([]byte(`{"price": 19.99}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, config.MarketplaceConfig{})
	result, err := c.Call(context.Background(), CategoryPricing, "/pricing", http.MethodGet,
		map[string]string{"MarketplaceId": "ATVPDKIKX0DER"}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result["price"] != 19.99 {
		t.Errorf("result = %v", result)
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotQuery != "ATVPDKIKX0DER" {
		t.Errorf("query param = %q", gotQuery)
	}
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, provider := newTestClient(t, server.URL, config.MarketplaceConfig{})
	for i := 0; i < 3; i++ {
		if _, err := c.Call(context.Background(), CategoryCatalog, "/items", http.MethodGet, nil, nil); err != nil {
			t.Fatalf("Call %d failed: %v", i, err)
		}
	}
	if provider.fetchCount() != 1 {
		t.Errorf("token fetched %d times, want 1", provider.fetchCount())
	}

	// An expired cache entry forces a refresh.
	c.tokenMu.Lock()
	c.tokenExpiry = time.Now().Add(-time.Minute)
	c.tokenMu.Unlock()
	if _, err := c.Call(context.Background(), CategoryCatalog, "/items", http.MethodGet, nil, nil); err != nil {
		t.Fatalf("Call after expiry failed: %v", err)
	}
	if provider.fetchCount() != 2 {
		t.Errorf("token fetched %d times after expiry, want 2", provider.fetchCount())
	}
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, provider := newTestClient(t, server.URL, config.MarketplaceConfig{})

	_, err := c.Call(context.Background(), CategoryOrders, "/orders", http.MethodGet, nil, nil)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindAuthentication {
		t.Fatalf("error = %v", err)
	}

	// The next call fetches a fresh token rather than replaying the stale one.
	if _, err := c.Call(context.Background(), CategoryOrders, "/orders", http.MethodGet, nil, nil); err != nil {
		t.Fatalf("Call after 401 failed: %v", err)
	}
	if provider.fetchCount() != 2 {
		t.Errorf("token fetched %d times, want 2", provider.fetchCount())
	}
}

func TestRateLimitedCallRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, config.MarketplaceConfig{MaxRetries: 2})
	result, err := c.Call(context.Background(), CategoryPricing, "/pricing", http.MethodGet, nil, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result["ok"] != true || calls.Load() != 2 {
		t.Errorf("result = %v after %d calls", result, calls.Load())
	}
}

func TestServerErrorRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, config.MarketplaceConfig{MaxRetries: 1})
	_, err := c.Call(context.Background(), CategoryInventory, "/inventory", http.MethodGet, nil, nil)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindMarketplace {
		t.Fatalf("error = %v", err)
	}
	if appErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", appErr.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "bad sku"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, config.MarketplaceConfig{MaxRetries: 3})
	_, err := c.Call(context.Background(), CategoryListings, "/listings", http.MethodPut, nil, map[string]any{"sku": ""})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
		t.Fatalf("error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

func TestCategoryConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, config.MarketplaceConfig{
		CategoryLimits: map[string]int{CategoryPricing: 1},
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Call(context.Background(), CategoryPricing, "/pricing", http.MethodGet, nil, nil); err != nil {
				t.Errorf("Call failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"0", 0},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.header); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 30*time.Second {
		t.Errorf("parseRetryAfter(date) = %v", got)
	}
}

func TestRefreshTokenExchange(t *testing.T) {
	var gotGrant, gotBasic string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotGrant = r.PostFormValue("grant_type")
		gotBasic = r.Header.Get("Authorization")
		w.Write([]byte(`{"access_token": "fresh-token", "expires_in": 3600}`))
	}))
	defer server.Close()

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"r-1"}}
	token, err := refreshTokenExchange(context.Background(), server.Client(), server.URL, form, "Y3JlZHM=")
	if err != nil {
		t.Fatalf("refreshTokenExchange failed: %v", err)
	}
	if token != "fresh-token" {
		t.Errorf("token = %q", token)
	}
	if gotGrant != "refresh_token" {
		t.Errorf("grant_type = %q", gotGrant)
	}
	if gotBasic != "Basic Y3JlZHM=" {
		t.Errorf("basic auth = %q", gotBasic)
	}
}

func TestRefreshTokenExchangeFailures(t *testing.T) {
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer denied.Close()

	_, err := refreshTokenExchange(context.Background(), denied.Client(), denied.URL, url.Values{}, "")
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindAuthentication {
		t.Errorf("error = %v", err)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer empty.Close()

	if _, err := refreshTokenExchange(context.Background(), empty.Client(), empty.URL, url.Values{}, ""); err == nil {
		t.Error("expected error for response without access_token")
	}
}

func TestAmazonAuthorizationHeader(t *testing.T) {
	p := &lwaProvider{}
	req, _ := http.NewRequest(http.MethodGet, "https://sellingpartnerapi-na.amazon.com/orders/v0/orders", nil)
	p.authorize(req, "lwa-token")
	if req.Header.Get("x-amz-access-token") != "lwa-token" {
		t.Errorf("header = %q", req.Header.Get("x-amz-access-token"))
	}
}
