// Package marketplace implements the outbound marketplace API clients:
// OAuth token refresh, per-category concurrency caps, and retry with
// backoff. Amazon SP-API and eBay variants share the base client.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

// Request categories. Each carries its own concurrency cap because the
// upstream rate limits differ per API family.
const (
	CategoryCatalog   = "catalog"
	CategoryInventory = "inventory"
	CategoryPricing   = "pricing"
	CategoryOrders    = "orders"
	CategoryListings  = "listings"
)

const defaultRetryBackoff = 1 * time.Second

// tokenProvider exchanges credentials for a short-lived access token.
type tokenProvider interface {
	fetchToken(ctx context.Context) (string, error)
	authorize(req *http.Request, token string)
}

// Client is the shared marketplace HTTP client.
type Client struct {
	name     string
	endpoint string
	http     *http.Client
	cfg      config.MarketplaceConfig
	provider tokenProvider
	logger   *logger.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

func newClient(name string, cfg config.MarketplaceConfig, provider tokenProvider, log *logger.Logger) *Client {
	return &Client{
		name:     name,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		cfg:      cfg,
		provider: provider,
		logger:   log.WithFields(zap.String("marketplace", name)),
		sems:     make(map[string]*semaphore.Weighted),
	}
}

func (c *Client) semFor(category string) *semaphore.Weighted {
	c.semMu.Lock()
	defer c.semMu.Unlock()
	if sem, ok := c.sems[category]; ok {
		return sem
	}
	limit := int64(1)
	if n, ok := c.cfg.CategoryLimits[category]; ok && n > 0 {
		limit = int64(n)
	}
	sem := semaphore.NewWeighted(limit)
	c.sems[category] = sem
	return sem
}

// accessToken returns a cached token, refreshing when it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	token, err := c.provider.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.tokenExpiry = time.Now().Add(c.cfg.TokenTTL())
	c.logger.Debug("Access token refreshed", zap.Time("expires_at", c.tokenExpiry))
	return token, nil
}

// invalidateToken drops the cached token after an auth failure.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// Call performs one marketplace API request. It blocks on the category's
// concurrency cap, retries 429 and 5xx responses with exponential backoff
// honoring Retry-After, and decodes the JSON response body.
func (c *Client) Call(ctx context.Context, category, endpoint, method string, params map[string]string, body any) (map[string]any, error) {
	sem := c.semFor(category)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Coordination("marketplace request cancelled while queued", err)
	}
	defer sem.Release(1)

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "encode request body", err)
		}
		payload = data
	}

	reqURL := c.endpoint + endpoint
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		reqURL += "?" + q.Encode()
	}

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultRetryBackoff << (attempt - 1)
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
		}

		result, retryAfter, err := c.doOnce(ctx, method, reqURL, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := apperr.KindOf(err)
		if kind != apperr.KindRateLimit && kind != apperr.KindMarketplace {
			return nil, err
		}
		if retryAfter > 0 && attempt < maxRetries {
			if !sleepCtx(ctx, retryAfter) {
				return nil, ctx.Err()
			}
		}
		c.logger.Warn("Marketplace request failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// doOnce performs a single HTTP exchange. A positive retryAfter is the
// server-requested wait before the next attempt.
func (c *Client) doOnce(ctx context.Context, method, reqURL string, payload []byte) (map[string]any, time.Duration, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindValidation, "build marketplace request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.provider.authorize(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindMarketplace, "marketplace request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindMarketplace, "read marketplace response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryAfter, apperr.RateLimit(c.name, retryAfter)
	case resp.StatusCode >= 500:
		return nil, 0, apperr.Marketplace(c.name, resp.StatusCode, truncate(string(data), 200))
	case resp.StatusCode == http.StatusUnauthorized:
		c.invalidateToken()
		return nil, 0, apperr.New(apperr.KindAuthentication, "marketplace rejected access token")
	case resp.StatusCode >= 400:
		return nil, 0, apperr.Newf(apperr.KindValidation, "%s returned %d: %s",
			c.name, resp.StatusCode, truncate(string(data), 200))
	}

	if len(data) == 0 {
		return map[string]any{}, 0, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, 0, apperr.Wrap(apperr.KindMarketplace, "decode marketplace response", err)
	}
	return result, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// refreshTokenExchange posts an OAuth refresh-token grant and returns the
// access token. basicAuth, when set, is sent as an HTTP Basic credential.
func refreshTokenExchange(ctx context.Context, httpClient *http.Client, tokenURL string, form url.Values, basicAuth string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth != "" {
		req.Header.Set("Authorization", "Basic "+basicAuth)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, "token exchange failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, "read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.KindAuthentication,
			fmt.Sprintf("token exchange returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, "decode token response", err)
	}
	if tokenResp.AccessToken == "" {
		return "", apperr.New(apperr.KindAuthentication, "token response missing access_token")
	}
	return tokenResp.AccessToken, nil
}
