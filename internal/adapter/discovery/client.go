// Package discovery provides an HTTP client for the external agent registry
// and a static in-process registry for development and tests.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

// Default client settings.
const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 10
	defaultBurst             = 20

	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// Client implements domain.Discovery against the registry's HTTP API. All
// outbound calls share a connection pool and pass through a client-side
// rate limiter so the core never hammers the registry.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a registry client from config.
func NewClient(cfg config.DiscoveryConfig, logger *slog.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	maxIdle := cfg.Pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := cfg.Pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := cfg.Pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := cfg.Pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        maxIdle,
				MaxIdleConnsPerHost: maxIdlePerHost,
				MaxConnsPerHost:     maxConnsPerHost,
				IdleConnTimeout:     idleTimeout,
				ForceAttemptHTTP2:   true,
			},
			Timeout: timeout,
		},
	}
}

// LookupProduct implements domain.Discovery.
func (c *Client) LookupProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	if err := c.get(ctx, "/products/"+url.PathEscape(productID), &p); err != nil {
		return nil, domain.WrapOp("Discovery.LookupProduct", err)
	}
	return &p, nil
}

// LookupReputation implements domain.Discovery.
func (c *Client) LookupReputation(ctx context.Context, agentID string) (int, error) {
	var resp struct {
		Score int `json:"score"`
	}
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentID)+"/reputation", &resp); err != nil {
		return 0, domain.WrapOp("Discovery.LookupReputation", err)
	}
	return resp.Score, nil
}

// SearchSellers implements domain.Discovery.
func (c *Client) SearchSellers(ctx context.Context, category string) ([]domain.Agent, error) {
	var agents []domain.Agent
	path := "/sellers?category=" + url.QueryEscape(category)
	if err := c.get(ctx, path, &agents); err != nil {
		return nil, domain.WrapOp("Discovery.SearchSellers", err)
	}
	return agents, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	default:
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
}

var _ domain.Discovery = (*Client)(nil)
