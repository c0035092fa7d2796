package decision

import (
	"log/slog"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Option configures the decision client.
type Option func(*Client)

// WithAPIKey sets the API key sent in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.apiKey = key
		}
	}
}

// WithTenantID sets the tenant identity sent in the X-Tenant-ID header.
func WithTenantID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.tenantID = id
		}
	}
}

// WithBaseURL sets the decision-service endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInsightsTTL sets how long insights query results are cached.
func WithInsightsTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.insights = gocache.New(ttl, 5*time.Minute)
		}
	}
}
