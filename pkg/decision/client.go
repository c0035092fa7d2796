package decision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/goalmux/pkg/errors"
)

// Environment variables consumed by FromEnv and Default.
const (
	EnvAPIKey   = "GOALMUX_API_KEY"
	EnvTenantID = "GOALMUX_TENANT_ID"
	EnvBaseURL  = "GOALMUX_DECISION_URL"
)

// Client talks to the decision/outcome service over HTTP.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	apiKey     string
	tenantID   string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	insights   *gocache.Cache
}

// New creates a decision client. API key and tenant id are required;
// construction fails fast with an actionable error when either is missing.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		return nil, fmt.Errorf("decision: missing API key (set %s or use WithAPIKey)", EnvAPIKey)
	}
	if c.tenantID == "" {
		return nil, fmt.Errorf("decision: missing tenant id (set %s or use WithTenantID)", EnvTenantID)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: DefaultTimeout,
		}
	}
	if c.insights == nil {
		c.insights = gocache.New(DefaultInsightsTTL, 5*time.Minute)
	}

	return c, nil
}

// FromEnv creates a client configured entirely from environment variables.
func FromEnv(opts ...Option) (*Client, error) {
	envOpts := []Option{
		WithAPIKey(os.Getenv(EnvAPIKey)),
		WithTenantID(os.Getenv(EnvTenantID)),
		WithBaseURL(os.Getenv(EnvBaseURL)),
	}
	return New(append(envOpts, opts...)...)
}

// TenantID returns the tenant identity this client authenticates as.
func (c *Client) TenantID() string {
	return c.tenantID
}

// WithTenant returns a dedicated client for a different tenant identity.
// The shared client is never mutated; the caller owns the returned client
// and should Close it when done.
func (c *Client) WithTenant(tenantID string) (*Client, error) {
	return New(
		WithAPIKey(c.apiKey),
		WithTenantID(tenantID),
		WithBaseURL(c.baseURL),
		WithLogger(c.logger),
	)
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Decide asks the service which path to dispatch for the goal.
func (c *Client) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	if req.WindowHours == 0 {
		req.WindowHours = DefaultWindowHours
	}

	var decision Decision
	if err := c.post(ctx, "/policy", req, &decision); err != nil {
		return nil, fmt.Errorf("decide %q: %w", req.Goal, err)
	}
	return &decision, nil
}

// ReportOutcome records the result of a dispatch attempt. The failure
// category is validated locally against the closed set; an invalid category
// fails immediately and performs no network call.
func (c *Client) ReportOutcome(ctx context.Context, report OutcomeReport) (*OutcomeAck, error) {
	if !ValidFailureCategory(report.FailureCategory) {
		return nil, errors.NewValidationError("failure_category",
			fmt.Sprintf("invalid failure category %q (valid: %s)",
				report.FailureCategory, strings.Join(FailureCategories, ", ")))
	}

	var ack OutcomeAck
	if err := c.post(ctx, "/report-outcome", report, &ack); err != nil {
		return nil, fmt.Errorf("report outcome %s: %w", report.TraceID, err)
	}
	return &ack, nil
}

// UpdateOutcome revises a previously reported outcome, for example when a
// result that looked successful is later contested. The ack names which
// fields changed.
func (c *Client) UpdateOutcome(ctx context.Context, report OutcomeReport) (*OutcomeUpdateAck, error) {
	if !ValidFailureCategory(report.FailureCategory) {
		return nil, errors.NewValidationError("failure_category",
			fmt.Sprintf("invalid failure category %q (valid: %s)",
				report.FailureCategory, strings.Join(FailureCategories, ", ")))
	}

	var ack OutcomeUpdateAck
	if err := c.post(ctx, "/update-outcome", report, &ack); err != nil {
		return nil, fmt.Errorf("update outcome %s: %w", report.TraceID, err)
	}
	return &ack, nil
}

// Insights fetches aggregate outcome statistics. An empty goal means all
// goals. Results are cached per (goal, window) for a short TTL.
func (c *Client) Insights(ctx context.Context, goal string, windowHours int) (*InsightsReport, error) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}

	key := insightsCacheKey(goal, windowHours)
	if cached, ok := c.insights.Get(key); ok {
		return cached.(*InsightsReport), nil
	}

	q := url.Values{}
	if goal != "" {
		q.Set("goal", goal)
	}
	q.Set("window_hours", strconv.Itoa(windowHours))

	var report InsightsReport
	if err := c.get(ctx, "/insights?"+q.Encode(), &report); err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}

	c.insights.SetDefault(key, &report)
	return &report, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	endpoint := strings.TrimSuffix(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Tenant-ID", c.tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(respBody, 200))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var (
	defaultClient *Client
	defaultErr    error
	defaultMu     sync.Mutex
	defaultSet    bool
)

// Default returns the process-wide shared client, building it from the
// environment on first use. Construction is synchronized so concurrent first
// callers all observe the same instance.
func Default() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if !defaultSet {
		defaultClient, defaultErr = FromEnv()
		defaultSet = true
	}
	return defaultClient, defaultErr
}

// ResetDefault discards the shared client so the next Default call rebuilds
// it. It exists for test isolation.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		defaultClient.Close()
	}
	defaultClient = nil
	defaultErr = nil
	defaultSet = false
}
