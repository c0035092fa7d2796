package goalmux

import (
	"log/slog"
	"net/http"

	"github.com/blueberrycongee/goalmux/pkg/decision"
	"github.com/blueberrycongee/goalmux/pkg/provider"
	"github.com/blueberrycongee/goalmux/pkg/telemetry"
)

// Option configures a Router at construction.
type Option func(*routerConfig)

type routerConfig struct {
	paths           []Path
	apiKey          string
	tenantID        string
	decisionURL     string
	ingestURL       string
	environment     string
	configFile      string
	successWhen     func(*ChatResponse) bool
	decider         *decision.Client
	httpClient      *http.Client
	logger          *slog.Logger
	batcher         *telemetry.Batcher
	adapters        map[string]provider.Adapter
	capsuleCapacity int
	telemetryOff    bool
}

// WithPaths declares the paths to route across, as bare model names, in
// fallback order.
func WithPaths(models ...string) Option {
	return func(c *routerConfig) {
		for _, m := range models {
			c.paths = append(c.paths, Path{Model: m})
		}
	}
}

// WithPathSpecs declares structured paths with tool and parameter bindings.
func WithPathSpecs(paths ...Path) Option {
	return func(c *routerConfig) {
		c.paths = append(c.paths, paths...)
	}
}

// WithSuccessWhen sets a predicate evaluated on every successful response.
// When set, the router auto-reports an outcome per Completion call using the
// predicate's verdict.
func WithSuccessWhen(fn func(*ChatResponse) bool) Option {
	return func(c *routerConfig) { c.successWhen = fn }
}

// WithAPIKey overrides the GOALMUX_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *routerConfig) { c.apiKey = key }
}

// WithTenantID overrides the GOALMUX_TENANT_ID environment variable.
func WithTenantID(id string) Option {
	return func(c *routerConfig) { c.tenantID = id }
}

// WithDecisionURL overrides the decision-service endpoint.
func WithDecisionURL(url string) Option {
	return func(c *routerConfig) { c.decisionURL = url }
}

// WithIngestURL overrides the telemetry ingest endpoint.
func WithIngestURL(url string) Option {
	return func(c *routerConfig) { c.ingestURL = url }
}

// WithEnvironment tags telemetry with a deployment environment name.
func WithEnvironment(env string) Option {
	return func(c *routerConfig) { c.environment = env }
}

// WithConfigFile loads a YAML configuration file before applying the
// environment.
func WithConfigFile(path string) Option {
	return func(c *routerConfig) { c.configFile = path }
}

// WithDecisionClient sets a pre-built decision client. The Router then skips
// building one from configuration.
func WithDecisionClient(dc *decision.Client) Option {
	return func(c *routerConfig) { c.decider = dc }
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *routerConfig) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) { c.logger = logger }
}

// WithBatcher sets the telemetry batcher. Without it the Router uses the
// shared batcher for the configured ingest endpoint.
func WithBatcher(b *telemetry.Batcher) Option {
	return func(c *routerConfig) { c.batcher = b }
}

// WithoutTelemetry disables event export for this Router.
func WithoutTelemetry() Option {
	return func(c *routerConfig) { c.telemetryOff = true }
}

// WithAdapter binds a vendor name to a specific adapter instance, replacing
// the built-in one. Useful for custom endpoints and for tests.
func WithAdapter(vendor string, a provider.Adapter) Option {
	return func(c *routerConfig) {
		if c.adapters == nil {
			c.adapters = make(map[string]provider.Adapter)
		}
		c.adapters[vendor] = a
	}
}

// WithCapsuleCapacity sets how many hops each per-call capsule retains.
func WithCapsuleCapacity(n int) Option {
	return func(c *routerConfig) { c.capsuleCapacity = n }
}

// CallOption configures a single Completion call.
type CallOption func(*callConfig)

type callConfig struct {
	forceModel string
	params     map[string]any
}

// WithModel forces a specific model for this call, skipping the decision
// service entirely.
func WithModel(model string) CallOption {
	return func(c *callConfig) { c.forceModel = model }
}

// WithParams supplies request parameters for this call. They win over the
// dispatched path's own parameter bindings on key conflict.
func WithParams(params map[string]any) CallOption {
	return func(c *callConfig) {
		if c.params == nil {
			c.params = make(map[string]any, len(params))
		}
		for k, v := range params {
			c.params[k] = v
		}
	}
}

// ReportOption adds detail to a reported outcome.
type ReportOption func(*decision.OutcomeReport)

// WithScore attaches a quality score in [0,1].
func WithScore(score float64) ReportOption {
	return func(r *decision.OutcomeReport) { r.Score = &score }
}

// WithFailureReason attaches a human-readable failure description.
func WithFailureReason(reason string) ReportOption {
	return func(r *decision.OutcomeReport) { r.FailureReason = reason }
}

// WithFailureCategory attaches a failure category from the closed set.
func WithFailureCategory(category string) ReportOption {
	return func(r *decision.OutcomeReport) { r.FailureCategory = category }
}

// WithMetadata attaches arbitrary metadata to the outcome.
func WithMetadata(meta map[string]any) ReportOption {
	return func(r *decision.OutcomeReport) { r.Metadata = meta }
}
