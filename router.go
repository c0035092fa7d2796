package goalmux

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/goalmux/internal/config"
	"github.com/blueberrycongee/goalmux/internal/observability"
	"github.com/blueberrycongee/goalmux/pkg/decision"
	"github.com/blueberrycongee/goalmux/pkg/errors"
	"github.com/blueberrycongee/goalmux/pkg/pricing"
	"github.com/blueberrycongee/goalmux/pkg/provider"
	"github.com/blueberrycongee/goalmux/pkg/telemetry"
	"github.com/blueberrycongee/goalmux/pkg/types"
	"github.com/blueberrycongee/goalmux/providers"
)

// DefaultModel is the path used when a Router is created with no paths.
const DefaultModel = "gpt-4o"

// DefaultRequestTimeout bounds each provider call.
const DefaultRequestTimeout = 60 * time.Second

// Path is one (model, tool, params) combination the Router may dispatch to.
type Path struct {
	Model  string
	Tool   string
	Params map[string]any
}

// Router routes completion requests for one goal across declared paths,
// consulting the decision service and reporting outcomes.
//
// A Router is not safe for concurrent Completion calls: its per-call state
// (last trace id, last model, reported flag) is unsynchronized. Use one
// Router per concurrent logical request, or serialize calls.
type Router struct {
	goal        string
	paths       []Path
	decider     *decision.Client
	httpClient  *http.Client
	logger      *slog.Logger
	batcher     *telemetry.Batcher
	tracing     *observability.TracerProvider
	tracer      trace.Tracer
	successWhen func(*ChatResponse) bool
	adapters    map[string]provider.Adapter
	tenantID    string
	environment string
	capsuleCap  int

	// Per-call state, reset at the start of every Completion.
	lastDecision *decision.Decision
	lastTraceID  string
	lastModelID  string
	reported     bool
}

// New creates a Router for a goal. Missing credentials fail here, not at
// first use.
func New(goal string, opts ...Option) (*Router, error) {
	if goal == "" {
		return nil, fmt.Errorf("goalmux: goal is required")
	}

	rc := &routerConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	var cfg *config.Config
	var err error
	if rc.configFile != "" {
		cfg, err = config.LoadFromFile(rc.configFile)
		if err != nil {
			return nil, fmt.Errorf("goalmux: %w", err)
		}
	} else {
		cfg = config.FromEnv()
	}
	if rc.apiKey != "" {
		cfg.APIKey = rc.apiKey
	}
	if rc.tenantID != "" {
		cfg.TenantID = rc.tenantID
	}
	if rc.decisionURL != "" {
		cfg.DecisionURL = rc.decisionURL
	}
	if rc.ingestURL != "" {
		cfg.IngestURL = rc.ingestURL
	}
	if rc.environment != "" {
		cfg.Environment = rc.environment
	}

	r := &Router{
		goal:        goal,
		paths:       rc.paths,
		decider:     rc.decider,
		httpClient:  rc.httpClient,
		logger:      rc.logger,
		batcher:     rc.batcher,
		successWhen: rc.successWhen,
		adapters:    rc.adapters,
		tenantID:    cfg.TenantID,
		environment: cfg.Environment,
		capsuleCap:  rc.capsuleCapacity,
	}

	if r.decider == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("goalmux: %w", err)
		}
		r.decider, err = decision.New(
			decision.WithAPIKey(cfg.APIKey),
			decision.WithTenantID(cfg.TenantID),
			decision.WithBaseURL(cfg.DecisionURL),
		)
		if err != nil {
			return nil, fmt.Errorf("goalmux: %w", err)
		}
	}

	if len(r.paths) == 0 {
		r.paths = []Path{{Model: DefaultModel}}
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: DefaultRequestTimeout,
		}
	}
	if r.logger == nil {
		r.logger = observability.NewLogger(observability.LoggerConfig{JSONFormat: true})
	}
	if r.adapters == nil {
		r.adapters = make(map[string]provider.Adapter)
	}
	if r.batcher == nil && !rc.telemetryOff && cfg.IngestURL != "" {
		r.batcher = telemetry.Shared(cfg.IngestURL, cfg.APIKey, telemetry.WithTenant(cfg.TenantID))
	}

	r.tracing, err = observability.InitTracing(context.Background(), observability.TracingConfig{
		Enabled:       cfg.Tracing.Enabled,
		Endpoint:      cfg.Tracing.Endpoint,
		ServiceName:   cfg.ServiceName,
		SampleRate:    cfg.Tracing.SampleRate,
		Insecure:      cfg.Tracing.Insecure,
		IngestBatcher: r.batcher,
		TenantID:      cfg.TenantID,
		Environment:   cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("goalmux: init tracing: %w", err)
	}
	r.tracer = r.tracing.Tracer()

	return r, nil
}

// Shutdown flushes and stops the tracing pipeline. Shared telemetry batchers
// are process-wide and stay running; use telemetry.ShutdownShared to drain
// them at process exit.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.tracing.Shutdown(ctx)
}

// Goal returns the goal this Router optimizes for.
func (r *Router) Goal() string { return r.goal }

// Paths returns the declared paths in fallback order.
func (r *Router) Paths() []Path {
	out := make([]Path, len(r.paths))
	copy(out, r.paths)
	return out
}

// AddPath appends a path to the declared list.
func (r *Router) AddPath(model, tool string, params map[string]any) {
	r.paths = append(r.paths, Path{Model: model, Tool: tool, Params: params})
}

// LastModelID returns the model that served the most recent Completion.
func (r *Router) LastModelID() string { return r.lastModelID }

// LastTraceID returns the trace id of the most recent Completion.
func (r *Router) LastTraceID() string { return r.lastTraceID }

// LastDecision returns the decision behind the most recent Completion, or
// nil when the call was forced or fell back.
func (r *Router) LastDecision() *decision.Decision { return r.lastDecision }

// Completion routes one chat completion across the declared paths.
//
// The decided (or forced) path is tried first, then the remaining declared
// paths in order, with duplicate model ids skipped. Each failed attempt is
// reported as a failure outcome; the caller only sees an error when every
// path has failed, and that error is the last path's own.
func (r *Router) Completion(ctx context.Context, messages []ChatMessage, opts ...CallOption) (*ChatResponse, error) {
	cc := callConfig{}
	for _, opt := range opts {
		opt(&cc)
	}

	r.lastDecision = nil
	r.lastTraceID = ""
	r.lastModelID = ""
	r.reported = false

	decided, mode := r.decide(ctx, cc.forceModel)

	decisionTrace := ""
	if r.lastDecision != nil {
		decisionTrace = r.lastDecision.TraceID
	}
	ctx, traceID := observability.ContextWithDecisionTrace(ctx, decisionTrace)
	r.lastTraceID = traceID

	capsule := telemetry.NewCapsule(traceID, r.capsuleCap)
	ctx = observability.ContextWithCapsule(ctx, capsule)

	ctx, span := r.tracer.Start(ctx, "route "+r.goal,
		trace.WithAttributes(
			attribute.String("goal", r.goal),
			attribute.String("routing.mode", mode),
			attribute.String("gen_ai.request.model", decided.Model),
		))
	defer span.End()

	if d := r.lastDecision; d != nil {
		span.SetAttributes(
			attribute.String("routing.reason", d.Reason),
			attribute.Float64("routing.confidence", d.Confidence),
			attribute.Bool("routing.exploration", d.Exploration),
		)
	}

	dispatch := buildDispatch(decided, r.paths)

	var lastErr error
	for _, path := range dispatch {
		resp, err := r.attempt(ctx, path, messages, cc.params)
		if err != nil {
			lastErr = err
			r.reportAttemptFailure(ctx, path, err)
			r.logger.Warn("path failed, trying next",
				"goal", r.goal,
				"model", path.Model,
				"error", err)
			continue
		}

		r.lastModelID = path.Model
		resp.TraceID = traceID

		if r.successWhen != nil {
			r.autoReport(ctx, r.successWhen(resp), path.Model)
		}

		span.SetAttributes(attribute.String("gen_ai.response.model", path.Model))
		span.SetStatus(codes.Ok, "")
		return resp, nil
	}

	observability.RecordError(span, lastErr)
	span.SetStatus(codes.Error, "all paths failed")
	return nil, lastErr
}

// decide resolves the path to try first and the routing mode. A decision
// failure is never surfaced: the Router falls back to the first declared
// path and flags the call as a fallback.
func (r *Router) decide(ctx context.Context, forceModel string) (Path, string) {
	if forceModel != "" {
		return Path{Model: forceModel}, "forced"
	}

	d, err := r.decider.Decide(ctx, decision.DecideRequest{Goal: r.goal})
	if err != nil {
		r.logger.Warn("decision service unavailable, falling back to first path",
			"goal", r.goal,
			"error", err)
		return r.paths[0], "fallback"
	}

	r.lastDecision = d
	return Path{Model: d.ModelID, Tool: d.ToolID, Params: d.Params}, "decision"
}

// buildDispatch orders the paths for one call: the decided path first, then
// the declared paths in declaration order, with duplicate model ids skipped
// (first occurrence wins).
func buildDispatch(first Path, declared []Path) []Path {
	dispatch := make([]Path, 0, len(declared)+1)
	seen := make(map[string]bool, len(declared)+1)

	dispatch = append(dispatch, first)
	seen[first.Model] = true

	for _, p := range declared {
		if seen[p.Model] {
			continue
		}
		seen[p.Model] = true
		dispatch = append(dispatch, p)
	}
	return dispatch
}

// attempt dispatches one path: build the request with the path's params
// under the caller's overrides, call the vendor adapter, normalize.
func (r *Router) attempt(ctx context.Context, path Path, messages []ChatMessage, callerParams map[string]any) (*ChatResponse, error) {
	req := &types.ChatRequest{
		Model:    path.Model,
		Messages: messages,
	}
	if len(path.Params) > 0 {
		if err := req.ApplyParams(path.Params); err != nil {
			return nil, errors.NewValidationError("params", err.Error())
		}
	}
	if len(callerParams) > 0 {
		if err := req.ApplyParams(callerParams); err != nil {
			return nil, errors.NewValidationError("params", err.Error())
		}
	}

	vendor := providers.VendorForModel(path.Model)
	adapter, err := r.adapterFor(vendor)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *types.ChatResponse
	callErr := observability.Instrument(vendor).Call(ctx, path.Model, func(ctx context.Context) (int, int, string, error) {
		parsed, err := r.execute(ctx, adapter, req)
		if err != nil {
			return 0, 0, "", err
		}
		resp = parsed

		var in, out int
		if parsed.Usage != nil {
			in, out = parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens
		}
		finish := ""
		if len(parsed.Choices) > 0 {
			finish = parsed.Choices[0].FinishReason
		}
		return in, out, finish, nil
	})

	r.emitAttemptEvent(vendor, path.Model, resp, callErr, time.Since(start))

	if callErr != nil {
		return nil, callErr
	}
	return resp, nil
}

// execute performs the raw HTTP round trip for one adapter call.
func (r *Router) execute(ctx context.Context, adapter provider.Adapter, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpReq, err := adapter.BuildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil || isTimeout(err) {
			return nil, errors.NewTimeoutError(adapter.Name(), req.Model, err.Error())
		}
		return nil, errors.NewServiceUnavailableError(adapter.Name(), req.Model, err.Error())
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, adapter.MapError(httpResp.StatusCode, body)
	}

	return adapter.ParseResponse(httpResp)
}

func (r *Router) emitAttemptEvent(vendor, model string, resp *ChatResponse, callErr error, elapsed time.Duration) {
	if r.batcher == nil {
		return
	}

	ev := telemetry.NewEvent(r.lastTraceID)
	ev.TenantID = r.tenantID
	ev.Environment = r.environment
	ev.Goal = r.goal
	ev.Provider = vendor
	ev.ModelID = model
	ev.Operation = "completion_attempt"
	ev.DurationMS = float64(elapsed.Microseconds()) / 1000
	ev.EndedAt = time.Now()
	ev.StartedAt = ev.EndedAt.Add(-elapsed)

	if callErr != nil {
		ev.Status = "error"
		ev.ErrorType = errors.ErrorType(callErr)
	} else {
		ev.Status = "ok"
		if resp != nil && resp.Usage != nil {
			ev.InputTokens = resp.Usage.PromptTokens
			ev.OutputTokens = resp.Usage.CompletionTokens
			ev.TotalTokens = resp.Usage.TotalTokens
			ev.CostUSD = pricing.ComputeCost(vendor, model, ev.InputTokens, ev.OutputTokens)
		}
		if resp != nil {
			ev.ModelName = resp.Model
		}
	}

	r.batcher.Enqueue(ev)
}

// reportAttemptFailure records a failure outcome for one attempt, then
// clears the reported flag so the next attempt in the same cycle can report
// independently.
func (r *Router) reportAttemptFailure(ctx context.Context, path Path, attemptErr error) {
	report := decision.OutcomeReport{
		TraceID:         r.lastTraceID,
		Goal:            r.goal,
		Success:         false,
		FailureReason:   attemptErr.Error(),
		FailureCategory: errors.FailureCategory(attemptErr),
		ModelID:         path.Model,
	}

	r.reported = true
	if _, err := r.decider.ReportOutcome(ctx, report); err != nil {
		r.logger.Warn("failure outcome report failed",
			"trace_id", r.lastTraceID,
			"model", path.Model,
			"error", err)
	}
	r.reported = false
}

// autoReport records the success predicate's verdict for a completed call.
// A failed send leaves the cycle unreported so an explicit Report can still
// record the outcome.
func (r *Router) autoReport(ctx context.Context, success bool, modelID string) {
	report := decision.OutcomeReport{
		TraceID: r.lastTraceID,
		Goal:    r.goal,
		Success: success,
		ModelID: modelID,
	}

	if _, err := r.decider.ReportOutcome(ctx, report); err != nil {
		r.logger.Warn("auto outcome report failed",
			"trace_id", r.lastTraceID,
			"error", err)
		return
	}
	r.reported = true
}

// Report records the outcome of the most recent Completion. At most one
// outcome is accepted per dispatch cycle: a second plain report warns and
// does nothing. Use Update to revise an already-reported outcome.
func (r *Router) Report(ctx context.Context, success bool, opts ...ReportOption) (*decision.OutcomeAck, error) {
	if r.lastTraceID == "" {
		return nil, fmt.Errorf("goalmux: no completion to report an outcome for")
	}
	if r.reported {
		r.logger.Warn("outcome already reported for this dispatch cycle, ignoring",
			"trace_id", r.lastTraceID,
			"goal", r.goal)
		return nil, nil
	}

	report := decision.OutcomeReport{
		TraceID: r.lastTraceID,
		Goal:    r.goal,
		Success: success,
		ModelID: r.lastModelID,
	}
	for _, opt := range opts {
		opt(&report)
	}

	ack, err := r.decider.ReportOutcome(ctx, report)
	if err != nil {
		// Validation and network failures alike leave the cycle
		// unreported so the caller may retry.
		return nil, err
	}

	r.reported = true
	return ack, nil
}

// Update revises a previously reported outcome for the most recent
// Completion, for example when a result that looked successful is later
// contested. Unlike Report it is always allowed.
func (r *Router) Update(ctx context.Context, success bool, opts ...ReportOption) (*decision.OutcomeUpdateAck, error) {
	if r.lastTraceID == "" {
		return nil, fmt.Errorf("goalmux: no completion to update an outcome for")
	}

	report := decision.OutcomeReport{
		TraceID: r.lastTraceID,
		Goal:    r.goal,
		Success: success,
		ModelID: r.lastModelID,
	}
	for _, opt := range opts {
		opt(&report)
	}

	return r.decider.UpdateOutcome(ctx, report)
}

// Insights fetches aggregate outcome statistics for this Router's goal.
func (r *Router) Insights(ctx context.Context, windowHours int) (*decision.InsightsReport, error) {
	return r.decider.Insights(ctx, r.goal, windowHours)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}

// adapterFor returns the adapter serving a vendor, creating the built-in one
// on first use.
func (r *Router) adapterFor(vendor string) (provider.Adapter, error) {
	if a, ok := r.adapters[vendor]; ok {
		return a, nil
	}
	a, err := providers.Create(vendor, provider.Config{})
	if err != nil {
		return nil, err
	}
	r.adapters[vendor] = a
	return a, nil
}
