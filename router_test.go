package goalmux

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/blueberrycongee/goalmux/pkg/decision"
	"github.com/blueberrycongee/goalmux/pkg/errors"
	"github.com/blueberrycongee/goalmux/pkg/provider"
	"github.com/blueberrycongee/goalmux/pkg/types"
)

const testTraceID = "0af7651916cd43dd8448eb211c80319c"

// decisionServer fakes the policy/outcome service and records every outcome
// report it receives.
type decisionServer struct {
	srv *httptest.Server

	mu              sync.Mutex
	policyCalls     int
	decideWith      decision.Decision
	decideFail      bool
	failNextReports int
	reports         []decision.OutcomeReport
	updates         []decision.OutcomeReport
}

func newDecisionServer(t *testing.T) *decisionServer {
	t.Helper()

	ds := &decisionServer{
		decideWith: decision.Decision{
			ModelID:    "gpt-4o",
			TraceID:    testTraceID,
			Confidence: 0.9,
			Reason:     "best success rate",
		},
	}

	ds.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ds.mu.Lock()
		defer ds.mu.Unlock()

		switch r.URL.Path {
		case "/policy":
			ds.policyCalls++
			if ds.decideFail {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(ds.decideWith)
		case "/report-outcome":
			if ds.failNextReports > 0 {
				ds.failNextReports--
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			var report decision.OutcomeReport
			json.NewDecoder(r.Body).Decode(&report)
			ds.reports = append(ds.reports, report)
			json.NewEncoder(w).Encode(decision.OutcomeAck{Status: "recorded", TraceID: report.TraceID})
		case "/update-outcome":
			var report decision.OutcomeReport
			json.NewDecoder(r.Body).Decode(&report)
			ds.updates = append(ds.updates, report)
			json.NewEncoder(w).Encode(decision.OutcomeUpdateAck{
				Status:        "updated",
				TraceID:       report.TraceID,
				FieldsUpdated: []string{"success"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *decisionServer) client(t *testing.T) *decision.Client {
	t.Helper()
	c, err := decision.New(
		decision.WithAPIKey("test-key"),
		decision.WithTenantID("tenant-1"),
		decision.WithBaseURL(ds.srv.URL),
	)
	require.NoError(t, err)
	return c
}

func (ds *decisionServer) recordedReports() []decision.OutcomeReport {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]decision.OutcomeReport, len(ds.reports))
	copy(out, ds.reports)
	return out
}

func (ds *decisionServer) policyCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.policyCalls
}

// stubAdapter fakes a vendor adapter. When failWith is set, BuildRequest
// fails before any network activity; otherwise requests go to a local server
// returning canned JSON.
type stubAdapter struct {
	vendor   string
	failWith error
	url      string
}

func newSucceedingAdapter(t *testing.T, vendor, model string) *stubAdapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ChatResponse{
			ID:    "chatcmpl-test",
			Model: model,
			Choices: []types.Choice{{
				Message:      types.Text("assistant", "done"),
				FinishReason: "stop",
			}},
			Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	t.Cleanup(srv.Close)
	return &stubAdapter{vendor: vendor, url: srv.URL}
}

func (s *stubAdapter) Name() string                { return s.vendor }
func (s *stubAdapter) SupportsModel(m string) bool { return true }

func (s *stubAdapter) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader("{}"))
}

func (s *stubAdapter) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *stubAdapter) MapError(statusCode int, body []byte) error {
	return errors.NewInternalError(s.vendor, "", string(body))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, ds *decisionServer, adapters map[string]provider.Adapter, opts ...Option) *Router {
	t.Helper()

	base := []Option{
		WithPaths("gpt-4o", "claude-3-sonnet"),
		WithDecisionClient(ds.client(t)),
		WithLogger(quietLogger()),
		WithoutTelemetry(),
	}
	for vendor, a := range adapters {
		base = append(base, WithAdapter(vendor, a))
	}

	r, err := New("book_meeting", append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func TestNew_RequiresGoal(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNew_MissingCredentialsFailFast(t *testing.T) {
	t.Setenv("GOALMUX_API_KEY", "")
	t.Setenv("GOALMUX_TENANT_ID", "")

	_, err := New("book_meeting", WithPaths("gpt-4o"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOALMUX_API_KEY")
}

func TestNew_DefaultsToSinglePath(t *testing.T) {
	ds := newDecisionServer(t)
	r, err := New("g", WithDecisionClient(ds.client(t)), WithoutTelemetry())
	require.NoError(t, err)
	require.Len(t, r.Paths(), 1)
	assert.Equal(t, DefaultModel, r.Paths()[0].Model)
}

func TestBuildDispatch_DedupsAndOrders(t *testing.T) {
	declared := []Path{{Model: "gpt-4o"}, {Model: "claude-3-sonnet"}, {Model: "gpt-4o"}}

	dispatch := buildDispatch(Path{Model: "gpt-4o"}, declared)
	require.Len(t, dispatch, 2)
	assert.Equal(t, "gpt-4o", dispatch[0].Model)
	assert.Equal(t, "claude-3-sonnet", dispatch[1].Model)

	dispatch = buildDispatch(Path{Model: "gemini-1.5-pro"}, declared)
	require.Len(t, dispatch, 3)
	assert.Equal(t, "gemini-1.5-pro", dispatch[0].Model)
}

func TestCompletion_DecidedPathSucceeds(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai":    newSucceedingAdapter(t, "openai", "gpt-4o"),
		"anthropic": newSucceedingAdapter(t, "anthropic", "claude-3-sonnet"),
	})

	resp, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", r.LastModelID())
	assert.Equal(t, testTraceID, resp.TraceID)
	assert.Equal(t, testTraceID, r.LastTraceID())
	assert.Equal(t, "done", resp.OutputText())
	assert.Equal(t, 1, ds.policyCount())
}

func TestCompletion_FailoverToSecondPath(t *testing.T) {
	ds := newDecisionServer(t)
	failing := &stubAdapter{
		vendor:   "openai",
		failWith: errors.NewServiceUnavailableError("openai", "gpt-4o", "upstream down"),
	}

	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai":    failing,
		"anthropic": newSucceedingAdapter(t, "anthropic", "claude-3-sonnet"),
	}, WithSuccessWhen(func(resp *ChatResponse) bool { return true }))

	resp, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)

	assert.Equal(t, "claude-3-sonnet", r.LastModelID())
	assert.Equal(t, testTraceID, resp.TraceID)

	reports := ds.recordedReports()
	require.Len(t, reports, 2)

	assert.False(t, reports[0].Success)
	assert.Equal(t, "gpt-4o", reports[0].ModelID)
	assert.Equal(t, "provider_error", reports[0].FailureCategory)
	assert.Equal(t, testTraceID, reports[0].TraceID)

	assert.True(t, reports[1].Success)
	assert.Equal(t, "claude-3-sonnet", reports[1].ModelID)
	assert.Equal(t, testTraceID, reports[1].TraceID)
}

func TestCompletion_DecideFailureFallsBackToFirstPath(t *testing.T) {
	ds := newDecisionServer(t)
	ds.decideFail = true

	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai":    newSucceedingAdapter(t, "openai", "gpt-4o"),
		"anthropic": newSucceedingAdapter(t, "anthropic", "claude-3-sonnet"),
	})

	resp, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", r.LastModelID())
	assert.Nil(t, r.LastDecision())
	// No decision trace id, so a fresh local one was generated.
	require.Len(t, resp.TraceID, 32)
	assert.NotEqual(t, testTraceID, resp.TraceID)
}

func TestCompletion_ExhaustionReturnsLastError(t *testing.T) {
	ds := newDecisionServer(t)
	openaiErr := errors.NewServiceUnavailableError("openai", "gpt-4o", "openai down")
	anthropicErr := errors.NewRateLimitError("anthropic", "claude-3-sonnet", "anthropic throttled")

	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai":    &stubAdapter{vendor: "openai", failWith: openaiErr},
		"anthropic": &stubAdapter{vendor: "anthropic", failWith: anthropicErr},
	})

	_, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.Error(t, err)
	assert.Equal(t, anthropicErr, err, "the last attempted path's error surfaces unchanged")

	reports := ds.recordedReports()
	require.Len(t, reports, 2)
	assert.Equal(t, "provider_error", reports[0].FailureCategory)
	assert.Equal(t, "rate_limited", reports[1].FailureCategory)
}

func TestCompletion_ForcedModelSkipsDecision(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"anthropic": newSucceedingAdapter(t, "anthropic", "claude-3-sonnet"),
	})

	_, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")},
		WithModel("claude-3-sonnet"))
	require.NoError(t, err)

	assert.Equal(t, 0, ds.policyCount())
	assert.Equal(t, "claude-3-sonnet", r.LastModelID())
}

func TestCompletion_FailedAutoReportLeavesCycleOpen(t *testing.T) {
	ds := newDecisionServer(t)
	ds.failNextReports = 1

	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai": newSucceedingAdapter(t, "openai", "gpt-4o"),
	}, WithSuccessWhen(func(*ChatResponse) bool { return true }))

	_, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)
	require.Empty(t, ds.recordedReports())

	// The auto-report never landed, so an explicit report still may.
	ack, err := r.Report(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Len(t, ds.recordedReports(), 1)
}

func TestReport_AtMostOncePerCycle(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai": newSucceedingAdapter(t, "openai", "gpt-4o"),
	})

	_, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)

	ack, err := r.Report(context.Background(), true, WithScore(0.9))
	require.NoError(t, err)
	require.NotNil(t, ack)

	// Second plain report is a warning no-op, never a double count.
	ack, err = r.Report(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, ack)

	require.Len(t, ds.recordedReports(), 1)
}

func TestReport_NewCycleResetsFlag(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai": newSucceedingAdapter(t, "openai", "gpt-4o"),
	})

	ctx := context.Background()
	_, err := r.Completion(ctx, []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)
	_, err = r.Report(ctx, true)
	require.NoError(t, err)

	_, err = r.Completion(ctx, []ChatMessage{Text("user", "again")})
	require.NoError(t, err)
	ack, err := r.Report(ctx, false, WithFailureCategory("user_unsatisfied"))
	require.NoError(t, err)
	require.NotNil(t, ack)

	require.Len(t, ds.recordedReports(), 2)
}

func TestReport_InvalidCategoryNoNetwork(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai": newSucceedingAdapter(t, "openai", "gpt-4o"),
	})

	_, err := r.Completion(context.Background(), []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)

	_, err = r.Report(context.Background(), false,
		WithFailureCategory("not_a_real_category"))
	require.Error(t, err)

	var valErr *errors.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, ds.recordedReports(), "invalid category must not reach the network")

	// The failed report leaves the cycle open for a corrected one.
	_, err = r.Report(context.Background(), false, WithFailureCategory("tool_error"))
	require.NoError(t, err)
	require.Len(t, ds.recordedReports(), 1)
}

func TestReport_WithoutCompletion(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, nil)

	_, err := r.Report(context.Background(), true)
	require.Error(t, err)
}

func TestUpdate_RevisesReportedOutcome(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, map[string]provider.Adapter{
		"openai": newSucceedingAdapter(t, "openai", "gpt-4o"),
	})

	ctx := context.Background()
	_, err := r.Completion(ctx, []ChatMessage{Text("user", "hi")})
	require.NoError(t, err)
	_, err = r.Report(ctx, true)
	require.NoError(t, err)

	ack, err := r.Update(ctx, false,
		WithFailureCategory("user_unsatisfied"),
		WithFailureReason("customer reopened the ticket"))
	require.NoError(t, err)
	assert.Equal(t, []string{"success"}, ack.FieldsUpdated)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	require.Len(t, ds.updates, 1)
	assert.Equal(t, "user_unsatisfied", ds.updates[0].FailureCategory)
}

func TestCompletion_CallerParamsWinOverPathParams(t *testing.T) {
	var gotTemp *float64
	capture := &paramCaptureAdapter{capture: func(req *types.ChatRequest) { gotTemp = req.Temperature }}

	ds := newDecisionServer(t)
	r, err := New("g",
		WithPathSpecs(Path{Model: "gpt-4o", Params: map[string]any{"temperature": 0.1, "max_tokens": 64}}),
		WithDecisionClient(ds.client(t)),
		WithAdapter("openai", capture),
		WithLogger(quietLogger()),
		WithoutTelemetry(),
	)
	require.NoError(t, err)

	// The capture adapter refuses every attempt, so the call itself fails.
	_, err = r.Completion(context.Background(), []ChatMessage{Text("user", "hi")},
		WithParams(map[string]any{"temperature": 0.7}))
	require.Error(t, err)

	require.NotNil(t, gotTemp)
	assert.InDelta(t, 0.7, *gotTemp, 0.0001)
}

func TestNew_TracingFromConfigFile(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	path := filepath.Join(t.TempDir(), "goalmux.yaml")
	cfgYAML := "tracing:\n" +
		"  enabled: true\n" +
		"  endpoint: \"127.0.0.1:4317\"\n" +
		"  sample_rate: 1.0\n" +
		"  insecure: true\n"
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o600))

	ds := newDecisionServer(t)
	r, err := New("book_meeting",
		WithConfigFile(path),
		WithDecisionClient(ds.client(t)),
		WithLogger(quietLogger()),
		WithoutTelemetry(),
	)
	require.NoError(t, err)

	// The enabled pipeline installs itself as the global provider and can be
	// flushed and torn down.
	assert.NotSame(t, prev, otel.GetTracerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, r.Shutdown(ctx))
}

func TestShutdown_TracingDisabled(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, nil)

	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestAddPath(t *testing.T) {
	ds := newDecisionServer(t)
	r := newTestRouter(t, ds, nil)

	r.AddPath("gemini-1.5-pro", "", map[string]any{"max_tokens": 256})
	paths := r.Paths()
	require.Len(t, paths, 3)
	assert.Equal(t, "gemini-1.5-pro", paths[2].Model)
}

// paramCaptureAdapter records the request it was asked to build, then
// behaves like a succeeding adapter with a fixed response.
type paramCaptureAdapter struct {
	capture func(*types.ChatRequest)
}

func (p *paramCaptureAdapter) Name() string               { return "openai" }
func (p *paramCaptureAdapter) SupportsModel(string) bool { return true }
func (p *paramCaptureAdapter) MapError(int, []byte) error { return nil }

func (p *paramCaptureAdapter) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	p.capture(req)
	return nil, errors.NewNotConfiguredError("openai", req.Model, "capture only")
}

func (p *paramCaptureAdapter) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	return nil, nil
}
