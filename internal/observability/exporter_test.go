package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/blueberrycongee/goalmux/pkg/telemetry"
)

func collectIngestedEvents(t *testing.T) (*httptest.Server, func() []telemetry.Event) {
	t.Helper()

	var mu sync.Mutex
	var events []telemetry.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []telemetry.Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		events = append(events, payload.Events...)
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	return srv, func() []telemetry.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]telemetry.Event, len(events))
		copy(out, events)
		return out
	}
}

func TestIngestExporter_SpanToEvent(t *testing.T) {
	srv, ingested := collectIngestedEvents(t)
	batcher := telemetry.NewBatcher(srv.URL, "key")

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(NewIngestExporter(batcher, "tenant-1", "staging")),
	)
	defer provider.Shutdown(context.Background())

	_, span := provider.Tracer(TracerName).Start(context.Background(), "chat gpt-4o")
	span.SetAttributes(
		attribute.String("gen_ai.system", "openai"),
		attribute.String("gen_ai.request.model", "gpt-4o"),
		attribute.String("gen_ai.response.model", "gpt-4o-2024-05-13"),
		attribute.Int("gen_ai.usage.input_tokens", 1000),
		attribute.Int("gen_ai.usage.output_tokens", 500),
		attribute.Float64("gen_ai.usage.cost_usd", 0.0075),
		attribute.String("goal", "book_meeting"),
	)
	span.SetStatus(codes.Ok, "")
	span.End()

	batcher.Shutdown()

	events := ingested()
	require.Len(t, events, 1)
	ev := events[0]

	assert.Equal(t, span.SpanContext().TraceID().String(), ev.TraceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), ev.SpanID)
	assert.Equal(t, "tenant-1", ev.TenantID)
	assert.Equal(t, "staging", ev.Environment)
	assert.Equal(t, "chat gpt-4o", ev.Operation)
	assert.Equal(t, "openai", ev.Provider)
	assert.Equal(t, "gpt-4o", ev.ModelID)
	assert.Equal(t, "gpt-4o-2024-05-13", ev.ModelName)
	assert.Equal(t, 1000, ev.InputTokens)
	assert.Equal(t, 500, ev.OutputTokens)
	assert.Equal(t, 1500, ev.TotalTokens)
	assert.Equal(t, 0.0075, ev.CostUSD)
	assert.Equal(t, "book_meeting", ev.Goal)
	assert.Equal(t, "ok", ev.Status)
	assert.False(t, ev.StartedAt.IsZero())
	assert.False(t, ev.EndedAt.IsZero())
}

func TestIngestExporter_ErrorSpan(t *testing.T) {
	srv, ingested := collectIngestedEvents(t)
	batcher := telemetry.NewBatcher(srv.URL, "key")

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(NewIngestExporter(batcher, "tenant-1", "staging")),
	)
	defer provider.Shutdown(context.Background())

	_, span := provider.Tracer(TracerName).Start(context.Background(), "chat claude-3-sonnet")
	span.SetAttributes(attribute.String("error.type", "rate_limit_error"))
	span.SetStatus(codes.Error, "rate limited")
	span.End()

	batcher.Shutdown()

	events := ingested()
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Status)
	assert.Equal(t, "rate_limit_error", events[0].ErrorType)
}

func TestIngestExporter_ParentSpanID(t *testing.T) {
	srv, ingested := collectIngestedEvents(t)
	batcher := telemetry.NewBatcher(srv.URL, "key")

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(NewIngestExporter(batcher, "tenant-1", "staging")),
	)
	defer provider.Shutdown(context.Background())

	ctx, parent := provider.Tracer(TracerName).Start(context.Background(), "route g")
	_, child := provider.Tracer(TracerName).Start(ctx, "chat gpt-4o")
	child.End()
	parent.End()

	batcher.Shutdown()

	events := ingested()
	require.Len(t, events, 2)
	assert.Equal(t, parent.SpanContext().SpanID().String(), events[0].ParentSpanID)
	assert.Empty(t, events[1].ParentSpanID)
}
