package observability

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/blueberrycongee/goalmux/pkg/telemetry"
)

// IngestExporter mirrors ended spans to the telemetry ingest endpoint as
// events, so the backend sees every routing and provider-call span without a
// separate collector deployment. Export never fails: the batcher swallows
// send errors.
type IngestExporter struct {
	batcher     *telemetry.Batcher
	tenantID    string
	environment string
}

// NewIngestExporter creates an exporter feeding the given batcher.
func NewIngestExporter(batcher *telemetry.Batcher, tenantID, environment string) *IngestExporter {
	return &IngestExporter{
		batcher:     batcher,
		tenantID:    tenantID,
		environment: environment,
	}
}

// ExportSpans converts spans to events and enqueues them.
func (e *IngestExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.batcher.Enqueue(e.toEvent(span))
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The batcher is shared and shut
// down by its owner, not here.
func (e *IngestExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *IngestExporter) toEvent(span sdktrace.ReadOnlySpan) telemetry.Event {
	sc := span.SpanContext()

	ev := telemetry.NewEvent(sc.TraceID().String())
	ev.SpanID = sc.SpanID().String()
	if parent := span.Parent(); parent.HasSpanID() {
		ev.ParentSpanID = parent.SpanID().String()
	}
	ev.TenantID = e.tenantID
	ev.Environment = e.environment
	ev.Operation = span.Name()
	ev.StartedAt = span.StartTime()
	ev.EndedAt = span.EndTime()
	ev.DurationMS = float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000

	switch span.Status().Code {
	case codes.Error:
		ev.Status = "error"
	default:
		ev.Status = "ok"
	}

	for _, attr := range span.Attributes() {
		switch string(attr.Key) {
		case "gen_ai.system":
			ev.Provider = attr.Value.AsString()
		case "gen_ai.request.model":
			ev.ModelID = attr.Value.AsString()
		case "gen_ai.response.model":
			ev.ModelName = attr.Value.AsString()
		case "gen_ai.usage.input_tokens":
			ev.InputTokens = int(attr.Value.AsInt64())
		case "gen_ai.usage.output_tokens":
			ev.OutputTokens = int(attr.Value.AsInt64())
		case "gen_ai.usage.total_tokens":
			ev.TotalTokens = int(attr.Value.AsInt64())
		case "gen_ai.usage.cost_usd":
			ev.CostUSD = attr.Value.AsFloat64()
		case "goal":
			ev.Goal = attr.Value.AsString()
		case "error.type":
			ev.ErrorType = attr.Value.AsString()
		}
	}
	if ev.TotalTokens == 0 {
		ev.TotalTokens = ev.InputTokens + ev.OutputTokens
	}

	return ev
}
