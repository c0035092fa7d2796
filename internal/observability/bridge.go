package observability

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ContextWithDecisionTrace bridges the decision service's trace id into the
// local tracing runtime. The decision id and locally generated span ids come
// from two independent id spaces; to make them agree, a synthetic remote
// non-recording parent span is installed in the context, carrying the
// decision's trace id. Every child span started from the returned context
// (the routing span and any instrumented provider spans below it) then
// inherits that trace id.
//
// When hexTraceID is absent, malformed, or the all-zero sentinel, a fresh
// random 128-bit id is generated locally so correlation is always possible.
// The returned string is the trace id actually in effect.
func ContextWithDecisionTrace(ctx context.Context, hexTraceID string) (context.Context, string) {
	traceID, ok := parseTraceID(hexTraceID)
	if !ok {
		traceID = randomTraceID()
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  randomSpanID(),
		Remote:  true,
	})

	return trace.ContextWithRemoteSpanContext(ctx, parent), traceID.String()
}

func parseTraceID(hexTraceID string) (trace.TraceID, bool) {
	if len(hexTraceID) != 32 {
		return trace.TraceID{}, false
	}
	raw, err := hex.DecodeString(hexTraceID)
	if err != nil {
		return trace.TraceID{}, false
	}

	var id trace.TraceID
	copy(id[:], raw)
	// All-zero means no tracer was actually configured upstream.
	if !id.IsValid() {
		return trace.TraceID{}, false
	}
	return id, true
}

func randomTraceID() trace.TraceID {
	return trace.TraceID(uuid.New())
}

func randomSpanID() trace.SpanID {
	u := uuid.New()
	var id trace.SpanID
	copy(id[:], u[:8])
	return id
}
