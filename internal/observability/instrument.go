package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/goalmux/pkg/errors"
	"github.com/blueberrycongee/goalmux/pkg/pricing"
	"github.com/blueberrycongee/goalmux/pkg/telemetry"
)

// Instrumentation spans provider calls for one vendor. Instances are
// process-wide and shared; obtain them through Instrument.
type Instrumentation struct {
	vendor string
	tracer trace.Tracer
}

var (
	instMu      sync.RWMutex
	instruments = make(map[string]*Instrumentation)
)

// Instrument returns the shared instrumentation handle for a vendor,
// creating it on first use. Construction is check-lock-check so concurrent
// first callers observe exactly one instance.
func Instrument(vendor string) *Instrumentation {
	instMu.RLock()
	in, ok := instruments[vendor]
	instMu.RUnlock()
	if ok {
		return in
	}

	instMu.Lock()
	defer instMu.Unlock()
	if in, ok := instruments[vendor]; ok {
		return in
	}
	in = &Instrumentation{
		vendor: vendor,
		tracer: otel.Tracer(TracerName),
	}
	instruments[vendor] = in
	return in
}

// ResetInstruments discards all shared instrumentation handles. It exists
// for test isolation.
func ResetInstruments() {
	instMu.Lock()
	defer instMu.Unlock()
	instruments = make(map[string]*Instrumentation)
}

// Call wraps one provider call in a client span, records gen_ai usage and
// cost attributes, and appends a hop to the ambient capsule when one is in
// the context. This is the explicit call-site decorator: the call itself is
// passed in as fn, nothing in the vendor SDK is patched.
func (in *Instrumentation) Call(ctx context.Context, model string, fn func(context.Context) (inputTokens, outputTokens int, finishReason string, err error)) error {
	ctx, span := StartLLMSpan(ctx, in.tracer, "chat "+model, LLMSpanAttributes{
		Provider: in.vendor,
		Model:    model,
	})
	defer span.End()

	start := time.Now()
	inputTokens, outputTokens, finishReason, err := fn(ctx)
	durationMS := float64(time.Since(start).Microseconds()) / 1000

	var cost float64
	if err != nil {
		RecordError(span, err)
		span.SetAttributes(attribute.String("error.type", errors.ErrorType(err)))
		span.SetStatus(codes.Error, err.Error())
	} else {
		cost = pricing.ComputeCost(in.vendor, model, inputTokens, outputTokens)
		RecordLLMResponse(span, inputTokens, outputTokens, finishReason)
		span.SetAttributes(attribute.Float64("gen_ai.usage.cost_usd", cost))
		span.SetStatus(codes.Ok, "")
	}

	if capsule := CapsuleFromContext(ctx); capsule != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		capsule.Append(telemetry.Hop{
			Provider:   in.vendor,
			Operation:  "chat " + model,
			Status:     status,
			CostUSD:    cost,
			DurationMS: durationMS,
		})
	}

	return err
}

type capsuleKey struct{}

// ContextWithCapsule installs a capsule as the ambient hop sink for
// instrumented calls below this context.
func ContextWithCapsule(ctx context.Context, c *telemetry.Capsule) context.Context {
	return context.WithValue(ctx, capsuleKey{}, c)
}

// CapsuleFromContext returns the ambient capsule, or nil.
func CapsuleFromContext(ctx context.Context) *telemetry.Capsule {
	c, _ := ctx.Value(capsuleKey{}).(*telemetry.Capsule)
	return c
}
