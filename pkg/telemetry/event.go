// Package telemetry provides the event schema, the shared batching exporter,
// and the bounded hop-aggregation capsule used by the router and the
// instrumentation layer.
package telemetry

import "time"

// SchemaVersion identifies the event wire format accepted by the ingest
// endpoint.
const SchemaVersion = "1.0"

// Event is one telemetry record: a routing decision, a provider call, or a
// framework hop. Events are batched and shipped to the ingest endpoint.
type Event struct {
	SchemaVersion string `json:"schema_version"`
	TraceID       string `json:"trace_id"`
	SpanID        string `json:"span_id,omitempty"`
	ParentSpanID  string `json:"parent_span_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	Goal          string `json:"goal,omitempty"`
	Environment   string `json:"environment,omitempty"`

	Provider  string `json:"provider,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	Operation string `json:"operation,omitempty"`

	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   float64 `json:"duration_ms,omitempty"`

	Status    string `json:"status,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// NewEvent returns an event stamped with the current schema version.
func NewEvent(traceID string) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		TraceID:       traceID,
	}
}
