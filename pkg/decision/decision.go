// Package decision implements the HTTP client for the remote policy and
// outcome service. The service recommends which path to dispatch for a named
// goal and accumulates reported outcomes to improve future recommendations.
package decision

import (
	"strconv"
	"time"
)

const (
	// DefaultBaseURL is the default decision-service endpoint.
	DefaultBaseURL = "https://api.goalmux.dev"

	// DefaultTimeout bounds every outbound call to the service.
	DefaultTimeout = 10 * time.Second

	// DefaultInsightsTTL is how long insights query results are cached.
	DefaultInsightsTTL = 60 * time.Second

	// DefaultWindowHours is the default aggregation window for insights.
	DefaultWindowHours = 24
)

// FailureCategories is the closed set of categories accepted by outcome
// reporting. Anything else is rejected client-side before any network call.
var FailureCategories = []string{
	"timeout",
	"context_exceeded",
	"tool_error",
	"rate_limited",
	"validation_failed",
	"hallucination_detected",
	"user_unsatisfied",
	"empty_response",
	"malformed_output",
	"auth_error",
	"provider_error",
	"unknown",
}

var failureCategorySet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(FailureCategories))
	for _, c := range FailureCategories {
		set[c] = struct{}{}
	}
	return set
}()

// ValidFailureCategory reports whether category is in the accepted set.
// The empty string is valid: it means "no category".
func ValidFailureCategory(category string) bool {
	if category == "" {
		return true
	}
	_, ok := failureCategorySet[category]
	return ok
}

// Decision is the service's recommendation for one completion call.
type Decision struct {
	ModelID     string         `json:"model_id"`
	ToolID      string         `json:"tool_id,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	TraceID     string         `json:"trace_id"`
	PathID      string         `json:"path_id,omitempty"`
	Confidence  float64        `json:"confidence"`
	Reason      string         `json:"reason,omitempty"`
	Exploration bool           `json:"exploration"`
}

// DecideRequest is the body of a policy query.
type DecideRequest struct {
	Goal        string         `json:"goal"`
	TaskType    string         `json:"task_type,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
	WindowHours int            `json:"window_hours,omitempty"`
}

// OutcomeReport describes the result of one dispatch attempt.
type OutcomeReport struct {
	TraceID         string         `json:"trace_id"`
	Goal            string         `json:"goal"`
	Success         bool           `json:"success"`
	Score           *float64       `json:"score,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	FailureCategory string         `json:"failure_category,omitempty"`
	ModelID         string         `json:"model_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// OutcomeAck is the service's acknowledgement of a reported outcome.
type OutcomeAck struct {
	Status  string `json:"status"`
	TraceID string `json:"trace_id"`
}

// OutcomeUpdateAck acknowledges a revision of a previously reported outcome
// and names the fields that actually changed.
type OutcomeUpdateAck struct {
	Status        string   `json:"status"`
	TraceID       string   `json:"trace_id"`
	FieldsUpdated []string `json:"fields_updated"`
}

// PathStats aggregates outcomes for one path within an insights window.
type PathStats struct {
	ModelID     string  `json:"model_id"`
	ToolID      string  `json:"tool_id,omitempty"`
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
	AvgScore    float64 `json:"avg_score"`
	AvgCostUSD  float64 `json:"avg_cost_usd"`
}

// InsightsReport is the read-only aggregate view over reported outcomes.
type InsightsReport struct {
	Goal        string      `json:"goal,omitempty"`
	WindowHours int         `json:"window_hours"`
	Total       int         `json:"total_outcomes"`
	SuccessRate float64     `json:"success_rate"`
	Paths       []PathStats `json:"paths,omitempty"`
}

func insightsCacheKey(goal string, windowHours int) string {
	return goal + "|" + strconv.Itoa(windowHours)
}
