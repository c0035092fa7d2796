// Package goalmux routes chat-completion requests across LLM providers and
// learns, through a remote decision service, which provider and parameter
// combination best achieves a named goal.
//
// A Router is created per goal with an ordered list of paths (model, tool,
// params). Each Completion call asks the decision service which path to try
// first, falls back through the remaining paths on provider failure, and
// reports an outcome per attempt so the service can learn. All attempts in
// one call share a single trace id so decisions, spans, and outcomes
// correlate end to end.
//
// Basic usage:
//
//	router, err := goalmux.New("book_meeting",
//	    goalmux.WithPaths("gpt-4o", "claude-3-5-sonnet"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := router.Completion(ctx, []goalmux.ChatMessage{
//	    goalmux.Text("user", "Find a slot with the sales team next week."),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// later, once the real-world result is known:
//	router.Report(ctx, true, goalmux.WithScore(0.9))
//
// A Router instance is not safe for concurrent Completion calls; use one
// Router per concurrent logical request. The shared decision client,
// instrumentation handles, and telemetry batcher are concurrency safe.
package goalmux

import (
	"github.com/blueberrycongee/goalmux/pkg/decision"
	"github.com/blueberrycongee/goalmux/pkg/errors"
	"github.com/blueberrycongee/goalmux/pkg/types"
)

// Version is the current version of the SDK.
const Version = "1.0.0"

// Re-export core request/response types for convenience.
type (
	// ChatRequest is the unified chat completion request.
	ChatRequest = types.ChatRequest

	// ChatResponse is the unified chat completion response.
	ChatResponse = types.ChatResponse

	// ChatMessage is a single message in the conversation.
	ChatMessage = types.ChatMessage

	// Tool represents a function the model can call.
	Tool = types.Tool

	// ToolCall is a function call made by the model.
	ToolCall = types.ToolCall

	// Usage contains token usage statistics.
	Usage = types.Usage

	// Choice is a single completion choice.
	Choice = types.Choice
)

// Text builds a plain-text chat message.
var Text = types.Text

// Re-export decision types.
type (
	// Decision is the decision service's per-call recommendation.
	Decision = decision.Decision

	// OutcomeReport describes the result of one dispatch attempt.
	OutcomeReport = decision.OutcomeReport

	// InsightsReport is the aggregate view of reported outcomes.
	InsightsReport = decision.InsightsReport
)

// FailureCategories is the closed set of categories accepted when reporting
// a failed outcome.
var FailureCategories = decision.FailureCategories

// Re-export error types.
type (
	// LLMError is a standardized error from an LLM provider.
	LLMError = errors.LLMError

	// ValidationError is a local input validation failure.
	ValidationError = errors.ValidationError
)
