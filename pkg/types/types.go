// Package types defines the canonical data structures for chat completion
// requests and responses. Every provider's native response is normalized
// into these shapes, which follow OpenAI's Chat Completion API format.
package types //nolint:revive // package name is intentional

import (
	"strings"

	"github.com/goccy/go-json"
)

// ChatMessage represents a single message in the conversation.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Text creates a ChatMessage with plain string content.
func Text(role, content string) ChatMessage {
	data, _ := json.Marshal(content)
	return ChatMessage{Role: role, Content: data}
}

// Tool represents a function that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall represents a function call made by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest represents the unified input format for all provider adapters.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`

	// Extra holds provider-specific parameters that are passed through
	// unchanged. Explicitly set fields always win over Extra.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// ApplyParams folds a parameter map into the request. Known parameters map
// onto their typed fields; everything else lands in Extra for passthrough.
// Later calls override earlier ones on key conflict.
func (r *ChatRequest) ApplyParams(params map[string]any) error {
	for key, value := range params {
		switch key {
		case "max_tokens":
			switch v := value.(type) {
			case int:
				r.MaxTokens = v
			case float64:
				r.MaxTokens = int(v)
			}
		case "temperature":
			if v, ok := toFloat(value); ok {
				r.Temperature = &v
			}
		case "top_p":
			if v, ok := toFloat(value); ok {
				r.TopP = &v
			}
		case "user":
			if v, ok := value.(string); ok {
				r.User = v
			}
		case "stop":
			switch v := value.(type) {
			case string:
				r.Stop = []string{v}
			case []string:
				r.Stop = v
			}
		default:
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if r.Extra == nil {
				r.Extra = make(map[string]json.RawMessage)
			}
			r.Extra[key] = raw
		}
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ChatResponse represents the canonical completion response.
// All provider responses are transformed into this unified format.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// TraceID is the correlation identifier for this completion, shared with
	// the routing decision and the reported outcome. Set by the router.
	TraceID string `json:"trace_id,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token usage statistics for the request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OutputText returns the text content of the top choice, or "" when the
// response carries no usable text. Handles both plain-string content and
// structured content parts.
func (r *ChatResponse) OutputText() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return extractMessageText(r.Choices[0].Message)
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func extractMessageText(msg ChatMessage) string {
	if len(msg.Content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return text
	}

	var parts []contentPart
	if err := json.Unmarshal(msg.Content, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			if part.Type == "" || part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	}

	return string(msg.Content)
}
