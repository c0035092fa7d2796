// Package provider defines the public interface for LLM provider adapters.
// Each vendor (OpenAI, Anthropic, Google) implements this interface to map
// the canonical request/response shapes onto its native API.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/blueberrycongee/goalmux/pkg/types"
)

// Adapter handles the request/response lifecycle for one vendor.
type Adapter interface {
	// Name returns the vendor identifier (e.g., "openai", "anthropic").
	Name() string

	// SupportsModel checks whether this adapter can serve the given model.
	SupportsModel(model string) bool

	// BuildRequest transforms a canonical ChatRequest into a vendor-specific
	// HTTP request. It fails fast with a not-configured error when the
	// adapter is missing credentials, before any network I/O.
	BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error)

	// ParseResponse transforms a vendor response into the canonical shape.
	ParseResponse(resp *http.Response) (*types.ChatResponse, error)

	// MapError converts a vendor error response into a standardized LLMError.
	MapError(statusCode int, body []byte) error
}

// Config contains vendor-specific configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Models  []string
	Timeout time.Duration
	Headers map[string]string
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)
