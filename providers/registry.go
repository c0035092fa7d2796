// Package providers provides a unified registry for all built-in provider
// adapters and the model-prefix dispatch used by the router.
package providers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blueberrycongee/goalmux/pkg/provider"
	"github.com/blueberrycongee/goalmux/providers/anthropic"
	"github.com/blueberrycongee/goalmux/providers/google"
	"github.com/blueberrycongee/goalmux/providers/openai"
)

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers an adapter factory with the given vendor name.
func Register(vendor string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[vendor] = factory
}

// Get returns the factory for the given vendor.
func Get(vendor string) (provider.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[vendor]
	return f, ok
}

// Create creates an adapter instance for a vendor from configuration.
func Create(vendor string, cfg provider.Config) (provider.Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[vendor]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown vendor: %s (available: %v)", vendor, List())
	}

	return factory(cfg)
}

// List returns all registered vendor names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// VendorForModel resolves the vendor that serves a model id, keyed on
// well-known model-name prefixes. Unknown prefixes default to the
// OpenAI-compatible adapter.
func VendorForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "chatgpt-"):
		return openai.ProviderName
	case strings.HasPrefix(model, "claude-"):
		return anthropic.ProviderName
	case strings.HasPrefix(model, "gemini-"), strings.HasPrefix(model, "models/gemini"):
		return google.ProviderName
	default:
		return openai.ProviderName
	}
}

// RegisterBuiltins registers all built-in adapter factories.
// This is called automatically on first use.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register(openai.ProviderName, openai.NewFromConfig)
		Register(anthropic.ProviderName, anthropic.NewFromConfig)
		Register(google.ProviderName, google.NewFromConfig)
	})
}

func init() {
	RegisterBuiltins()
}
