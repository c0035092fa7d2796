// Package pricing provides the static per-vendor price table and the fuzzy
// model-name normalizer used for cost attribution.
//
// Prices are in USD per 1 million tokens, matching vendor pricing pages.
// Lookup and ComputeCost are pure: identical inputs always produce identical
// outputs, independent of call order.
package pricing

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
)

// swappable in tests
var readFile = os.ReadFile

// Version identifies the embedded price table revision.
const Version = "2025-01"

//go:embed data/defaults.json
var defaultPrices []byte

// Price holds the USD cost per 1 million input and output tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Conservative defaults per vendor for models missing from the table.
// Deliberately priced at each vendor's expensive tier so unknown models are
// never under-reported.
var vendorDefaults = map[string]Price{
	"openai":    {Input: 10.00, Output: 30.00},
	"anthropic": {Input: 15.00, Output: 75.00},
	"google":    {Input: 1.25, Output: 5.00},
}

// fallbackDefault covers vendors absent from vendorDefaults.
var fallbackDefault = Price{Input: 10.00, Output: 30.00}

// Alias rules per vendor, ordered most specific first. The first alias that
// is a substring of the model name wins, so "gpt-4o-mini" must be checked
// before "gpt-4o".
var vendorAliases = map[string][]string{
	"openai": {
		"gpt-4o-mini",
		"gpt-4o",
		"gpt-4-turbo",
		"gpt-3.5",
		"gpt-4",
		"o1-mini",
		"o1",
	},
	"anthropic": {
		"claude-3-5-sonnet",
		"claude-3.5-sonnet",
		"claude-3-5-haiku",
		"claude-3-opus",
		"claude-3-sonnet",
		"claude-3-haiku",
		"claude-2",
	},
	"google": {
		"gemini-2.0-flash",
		"gemini-1.5-flash-8b",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
		"gemini-1.0",
		"gemini-pro",
	},
}

// Aliases that resolve to a different canonical key than the alias itself.
var aliasCanonical = map[string]string{
	"gpt-3.5":           "gpt-3.5-turbo",
	"claude-3.5-sonnet": "claude-3-5-sonnet",
	"claude-2":          "claude-2.1",
	"gemini-1.0":        "gemini-pro",
}

var dateSuffix = regexp.MustCompile(`-\d{4}-?\d{2}-?\d{2}$`)

var base = mustLoad(defaultPrices)

func mustLoad(data []byte) map[string]Price {
	var prices map[string]Price
	if err := json.Unmarshal(data, &prices); err != nil {
		panic(fmt.Sprintf("pricing: corrupt embedded table: %v", err))
	}
	return prices
}

// Normalize strips date suffixes (-YYYYMMDD and -YYYY-MM-DD) and lowercases
// the model name.
func Normalize(model string) string {
	return dateSuffix.ReplaceAllString(strings.ToLower(model), "")
}

// Lookup returns the price record for a vendor/model pair along with the
// normalized model name the record was resolved under. Resolution order:
// exact match, date-suffix-stripped match, vendor alias match (most specific
// alias wins), then the vendor's conservative default.
func Lookup(vendor, model string) (Price, string) {
	return lookupIn(base, vendor, model)
}

func lookupIn(table map[string]Price, vendor, model string) (Price, string) {
	vendor = strings.ToLower(vendor)
	name := strings.ToLower(model)

	if p, ok := table[vendor+"/"+name]; ok {
		return p, name
	}

	stripped := Normalize(model)
	if p, ok := table[vendor+"/"+stripped]; ok {
		return p, stripped
	}

	for _, alias := range vendorAliases[vendor] {
		if strings.Contains(stripped, alias) {
			key := alias
			if canonical, ok := aliasCanonical[alias]; ok {
				key = canonical
			}
			if p, ok := table[vendor+"/"+key]; ok {
				return p, key
			}
		}
	}

	if p, ok := vendorDefaults[vendor]; ok {
		return p, stripped
	}
	return fallbackDefault, stripped
}

// ComputeCost returns the USD cost for a call, rounded to 6 decimal places.
func ComputeCost(vendor, model string, inputTokens, outputTokens int) float64 {
	price, _ := Lookup(vendor, model)
	cost := float64(inputTokens)/1e6*price.Input + float64(outputTokens)/1e6*price.Output
	return math.Round(cost*1e6) / 1e6
}

// Registry layers caller-supplied price overrides on top of the embedded
// table. The embedded table itself is never mutated.
type Registry struct {
	mu        sync.RWMutex
	overrides map[string]Price
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewRegistry creates an empty override registry.
func NewRegistry() *Registry {
	return &Registry{overrides: make(map[string]Price)}
}

// Load reads a JSON override file keyed "vendor/model". Entries replace any
// previously loaded override for the same key.
func (r *Registry) Load(data []byte) error {
	var prices map[string]Price
	if err := json.Unmarshal(data, &prices); err != nil {
		return fmt.Errorf("parse price overrides: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range prices {
		r.overrides[strings.ToLower(k)] = v
	}
	return nil
}

// Set adds or replaces a single override.
func (r *Registry) Set(vendor, model string, price Price) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[strings.ToLower(vendor)+"/"+strings.ToLower(model)] = price
}

// Lookup resolves a price, consulting overrides before the embedded table.
// Override resolution applies the same normalization rules.
func (r *Registry) Lookup(vendor, model string) (Price, string) {
	r.mu.RLock()
	merged := make(map[string]Price, len(base)+len(r.overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range r.overrides {
		merged[k] = v
	}
	r.mu.RUnlock()

	return lookupIn(merged, vendor, model)
}

// ComputeCost returns the USD cost using override-aware pricing, rounded to
// 6 decimal places.
func (r *Registry) ComputeCost(vendor, model string, inputTokens, outputTokens int) float64 {
	price, _ := r.Lookup(vendor, model)
	cost := float64(inputTokens)/1e6*price.Input + float64(outputTokens)/1e6*price.Output
	return math.Round(cost*1e6) / 1e6
}

// Watch hot-reloads the override file whenever it changes on disk.
func (r *Registry) Watch(path string, onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(event.Name); err != nil && onError != nil {
					onError(err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return nil
}

func (r *Registry) reload(path string) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return r.Load(data)
}

// Close stops watching, if a watcher was started.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		err := r.watcher.Close()
		r.watcher = nil
		return err
	}
	return nil
}
