// Package config loads SDK configuration from the environment, with an
// optional YAML overlay for settings that are awkward as env vars.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the SDK.
const (
	EnvAPIKey      = "GOALMUX_API_KEY"
	EnvTenantID    = "GOALMUX_TENANT_ID"
	EnvDecisionURL = "GOALMUX_DECISION_URL"
	EnvIngestURL   = "GOALMUX_INGEST_URL"
	EnvEnvironment = "GOALMUX_ENVIRONMENT"
	EnvServiceName = "GOALMUX_SERVICE_NAME"
)

// Defaults applied when neither the environment nor a config file sets a
// value.
const (
	DefaultDecisionURL = "https://api.goalmux.dev"
	DefaultIngestURL   = "https://ingest.goalmux.dev/v1/events"
	DefaultEnvironment = "production"
	DefaultServiceName = "goalmux"
)

// Config holds everything the SDK needs to reach its external collaborators.
type Config struct {
	APIKey      string `yaml:"api_key"`
	TenantID    string `yaml:"tenant_id"`
	DecisionURL string `yaml:"decision_url"`
	IngestURL   string `yaml:"ingest_url"`
	Environment string `yaml:"environment"`
	ServiceName string `yaml:"service_name"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig contains OpenTelemetry export settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP endpoint (e.g., "localhost:4317")
	SampleRate float64 `yaml:"sample_rate"` // Sampling rate (0.0 to 1.0)
	Insecure   bool    `yaml:"insecure"`    // Use insecure connection (no TLS)
}

// Default returns a configuration with documented defaults and no
// credentials.
func Default() *Config {
	return &Config{
		DecisionURL: DefaultDecisionURL,
		IngestURL:   DefaultIngestURL,
		Environment: DefaultEnvironment,
		ServiceName: DefaultServiceName,
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
			Insecure:   true,
		},
	}
}

// FromEnv builds a configuration from environment variables on top of the
// defaults.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFromFile reads a YAML configuration file and then applies environment
// variables on top: env always wins. Values in the file of the form
// ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvTenantID); v != "" {
		c.TenantID = v
	}
	if v := os.Getenv(EnvDecisionURL); v != "" {
		c.DecisionURL = v
	}
	if v := os.Getenv(EnvIngestURL); v != "" {
		c.IngestURL = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
	if v := os.Getenv(EnvServiceName); v != "" {
		c.ServiceName = v
	}
}

// Validate checks that the SDK can actually authenticate. It is called at
// router construction so missing credentials fail there, not at first use.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("missing API key: set %s or api_key in the config file", EnvAPIKey)
	}
	if c.TenantID == "" {
		return fmt.Errorf("missing tenant id: set %s or tenant_id in the config file", EnvTenantID)
	}
	if c.DecisionURL == "" {
		return fmt.Errorf("missing decision service URL: set %s", EnvDecisionURL)
	}
	return nil
}
