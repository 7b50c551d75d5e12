// Package config defines the runtime configuration tree: command surface,
// storage drivers, provider credentials, default budgets, and observability.
// Values load from YAML with ${VAR} expansion and strict validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	// Server configures the HTTP command surface.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Storage configures the metadata and object store drivers.
	Storage StorageConfig `yaml:"storage,omitempty" json:"storage,omitempty"`

	// Providers configures LLM, search, and embedder backends.
	Providers ProvidersConfig `yaml:"providers,omitempty" json:"providers,omitempty"`

	// Limits are the default execution budgets, overridable per execution.
	Limits LimitsConfig `yaml:"limits,omitempty" json:"limits,omitempty"`

	// Runtime configures orchestration behavior.
	Runtime RuntimeConfig `yaml:"runtime,omitempty" json:"runtime,omitempty"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	// Host to bind (default "0.0.0.0").
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port to listen on (default 8080).
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// ReadTimeout for incoming requests.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout for responses. Long polls (execution wait) extend this.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format: simple, verbose, json.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// File redirects logs to a file when set.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// RuntimeConfig configures orchestration behavior.
type RuntimeConfig struct {
	// MergeGapChars is the citation span merge threshold.
	MergeGapChars int `yaml:"merge_gap_chars,omitempty" json:"merge_gap_chars,omitempty"`

	// ToolConcurrency bounds parallel tool resolution per execution.
	ToolConcurrency int `yaml:"tool_concurrency,omitempty" json:"tool_concurrency,omitempty"`

	// Workers bounds concurrently running executions in this process.
	Workers int `yaml:"workers,omitempty" json:"workers,omitempty"`

	// LeaseTTL is the execution lease duration; heartbeats extend it.
	LeaseTTL time.Duration `yaml:"lease_ttl,omitempty" json:"lease_ttl,omitempty"`

	// SessionTTL is the default session expiry.
	SessionTTL time.Duration `yaml:"session_ttl,omitempty" json:"session_ttl,omitempty"`

	// Trace configures the trace writer.
	Trace TraceConfig `yaml:"trace,omitempty" json:"trace,omitempty"`
}

// TraceConfig configures the trace writer.
type TraceConfig struct {
	// Enabled turns per-turn trace persistence on (default true).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Redact masks prompt and model output payloads in persisted traces.
	Redact bool `yaml:"redact,omitempty" json:"redact,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// Enabled turns the otel/prometheus stack on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// ServiceName reported to the collector (default "rlmrs").
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`

	// OTLPEndpoint for trace export (host:port, gRPC).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`

	// MetricsEnabled exposes /metrics (default true when Enabled).
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty"`

	// DebugTraces dumps spans to stdout instead of OTLP.
	DebugTraces bool `yaml:"debug_traces,omitempty" json:"debug_traces,omitempty"`
}

// SetDefaults applies default values across the tree.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	if c.Runtime.MergeGapChars == 0 {
		c.Runtime.MergeGapChars = 64
	}
	if c.Runtime.ToolConcurrency == 0 {
		c.Runtime.ToolConcurrency = 8
	}
	if c.Runtime.Workers == 0 {
		c.Runtime.Workers = 4
	}
	if c.Runtime.LeaseTTL == 0 {
		c.Runtime.LeaseTTL = 30 * time.Second
	}
	if c.Runtime.SessionTTL == 0 {
		c.Runtime.SessionTTL = 24 * time.Hour
	}
	if c.Runtime.Trace.Enabled == nil {
		c.Runtime.Trace.Enabled = BoolPtr(true)
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "rlmrs"
	}
	if c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = "localhost:4317"
	}
	if c.Observability.MetricsEnabled == nil {
		c.Observability.MetricsEnabled = BoolPtr(true)
	}

	c.Storage.SetDefaults()
	c.Providers.SetDefaults()
	c.Limits.SetDefaults()
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "", "simple", "verbose", "json":
	default:
		return fmt.Errorf("logging: invalid format %q (valid: simple, verbose, json)", c.Logging.Format)
	}
	if c.Runtime.MergeGapChars < 0 {
		return fmt.Errorf("runtime: merge_gap_chars must be >= 0")
	}
	if c.Runtime.ToolConcurrency < 1 {
		return fmt.Errorf("runtime: tool_concurrency must be >= 1")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	return nil
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 {
	return &f
}
