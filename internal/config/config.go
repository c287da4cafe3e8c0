// Package config loads planrun configuration from a YAML file with
// environment variable overrides.
//
// Precedence (highest to lowest):
//  1. Environment variables (ENGINE_MAX_RETRIES, GENERATOR_API_KEY, ...)
//  2. YAML config file (~/.config/planrun/config.yaml)
//  3. Defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the complete planrun configuration.
type Config struct {
	Engine     EngineConfig     `koanf:"engine"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Reporting  ReportingConfig  `koanf:"reporting"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// EngineConfig tunes the plan execution loop.
type EngineConfig struct {
	// MaxRetries is the per-step retry budget after the first attempt
	// (default: 2). Zero disables retries.
	MaxRetries *int `koanf:"max_retries"`

	// MaxConcurrent bounds parallel step execution within a wave
	// (default: 4).
	MaxConcurrent int `koanf:"max_concurrent"`
}

// Retries returns the retry budget, defaulting when unset.
func (e EngineConfig) Retries() int {
	if e.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *e.MaxRetries
}

// GeneratorConfig configures the LLM client.
type GeneratorConfig struct {
	// Provider selects the backend: "openai" or "anthropic" (default:
	// openai). OpenAI-compatible endpoints are reached via BaseURL.
	Provider string `koanf:"provider"`

	// Model overrides the provider's default model.
	Model string `koanf:"model"`

	// APIKey authenticates against the provider. Redacted in logs and
	// serialized output.
	APIKey Secret `koanf:"api_key"`

	// BaseURL points the openai provider at a compatible endpoint
	// (Ollama, vLLM, LiteLLM, ...).
	BaseURL string `koanf:"base_url"`

	// Timeout bounds a single generation call (default: 120s).
	Timeout Duration `koanf:"timeout"`

	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`

	// RateLimit is requests per second; RateBurst the burst size.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	// ScrubPrompts runs rendered prompts through the secret scrubber
	// before any network call (default: true).
	ScrubPrompts *bool `koanf:"scrub_prompts"`
}

// ScrubEnabled reports whether prompt scrubbing is on, defaulting when unset.
func (g GeneratorConfig) ScrubEnabled() bool {
	return g.ScrubPrompts == nil || *g.ScrubPrompts
}

// CheckpointConfig configures rollback state persistence.
type CheckpointConfig struct {
	// Dir overrides where checkpoint records live
	// (default: <workspace>/.planrun/checkpoints).
	Dir string `koanf:"dir"`
}

// WorkspaceConfig anchors where plan outputs land.
type WorkspaceConfig struct {
	// Root is the workspace root (default: current directory).
	Root string `koanf:"root"`

	// RequireClean refuses to run against a dirty git worktree
	// (default: true).
	RequireClean *bool `koanf:"require_clean"`
}

// CleanRequired reports whether the dirty-worktree guard is on.
func (w WorkspaceConfig) CleanRequired() bool {
	return w.RequireClean == nil || *w.RequireClean
}

// ReportingConfig configures run report sinks.
type ReportingConfig struct {
	// Dir is where run reports are written
	// (default: <workspace>/.planrun/runs).
	Dir string `koanf:"dir"`

	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig configures the optional NATS event publisher.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds the HTTP API server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `koanf:"level"`

	// Format is json or console (default: json).
	Format string `koanf:"format"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // grpc or http

	// Insecure disables TLS. Only honored for local endpoints.
	Insecure bool `koanf:"insecure"`

	// TLSSkipVerify accepts certificates from internal CAs without
	// verification. Ignored when Insecure is set.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`

	SampleRatio float64 `koanf:"sample_ratio"`
}

// Default returns a fully-defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	if c.Engine.Retries() < 0 {
		return errors.New("engine.max_retries cannot be negative")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1, got %d", c.Engine.MaxConcurrent)
	}

	switch c.Generator.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported generator provider: %q", c.Generator.Provider)
	}
	if c.Generator.BaseURL != "" {
		u, err := url.Parse(c.Generator.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("generator.base_url must be an http or https URL: %q", c.Generator.BaseURL)
		}
	}
	if c.Generator.Timeout.Duration() <= 0 {
		return errors.New("generator.timeout must be positive")
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return fmt.Errorf("generator.temperature must be within [0, 2], got %g", c.Generator.Temperature)
	}
	if c.Generator.MaxTokens < 1 {
		return errors.New("generator.max_tokens must be positive")
	}
	if c.Generator.RateLimit <= 0 {
		return errors.New("generator.rate_limit must be positive")
	}
	if c.Generator.RateBurst < 1 {
		return errors.New("generator.rate_burst must be at least 1")
	}

	if c.Reporting.NATS.Enabled && c.Reporting.NATS.URL == "" {
		return errors.New("reporting.nats.url is required when nats reporting is enabled")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry.service_name is required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid telemetry protocol: %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Insecure && !isLocalEndpoint(c.Telemetry.Endpoint) {
			return errors.New("insecure connections to remote telemetry endpoints are not allowed; use TLS or a local endpoint (localhost/127.0.0.1)")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %g", c.Telemetry.SampleRatio)
		}
	}

	return nil
}

// isLocalEndpoint checks if the endpoint is a local address.
func isLocalEndpoint(endpoint string) bool {
	host := endpoint

	// Handle IPv6 addresses (may be bracketed like [::1]:4317)
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		// IPv4 or hostname with port: localhost:4317
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}

	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(endpoint, "::1")
}

// Defaults applied when the file and environment leave a field unset.
const (
	defaultMaxRetries    = 2
	defaultMaxConcurrent = 4
	defaultServerPort    = 8390
)

func applyDefaults(cfg *Config) {
	if cfg.Engine.MaxRetries == nil {
		retries := defaultMaxRetries
		cfg.Engine.MaxRetries = &retries
	}
	if cfg.Engine.MaxConcurrent == 0 {
		cfg.Engine.MaxConcurrent = defaultMaxConcurrent
	}

	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "openai"
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = Duration(120 * time.Second)
	}
	if cfg.Generator.Temperature == 0 {
		cfg.Generator.Temperature = 0.2
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 4096
	}
	if cfg.Generator.RateLimit == 0 {
		cfg.Generator.RateLimit = 2
	}
	if cfg.Generator.RateBurst == 0 {
		cfg.Generator.RateBurst = 4
	}
	if cfg.Generator.ScrubPrompts == nil {
		scrub := true
		cfg.Generator.ScrubPrompts = &scrub
	}

	if cfg.Workspace.RequireClean == nil {
		clean := true
		cfg.Workspace.RequireClean = &clean
	}

	if cfg.Reporting.NATS.SubjectPrefix == "" {
		cfg.Reporting.NATS.SubjectPrefix = "plans"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "planrun"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}
