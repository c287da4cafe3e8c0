// Package generator wraps the external LLM content generator behind a small
// client interface. The engine only ever hands it a rendered prompt and gets
// text back; provider selection, rate limiting, and the per-call timeout all
// live here.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/planrun/internal/generator"

const (
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultTimeout        = 120 * time.Second
	defaultTemperature    = 0.2
	defaultMaxTokens      = 4096
	defaultRateLimit      = 2.0
	defaultRateBurst      = 4
)

// Client generates text from a prompt. Failures are transient from the
// engine's point of view; the executor retries them within a step's attempt
// budget.
type Client interface {
	// Generate returns the generated text for prompt. The call is bounded by
	// the configured per-call timeout.
	Generate(ctx context.Context, prompt string) (string, error)

	// Close releases the client.
	Close() error
}

// Config configures the generator client.
type Config struct {
	// Provider selects the backend: "openai" (default; also any
	// OpenAI-compatible endpoint via BaseURL) or "anthropic".
	Provider string

	// Model overrides the provider's default model.
	Model string

	// APIKey authenticates against the provider. Optional for local
	// OpenAI-compatible endpoints.
	APIKey string

	// BaseURL points the openai provider at a compatible endpoint.
	BaseURL string

	// Timeout bounds each Generate call (default: 120s).
	Timeout time.Duration

	// Temperature and MaxTokens are passed through to the provider.
	Temperature float64
	MaxTokens   int

	// RateLimit caps requests per second, with RateBurst allowed in a burst.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns sensible defaults for the OpenAI provider.
func DefaultConfig() *Config {
	return &Config{
		Provider:    "openai",
		Timeout:     defaultTimeout,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		RateLimit:   defaultRateLimit,
		RateBurst:   defaultRateBurst,
	}
}

type client struct {
	config  *Config
	model   llms.Model
	limiter *rate.Limiter
	logger  *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a client for the configured provider.
func NewClient(cfg *Config, logger *zap.Logger) (Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "", "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			// langchaingo requires a token even for local OpenAI-compatible
			// endpoints that ignore it.
			apiKey = "placeholder"
		}
		opts := []openai.Option{openai.WithToken(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m := cfg.Model
		if m == "" {
			m = defaultOpenAIModel
		}
		opts = append(opts, openai.WithModel(m))
		model, err = openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic provider requires an API key")
		}
		m := cfg.Model
		if m == "" {
			m = defaultAnthropicModel
		}
		model, err = anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(m))
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown generator provider: %q", cfg.Provider)
	}

	return NewWithModel(cfg, model, logger)
}

// NewWithModel creates a client around an existing langchaingo model. Used
// for custom providers and tests.
func NewWithModel(cfg *Config, model llms.Model, logger *zap.Logger) (Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if model == nil {
		return nil, errors.New("model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	c := &client{
		config: cfg,
		model:  model,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	c.initMetrics()
	return c, nil
}

func (c *client) initMetrics() {
	var err error

	c.requestCounter, err = c.meter.Int64Counter(
		"planrun.generator.requests_total",
		metric.WithDescription("Total generator requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		c.logger.Warn("failed to create request counter", zap.Error(err))
	}

	c.requestDuration, err = c.meter.Float64Histogram(
		"planrun.generator.request_duration_seconds",
		metric.WithDescription("Generator request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		c.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// Generate produces text for the prompt, bounded by the per-call timeout.
func (c *client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "generator.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.providerName()),
		attribute.Int("prompt_chars", len(prompt)),
	)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return "", errors.New("client is closed")
	}
	c.mu.RUnlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter error: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	output, err := llms.GenerateFromSinglePrompt(callCtx, c.model, prompt,
		llms.WithTemperature(c.config.Temperature),
		llms.WithMaxTokens(c.config.MaxTokens),
	)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", c.providerName()),
		attribute.String("status", status),
	)
	if c.requestCounter != nil {
		c.requestCounter.Add(ctx, 1, attrs)
	}
	if c.requestDuration != nil {
		c.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("generation failed: %w", err)
	}

	span.SetAttributes(attribute.Int("output_chars", len(output)))
	c.logger.Debug("generated content",
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("output_chars", len(output)),
		zap.Duration("duration", elapsed),
	)
	return output, nil
}

// Close marks the client closed.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *client) providerName() string {
	if c.config.Provider == "" {
		return "openai"
	}
	return c.config.Provider
}
