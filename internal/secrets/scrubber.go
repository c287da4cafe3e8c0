// Package secrets scrubs rendered prompts before they leave the process.
// Detection is backed by the Gitleaks rule set; matches are replaced with a
// redaction marker naming the rule so prompt debugging stays possible
// without exposing the secret itself.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/planrun/internal/secrets"

// Finding describes one detected secret.
type Finding struct {
	// RuleID is the Gitleaks rule id (e.g. "github-pat").
	RuleID string

	// Description is the rule's human-readable description.
	Description string

	// Line is the line where the secret starts.
	Line int
}

// Scrubber redacts secrets from prompt content.
type Scrubber interface {
	// Scrub returns content with every detected secret replaced by a
	// redaction marker, plus the findings. Detection never fails a step;
	// with scrubbing disabled the content passes through unchanged.
	Scrub(ctx context.Context, content string) (string, []Finding)

	// Enabled reports whether scrubbing is active.
	Enabled() bool
}

// Config configures the scrubber.
type Config struct {
	// Enabled toggles scrubbing (default: true).
	Enabled bool

	// ProjectDir is searched for a .gitleaks.toml allowlist ("" to skip).
	ProjectDir string

	// UserAllowlistPath is an additional allowlist.toml ("" to skip).
	UserAllowlistPath string
}

// DefaultConfig returns a config with scrubbing enabled and no allowlists.
func DefaultConfig() *Config {
	return &Config{Enabled: true}
}

type scrubber struct {
	config *Config
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	findingsCounter metric.Int64Counter

	// The Gitleaks detector carries its full rule config; build it once and
	// serialize scans.
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScrubber creates a Gitleaks-backed scrubber. Allowlist files that do not
// exist are skipped; invalid ones are an error.
func NewScrubber(cfg *Config, logger *zap.Logger) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create secret detector: %w", err)
	}

	allowlist, err := LoadAllowlists(cfg.ProjectDir, cfg.UserAllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load allowlists: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)

	s := &scrubber{
		config:   cfg,
		logger:   logger,
		detector: detector,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *scrubber) initMetrics() {
	var err error
	s.findingsCounter, err = s.meter.Int64Counter(
		"planrun.secrets.findings_total",
		metric.WithDescription("Secrets detected in rendered prompts"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		s.logger.Warn("failed to create findings counter", zap.Error(err))
	}
}

// Scrub redacts every detected secret in content.
func (s *scrubber) Scrub(ctx context.Context, content string) (string, []Finding) {
	if !s.config.Enabled {
		return content, nil
	}

	ctx, span := s.tracer.Start(ctx, "secrets.scrub")
	defer span.End()

	s.mu.Lock()
	raw := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(raw) == 0 {
		return content, nil
	}

	findings := make([]Finding, 0, len(raw))
	scrubbed := content
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		if f.Secret != "" {
			scrubbed = strings.ReplaceAll(scrubbed, f.Secret, "[REDACTED:"+f.RuleID+"]")
		}
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	if s.findingsCounter != nil {
		s.findingsCounter.Add(ctx, int64(len(findings)))
	}
	s.logger.Warn("redacted secrets from prompt", zap.Int("findings", len(findings)))

	return scrubbed, findings
}

// Enabled reports whether scrubbing is active.
func (s *scrubber) Enabled() bool {
	return s.config.Enabled
}

// NopScrubber passes content through unchanged.
type NopScrubber struct{}

// Scrub returns content as-is with no findings.
func (NopScrubber) Scrub(_ context.Context, content string) (string, []Finding) {
	return content, nil
}

// Enabled returns false.
func (NopScrubber) Enabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = NopScrubber{}
)
