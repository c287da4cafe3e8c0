// Package validator runs named validation checks against step output files.
// Checks execute in the order the plan lists them and the first failure
// short-circuits the rest. Unknown check names fail closed so a typo in a
// plan never silently skips a gate.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const instrumentationName = "github.com/fyrsmithlabs/planrun/internal/validator"

// CheckResult is the outcome of one check.
type CheckResult struct {
	Check   string `json:"check"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CheckFunc validates target and returns nil on pass. The returned error's
// text becomes the diagnostic fed back into the next generation attempt.
type CheckFunc func(ctx context.Context, target string) error

// Runner executes ordered check sequences.
type Runner interface {
	// RunChecks evaluates checks against target in order, short-circuiting
	// on the first failure. The returned slice holds one result per executed
	// check; skipped checks produce no result.
	RunChecks(ctx context.Context, checks []string, target string) []CheckResult
}

// Registry is a Runner with named, registrable checks.
type Registry struct {
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewRunner creates a registry pre-loaded with the built-in checks.
func NewRunner(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		checks: make(map[string]CheckFunc),
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a named check.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

// RunChecks evaluates the named checks in order against target.
func (r *Registry) RunChecks(ctx context.Context, checks []string, target string) []CheckResult {
	ctx, span := r.tracer.Start(ctx, "validator.run_checks")
	defer span.End()
	span.SetAttributes(
		attribute.String("target", target),
		attribute.Int("check_count", len(checks)),
	)

	results := make([]CheckResult, 0, len(checks))
	for _, name := range checks {
		r.mu.RLock()
		fn, ok := r.checks[name]
		r.mu.RUnlock()

		if !ok {
			results = append(results, CheckResult{
				Check:   name,
				Success: false,
				Message: fmt.Sprintf("unknown check %q", name),
			})
			span.SetAttributes(attribute.String("failed_check", name))
			return results
		}

		if err := fn(ctx, target); err != nil {
			results = append(results, CheckResult{
				Check:   name,
				Success: false,
				Message: err.Error(),
			})
			span.SetAttributes(attribute.String("failed_check", name))
			r.logger.Debug("check failed",
				zap.String("check", name),
				zap.String("target", target),
				zap.Error(err),
			)
			return results
		}

		results = append(results, CheckResult{Check: name, Success: true})
	}
	return results
}

// placeholderPattern matches leftover template holes and common stub markers
// a generator may emit instead of real content.
var placeholderPattern = regexp.MustCompile(`\{\{[^{}]*\}\}|\bTODO\b|\bFIXME\b|\bPLACEHOLDER\b`)

func (r *Registry) registerBuiltins() {
	r.Register("file-exists", func(_ context.Context, target string) error {
		info, err := os.Stat(target)
		if err != nil {
			return fmt.Errorf("file does not exist: %s", target)
		}
		if info.IsDir() {
			return fmt.Errorf("expected a file but found a directory: %s", target)
		}
		return nil
	})

	r.Register("non-empty", func(_ context.Context, target string) error {
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("cannot read file: %s", target)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return fmt.Errorf("file is empty: %s", target)
		}
		return nil
	})

	r.Register("valid-json", func(_ context.Context, target string) error {
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("cannot read file: %s", target)
		}
		if !json.Valid(data) {
			return fmt.Errorf("file is not valid JSON: %s", target)
		}
		return nil
	})

	r.Register("valid-yaml", func(_ context.Context, target string) error {
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("cannot read file: %s", target)
		}
		var out any
		if err := yaml.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("file is not valid YAML: %v", err)
		}
		return nil
	})

	r.Register("no-placeholders", func(_ context.Context, target string) error {
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("cannot read file: %s", target)
		}
		if match := placeholderPattern.Find(data); match != nil {
			return fmt.Errorf("output contains placeholder %q", string(match))
		}
		return nil
	})

	r.Register("no-markdown-fence", func(_ context.Context, target string) error {
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("cannot read file: %s", target)
		}
		if strings.Contains(string(data), "```") {
			return errors.New("output contains a markdown code fence")
		}
		return nil
	})

	// Testing aid: a check that never passes, for exercising the retry and
	// escalation path end to end.
	r.Register("always-fail", func(_ context.Context, _ string) error {
		return errors.New("always-fail check rejected the output")
	})
}
