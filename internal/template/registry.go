// Package template renders step prompts. A registry maps step types to
// prompt templates; rendering failures are configuration defects the
// executor treats as non-retryable.
package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"
)

// ErrTemplateNotFound indicates a step type with no registered template.
var ErrTemplateNotFound = errors.New("template not found")

// Renderer renders a prompt for a template id with the given data.
type Renderer interface {
	Render(templateID string, data map[string]any) (string, error)
}

// Registry is a thread-safe template registry with text/template semantics.
// Unresolved placeholders fail the render (missingkey=error) rather than
// producing prompts with literal "<no value>" holes.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewRegistry creates a registry pre-loaded with the built-in step type
// templates.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger,
		templates: make(map[string]*template.Template),
	}
	for id, text := range builtinTemplates {
		// Built-ins are compile-time constants; parse errors here are
		// programming errors.
		if err := r.Register(id, text); err != nil {
			panic(fmt.Sprintf("invalid builtin template %q: %v", id, err))
		}
	}
	return r
}

// Register parses and stores a template under id, replacing any previous
// registration.
func (r *Registry) Register(id, text string) error {
	tmpl, err := template.New(id).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template %q: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[id] = tmpl
	return nil
}

// LoadDir registers every *.tmpl file in dir under its base name, overriding
// built-ins of the same id.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(entry.Name(), ".tmpl")
		if err := r.Register(id, string(data)); err != nil {
			return err
		}
		r.logger.Debug("loaded template", zap.String("id", id), zap.String("file", entry.Name()))
	}
	return nil
}

// IDs returns the registered template ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	return ids
}

// Render renders the template registered under templateID.
func (r *Registry) Render(templateID string, data map[string]any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, templateID)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", templateID, err)
	}
	return b.String(), nil
}
