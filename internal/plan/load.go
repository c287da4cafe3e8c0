package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxPlanFileSize caps plan documents to guard against accidental large
// inputs (a generated artifact passed instead of a plan file).
const maxPlanFileSize = 5 * 1024 * 1024

// Load reads and parses a plan document. The format is chosen by extension:
// .json parses as JSON, everything else as YAML. The returned plan is
// normalized but not validated; call Validate before executing it.
func Load(path string) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plan file: %w", err)
	}
	if info.Size() > maxPlanFileSize {
		return nil, fmt.Errorf("plan file too large: %d bytes (max %d)", info.Size(), maxPlanFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseYAML parses a YAML plan document.
func ParseYAML(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	p.normalize()
	return &p, nil
}

// ParseJSON parses a JSON plan document.
func ParseJSON(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	p.normalize()
	return &p, nil
}

// normalize fills runtime defaults after parsing.
func (p *Plan) normalize() {
	for i := range p.Steps {
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StatusPending
		}
	}
}
