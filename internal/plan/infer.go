package plan

import "path/filepath"

// InferFileDependencies adds explicit dependsOn edges between steps whose
// params name the same output file. Each step touching a path gains an edge
// to the most recent prior step that touches it, serializing all writers of
// that path. The pass is deterministic, runs once before scheduling, and
// never adds duplicate or self edges.
func InferFileDependencies(p *Plan) {
	lastWriter := make(map[string]string)
	for i := range p.Steps {
		step := &p.Steps[i]
		path := step.OutputPath()
		if path == "" {
			continue
		}
		cleaned := filepath.Clean(path)
		if prev, ok := lastWriter[cleaned]; ok && prev != step.ID && !step.DependsOnStep(prev) {
			step.DependsOn = append(step.DependsOn, prev)
		}
		lastWriter[cleaned] = step.ID
	}
}
