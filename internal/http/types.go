package http

// ValidateResponse is the response body for POST /api/v1/plans/validate.
// Waves previews the execution order an all-success run would follow, one
// slice of step ids per wave.
type ValidateResponse struct {
	Valid bool       `json:"valid"`
	Error string     `json:"error,omitempty"`
	Steps int        `json:"steps"`
	Waves [][]string `json:"waves,omitempty"`
}

// RollbackResponse is the response body for POST /api/v1/rollback.
type RollbackResponse struct {
	RunID      string   `json:"run_id"`
	Deleted    []string `json:"deleted"`
	Restored   []string `json:"restored"`
	PrunedDirs []string `json:"pruned_dirs,omitempty"`
}
