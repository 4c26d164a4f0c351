package cascade

// Status of a finished cascade run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// LineageEntry records one completed cell's output. Entries appear in
// cell-completion order, and a skipped cell (candidates.factor = 0) leaves
// an explicit marker with a nil output.
type LineageEntry struct {
	Cell    string `json:"cell"`
	Output  any    `json:"output"`
	TraceID string `json:"trace_id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// FailurePoint names where a failed run stopped.
type FailurePoint struct {
	Cell    string `json:"cell"`
	Cascade string `json:"cascade"`
}

// ErrorInfo is the user-visible error summary on a failed run.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Result is what a cascade run returns. Successful runs carry the full
// lineage and final state; failed runs carry the failure point plus the
// lineage and cost accumulated so far.
type Result struct {
	Status     Status         `json:"status"`
	SessionID  string         `json:"session_id"`
	CascadeID  string         `json:"cascade_id"`
	Lineage    []LineageEntry `json:"lineage"`
	FinalState map[string]any `json:"final_state,omitempty"`
	Cost       float64        `json:"cost"`
	DurationMS int64          `json:"duration_ms"`
	At         *FailurePoint  `json:"at,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
}

// Failed reports whether the run ended in failure.
func (r *Result) Failed() bool { return r.Status == StatusFailed }
