package harness

// TraceStep records one executed step.
type TraceStep struct {
	Step   int    `json:"step"`
	Op     string `json:"op"`
	Peer   string `json:"peer"`
	Remote string `json:"remote,omitempty"`

	// Doc is "collection/doc" for edits.
	Doc        string `json:"doc,omitempty"`
	Generation int64  `json:"gen,omitempty"`

	// Outcomes lists the per-document results of a replication, in
	// delivery order.
	Outcomes []TraceOutcome `json:"outcomes,omitempty"`

	// Error is the terminal error of a replication.
	Error string `json:"error,omitempty"`
}

// TraceOutcome is one document replicated by a step.
type TraceOutcome struct {
	Direction  string `json:"dir"`
	Doc        string `json:"doc"`
	Generation int64  `json:"gen"`
	Deleted    bool   `json:"deleted,omitempty"`
	// Error is a short code: conflict, conflict_resolution, or error.
	Error string `json:"error,omitempty"`
}

// LeafState is the final leaf of one document on one peer.
type LeafState struct {
	Generation int64          `json:"gen"`
	Deleted    bool           `json:"deleted,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step completed and every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceStep `json:"trace"`

	// Final maps peer to "collection/doc" to leaf.
	Final map[string]map[string]LeafState `json:"final"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceStep{},
		Final:  make(map[string]map[string]LeafState),
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
