package types

import "time"

// Action is a single shell command to hand to an execution backend.
type Action struct {
	Command string `json:"command"`
}

// IsZero reports whether the action carries no command.
func (a Action) IsZero() bool { return a.Command == "" }

// Candidate is one alternative model output sampled for a step.
type Candidate struct {
	SourceModelID string  `json:"source_model_id"`
	RawText       string  `json:"raw_text"`
	Action        *Action `json:"parsed_action,omitempty"`
	Valid         bool    `json:"valid"`
	Error         string  `json:"error,omitempty"`
	Cost          float64 `json:"cost,omitempty"`
}

// Observation is the captured result of executing one Action.
type Observation struct {
	// ReturnCode is nil when the process never produced an exit status.
	ReturnCode *int   `json:"returncode"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Exception  string `json:"exception,omitempty"`
}

// ExitCode returns the return code or -1 when there is none.
func (o Observation) ExitCode() int {
	if o.ReturnCode == nil {
		return -1
	}
	return *o.ReturnCode
}

// IntPtr is a small helper for building observations.
func IntPtr(v int) *int { return &v }

// Selection sentinels for Step.SelectedIndex.
const (
	// SelectedExpert means the decision-maker's own action was executed.
	SelectedExpert = -1
	// SelectedNone means nothing was executed.
	SelectedNone = -2
)

// VerifierInfo describes how the executed action was chosen.
type VerifierInfo struct {
	Name     string         `json:"name"`
	Fallback bool           `json:"fallback,omitempty"`
	Skipped  bool           `json:"skipped,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Step is one decision point of a run. It is immutable once Observation is set.
type Step struct {
	Index         int           `json:"index"`
	PromptContext []Message     `json:"prompt_context,omitempty"`
	ExpertModelID string        `json:"expert_model_id,omitempty"`
	ExpertOutput  string        `json:"expert_output,omitempty"`
	ExpertAction  *Action       `json:"expert_action,omitempty"`
	Candidates    []Candidate   `json:"candidates,omitempty"`
	SelectedIndex int           `json:"selected_index"`
	Observation   *Observation  `json:"observation,omitempty"`
	Condition     Outcome       `json:"condition,omitempty"`
	Verifier      *VerifierInfo `json:"verifier,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// Executed reports whether an action ran during the step.
func (s *Step) Executed() bool {
	return s.SelectedIndex != SelectedNone && s.ExpertAction != nil
}
