package types

import "time"

// RecordMode tells whether a rejected-action record came from a live run or a
// pass over stored trajectories.
type RecordMode string

const (
	ModeOnline  RecordMode = "online"
	ModeOffline RecordMode = "offline"
)

// RejectedActionRecord is one line of a rejected-action sidecar.
type RejectedActionRecord struct {
	RunID           string     `json:"run_id,omitempty"`
	StepIndex       int        `json:"step_index"`
	ExpertAction    string     `json:"expert_action"`
	RejectedAction  string     `json:"rejected_action"`
	RejectedModelID string     `json:"rejected_model_id"`
	CandidateIndex  int        `json:"candidate_index"`
	Valid           bool       `json:"valid"`
	Mode            RecordMode `json:"mode"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ActionStat summarises one executed action of a rollout.
type ActionStat struct {
	Phase      string `json:"phase"` // replay | rollout
	StepIndex  int    `json:"step_index"`
	Action     string `json:"action"`
	Source     string `json:"source"`
	ReturnCode *int   `json:"returncode"`
	OutputLen  int    `json:"output_len"`
}

// Mismatch records a replayed observation that differs from the stored one.
type Mismatch struct {
	StepIndex int    `json:"step_index"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// RolloutRecord is the summary of one rollout. It is written exactly once.
type RolloutRecord struct {
	SourceTrajectory  string         `json:"source_trajectory"`
	SourceStepIndex   int            `json:"source_step"`
	RolloutIndex      int            `json:"rollout_index"`
	IncludeThoughts   bool           `json:"include_thoughts"`
	ActionSource      string         `json:"action_source"`
	Model             ModelIdentity  `json:"model"`
	SamplingParams    SamplingParams `json:"sampling_params"`
	ReplayedSteps     int            `json:"replayed_steps"`
	RolloutStepBudget int            `json:"rollout_steps_requested"`
	RolloutSteps      int            `json:"rollout_steps_executed"`
	Outcome           Outcome        `json:"outcome"`
	Error             string         `json:"error,omitempty"`
	Submission        string         `json:"submission,omitempty"`
	Cost              float64        `json:"model_cost"`
	ModelCalls        int            `json:"model_calls"`
	Mismatches        []Mismatch     `json:"mismatches,omitempty"`
	Actions           []ActionStat   `json:"actions"`
	OutputPath        string         `json:"output_path,omitempty"`
	DurationSeconds   float64        `json:"duration_s"`
}
