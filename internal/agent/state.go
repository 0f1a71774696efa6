package agent

import (
	"forkbench/internal/types"
)

// StepState is a state of the per-decision state machine.
type StepState int

const (
	StateAwaitingPrompt StepState = iota
	StateSamplingExpert
	StateSamplingCandidates
	StateVerifying
	StateExecutingAction
	StateRecordingObservation
	StateDone
	StateLimitExceeded
	StateFormatError
)

var stateNames = [...]string{
	StateAwaitingPrompt:       "AwaitingPrompt",
	StateSamplingExpert:       "SamplingExpert",
	StateSamplingCandidates:   "SamplingCandidates",
	StateVerifying:            "Verifying",
	StateExecutingAction:      "ExecutingAction",
	StateRecordingObservation: "RecordingObservation",
	StateDone:                 "Done",
	StateLimitExceeded:        "LimitExceeded",
	StateFormatError:          "FormatError",
}

func (s StepState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the state ends a step.
func (s StepState) Terminal() bool {
	return s == StateDone || s == StateLimitExceeded || s == StateFormatError
}

// RunContext is the mutable state of one run. It is owned by the goroutine
// driving the run and is never shared.
type RunContext struct {
	RunID   string
	Task    string
	History []types.Message
	Steps   []types.Step
	Cost    float64
	Calls   int
}

// NewRunContext starts a run from an initial history.
func NewRunContext(runID, task string, history []types.Message) *RunContext {
	return &RunContext{
		RunID:   runID,
		Task:    task,
		History: types.CloneMessages(history),
	}
}

// Snapshot returns an independent copy of the accumulated history.
func (rc *RunContext) Snapshot() []types.Message {
	return types.CloneMessages(rc.History)
}

func (rc *RunContext) charge(cost float64, calls int) {
	rc.Cost += cost
	rc.Calls += calls
}

// Limits bounds a run. Zero values mean unlimited.
type Limits struct {
	StepLimit int
	CostLimit float64
}

// Exceeded reports whether rc has used up its budget.
func (l Limits) Exceeded(rc *RunContext) bool {
	if l.StepLimit > 0 && len(rc.Steps) >= l.StepLimit {
		return true
	}
	return l.CostLimit > 0 && rc.Cost >= l.CostLimit
}
