package replay

import (
	"fmt"

	"forkbench/internal/actions"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

// Action sources reported in replay stats.
const (
	SourceRecord      = "record"
	SourceAssistant   = "assistant"
	SourcePrecomputed = "precomputed"
	SourceSkipped     = "skipped"
)

// ActionSelector decides which action a recorded step executed. A nil action
// means the step executed nothing (for example a format-error turn).
type ActionSelector interface {
	SelectAction(step trajectory.StepView) (*types.Action, string, error)
}

// RegexActionSelector trusts structured step records and otherwise extracts
// the action from the assistant message.
type RegexActionSelector struct {
	Extractor *actions.Extractor
}

// SelectAction implements ActionSelector.
func (s RegexActionSelector) SelectAction(step trajectory.StepView) (*types.Action, string, error) {
	if rec := step.Record; rec != nil {
		if !rec.Executed() {
			return nil, SourceSkipped, nil
		}
		a := *rec.ExpertAction
		return &a, SourceRecord, nil
	}
	a, err := s.Extractor.Extract(step.Assistant().Content)
	if err != nil {
		// The live run could not execute this turn either.
		return nil, SourceSkipped, nil
	}
	return &a, SourceAssistant, nil
}

// PrecomputedActionSelector replays a caller-supplied action per step index.
// A step without an entry is an error.
type PrecomputedActionSelector map[int]types.Action

// SelectAction implements ActionSelector.
func (s PrecomputedActionSelector) SelectAction(step trajectory.StepView) (*types.Action, string, error) {
	a, ok := s[step.Index]
	if !ok {
		return nil, "", fmt.Errorf("no precomputed action for step %d", step.Index)
	}
	return &a, SourcePrecomputed, nil
}
