// Package verifier selects which proposal is executed at a step.
//
// Strategies are composed by fallback: a model judge (or reward model) falls
// back to the rule-based choice, which falls back to NoValidCandidate.
package verifier

import (
	"context"
	"fmt"

	"forkbench/internal/types"
)

// NoValidCandidate is the index returned when nothing can be selected.
const NoValidCandidate = -1

// Request is the step context handed to a verifier besides the candidates.
type Request struct {
	StepIndex int
	Task      string
	// History is the prompt context the proposals were sampled from.
	History []types.Message
}

// Result is a verifier decision. Index points into the judged candidate slice.
type Result struct {
	Index int
	Info  types.VerifierInfo
	Cost  float64
	Calls int
}

// Verifier picks one candidate to execute.
//
// Select must not fail a step because of a misbehaving judge: it returns an
// error only when ctx is done.
type Verifier interface {
	Name() string
	Select(ctx context.Context, candidates []types.Candidate, req Request) (Result, error)
}

// Choose runs v and maps its decision onto a step selection. When
// includeExpert is set the expert proposal is judged in front of the pool,
// so judged index 0 maps to types.SelectedExpert. The returned selection is a
// pool index, types.SelectedExpert, or types.SelectedNone.
func Choose(ctx context.Context, v Verifier, pool []types.Candidate, expert *types.Candidate, includeExpert bool, req Request) (int, Result, error) {
	judged := pool
	offset := 0
	if includeExpert {
		if expert == nil {
			return types.SelectedNone, Result{}, fmt.Errorf("include_expert requires the expert proposal")
		}
		judged = make([]types.Candidate, 0, len(pool)+1)
		judged = append(judged, *expert)
		judged = append(judged, pool...)
		offset = 1
	}

	res, err := v.Select(ctx, judged, req)
	if err != nil {
		return types.SelectedNone, res, err
	}
	if res.Info.Details == nil {
		res.Info.Details = map[string]any{}
	}
	res.Info.Details["include_expert"] = includeExpert

	switch {
	case res.Index < 0 || res.Index >= len(judged):
		return types.SelectedNone, res, nil
	case includeExpert && res.Index == 0:
		return types.SelectedExpert, res, nil
	default:
		return res.Index - offset, res, nil
	}
}

// firstValid returns the index of the first valid candidate.
func firstValid(candidates []types.Candidate) int {
	for i, c := range candidates {
		if c.Valid && c.Action != nil {
			return i
		}
	}
	return NoValidCandidate
}
