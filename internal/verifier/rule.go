package verifier

import (
	"context"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// RuleBased selects the first structurally valid candidate.
type RuleBased struct{}

// Name implements Verifier.
func (RuleBased) Name() string { return config.VerifierFirstValid }

// Select implements Verifier.
func (RuleBased) Select(ctx context.Context, candidates []types.Candidate, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Index: NoValidCandidate}, err
	}
	idx := firstValid(candidates)
	logging.VerifierDebug("Step %d: first_valid selected %d of %d", req.StepIndex, idx, len(candidates))
	return Result{Index: idx, Info: types.VerifierInfo{Name: config.VerifierFirstValid}}, nil
}

// fallback resolves the configured fallback choice for judge verifiers.
// first_candidate picks index 0 only when that candidate is executable.
func fallback(mode string, candidates []types.Candidate) int {
	if mode == config.FallbackFirstCandidate && len(candidates) > 0 && candidates[0].Valid {
		return 0
	}
	return firstValid(candidates)
}
