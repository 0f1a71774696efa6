package verifier

import (
	"context"
	"strings"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// Similarity is the token Jaccard similarity of two commands after
// lowercasing and whitespace normalisation. Two empty commands are identical.
func Similarity(a, b string) float64 {
	left, right := tokens(a), tokens(b)
	if len(left) == 0 && len(right) == 0 {
		return 1
	}
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	shared := 0
	for t := range left {
		if _, ok := right[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(left)+len(right)-shared)
}

func tokens(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// MinPairwiseSimilarity returns the lowest similarity over all candidate
// pairs, or 1 for fewer than two candidates.
func MinPairwiseSimilarity(candidates []types.Candidate) float64 {
	lowest := 1.0
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if s := Similarity(command(candidates[i]), command(candidates[j])); s < lowest {
				lowest = s
			}
		}
	}
	return lowest
}

func command(c types.Candidate) string {
	if c.Action == nil {
		return ""
	}
	return c.Action.Command
}

// SimilarityGate skips the wrapped verifier when every pair of candidates is
// at least Threshold similar, taking the rule-based choice instead.
type SimilarityGate struct {
	Inner     Verifier
	Threshold float64
}

// Name implements Verifier.
func (g SimilarityGate) Name() string { return g.Inner.Name() }

// Select implements Verifier.
func (g SimilarityGate) Select(ctx context.Context, candidates []types.Candidate, req Request) (Result, error) {
	if len(candidates) < 2 {
		return g.Inner.Select(ctx, candidates, req)
	}
	lowest := MinPairwiseSimilarity(candidates)
	if lowest < g.Threshold {
		return g.Inner.Select(ctx, candidates, req)
	}

	res, err := RuleBased{}.Select(ctx, candidates, req)
	if err != nil {
		return res, err
	}
	res.Info.Name = g.Inner.Name()
	res.Info.Skipped = true
	res.Info.Details = map[string]any{
		"min_pairwise_similarity": lowest,
		"similarity_threshold":    g.Threshold,
	}
	logging.VerifierDebug("Step %d: candidates %.2f similar, skipping %s", req.StepIndex, lowest, g.Inner.Name())
	return res, nil
}
