package verifier

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/perception"
	"forkbench/internal/types"
)

// ModelBasedOptions configures a judge verifier.
type ModelBasedOptions struct {
	Judge          perception.Model
	Params         types.SamplingParams
	Prompts        Prompts
	IndexPattern   string
	IndexBase      int
	HistorySteps   int
	IncludeRawText bool
	Fallback       string
}

// ModelBased asks a judge model to pick a candidate by number.
type ModelBased struct {
	opts    ModelBasedOptions
	pattern *regexp.Regexp
}

// NewModelBased compiles the index pattern and validates the options.
func NewModelBased(opts ModelBasedOptions) (*ModelBased, error) {
	if opts.Judge == nil {
		return nil, fmt.Errorf("llm verifier requires a judge model")
	}
	if opts.IndexPattern == "" {
		opts.IndexPattern = `(\d+)`
	}
	re, err := regexp.Compile(opts.IndexPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid index_regex %q: %w", opts.IndexPattern, err)
	}
	if opts.Prompts.System == nil || opts.Prompts.Selection == nil {
		return nil, fmt.Errorf("llm verifier requires system and selection templates")
	}
	return &ModelBased{opts: opts, pattern: re}, nil
}

// Name implements Verifier.
func (v *ModelBased) Name() string { return config.VerifierLLM }

// Select implements Verifier.
func (v *ModelBased) Select(ctx context.Context, candidates []types.Candidate, req Request) (Result, error) {
	res := Result{
		Index: NoValidCandidate,
		Info: types.VerifierInfo{
			Name:    config.VerifierLLM,
			Details: map[string]any{"judge": v.opts.Judge.Identity().ID(), "index_base": v.opts.IndexBase},
		},
	}
	if len(candidates) == 0 {
		return res, ctx.Err()
	}

	data := promptData{
		Task:           req.Task,
		StepIndex:      req.StepIndex,
		IndexBase:      v.opts.IndexBase,
		IncludeRawText: v.opts.IncludeRawText,
		Candidates:     views(candidates, v.opts.IndexBase),
		Steps:          RecentSteps(req.History, v.opts.HistorySteps),
	}
	system, err := render(v.opts.Prompts.System, data)
	if err != nil {
		return v.fallBack(res, candidates, err.Error()), nil
	}
	selection, err := render(v.opts.Prompts.Selection, data)
	if err != nil {
		return v.fallBack(res, candidates, err.Error()), nil
	}

	resp, err := v.opts.Judge.Query(ctx, []types.Message{types.System(system), types.User(selection)}, v.opts.Params)
	res.Calls = 1
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		logging.VerifierWarn("Step %d: judge call failed: %v", req.StepIndex, err)
		return v.fallBack(res, candidates, "judge call failed: "+err.Error()), nil
	}
	res.Cost = resp.Cost
	res.Info.Details["raw_output"] = resp.Text

	raw, ok := ParseIndex(v.pattern, resp.Text)
	if !ok {
		return v.fallBack(res, candidates, "no index in judge output"), nil
	}
	res.Info.Details["raw_index"] = raw
	idx := raw - v.opts.IndexBase
	if idx < 0 || idx >= len(candidates) {
		return v.fallBack(res, candidates, fmt.Sprintf("index %d out of range", raw)), nil
	}
	if !candidates[idx].Valid {
		return v.fallBack(res, candidates, fmt.Sprintf("candidate %d is not executable", raw)), nil
	}

	res.Index = idx
	res.Info.Details["parsed_index"] = idx
	logging.Verifier("Step %d: judge selected candidate %d (%s)", req.StepIndex, idx, candidates[idx].SourceModelID)
	return res, nil
}

func (v *ModelBased) fallBack(res Result, candidates []types.Candidate, reason string) Result {
	res.Index = fallback(v.opts.Fallback, candidates)
	res.Info.Fallback = true
	res.Info.Details["fallback_reason"] = reason
	res.Info.Details["parsed_index"] = res.Index
	logging.VerifierDebug("Judge fallback (%s) -> %d", reason, res.Index)
	return res
}

// ParseIndex returns the integer captured by the last match of pattern in
// text. The first capture group is used when present.
func ParseIndex(pattern *regexp.Regexp, text string) (int, bool) {
	matches := pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	s := last[0]
	if len(last) > 1 {
		s = last[1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
