package verifier

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/perception"
	"forkbench/internal/types"
)

// RewardModelOptions configures a reward-model verifier.
type RewardModelOptions struct {
	Judge         perception.Model
	Params        types.SamplingParams
	Prompts       Prompts
	RewardPattern string
	Workers       int
	HistorySteps  int
	Fallback      string
}

// RewardModel scores every executable candidate independently and picks the
// highest reward. Ties go to the earlier candidate.
type RewardModel struct {
	opts    RewardModelOptions
	pattern *regexp.Regexp
}

// NewRewardModel compiles the reward pattern and validates the options.
func NewRewardModel(opts RewardModelOptions) (*RewardModel, error) {
	if opts.Judge == nil {
		return nil, fmt.Errorf("reward_model verifier requires a judge model")
	}
	if opts.RewardPattern == "" {
		opts.RewardPattern = `REWARD:\s*([+-]?\d+(?:\.\d+)?)`
	}
	re, err := regexp.Compile("(?m)" + opts.RewardPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid reward_regex %q: %w", opts.RewardPattern, err)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Prompts.System == nil || opts.Prompts.Reward == nil {
		return nil, fmt.Errorf("reward_model verifier requires system and reward templates")
	}
	return &RewardModel{opts: opts, pattern: re}, nil
}

// Name implements Verifier.
func (v *RewardModel) Name() string { return config.VerifierRewardModel }

// Select implements Verifier.
func (v *RewardModel) Select(ctx context.Context, candidates []types.Candidate, req Request) (Result, error) {
	res := Result{
		Index: NoValidCandidate,
		Info: types.VerifierInfo{
			Name:    config.VerifierRewardModel,
			Details: map[string]any{"judge": v.opts.Judge.Identity().ID()},
		},
	}

	base := promptData{
		Task:       req.Task,
		StepIndex:  req.StepIndex,
		IndexBase:  1,
		Candidates: views(candidates, 1),
		Steps:      RecentSteps(req.History, v.opts.HistorySteps),
	}

	rewards := make([]*float64, len(candidates))
	raw := make([]string, len(candidates))
	var (
		mu    sync.Mutex
		cost  float64
		calls int
	)

	g := new(errgroup.Group)
	g.SetLimit(v.opts.Workers)
	for i, c := range candidates {
		if !c.Valid {
			continue
		}
		g.Go(func() error {
			data := base
			data.Candidate = base.Candidates[i]
			system, err := render(v.opts.Prompts.System, data)
			if err != nil {
				return err
			}
			prompt, err := render(v.opts.Prompts.Reward, data)
			if err != nil {
				return err
			}
			resp, err := v.opts.Judge.Query(ctx, []types.Message{types.System(system), types.User(prompt)}, v.opts.Params)
			mu.Lock()
			calls++
			cost += resp.Cost
			mu.Unlock()
			if err != nil {
				logging.VerifierWarn("Step %d: reward call for candidate %d failed: %v", req.StepIndex, i, err)
				return nil
			}
			raw[i] = resp.Text
			if score, ok := ParseReward(v.pattern, resp.Text); ok {
				rewards[i] = &score
			}
			return nil
		})
	}
	renderErr := g.Wait()
	res.Cost, res.Calls = cost, calls

	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Info.Details["rewards"] = rewards
	res.Info.Details["raw_outputs"] = raw

	best := NoValidCandidate
	for i, r := range rewards {
		if r == nil {
			continue
		}
		if best == NoValidCandidate || *r > *rewards[best] {
			best = i
		}
	}
	if best == NoValidCandidate {
		res.Index = fallback(v.opts.Fallback, candidates)
		res.Info.Fallback = true
		reason := "no candidate was scored"
		if renderErr != nil {
			reason = renderErr.Error()
		}
		res.Info.Details["fallback_reason"] = reason
		return res, nil
	}
	res.Index = best
	logging.Verifier("Step %d: reward model selected candidate %d (reward=%.3f)", req.StepIndex, best, *rewards[best])
	return res, nil
}

// ParseReward returns the number captured by the last match of pattern.
func ParseReward(pattern *regexp.Regexp, text string) (float64, bool) {
	matches := pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	s := last[0]
	if len(last) > 1 {
		s = last[1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
