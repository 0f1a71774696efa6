package verifier

import (
	"context"
	"fmt"

	"forkbench/internal/config"
	"forkbench/internal/perception"
)

// New builds the configured verifier. judge is required for the llm and
// reward_model types.
func New(cfg config.VerifierConfig, judge perception.Model) (Verifier, error) {
	var v Verifier
	switch cfg.Type {
	case "", config.VerifierFirstValid:
		return RuleBased{}, nil
	case config.VerifierLLM:
		prompts, err := LoadPrompts(cfg)
		if err != nil {
			return nil, err
		}
		mb, err := NewModelBased(ModelBasedOptions{
			Judge:          judge,
			Params:         cfg.Judge.Sampling,
			Prompts:        prompts,
			IndexPattern:   cfg.IndexRegex,
			IndexBase:      cfg.IndexBase,
			HistorySteps:   cfg.HistorySteps,
			IncludeRawText: cfg.IncludeRawText,
			Fallback:       cfg.Fallback,
		})
		if err != nil {
			return nil, err
		}
		v = mb
	case config.VerifierRewardModel:
		prompts, err := LoadPrompts(cfg)
		if err != nil {
			return nil, err
		}
		rm, err := NewRewardModel(RewardModelOptions{
			Judge:         judge,
			Params:        cfg.Judge.Sampling,
			Prompts:       prompts,
			RewardPattern: cfg.RewardRegex,
			Workers:       cfg.Workers,
			HistorySteps:  cfg.HistorySteps,
			Fallback:      cfg.Fallback,
		})
		if err != nil {
			return nil, err
		}
		v = rm
	default:
		return nil, fmt.Errorf("unknown verifier type %q", cfg.Type)
	}

	if cfg.SkipIfSimilar {
		v = SimilarityGate{Inner: v, Threshold: cfg.SimilarityThreshold}
	}
	return v, nil
}

// NewFromConfig builds the judge client from cfg.Judge, or reuses expert when
// no judge provider is configured, and wires the verifier.
func NewFromConfig(ctx context.Context, cfg config.VerifierConfig, expert perception.Model) (Verifier, error) {
	if cfg.Type == "" || cfg.Type == config.VerifierFirstValid {
		return New(cfg, nil)
	}
	judge := expert
	if cfg.Judge.Provider != "" {
		m, err := perception.NewModel(ctx, cfg.Judge)
		if err != nil {
			return nil, fmt.Errorf("verifier judge: %w", err)
		}
		judge = m
	}
	return New(cfg, judge)
}
