package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"forkbench/internal/actions"
	"forkbench/internal/config"
	"forkbench/internal/perception"
	"forkbench/internal/prompt"
	"forkbench/internal/recorder"
	"forkbench/internal/replay"
	"forkbench/internal/rollout"
	"forkbench/internal/sampler"
	"forkbench/internal/store"
	"forkbench/internal/tactile"
	"forkbench/internal/trajectory"
)

// stack holds the components built from one config.
type stack struct {
	cfg       *config.Config
	snapshot  map[string]any
	extractor *actions.Extractor
	renderer  *prompt.Renderer
	factory   tactile.Factory
	ledger    *store.Ledger
}

func newStack(cfg *config.Config) (*stack, error) {
	ex, err := actions.NewExtractor(cfg.Agent.ActionRegex)
	if err != nil {
		return nil, err
	}
	r, err := prompt.NewRenderer(cfg.Agent)
	if err != nil {
		return nil, err
	}
	f, err := tactile.NewFactory(cfg.Environment)
	if err != nil {
		return nil, err
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, snapshot: snap, extractor: ex, renderer: r, factory: f}
	if cfg.Ledger.Path != "" {
		l, err := store.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		s.ledger = l
	}
	return s, nil
}

func (s *stack) Close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
}

// rejectedLedger and rolloutLedger keep a nil *store.Ledger from becoming a
// non-nil interface.
func (s *stack) rejectedLedger() recorder.Ledger {
	if s.ledger == nil {
		return nil
	}
	return s.ledger
}

func (s *stack) rolloutLedger() rollout.Ledger {
	if s.ledger == nil {
		return nil
	}
	return s.ledger
}

func (s *stack) expert(ctx context.Context) (perception.Model, error) {
	m, err := perception.NewModel(ctx, s.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("expert model: %w", err)
	}
	return m, nil
}

// sampler returns nil when candidate sampling is disabled.
func (s *stack) sampler(ctx context.Context, expert perception.Model) (*sampler.CandidateSampler, error) {
	if !s.cfg.CandidateSampling.Enabled {
		return nil, nil
	}
	return sampler.NewFromConfig(ctx, expert.Identity(), s.cfg.CandidateSampling, s.cfg.GetCandidateTimeout(), s.extractor)
}

func (s *stack) replayer() (*replay.Replayer, error) {
	ex := s.extractor
	if s.cfg.Rollout.ReplayRegex != "" {
		var err error
		if ex, err = actions.NewExtractor(s.cfg.Rollout.ReplayRegex); err != nil {
			return nil, fmt.Errorf("replay regex: %w", err)
		}
	}
	return replay.New(replay.Options{
		Factory:            s.factory,
		Renderer:           s.renderer,
		Selector:           replay.RegexActionSelector{Extractor: ex},
		VerifyObservations: s.cfg.Rollout.VerifyObservations,
		StartupCommand:     s.cfg.Rollout.StartupCommand,
	})
}

// configForTrajectory prefers the config stored in t when no config file was
// given on the command line.
func configForTrajectory(t *trajectory.Trajectory) (*config.Config, error) {
	var base *config.Config
	if configPath == "" {
		if stored, err := t.Config(); err == nil && stored != nil {
			base = stored
		}
	}
	return loadConfig(base)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
