package rollout

import (
	"context"
	"fmt"

	"forkbench/internal/config"
	"forkbench/internal/perception"
)

// Provider supplies the acting model for each rollout.
type Provider interface {
	// Model returns the model for rollout i. It is called once per rollout.
	Model(i int) (perception.Model, error)
	// Source names the provider in rollout records.
	Source() string
}

// ModelProvider cycles through model configurations. Every rollout gets a
// freshly built client, so scripted or stateful models start from the same
// point in each rollout.
type ModelProvider struct {
	Configs []config.ModelConfig
	// New builds a client. It defaults to perception.NewModel.
	New func(ctx context.Context, cfg config.ModelConfig) (perception.Model, error)
}

// Model implements Provider.
func (p ModelProvider) Model(i int) (perception.Model, error) {
	if len(p.Configs) == 0 {
		return nil, fmt.Errorf("no rollout models configured")
	}
	build := p.New
	if build == nil {
		build = perception.NewModel
	}
	cfg := p.Configs[i%len(p.Configs)]
	m, err := build(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("rollout model %s: %w", cfg.Identity(), err)
	}
	return m, nil
}

// Source implements Provider.
func (ModelProvider) Source() string { return config.ActionSourceModel }

// FixedProvider plays the same command sequence in every rollout.
type FixedProvider struct {
	Commands []string
}

// Model implements Provider. Each rollout gets its own playback.
func (p FixedProvider) Model(int) (perception.Model, error) {
	if len(p.Commands) == 0 {
		return nil, fmt.Errorf("fixed action source requires at least one action")
	}
	return perception.NewFixedActionModel(p.Commands), nil
}

// Source implements Provider.
func (FixedProvider) Source() string { return config.ActionSourceFixed }

// ProviderFromConfig builds the provider named by cfg. The model source
// falls back to the expert model when no rollout models are listed.
func ProviderFromConfig(ctx context.Context, cfg config.RolloutConfig, expert config.ModelConfig) (Provider, error) {
	switch cfg.ActionSource {
	case config.ActionSourceFixed:
		return FixedProvider{Commands: cfg.FixedActions}, nil
	case "", config.ActionSourceModel:
		specs := cfg.Models
		if len(specs) == 0 {
			specs = []config.ModelConfig{expert}
		}
		// Fail on a bad configuration now rather than in every rollout.
		if _, err := perception.NewModels(ctx, specs); err != nil {
			return nil, err
		}
		return ModelProvider{Configs: specs}, nil
	default:
		return nil, fmt.Errorf("unknown rollout action source %q", cfg.ActionSource)
	}
}
