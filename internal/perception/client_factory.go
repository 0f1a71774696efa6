package perception

import (
	"context"
	"fmt"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// NewModel builds a client for one model configuration.
func NewModel(ctx context.Context, cfg config.ModelConfig) (Model, error) {
	pricing := Pricing{InputPerMTok: cfg.InputCostPerMTok, OutputPerMTok: cfg.OutputCostPerMTok}
	logging.BootDebug("Creating model client: provider=%s model=%s id=%s", cfg.Provider, cfg.Model, cfg.Identity())

	switch cfg.Provider {
	case "openai":
		c, err := NewOpenAIClient(OpenAIConfig{
			Name:     cfg.Identity(),
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Timeout:  cfg.GetTimeout(),
			Defaults: cfg.Sampling,
			Pricing:  pricing,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "gemini":
		c, err := NewGeminiClient(ctx, GeminiConfig{
			Name:     cfg.Identity(),
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Timeout:  cfg.GetTimeout(),
			Defaults: cfg.Sampling,
			Pricing:  pricing,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "deterministic":
		if len(cfg.Outputs) == 0 {
			return nil, fmt.Errorf("deterministic model %s has no outputs", cfg.Identity())
		}
		return NewDeterministicModel(IdentityOf(cfg), cfg.Outputs, cfg.CostPerCall, true), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

// IdentityOf returns the identity a client built from cfg reports, without
// building it. It needs no credentials.
func IdentityOf(cfg config.ModelConfig) types.ModelIdentity {
	id := types.ModelIdentity{Name: cfg.Identity()}
	switch cfg.Provider {
	case "openai":
		id.Implementation = openAIImplementation(cfg.Model, cfg.BaseURL)
	case "gemini":
		id.Implementation = geminiImplementation(cfg.Model, cfg.BaseURL)
	case "deterministic":
		id.Implementation = "deterministic:" + cfg.Identity()
	}
	return id
}

// NewModels builds one client per configuration, in order.
func NewModels(ctx context.Context, cfgs []config.ModelConfig) ([]Model, error) {
	out := make([]Model, 0, len(cfgs))
	for i, c := range cfgs {
		m, err := NewModel(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("model %d (%s): %w", i, c.Identity(), err)
		}
		out = append(out, m)
	}
	return out, nil
}
