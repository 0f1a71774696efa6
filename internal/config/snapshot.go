package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Snapshot renders the configuration as a generic map keyed by the YAML
// field names, suitable for embedding in JSON trajectory files. API keys are
// blanked.
func (c *Config) Snapshot() (map[string]any, error) {
	clean := *c
	clean.Model.APIKey = ""
	clean.Verifier.Judge.APIKey = ""
	clean.CandidateSampling.Pool = redactKeys(c.CandidateSampling.Pool)
	clean.Rollout.Models = redactKeys(c.Rollout.Models)

	data, err := yaml.Marshal(&clean)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to build config snapshot: %w", err)
	}
	return out, nil
}

// FromSnapshot rebuilds a configuration from a Snapshot map, starting from
// defaults so that missing sections keep their default values. Blanked API
// keys are filled from the environment again.
func FromSnapshot(m map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	if len(m) == 0 {
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config snapshot: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func redactKeys(models []ModelConfig) []ModelConfig {
	if models == nil {
		return nil
	}
	out := make([]ModelConfig, len(models))
	for i, m := range models {
		m.APIKey = ""
		out[i] = m
	}
	return out
}
