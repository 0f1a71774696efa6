package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forkbench configuration.
type Config struct {
	// Agent behaviour and prompt templates
	Agent AgentConfig `yaml:"agent"`

	// Expert (decision-maker) model
	Model ModelConfig `yaml:"model"`

	// Execution backend
	Environment EnvironmentConfig `yaml:"environment"`

	// Alternative-action sampling from the non-expert pool
	CandidateSampling CandidateSamplingConfig `yaml:"candidate_sampling"`

	// Candidate selection policy
	Verifier VerifierConfig `yaml:"verifier"`

	// Rejected-action sidecars
	RejectedActions RejectedActionsConfig `yaml:"rejected_actions"`

	// Replay and rollout sampling
	Rollout RolloutConfig `yaml:"rollout"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Tracing
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// SQLite ledger of produced records
	Ledger LedgerConfig `yaml:"ledger"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			SystemTemplate:          DefaultSystemTemplate,
			InstanceTemplate:        DefaultInstanceTemplate,
			ObservationTemplate:     DefaultObservationTemplate,
			FormatErrorTemplate:     DefaultFormatErrorTemplate,
			TimeoutTemplate:         DefaultTimeoutTemplate,
			ActionRegex:             DefaultActionRegex,
			StepLimit:               0,
			CostLimit:               3.0,
			MaxOutputChars:          10000,
			AddFormatErrorToHistory: true,
			OutputDir:               "trajectories",
		},
		Model: ModelConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},
		Environment: EnvironmentConfig{
			Type:             "local",
			Timeout:          "60s",
			MaxOutputBytes:   1 << 20,
			ForwardEnv:       []string{"PATH", "HOME", "LANG", "TERM"},
			DockerExecutable: "docker",
			Image:            "python:3.11",
			ContainerTimeout: "2h",
			Cwd:              "",
		},
		CandidateSampling: CandidateSamplingConfig{
			Enabled: false,
			K:       3,
			Policy:  PolicyRoundRobin,
			Workers: 4,
			Timeout: "120s",
		},
		Verifier: VerifierConfig{
			Type:                VerifierFirstValid,
			IndexRegex:          `(\d+)`,
			IndexBase:           1,
			HistorySteps:        6,
			Fallback:            FallbackFirstValid,
			RewardRegex:         `REWARD:\s*([+-]?\d+(?:\.\d+)?)`,
			SimilarityThreshold: 0.9,
			Workers:             4,
			PromptDir:           "prompts/verifier",
		},
		RejectedActions: RejectedActionsConfig{
			Enabled:   false,
			OutputDir: "",
		},
		Rollout: RolloutConfig{
			Count:              4,
			StepBudget:         10,
			Workers:            2,
			IncludeThoughts:    true,
			VerifyObservations: true,
			ActionSource:       ActionSourceModel,
			OutputDir:          "rollouts",
		},
		Logging: LoggingConfig{
			DebugMode:  false,
			Dir:        ".forkbench/logs",
			Level:      "info",
			JSONFormat: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "forkbench",
		},
		Ledger: LedgerConfig{
			Path: "",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	// API keys only fill configs that carry none
	fill := func(m *ModelConfig) {
		if m.APIKey != "" {
			return
		}
		switch m.Provider {
		case "openai":
			m.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			m.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	fill(&c.Model)
	fill(&c.Verifier.Judge)
	for i := range c.CandidateSampling.Pool {
		fill(&c.CandidateSampling.Pool[i])
	}
	for i := range c.Rollout.Models {
		fill(&c.Rollout.Models[i])
	}

	if path := os.Getenv("FORKBENCH_LEDGER"); path != "" {
		c.Ledger.Path = path
	}
	if level := os.Getenv("FORKBENCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// parseDuration parses s, returning fallback when s is empty or invalid.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetExecutionTimeout returns the per-action execution timeout.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Environment.Timeout, 60*time.Second)
}

// GetContainerTimeout returns the lifetime of a docker sandbox.
func (c *Config) GetContainerTimeout() time.Duration {
	return parseDuration(c.Environment.ContainerTimeout, 2*time.Hour)
}

// GetCandidateTimeout returns the per-call timeout for candidate sampling.
func (c *Config) GetCandidateTimeout() time.Duration {
	return parseDuration(c.CandidateSampling.Timeout, 120*time.Second)
}

// GetTimeout returns the per-call timeout for a model.
func (m ModelConfig) GetTimeout() time.Duration {
	return parseDuration(m.Timeout, 120*time.Second)
}
