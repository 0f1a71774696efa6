package config

import (
	"fmt"
	"regexp"
	"time"
)

// Validate checks the configuration before any model or execution call is made.
func (c *Config) Validate() error {
	if err := c.validateAgent(); err != nil {
		return err
	}
	if err := validateModel("model", c.Model); err != nil {
		return err
	}
	if err := c.validateEnvironment(); err != nil {
		return err
	}
	if err := c.validateSampling(); err != nil {
		return err
	}
	if err := c.validateVerifier(); err != nil {
		return err
	}
	return c.validateRollout()
}

func (c *Config) validateAgent() error {
	if c.Agent.ActionRegex == "" {
		return fmt.Errorf("agent.action_regex is required")
	}
	if _, err := regexp.Compile("(?s)" + c.Agent.ActionRegex); err != nil {
		return fmt.Errorf("agent.action_regex is invalid: %w", err)
	}
	if c.Agent.StepLimit < 0 {
		return fmt.Errorf("agent.step_limit must be >= 0")
	}
	if c.Agent.CostLimit < 0 {
		return fmt.Errorf("agent.cost_limit must be >= 0")
	}
	return nil
}

func validateModel(field string, m ModelConfig) error {
	switch m.Provider {
	case "openai", "gemini":
		if m.Model == "" {
			return fmt.Errorf("%s.model is required for provider %s", field, m.Provider)
		}
	case "deterministic":
		if len(m.Outputs) == 0 {
			return fmt.Errorf("%s.outputs is required for the deterministic provider", field)
		}
	case "":
		return fmt.Errorf("%s.provider is required", field)
	default:
		return fmt.Errorf("%s.provider %q is not supported", field, m.Provider)
	}
	if err := validDuration(field+".timeout", m.Timeout); err != nil {
		return err
	}
	if m.Weight < 0 {
		return fmt.Errorf("%s.weight must be >= 0", field)
	}
	return nil
}

func (c *Config) validateEnvironment() error {
	switch c.Environment.Type {
	case "local", "docker":
	default:
		return fmt.Errorf("environment.type %q is not supported (local, docker)", c.Environment.Type)
	}
	if c.Environment.Type == "docker" && c.Environment.Image == "" {
		return fmt.Errorf("environment.image is required for docker")
	}
	if c.Environment.MaxOutputBytes <= 0 {
		return fmt.Errorf("environment.max_output_bytes must be > 0")
	}
	if err := validDuration("environment.timeout", c.Environment.Timeout); err != nil {
		return err
	}
	return validDuration("environment.container_timeout", c.Environment.ContainerTimeout)
}

func (c *Config) validateSampling() error {
	s := c.CandidateSampling
	if !s.Enabled {
		return nil
	}
	if s.K < 1 {
		return fmt.Errorf("candidate_sampling.num_candidates must be >= 1")
	}
	if len(s.Pool) == 0 {
		return fmt.Errorf("candidate_sampling.pool must list at least one model")
	}
	switch s.Policy {
	case PolicyRoundRobin, PolicyWeighted, PolicyRandom:
	default:
		return fmt.Errorf("candidate_sampling.policy %q is not supported", s.Policy)
	}
	if s.Workers < 1 {
		return fmt.Errorf("candidate_sampling.workers must be >= 1")
	}
	for i, m := range s.Pool {
		if err := validateModel(fmt.Sprintf("candidate_sampling.pool[%d]", i), m); err != nil {
			return err
		}
	}
	return validDuration("candidate_sampling.timeout", s.Timeout)
}

func (c *Config) validateVerifier() error {
	v := c.Verifier
	switch v.Type {
	case VerifierFirstValid:
	case VerifierLLM, VerifierRewardModel:
		if v.Judge.Provider != "" {
			if err := validateModel("verifier.judge", v.Judge); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("verifier.type %q is not supported", v.Type)
	}
	if v.IndexBase != 0 && v.IndexBase != 1 {
		return fmt.Errorf("verifier.index_base must be 0 or 1")
	}
	if _, err := regexp.Compile(v.IndexRegex); err != nil {
		return fmt.Errorf("verifier.index_regex is invalid: %w", err)
	}
	if _, err := regexp.Compile(v.RewardRegex); err != nil {
		return fmt.Errorf("verifier.reward_regex is invalid: %w", err)
	}
	switch v.Fallback {
	case FallbackFirstValid, FallbackFirstCandidate:
	default:
		return fmt.Errorf("verifier.fallback %q is not supported", v.Fallback)
	}
	if v.SimilarityThreshold < 0 || v.SimilarityThreshold > 1 {
		return fmt.Errorf("verifier.similarity_threshold must be within [0, 1]")
	}
	return nil
}

func (c *Config) validateRollout() error {
	r := c.Rollout
	if r.Count < 1 {
		return fmt.Errorf("rollout.count must be >= 1")
	}
	if r.StepBudget < 1 {
		return fmt.Errorf("rollout.step_budget must be >= 1")
	}
	if r.Workers < 1 {
		return fmt.Errorf("rollout.workers must be >= 1")
	}
	switch r.ActionSource {
	case ActionSourceModel:
	case ActionSourceFixed:
		if len(r.FixedActions) == 0 {
			return fmt.Errorf("rollout.fixed_actions is required when action_source is fixed")
		}
	default:
		return fmt.Errorf("rollout.action_source %q is not supported", r.ActionSource)
	}
	if r.ReplayRegex != "" {
		if _, err := regexp.Compile(r.ReplayRegex); err != nil {
			return fmt.Errorf("rollout.replay_regex is invalid: %w", err)
		}
	}
	for i, m := range r.Models {
		if err := validateModel(fmt.Sprintf("rollout.models[%d]", i), m); err != nil {
			return err
		}
	}
	return nil
}

func validDuration(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s %q is not a valid duration: %w", field, value, err)
	}
	return nil
}
