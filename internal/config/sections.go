package config

import "forkbench/internal/types"

// AgentConfig configures the step controller and its templates.
type AgentConfig struct {
	SystemTemplate      string `yaml:"system_template"`
	InstanceTemplate    string `yaml:"instance_template"`
	ObservationTemplate string `yaml:"observation_template"`
	FormatErrorTemplate string `yaml:"format_error_template"`
	TimeoutTemplate     string `yaml:"timeout_template"`
	ActionRegex         string `yaml:"action_regex"`

	// StepLimit is the maximum number of executed steps (0 = unlimited).
	StepLimit int `yaml:"step_limit"`
	// CostLimit stops the run once accumulated cost reaches it (0 = unlimited).
	CostLimit float64 `yaml:"cost_limit"`
	// MaxOutputChars switches the observation template to head/tail mode.
	MaxOutputChars int `yaml:"max_output_chars"`

	AddFormatErrorToHistory bool   `yaml:"add_format_error_to_history"`
	OutputDir               string `yaml:"output_dir"`
}

// ModelConfig configures one model client.
type ModelConfig struct {
	// ID is the display identity recorded in sidecars; defaults to provider:model.
	ID       string `yaml:"id,omitempty"`
	Provider string `yaml:"provider"` // openai, gemini, deterministic
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`

	Sampling types.SamplingParams `yaml:"sampling,omitempty"`

	// Prices in dollars per million tokens.
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok,omitempty"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok,omitempty"`

	// Deterministic provider: scripted outputs, cycled, and a flat cost per call.
	Outputs     []string `yaml:"outputs,omitempty"`
	CostPerCall float64  `yaml:"cost_per_call,omitempty"`

	// Weight is used by the weighted pool policy.
	Weight float64 `yaml:"weight,omitempty"`
}

// Identity returns the display name for the model.
func (m ModelConfig) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Provider + ":" + m.Model
}

// EnvironmentConfig configures the execution backend.
type EnvironmentConfig struct {
	Type           string            `yaml:"type"` // local, docker
	Cwd            string            `yaml:"cwd"`
	Env            map[string]string `yaml:"env,omitempty"`
	ForwardEnv     []string          `yaml:"forward_env,omitempty"`
	Timeout        string            `yaml:"timeout"`
	MaxOutputBytes int64             `yaml:"max_output_bytes"`

	// Docker
	Image            string   `yaml:"image"`
	DockerExecutable string   `yaml:"docker_executable"`
	RunArgs          []string `yaml:"run_args,omitempty"`
	ContainerTimeout string   `yaml:"container_timeout"`
}

// Pool assignment policies.
const (
	PolicyRoundRobin = "round_robin"
	PolicyWeighted   = "weighted"
	PolicyRandom     = "random"
)

// CandidateSamplingConfig configures alternative-action sampling.
type CandidateSamplingConfig struct {
	Enabled bool   `yaml:"enabled"`
	K       int    `yaml:"num_candidates"`
	Policy  string `yaml:"policy"`
	Seed    int64  `yaml:"seed"`
	// UseN batches slots of one pool member into a single multi-completion call.
	UseN    bool          `yaml:"use_n"`
	Workers int           `yaml:"workers"`
	Timeout string        `yaml:"timeout"`
	Pool    []ModelConfig `yaml:"pool"`
}

// Verifier types and fallbacks.
const (
	VerifierFirstValid  = "first_valid"
	VerifierLLM         = "llm"
	VerifierRewardModel = "reward_model"

	FallbackFirstValid     = "first_valid"
	FallbackFirstCandidate = "first_candidate"
)

// VerifierConfig configures candidate selection.
type VerifierConfig struct {
	Type string `yaml:"type"`
	// IncludeExpert puts the expert output in front of the pool candidates
	// when judging.
	IncludeExpert bool        `yaml:"include_expert"`
	Judge         ModelConfig `yaml:"judge"`

	SystemTemplate    string `yaml:"system_template,omitempty"`
	SelectionTemplate string `yaml:"selection_template,omitempty"`
	RewardTemplate    string `yaml:"reward_template,omitempty"`
	PromptDir         string `yaml:"prompt_dir"`
	PromptName        string `yaml:"prompt_name,omitempty"`

	IndexRegex     string `yaml:"index_regex"`
	IndexBase      int    `yaml:"index_base"`
	HistorySteps   int    `yaml:"history_steps"`
	IncludeRawText bool   `yaml:"include_raw_text"`
	Fallback       string `yaml:"fallback"`

	RewardRegex string `yaml:"reward_regex"`
	Workers     int    `yaml:"workers"`

	SkipIfSimilar       bool    `yaml:"skip_if_similar"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// RejectedActionsConfig configures the rejected-action recorder.
type RejectedActionsConfig struct {
	Enabled bool `yaml:"enabled"`
	// OutputDir defaults to the directory of the trajectory.
	OutputDir string `yaml:"output_dir"`
	Overwrite bool   `yaml:"overwrite"`
}

// Rollout action sources.
const (
	ActionSourceModel = "model"
	ActionSourceFixed = "fixed"
)

// RolloutConfig configures replay and rollout sampling.
type RolloutConfig struct {
	Count              int    `yaml:"count"`
	StepBudget         int    `yaml:"step_budget"`
	Workers            int    `yaml:"workers"`
	IncludeThoughts    bool   `yaml:"include_thoughts"`
	VerifyObservations bool   `yaml:"verify_observations"`
	StartupCommand     string `yaml:"startup_command,omitempty"`
	// ReplayRegex selects actions from stored assistant messages; defaults to
	// the agent action regex.
	ReplayRegex  string        `yaml:"replay_regex,omitempty"`
	ActionSource string        `yaml:"action_source"`
	FixedActions []string      `yaml:"fixed_actions,omitempty"`
	Models       []ModelConfig `yaml:"models,omitempty"`
	OutputDir    string        `yaml:"output_dir"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Dir        string          `yaml:"dir"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// LedgerConfig configures the SQLite ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`
}
