package types

import "fmt"

// ModelIdentity names a model and the concrete implementation it resolves to.
// Two identities are the same model when either field matches.
type ModelIdentity struct {
	// Name is the display identifier recorded in sidecars (e.g. "openai:gpt-4o").
	Name string `json:"name"`
	// Implementation is the resolved descriptor, provider:model@endpoint.
	Implementation string `json:"implementation"`
}

// ID is the identifier written to records.
func (m ModelIdentity) ID() string { return m.Name }

// Same reports whether two identities refer to the same model, either by
// name or by resolved implementation.
func (m ModelIdentity) Same(other ModelIdentity) bool {
	if m.Name != "" && m.Name == other.Name {
		return true
	}
	return m.Implementation != "" && m.Implementation == other.Implementation
}

func (m ModelIdentity) String() string {
	if m.Implementation == "" || m.Implementation == m.Name {
		return m.Name
	}
	return fmt.Sprintf("%s (%s)", m.Name, m.Implementation)
}

// SamplingParams are the generation knobs passed to a model call.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Seed        *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}
