// Package perception provides the model clients that produce agent outputs:
// the expert, the candidate pool, judges and rollout models.
package perception

import (
	"context"

	"forkbench/internal/types"
)

// Model is the single capability every model client implements.
type Model interface {
	Identity() types.ModelIdentity
	Query(ctx context.Context, msgs []types.Message, params types.SamplingParams) (Response, error)
}

// MultiModel returns n independent completions for one prompt in one call.
type MultiModel interface {
	Model
	QueryMany(ctx context.Context, msgs []types.Message, params types.SamplingParams, n int) ([]Response, error)
}

// Response is one completion.
type Response struct {
	Text  string  `json:"text"`
	Cost  float64 `json:"cost"`
	Usage Usage   `json:"usage"`
}

// Usage holds token counts for a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Pricing converts token usage into dollars.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the dollar cost of u.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMTok/1e6 + float64(u.OutputTokens)*p.OutputPerMTok/1e6
}

// mergeParams overlays call-level params on the model defaults.
func mergeParams(base, override types.SamplingParams) types.SamplingParams {
	out := base
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	return out
}
