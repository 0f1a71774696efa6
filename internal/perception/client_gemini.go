package perception

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// GeminiConfig configures a Gemini client.
type GeminiConfig struct {
	Name     string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Defaults types.SamplingParams
	Pricing  Pricing
}

// GeminiClient generates completions through the Google GenAI SDK.
type GeminiClient struct {
	cfg    GeminiConfig
	client *genai.Client
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "gemini:" + cfg.Model
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{cfg: cfg, client: client}, nil
}

// Identity implements Model.
func (c *GeminiClient) Identity() types.ModelIdentity {
	return types.ModelIdentity{
		Name:           c.cfg.Name,
		Implementation: geminiImplementation(c.cfg.Model, c.cfg.BaseURL),
	}
}

const defaultGeminiModel = "gemini-2.5-flash"

func geminiImplementation(model, base string) string {
	if model == "" {
		model = defaultGeminiModel
	}
	if base == "" {
		base = "generativelanguage.googleapis.com"
	}
	return fmt.Sprintf("gemini:%s@%s", model, base)
}

// Query implements Model.
func (c *GeminiClient) Query(ctx context.Context, msgs []types.Message, params types.SamplingParams) (Response, error) {
	out, err := c.generate(ctx, msgs, params, 1)
	if err != nil {
		return Response{}, err
	}
	return out[0], nil
}

// QueryMany implements MultiModel using the candidate count.
func (c *GeminiClient) QueryMany(ctx context.Context, msgs []types.Message, params types.SamplingParams, n int) ([]Response, error) {
	if n < 1 {
		return nil, fmt.Errorf("gemini: n must be >= 1")
	}
	return c.generate(ctx, msgs, params, n)
}

func (c *GeminiClient) generate(ctx context.Context, msgs []types.Message, params types.SamplingParams, n int) ([]Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	system, contents := toGeminiContents(msgs)
	gc := buildGenerateConfig(mergeParams(c.cfg.Defaults, params), n)
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	logging.APIDebug("[Gemini] %s: messages=%d n=%d", c.cfg.Name, len(msgs), n)
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, gc)
	if err != nil {
		logging.APIError("[Gemini] %s: %v", c.cfg.Name, err)
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}
	if len(resp.Candidates) < n {
		return nil, fmt.Errorf("requested %d completions, got %d", n, len(resp.Candidates))
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	perCandidate := c.cfg.Pricing.Cost(usage) / float64(len(resp.Candidates))

	out := make([]Response, n)
	for i := 0; i < n; i++ {
		out[i] = Response{Text: candidateText(resp.Candidates[i]), Cost: perCandidate, Usage: usage}
	}
	logging.API("[Gemini] %s: completed in %v candidates=%d", c.cfg.Name, time.Since(startTime), n)
	return out, nil
}

// toGeminiContents folds system messages into the system instruction and maps
// assistant turns to the model role.
func toGeminiContents(msgs []types.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func buildGenerateConfig(p types.SamplingParams, n int) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{}
	if p.Temperature != nil {
		t := float32(*p.Temperature)
		gc.Temperature = &t
	}
	if p.TopP != nil {
		tp := float32(*p.TopP)
		gc.TopP = &tp
	}
	if p.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.Seed != nil {
		s := int32(*p.Seed)
		gc.Seed = &s
	}
	if len(p.Stop) > 0 {
		gc.StopSequences = p.Stop
	}
	if n > 1 {
		gc.CandidateCount = int32(n)
	}
	return gc
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
