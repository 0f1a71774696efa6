package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions client.
type OpenAIConfig struct {
	Name     string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Defaults types.SamplingParams
	Pricing  Pricing
	// MaxRetries applies to 429, 5xx and transport errors.
	MaxRetries   int
	RetryBackoff time.Duration
}

// OpenAIClient talks to any endpoint that speaks the /chat/completions API.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	N           int             `json:"n,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Index   int           `json:"index"`
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	cfg.BaseURL = openAIBaseURL(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch {
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0 // explicitly disabled
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "openai:" + cfg.Model
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Identity implements Model.
func (c *OpenAIClient) Identity() types.ModelIdentity {
	return types.ModelIdentity{
		Name:           c.cfg.Name,
		Implementation: openAIImplementation(c.cfg.Model, c.cfg.BaseURL),
	}
}

func openAIBaseURL(base string) string {
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return strings.TrimRight(base, "/")
}

func openAIImplementation(model, base string) string {
	return fmt.Sprintf("openai:%s@%s", model, openAIBaseURL(base))
}

// Query implements Model.
func (c *OpenAIClient) Query(ctx context.Context, msgs []types.Message, params types.SamplingParams) (Response, error) {
	out, err := c.complete(ctx, msgs, params, 1)
	if err != nil {
		return Response{}, err
	}
	return out[0], nil
}

// QueryMany implements MultiModel using the n parameter.
func (c *OpenAIClient) QueryMany(ctx context.Context, msgs []types.Message, params types.SamplingParams, n int) ([]Response, error) {
	if n < 1 {
		return nil, fmt.Errorf("openai: n must be >= 1")
	}
	return c.complete(ctx, msgs, params, n)
}

func (c *OpenAIClient) complete(ctx context.Context, msgs []types.Message, params types.SamplingParams, n int) ([]Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	p := mergeParams(c.cfg.Defaults, params)
	req := openAIRequest{
		Model:       c.cfg.Model,
		Messages:    make([]openAIMessage, len(msgs)),
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
		Seed:        p.Seed,
		Stop:        p.Stop,
	}
	if n > 1 {
		req.N = n
	}
	for i, m := range msgs {
		req.Messages[i] = openAIMessage{Role: string(m.Role), Content: m.Content}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logging.APIDebug("[OpenAI] %s: messages=%d n=%d", c.cfg.Name, len(msgs), n)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, retry, err := c.do(ctx, body)
		if err == nil {
			out, perr := c.parse(resp, n)
			if perr != nil {
				return nil, perr
			}
			logging.API("[OpenAI] %s: completed in %v choices=%d", c.cfg.Name, time.Since(startTime), len(out))
			return out, nil
		}
		if !retry || ctx.Err() != nil {
			logging.APIError("[OpenAI] %s: %v", c.cfg.Name, err)
			return nil, err
		}
		lastErr = err
		logging.APIWarn("[OpenAI] %s: attempt %d failed: %v", c.cfg.Name, attempt+1, err)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// do sends one request. retry reports whether the failure is transient.
func (c *OpenAIClient) do(ctx context.Context, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("rate limit exceeded (429)")
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, false, nil
}

func (c *OpenAIClient) parse(data []byte, n int) ([]Response, error) {
	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}
	if len(parsed.Choices) < n {
		return nil, fmt.Errorf("requested %d completions, got %d", n, len(parsed.Choices))
	}

	sort.SliceStable(parsed.Choices, func(i, j int) bool {
		return parsed.Choices[i].Index < parsed.Choices[j].Index
	})

	usage := Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens}
	perChoice := c.cfg.Pricing.Cost(usage) / float64(len(parsed.Choices))

	out := make([]Response, n)
	for i := 0; i < n; i++ {
		out[i] = Response{
			Text:  parsed.Choices[i].Message.Content,
			Cost:  perChoice,
			Usage: usage,
		}
	}
	return out, nil
}
