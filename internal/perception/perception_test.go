package perception

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkbench/internal/config"
	"forkbench/internal/types"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClient(OpenAIConfig{
		Name:         "openai:test",
		APIKey:       "sk-test",
		BaseURL:      srv.URL,
		Model:        "gpt-test",
		Pricing:      Pricing{InputPerMTok: 1_000_000, OutputPerMTok: 2_000_000},
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestOpenAIQuery(t *testing.T) {
	var got openAIRequest
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],
			"usage":{"prompt_tokens":2,"completion_tokens":3}}`))
	})

	temp := 0.5
	resp, err := c.Query(context.Background(),
		[]types.Message{types.System("s"), types.User("u")},
		types.SamplingParams{Temperature: &temp})
	require.NoError(t, err)

	assert.Equal(t, "hi", resp.Text)
	assert.InDelta(t, 8.0, resp.Cost, 1e-9) // 2*1 + 3*2
	assert.Equal(t, "gpt-test", got.Model)
	assert.Zero(t, got.N, "single queries must not send n")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.5, *got.Temperature)
}

func TestOpenAIQueryManyUsesN(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.N)
		// choices deliberately out of order
		w.Write([]byte(`{"choices":[
			{"index":2,"message":{"content":"c"}},
			{"index":0,"message":{"content":"a"}},
			{"index":1,"message":{"content":"b"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":0}}`))
	})

	out, err := c.QueryMany(context.Background(), []types.Message{types.User("u")}, types.SamplingParams{}, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out[0].Text, out[1].Text, out[2].Text})
	assert.InDelta(t, 1.0, out[0].Cost, 1e-9, "cost is split across choices")
}

func TestOpenAIRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	resp, err := c.Query(context.Background(), []types.Message{types.User("u")}, types.SamplingParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad"}}`))
	})

	_, err := c.Query(context.Background(), []types.Message{types.User("u")}, types.SamplingParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIIdentity(t *testing.T) {
	c, err := NewOpenAIClient(OpenAIConfig{Model: "gpt-4o", BaseURL: "https://example.test/v1/"})
	require.NoError(t, err)
	id := c.Identity()
	assert.Equal(t, "openai:gpt-4o", id.Name)
	assert.Equal(t, "openai:gpt-4o@https://example.test/v1", id.Implementation)

	_, err = NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err)
}

func TestDeterministicModel(t *testing.T) {
	m := NewDeterministicModel(types.ModelIdentity{Name: "det"}, []string{"a", "b"}, 0.25, false)
	ctx := context.Background()

	r, err := m.Query(ctx, nil, types.SamplingParams{})
	require.NoError(t, err)
	assert.Equal(t, "a", r.Text)
	assert.Equal(t, 0.25, r.Cost)

	r, err = m.Query(ctx, nil, types.SamplingParams{})
	require.NoError(t, err)
	assert.Equal(t, "b", r.Text)

	_, err = m.Query(ctx, nil, types.SamplingParams{})
	assert.True(t, errors.Is(err, ErrScriptExhausted))
	assert.Equal(t, "deterministic:det", m.Identity().Implementation)
}

func TestDeterministicModelCycleAndFailures(t *testing.T) {
	boom := errors.New("boom")
	m := NewDeterministicModel(types.ModelIdentity{Name: "det"}, []string{"x"}, 0, true).FailOn(1, boom)
	ctx := context.Background()

	out, err := m.QueryMany(ctx, nil, types.SamplingParams{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", out[0].Text)

	_, err = m.Query(ctx, nil, types.SamplingParams{})
	assert.ErrorIs(t, err, boom)

	r, err := m.Query(ctx, nil, types.SamplingParams{})
	require.NoError(t, err)
	assert.Equal(t, "x", r.Text)
	assert.Equal(t, 3, m.Calls())
}

func TestFixedActionModel(t *testing.T) {
	m := NewFixedActionModel([]string{"echo ok"})
	r, err := m.Query(context.Background(), nil, types.SamplingParams{})
	require.NoError(t, err)
	assert.Equal(t, "```bash\necho ok\n```", r.Text)
	_, err = m.Query(context.Background(), nil, types.SamplingParams{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
}

func TestNewModel(t *testing.T) {
	ctx := context.Background()

	m, err := NewModel(ctx, config.ModelConfig{Provider: "deterministic", ID: "alt", Outputs: []string{"o"}})
	require.NoError(t, err)
	assert.Equal(t, "alt", m.Identity().Name)

	m, err = NewModel(ctx, config.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o-mini", m.Identity().Name)

	_, err = NewModel(ctx, config.ModelConfig{Provider: "gemini", Model: "gemini-2.5-flash"})
	assert.Error(t, err, "gemini without a key must fail")

	_, err = NewModel(ctx, config.ModelConfig{Provider: "llama"})
	assert.Error(t, err)

	models, err := NewModels(ctx, []config.ModelConfig{
		{Provider: "deterministic", ID: "a", Outputs: []string{"1"}},
		{Provider: "deterministic", ID: "b", Outputs: []string{"2"}},
	})
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestIdentityOfMatchesClients(t *testing.T) {
	ctx := context.Background()
	cfgs := []config.ModelConfig{
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "openai", ID: "alias", Model: "gpt-4o", BaseURL: "https://api.openai.com/v1/"},
		{Provider: "deterministic", ID: "det", Outputs: []string{"o"}},
	}
	for _, cfg := range cfgs {
		m, err := NewModel(ctx, cfg)
		require.NoError(t, err)
		assert.Equal(t, m.Identity(), IdentityOf(cfg), cfg.Identity())
	}

	// The alias shares the default deployment of the first config.
	assert.True(t, IdentityOf(cfgs[0]).Same(IdentityOf(cfgs[1])))

	// Gemini needs a key to build a client but not to name it.
	id := IdentityOf(config.ModelConfig{Provider: "gemini"})
	assert.Equal(t, "gemini:gemini-2.5-flash@generativelanguage.googleapis.com", id.Implementation)
}
