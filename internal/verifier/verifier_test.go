package verifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forkbench/internal/config"
	"forkbench/internal/perception"
	"forkbench/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// funcJudge answers with reply(prompt) and records every prompt it sees.
type funcJudge struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (j *funcJudge) Identity() types.ModelIdentity {
	return types.ModelIdentity{Name: "judge", Implementation: "fake:judge"}
}

func (j *funcJudge) Query(_ context.Context, msgs []types.Message, _ types.SamplingParams) (perception.Response, error) {
	prompt := msgs[len(msgs)-1].Content
	j.mu.Lock()
	j.prompts = append(j.prompts, prompt)
	j.mu.Unlock()
	text, err := j.reply(prompt)
	return perception.Response{Text: text, Cost: 0.1}, err
}

func replying(text string) *funcJudge {
	return &funcJudge{reply: func(string) (string, error) { return text, nil }}
}

func valid(model, cmd string) types.Candidate {
	return types.Candidate{SourceModelID: model, RawText: "```bash\n" + cmd + "\n```", Action: &types.Action{Command: cmd}, Valid: true}
}

func invalid(model, raw string) types.Candidate {
	return types.Candidate{SourceModelID: model, RawText: raw, Error: "no action found"}
}

func newLLM(t *testing.T, judge perception.Model, mutate func(*config.VerifierConfig)) Verifier {
	t.Helper()
	cfg := config.DefaultConfig().Verifier
	cfg.Type = config.VerifierLLM
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New(cfg, judge)
	require.NoError(t, err)
	return v
}

func TestRuleBased(t *testing.T) {
	ctx := context.Background()
	res, err := RuleBased{}.Select(ctx, []types.Candidate{invalid("a", "hmm"), valid("b", "ls"), valid("c", "pwd")}, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, config.VerifierFirstValid, res.Info.Name)

	res, err = RuleBased{}.Select(ctx, []types.Candidate{invalid("a", "x")}, Request{})
	require.NoError(t, err)
	assert.Equal(t, NoValidCandidate, res.Index)
}

func TestModelBasedSelectsJudgedIndex(t *testing.T) {
	judge := replying("Candidate 1 looks risky. Final answer: 3")
	v := newLLM(t, judge, func(c *config.VerifierConfig) { c.IncludeRawText = true })

	cands := []types.Candidate{valid("a", "rm -rf build"), valid("b", "ls"), valid("c", "make test")}
	res, err := v.Select(context.Background(), cands, Request{Task: "fix the build", StepIndex: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Index, "last match wins and the index is 1-based")
	assert.False(t, res.Info.Fallback)
	assert.Equal(t, 1, res.Calls)
	assert.InDelta(t, 0.1, res.Cost, 1e-9)

	require.Len(t, judge.prompts, 1)
	prompt := judge.prompts[0]
	assert.Contains(t, prompt, "Task: fix the build")
	assert.Contains(t, prompt, "Candidate 3:\nmake test")
	assert.Contains(t, prompt, "Raw output:")
}

func TestModelBasedFallsBack(t *testing.T) {
	cands := []types.Candidate{invalid("a", "nope"), valid("b", "ls"), valid("c", "pwd")}

	tests := []struct {
		name   string
		judge  *funcJudge
		reason string
	}{
		{"out of range", replying("I pick 7"), "out of range"},
		{"no index", replying("none of these"), "no index"},
		{"invalid pick", replying("1"), "not executable"},
		{"judge error", &funcJudge{reply: func(string) (string, error) { return "", errors.New("judge down") }}, "judge call failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newLLM(t, tt.judge, nil)
			res, err := v.Select(context.Background(), cands, Request{})
			require.NoError(t, err, "judge malfunction never fails the step")
			assert.Equal(t, 1, res.Index, "falls back to the first valid candidate")
			assert.True(t, res.Info.Fallback)
			assert.Contains(t, res.Info.Details["fallback_reason"], tt.reason)
		})
	}
}

func TestModelBasedCustomIndexPattern(t *testing.T) {
	judge := replying("Step 12 reviewed. CHOICE=0")
	v := newLLM(t, judge, func(c *config.VerifierConfig) {
		c.IndexRegex = `CHOICE=(\d+)`
		c.IndexBase = 0
	})
	res, err := v.Select(context.Background(), []types.Candidate{valid("a", "ls"), valid("b", "pwd")}, Request{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
}

func TestModelBasedHistoryWindow(t *testing.T) {
	judge := replying("1")
	v := newLLM(t, judge, func(c *config.VerifierConfig) { c.HistorySteps = 1 })

	history := []types.Message{
		types.System("sys"), types.User("task"),
		types.Assistant("first action"), types.User("first output"),
		types.Assistant("second action"), types.User("second output"),
	}
	_, err := v.Select(context.Background(), []types.Candidate{valid("a", "ls")}, Request{History: history})
	require.NoError(t, err)
	require.Len(t, judge.prompts, 1)
	assert.Contains(t, judge.prompts[0], "second action")
	assert.NotContains(t, judge.prompts[0], "first action")
}

func TestChooseMapsExpertInclusion(t *testing.T) {
	ctx := context.Background()
	pool := []types.Candidate{valid("a", "ls"), valid("b", "pwd")}
	expert := valid("expert", "make")

	tests := []struct {
		name          string
		reply         string
		includeExpert bool
		want          int
	}{
		{"pool only", "2", false, 1},
		{"expert judged first", "1", true, types.SelectedExpert},
		{"pool after expert", "3", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judge := replying(tt.reply)
			v := newLLM(t, judge, nil)
			sel, res, err := Choose(ctx, v, pool, &expert, tt.includeExpert, Request{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel)
			assert.Equal(t, tt.includeExpert, res.Info.Details["include_expert"])
			if tt.includeExpert {
				assert.Contains(t, judge.prompts[0], "Candidate 1:\nmake")
			} else {
				assert.NotContains(t, judge.prompts[0], "make")
			}
		})
	}

	sel, _, err := Choose(ctx, RuleBased{}, []types.Candidate{invalid("a", "x")}, &expert, false, Request{})
	require.NoError(t, err)
	assert.Equal(t, types.SelectedNone, sel)

	_, _, err = Choose(ctx, RuleBased{}, pool, nil, true, Request{})
	assert.Error(t, err)
}

func TestRewardModelPicksHighest(t *testing.T) {
	scores := map[string]string{"ls": "REWARD: 0.2", "make test": "thinking... REWARD: 1\nREWARD: 0.9", "pwd": "REWARD: 0.5"}
	judge := &funcJudge{reply: func(prompt string) (string, error) {
		for cmd, reply := range scores {
			if strings.Contains(prompt, "Candidate:\n"+cmd+"\n") {
				return reply, nil
			}
		}
		return "", errors.New("unexpected prompt")
	}}
	cfg := config.DefaultConfig().Verifier
	cfg.Type = config.VerifierRewardModel
	v, err := New(cfg, judge)
	require.NoError(t, err)

	cands := []types.Candidate{valid("a", "ls"), invalid("x", "junk"), valid("b", "make test"), valid("c", "pwd")}
	res, err := v.Select(context.Background(), cands, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Index, "last REWARD line counts: 0.9 beats 0.5")
	assert.Equal(t, 3, res.Calls, "invalid candidates are not scored")

	rewards := res.Info.Details["rewards"].([]*float64)
	assert.Nil(t, rewards[1])
	require.NotNil(t, rewards[3])
	assert.InDelta(t, 0.5, *rewards[3], 1e-9)
}

func TestRewardModelFallsBackWhenUnscored(t *testing.T) {
	cfg := config.DefaultConfig().Verifier
	cfg.Type = config.VerifierRewardModel
	v, err := New(cfg, replying("no score here"))
	require.NoError(t, err)

	res, err := v.Select(context.Background(), []types.Candidate{invalid("a", "x"), valid("b", "ls")}, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.True(t, res.Info.Fallback)
}

func TestParsers(t *testing.T) {
	n, ok := ParseIndex(regexp.MustCompile(`(\d+)`), "between 2 and 4, pick 4")
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	_, ok = ParseIndex(regexp.MustCompile(`(\d+)`), "no digits")
	assert.False(t, ok)

	f, ok := ParseReward(regexp.MustCompile(`REWARD:\s*([+-]?\d+(?:\.\d+)?)`), "REWARD: -1.5")
	assert.True(t, ok)
	assert.Equal(t, -1.5, f)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("ls  -la", "LS -la"))
	assert.Equal(t, 0.0, Similarity("ls", "pwd"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("ls", ""))
	assert.InDelta(t, 1.0/3.0, Similarity("git status", "git diff"), 1e-9)
}

func TestSimilarityGate(t *testing.T) {
	judge := replying("2")
	gate := SimilarityGate{Inner: newLLM(t, judge, nil), Threshold: 0.9}
	ctx := context.Background()

	res, err := gate.Select(ctx, []types.Candidate{valid("a", "ls -la"), valid("b", "ls  -la")}, Request{})
	require.NoError(t, err)
	assert.True(t, res.Info.Skipped)
	assert.Equal(t, 0, res.Index)
	assert.Empty(t, judge.prompts, "judge is not consulted for near-identical candidates")

	res, err = gate.Select(ctx, []types.Candidate{valid("a", "ls"), valid("b", "make")}, Request{})
	require.NoError(t, err)
	assert.False(t, res.Info.Skipped)
	assert.Equal(t, 1, res.Index)
}

func TestLoadPromptsOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "strict"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strict", "selection.tmpl"),
		[]byte("Pick one of {{len .Candidates}}."), 0o644))

	cfg := config.DefaultConfig().Verifier
	cfg.Type = config.VerifierLLM
	cfg.PromptDir = dir
	cfg.PromptName = "strict"
	judge := replying("1")
	v, err := New(cfg, judge)
	require.NoError(t, err)

	_, err = v.Select(context.Background(), []types.Candidate{valid("a", "ls"), valid("b", "pwd")}, Request{})
	require.NoError(t, err)
	assert.Equal(t, "Pick one of 2.", judge.prompts[0])

	cfg.SelectionTemplate = "{{.Broken"
	cfg.PromptName = ""
	_, err = New(cfg, judge)
	assert.Error(t, err)
}

func TestRecentSteps(t *testing.T) {
	history := []types.Message{
		types.System("s"), types.User("task"),
		types.Assistant("a1"), types.User("o1"),
		types.Assistant("a2"), types.User("o2"),
		types.Assistant("a3"),
	}
	assert.Len(t, RecentSteps(history, -1), 3)
	assert.Nil(t, RecentSteps(history, 0))

	last := RecentSteps(history, 2)
	require.Len(t, last, 2)
	assert.Equal(t, "a2", last[0][0].Content)
	assert.Equal(t, "o2", last[0][1].Content)
	assert.Equal(t, "a3", last[1][0].Content)
}

func TestNewFactory(t *testing.T) {
	cfg := config.DefaultConfig().Verifier
	v, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, RuleBased{}, v)

	cfg.Type = config.VerifierLLM
	_, err = New(cfg, nil)
	assert.Error(t, err, "llm verifier needs a judge")

	cfg.SkipIfSimilar = true
	v, err = New(cfg, replying("1"))
	require.NoError(t, err)
	assert.IsType(t, SimilarityGate{}, v)

	cfg.Type = "oracle"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}
