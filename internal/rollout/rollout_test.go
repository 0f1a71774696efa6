package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forkbench/internal/actions"
	"forkbench/internal/config"
	"forkbench/internal/perception"
	"forkbench/internal/prompt"
	"forkbench/internal/replay"
	"forkbench/internal/tactile/tactiletest"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var extractor = actions.MustExtractor(config.DefaultActionRegex)

func threeStepTrajectory(t *testing.T) *trajectory.Trajectory {
	t.Helper()
	msgs := []types.Message{
		types.System("sys"), types.User("task"),
		types.Assistant(actions.Fence("echo one")), types.User("obs"),
		types.Assistant(actions.Fence("echo two")), types.User("obs"),
		types.Assistant(actions.Fence("echo three")), types.User("obs"),
	}
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	tr, err := trajectory.Parse(data)
	require.NoError(t, err)
	tr.Path = filepath.Join("runs", "django-42"+trajectory.Extension)
	return tr
}

type harness struct {
	factory *tactiletest.Factory
	runner  *Runner
	out     string
}

func newHarness(t *testing.T, respond tactiletest.Responder, mutate func(*Options)) *harness {
	t.Helper()
	r, err := prompt.NewRenderer(config.AgentConfig{})
	require.NoError(t, err)
	f := &tactiletest.Factory{Respond: respond}
	rp, err := replay.New(replay.Options{
		Factory:  f,
		Renderer: r,
		Selector: replay.RegexActionSelector{Extractor: extractor},
	})
	require.NoError(t, err)

	out := t.TempDir()
	opts := Options{Factory: f, Replayer: rp, Renderer: r, Extractor: extractor, OutputDir: out}
	if mutate != nil {
		mutate(&opts)
	}
	runner, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { runner.Close() })
	return &harness{factory: f, runner: runner, out: out}
}

func request(t *testing.T, p Provider, rollouts, budget int) Request {
	return Request{
		Trajectory:      threeStepTrajectory(t),
		TargetStep:      2,
		Rollouts:        rollouts,
		StepBudget:      budget,
		IncludeThoughts: true,
		Workers:         2,
		Provider:        p,
	}
}

func TestFixedActionRollouts(t *testing.T) {
	h := newHarness(t, nil, nil)
	recs, err := h.runner.SampleRollouts(context.Background(), request(t, FixedProvider{Commands: []string{"echo ok"}}, 2, 1))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	for i, rec := range recs {
		assert.Equal(t, i, rec.RolloutIndex)
		assert.Equal(t, types.OutcomeLimitsExceeded, rec.Outcome, "budget exhausted without submitting")
		assert.Equal(t, 1, rec.RolloutSteps)
		assert.Equal(t, 2, rec.ReplayedSteps)
		assert.Equal(t, 1, rec.RolloutStepBudget)
		assert.Equal(t, config.ActionSourceFixed, rec.ActionSource)
		assert.Equal(t, "fixed", rec.Model.Name)
		require.Len(t, rec.Actions, 3)
		assert.Equal(t, "replay", rec.Actions[0].Phase)
		assert.Equal(t, types.ActionStat{Phase: "rollout", StepIndex: 2, Action: "echo ok", Source: config.ActionSourceFixed,
			ReturnCode: types.IntPtr(0), OutputLen: len("echo ok")}, rec.Actions[2])
	}

	backends := h.factory.Backends()
	require.Len(t, backends, 3, "one backend for the plan and one per rollout")
	assert.Equal(t, []string{"echo one", "echo two"}, backends[0].Commands())
	for _, b := range backends[1:] {
		assert.Equal(t, []string{"echo one", "echo two", "echo ok"}, b.Commands(), "each rollout executes echo ok once on its own backend")
		started, stopped := b.Lifecycle()
		assert.Equal(t, 1, started)
		assert.Equal(t, 1, stopped)
	}
}

func TestRolloutOutputs(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.Snapshot = map[string]any{"agent": map[string]any{"step_limit": 0}} })
	recs, err := h.runner.SampleRollouts(context.Background(), request(t, FixedProvider{Commands: []string{"echo ok"}}, 2, 1))
	require.NoError(t, err)
	require.NoError(t, h.runner.Close())

	f, err := os.Open(filepath.Join(h.out, SummaryFile))
	require.NoError(t, err)
	defer f.Close()
	var lines []types.RolloutRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r types.RolloutRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines = append(lines, r)
	}
	assert.Len(t, lines, 2, "one summary line per rollout")

	want := filepath.Join(h.out, "django-42", "rollout_0001"+trajectory.Extension)
	assert.Equal(t, want, recs[1].OutputPath)
	tr, err := trajectory.Load(want)
	require.NoError(t, err)
	require.NotNil(t, tr.Info.Rollout)
	assert.Equal(t, 1, tr.Info.Rollout.RolloutIndex)
	assert.Equal(t, types.OutcomeLimitsExceeded, tr.Info.ExitStatus)

	views := tr.StepViews()
	require.Len(t, views, 3)
	assert.Equal(t, "echo one", views[0].Record.ExpertAction.Command)
	assert.Equal(t, 2, views[2].Record.Index)
	assert.Equal(t, "echo ok", views[2].Record.ExpertAction.Command)
}

func TestRolloutSubmits(t *testing.T) {
	respond := func(cmd string) (types.Observation, error) {
		if cmd == "submit" {
			return types.Observation{ReturnCode: types.IntPtr(0), Output: config.SubmitSentinel + "\ndone"}, nil
		}
		return tactiletest.Echo(cmd)
	}
	h := newHarness(t, respond, nil)
	recs, err := h.runner.SampleRollouts(context.Background(), request(t, FixedProvider{Commands: []string{"ls", "submit"}}, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSubmitted, recs[0].Outcome)
	assert.Equal(t, "done", recs[0].Submission)
	assert.Equal(t, 2, recs[0].RolloutSteps)
}

func TestRolloutTerminatingConditions(t *testing.T) {
	respond := func(cmd string) (types.Observation, error) {
		if cmd == "hang" {
			return types.Observation{Output: "...", TimedOut: true}, nil
		}
		return tactiletest.Echo(cmd)
	}
	tests := []struct {
		name  string
		model perception.Model
		want  types.Outcome
	}{
		{"timeout", perception.NewFixedActionModel([]string{"hang", "ls"}), types.OutcomeExecutionTimeout},
		{"format error", perception.NewDeterministicModel(types.ModelIdentity{Name: "m"}, []string{"no block", actions.Fence("ls")}, 0, false), types.OutcomeFormatError},
		{"exhausted script", perception.NewFixedActionModel([]string{"ls"}), types.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, respond, nil)
			recs, err := h.runner.SampleRollouts(context.Background(), request(t, instanceProvider{tt.model}, 1, 3))
			require.NoError(t, err)
			assert.Equal(t, tt.want, recs[0].Outcome)
			assert.True(t, recs[0].Outcome.Terminal())
		})
	}
}

// instanceProvider hands the same model to every rollout.
type instanceProvider struct {
	model perception.Model
}

func (p instanceProvider) Model(int) (perception.Model, error) { return p.model, nil }

func (instanceProvider) Source() string { return config.ActionSourceModel }

// flakyProvider fails for one rollout index.
type flakyProvider struct {
	FixedProvider
	fail int
}

func (p flakyProvider) Model(i int) (perception.Model, error) {
	if i == p.fail {
		return nil, errors.New("model unavailable")
	}
	return p.FixedProvider.Model(i)
}

func TestRolloutFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, nil, nil)
	p := flakyProvider{FixedProvider: FixedProvider{Commands: []string{"echo ok"}}, fail: 1}
	recs, err := h.runner.SampleRollouts(context.Background(), request(t, p, 3, 1))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, types.OutcomeLimitsExceeded, recs[0].Outcome)
	assert.Equal(t, types.OutcomeError, recs[1].Outcome)
	assert.Equal(t, "model unavailable", recs[1].Error)
	assert.Equal(t, types.OutcomeLimitsExceeded, recs[2].Outcome)
}

func TestStartupCommandFailure(t *testing.T) {
	respond := func(cmd string) (types.Observation, error) {
		if cmd == "setup" {
			return types.Observation{ReturnCode: types.IntPtr(1), Output: "boom"}, nil
		}
		return tactiletest.Echo(cmd)
	}
	h := newHarness(t, respond, func(o *Options) { o.StartupCommand = "setup" })
	recs, err := h.runner.SampleRollouts(context.Background(), request(t, FixedProvider{Commands: []string{"echo ok"}}, 2, 1))
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, types.OutcomeError, rec.Outcome)
		assert.Contains(t, rec.Error, "startup command exited with 1")
	}
}

func TestCanceledRollouts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	respond := func(cmd string) (types.Observation, error) {
		if cmd == "echo ok" {
			cancel()
		}
		return tactiletest.Echo(cmd)
	}
	h := newHarness(t, respond, nil)
	req := request(t, FixedProvider{Commands: []string{"echo ok", "ls"}}, 2, 3)
	req.Workers = 1

	recs, err := h.runner.SampleRollouts(ctx, req)
	require.NoError(t, err)
	require.Len(t, recs, 2, "unfinished work still gets a record")
	for _, rec := range recs {
		assert.Equal(t, types.OutcomeError, rec.Outcome)
		assert.Equal(t, "canceled", rec.Error)
	}
}

type memLedger struct {
	mu   sync.Mutex
	recs []types.RolloutRecord
}

func (l *memLedger) RecordRollout(_ context.Context, r types.RolloutRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, r)
	return nil
}

func TestModelProviderCyclesAndLedger(t *testing.T) {
	ledger := &memLedger{}
	h := newHarness(t, nil, func(o *Options) { o.Ledger = ledger; o.OutputDir = "" })
	p := ModelProvider{Configs: []config.ModelConfig{
		{Provider: "deterministic", ID: "a", Outputs: []string{actions.Fence("ls")}, CostPerCall: 0.1},
		{Provider: "deterministic", ID: "b", Outputs: []string{actions.Fence("pwd")}, CostPerCall: 0.2},
	}}

	recs, err := h.runner.SampleRollouts(context.Background(), request(t, p, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, "a", recs[0].Model.Name)
	assert.Equal(t, "b", recs[1].Model.Name)
	assert.Equal(t, "a", recs[2].Model.Name)
	assert.InDelta(t, 0.4, recs[1].Cost, 1e-9)
	assert.Equal(t, 2, recs[1].ModelCalls)
	assert.Empty(t, recs[0].OutputPath, "no file output without an output dir")
	assert.Len(t, ledger.recs, 3)
}

func TestModelProviderBuildsPerRollout(t *testing.T) {
	h := newHarness(t, nil, nil)
	var built int
	var mu sync.Mutex
	p := ModelProvider{
		Configs: []config.ModelConfig{
			{Provider: "deterministic", ID: "d", Outputs: []string{actions.Fence("echo A"), actions.Fence("echo B")}},
		},
		New: func(ctx context.Context, cfg config.ModelConfig) (perception.Model, error) {
			mu.Lock()
			built++
			mu.Unlock()
			return perception.NewModel(ctx, cfg)
		},
	}

	recs, err := h.runner.SampleRollouts(context.Background(), request(t, p, 2, 1))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.Len(t, rec.Actions, 3)
		assert.Equal(t, "echo A", rec.Actions[2].Action, "rollout %d starts the script from the top", rec.RolloutIndex)
		assert.Equal(t, 1, rec.ModelCalls)
	}
	assert.Equal(t, 2, built)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	p := FixedProvider{Commands: []string{"ls"}}

	req := request(t, p, 1, 1)
	req.TargetStep = 4
	_, err := h.runner.SampleRollouts(context.Background(), req)
	assert.ErrorContains(t, err, "exceeds available steps")

	_, err = h.runner.SampleRollouts(context.Background(), request(t, p, 0, 1))
	assert.Error(t, err)
	_, err = h.runner.SampleRollouts(context.Background(), request(t, p, 1, 0))
	assert.Error(t, err)
	_, err = h.runner.SampleRollouts(context.Background(), request(t, nil, 1, 1))
	assert.Error(t, err)
}

func TestProviderFromConfig(t *testing.T) {
	p, err := ProviderFromConfig(context.Background(), config.RolloutConfig{ActionSource: config.ActionSourceFixed, FixedActions: []string{"ls"}}, config.ModelConfig{})
	require.NoError(t, err)
	assert.Equal(t, config.ActionSourceFixed, p.Source())

	p, err = ProviderFromConfig(context.Background(), config.RolloutConfig{}, config.ModelConfig{Provider: "deterministic", Model: "x", Outputs: []string{"a"}})
	require.NoError(t, err)
	m, err := p.Model(0)
	require.NoError(t, err)
	assert.Equal(t, "deterministic:x", m.Identity().Name)

	_, err = ProviderFromConfig(context.Background(), config.RolloutConfig{}, config.ModelConfig{Provider: "deterministic", ID: "empty"})
	assert.Error(t, err, "a model that cannot be built fails up front")

	_, err = ProviderFromConfig(context.Background(), config.RolloutConfig{ActionSource: "oracle"}, config.ModelConfig{})
	assert.Error(t, err)
	_, err = FixedProvider{}.Model(0)
	assert.Error(t, err)
}
