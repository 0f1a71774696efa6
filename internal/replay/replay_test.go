package replay

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkbench/internal/actions"
	"forkbench/internal/config"
	"forkbench/internal/prompt"
	"forkbench/internal/tactile/tactiletest"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

func renderer(t *testing.T) *prompt.Renderer {
	t.Helper()
	r, err := prompt.NewRenderer(config.AgentConfig{})
	require.NoError(t, err)
	return r
}

// threeSteps builds a flat trajectory whose recorded observations match the
// Echo responder, except for step 1.
func threeSteps(t *testing.T) *trajectory.Trajectory {
	t.Helper()
	r := renderer(t)
	obs := func(out string) string {
		s, err := r.Observation(types.Observation{ReturnCode: types.IntPtr(0), Output: out})
		require.NoError(t, err)
		return s
	}
	msgs := []types.Message{
		types.System("sys"), types.User("task"),
		types.Assistant("THOUGHT: one\n" + actions.Fence("echo one")), types.User(obs("echo one")),
		types.Assistant("THOUGHT: two\n" + actions.Fence("echo two")), types.User(obs("something else")),
		types.Assistant("THOUGHT: three\n" + actions.Fence("echo three")), types.User(obs("echo three")),
	}
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	tr, err := trajectory.Parse(data)
	require.NoError(t, err)
	tr.Path = "task.traj.json"
	return tr
}

func newReplayer(t *testing.T, f *tactiletest.Factory, verify bool) *Replayer {
	t.Helper()
	r, err := New(Options{
		Factory:            f,
		Renderer:           renderer(t),
		Selector:           RegexActionSelector{Extractor: actions.MustExtractor(config.DefaultActionRegex)},
		VerifyObservations: verify,
	})
	require.NoError(t, err)
	return r
}

func TestPlanReplaysPrefixOnFreshBackend(t *testing.T) {
	f := &tactiletest.Factory{}
	r := newReplayer(t, f, true)
	tr := threeSteps(t)

	plan, err := r.Plan(context.Background(), tr, 2, true)
	require.NoError(t, err)

	backends := f.Backends()
	require.Len(t, backends, 1)
	assert.Equal(t, []string{"echo one", "echo two"}, backends[0].Commands())
	started, stopped := backends[0].Lifecycle()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped, "plan backend is stopped")

	assert.Equal(t, 2, plan.TargetStepIndex)
	assert.Equal(t, 3, plan.TotalSteps)
	assert.Equal(t, 2, plan.Executed())
	assert.Len(t, plan.ReplayedHistory, 6)

	require.Len(t, plan.Mismatches, 1, "mismatches are recorded, not fatal")
	assert.Equal(t, 1, plan.Mismatches[0].StepIndex)
	assert.Contains(t, plan.Mismatches[0].Expected, "something else")
	assert.Contains(t, plan.Mismatches[0].Actual, "echo two")
}

func TestPlanIsDeterministic(t *testing.T) {
	r := newReplayer(t, &tactiletest.Factory{}, false)
	tr := threeSteps(t)

	for _, include := range []bool{true, false} {
		first, err := r.Plan(context.Background(), tr, 3, include)
		require.NoError(t, err)
		second, err := r.Plan(context.Background(), tr, 3, include)
		require.NoError(t, err)

		a, err := json.Marshal(first.ReplayedHistory)
		require.NoError(t, err)
		b, err := json.Marshal(second.ReplayedHistory)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), "replayed history is byte-identical")
	}
}

func TestPlanExcludeThoughts(t *testing.T) {
	r := newReplayer(t, &tactiletest.Factory{}, false)
	tr := threeSteps(t)

	with, err := r.Plan(context.Background(), tr, 3, true)
	require.NoError(t, err)
	without, err := r.Plan(context.Background(), tr, 3, false)
	require.NoError(t, err)

	var kept []types.Message
	for _, m := range with.ReplayedHistory {
		if m.Role != types.RoleAssistant {
			kept = append(kept, m)
		}
	}
	if diff := cmp.Diff(kept, without.ReplayedHistory); diff != "" {
		t.Errorf("filtered history mismatch (-want +got):\n%s", diff)
	}
	for _, m := range without.ReplayedHistory {
		assert.NotContains(t, m.Content, "THOUGHT")
	}
	assert.Equal(t, with.Actions, without.Actions, "actions do not depend on thought filtering")
}

func TestPlanTargetZero(t *testing.T) {
	f := &tactiletest.Factory{}
	r := newReplayer(t, f, true)

	plan, err := r.Plan(context.Background(), threeSteps(t), 0, true)
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
	assert.Equal(t, []types.Message{types.System("sys"), types.User("task")}, plan.ReplayedHistory)
	require.Len(t, f.Backends(), 1)
	assert.Empty(t, f.Backends()[0].Commands())
	started, _ := f.Backends()[0].Lifecycle()
	assert.Equal(t, 1, started, "a fresh backend is still started")
}

func TestPlanRejectsBadTargets(t *testing.T) {
	r := newReplayer(t, &tactiletest.Factory{}, false)
	_, err := r.Plan(context.Background(), threeSteps(t), 4, true)
	assert.Error(t, err)
	_, err = r.Plan(context.Background(), threeSteps(t), -1, true)
	assert.Error(t, err)
}

func TestPlanUsesStructuredRecords(t *testing.T) {
	tr := &trajectory.Trajectory{
		Messages: []types.Message{
			types.System("s"), types.User("t"),
			types.Assistant("no block here"), types.User("format error feedback"),
			types.Assistant(actions.Fence("ls")), types.User("obs"),
		},
		Steps: []types.Step{
			{Index: 0, SelectedIndex: types.SelectedNone, Condition: types.OutcomeFormatError},
			{Index: 1, SelectedIndex: types.SelectedExpert, ExpertAction: &types.Action{Command: "ls -la"},
				Observation: &types.Observation{ReturnCode: types.IntPtr(0), Output: "ls -la"}},
		},
		Format: trajectory.FormatStructured,
	}
	f := &tactiletest.Factory{}
	r := newReplayer(t, f, true)

	plan, err := r.Plan(context.Background(), tr, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ls -la"}, f.Backends()[0].Commands(), "the recorded action wins over the message text")
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, SourceSkipped, plan.Actions[0].Source)
	assert.Equal(t, SourceRecord, plan.Actions[1].Source)
	assert.Empty(t, plan.Mismatches, "structured observations are compared field for field")
}

func TestApplyReexecutesPlanActions(t *testing.T) {
	r := newReplayer(t, &tactiletest.Factory{}, false)
	plan, err := r.Plan(context.Background(), threeSteps(t), 2, true)
	require.NoError(t, err)

	b := tactiletest.NewBackend(nil)
	require.NoError(t, b.Start(context.Background()))
	stats, err := Apply(context.Background(), plan, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo one", "echo two"}, b.Commands())
	require.Len(t, stats, 2)
	assert.Equal(t, "replay", stats[0].Phase)
	assert.Equal(t, len("echo one"), stats[0].OutputLen)
}

func TestPrecomputedSelector(t *testing.T) {
	f := &tactiletest.Factory{}
	r, err := New(Options{
		Factory:  f,
		Renderer: renderer(t),
		Selector: PrecomputedActionSelector{0: {Command: "true"}},
	})
	require.NoError(t, err)

	_, err = r.Plan(context.Background(), threeSteps(t), 1, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, f.Backends()[0].Commands())

	_, err = r.Plan(context.Background(), threeSteps(t), 2, true)
	assert.ErrorContains(t, err, "no precomputed action for step 1")
}

func TestStartupCommand(t *testing.T) {
	f := &tactiletest.Factory{Respond: func(cmd string) (types.Observation, error) {
		if strings.HasPrefix(cmd, "setup") {
			return types.Observation{ReturnCode: types.IntPtr(2), Output: "no such env"}, nil
		}
		return tactiletest.Echo(cmd)
	}}
	r, err := New(Options{
		Factory:        f,
		Renderer:       renderer(t),
		Selector:       RegexActionSelector{Extractor: actions.MustExtractor(config.DefaultActionRegex)},
		StartupCommand: "setup --env",
	})
	require.NoError(t, err)

	_, err = r.Plan(context.Background(), threeSteps(t), 1, true)
	assert.ErrorContains(t, err, "startup command exited with 2")
	_, stopped := f.Backends()[0].Lifecycle()
	assert.Equal(t, 1, stopped, "backend is stopped on failure")
}
