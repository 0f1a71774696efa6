package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkbench/internal/types"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRejectedByModel(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.RecordRejected(ctx, []types.RejectedActionRecord{
		{RunID: "r", StepIndex: 0, RejectedModelID: "gemini:flash", Valid: true, Mode: types.ModeOnline, Timestamp: now},
		{RunID: "r", StepIndex: 0, RejectedModelID: "openai:mini", Valid: false, Mode: types.ModeOnline, Timestamp: now},
		{RunID: "r", StepIndex: 1, RejectedModelID: "gemini:flash", Valid: false, Mode: types.ModeOnline},
	}))
	require.NoError(t, l.RecordRejected(ctx, nil))

	counts, err := l.RejectedByModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ModelCount{
		{ModelID: "gemini:flash", Total: 2, Valid: 1},
		{ModelID: "openai:mini", Total: 1, Valid: 0},
	}, counts)
}

func TestOutcomeCountsAreExhaustive(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	for i, o := range []types.Outcome{types.OutcomeSubmitted, types.OutcomeLimitsExceeded, types.OutcomeLimitsExceeded} {
		require.NoError(t, l.RecordRollout(ctx, types.RolloutRecord{
			SourceTrajectory: "a.traj.json",
			SourceStepIndex:  2,
			RolloutIndex:     i,
			Model:            types.ModelIdentity{Name: "fixed"},
			Outcome:          o,
			RolloutSteps:     1,
		}))
	}

	counts, err := l.OutcomeCounts(ctx)
	require.NoError(t, err)
	assert.Len(t, counts, len(types.Outcomes))
	assert.Equal(t, 1, counts[types.OutcomeSubmitted])
	assert.Equal(t, 2, counts[types.OutcomeLimitsExceeded])
	assert.Equal(t, 0, counts[types.OutcomeError])
}

func TestRolloutsRoundTrip(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	rec := types.RolloutRecord{
		SourceTrajectory: "b.traj.json",
		SourceStepIndex:  1,
		RolloutIndex:     0,
		Model:            types.ModelIdentity{Name: "m", Implementation: "m@x"},
		Outcome:          types.OutcomeError,
		Error:            "canceled",
		Actions:          []types.ActionStat{{Phase: "rollout", Action: "ls", ReturnCode: types.IntPtr(0)}},
	}
	require.NoError(t, l.RecordRollout(ctx, rec))

	got, err := l.Rollouts(ctx, "b.traj.json")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])

	none, err := l.Rollouts(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInMemoryLedger(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.RecordRejected(context.Background(), []types.RejectedActionRecord{{RunID: "x", RejectedModelID: "m"}}))
	counts, err := l.RejectedByModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[0].Total)
}
