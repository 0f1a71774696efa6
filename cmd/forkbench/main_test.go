package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkbench/internal/actions"
	"forkbench/internal/config"
	"forkbench/internal/recorder"
	"forkbench/internal/replay"
	"forkbench/internal/rollout"
	"forkbench/internal/types"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	overrides = nil
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Model = config.ModelConfig{ID: "expert", Provider: "deterministic", Outputs: []string{actions.Fence("echo expert")}}
	cfg.Environment.Cwd = filepath.Join(dir, "work")
	cfg.Agent.OutputDir = filepath.Join(dir, "traj")
	cfg.Agent.StepLimit = 2
	cfg.CandidateSampling.Enabled = true
	cfg.CandidateSampling.K = 2
	cfg.CandidateSampling.Workers = 1
	cfg.CandidateSampling.Pool = []config.ModelConfig{
		{ID: "pool-a", Provider: "deterministic", Outputs: []string{actions.Fence("ls")}},
	}
	cfg.RejectedActions.Enabled = true
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	cfg.Rollout.OutputDir = filepath.Join(dir, "rollouts")

	path := filepath.Join(dir, "forkbench.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "forkbench dev")
}

func TestEndToEnd(t *testing.T) {
	t.Setenv("FORKBENCH_LEDGER", "")
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir)
	trajPath := filepath.Join(dir, "traj", "run1.traj.json")

	// Online run: the pool proposal is selected each step and the duplicate
	// proposal is rejected.
	out, err := execute(t, "run", "-c", cfgFile, "--run-id", "run1", "list", "files")
	require.NoError(t, err)
	var res struct {
		RunID   string        `json:"run_id"`
		Outcome types.Outcome `json:"outcome"`
		Steps   int           `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "run1", res.RunID)
	assert.Equal(t, types.OutcomeLimitsExceeded, res.Outcome)
	assert.Equal(t, 2, res.Steps)
	assert.FileExists(t, trajPath)

	sidecar := recorder.SidecarPath("", trajPath, "run1")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))

	// Offline recording reuses the candidates stored with each step, then
	// refuses to replace the sidecar.
	offline := filepath.Join(dir, "offline")
	out, err = execute(t, "rejected", "-c", cfgFile, "--output-dir", offline, trajPath)
	require.NoError(t, err)
	var sums []recorder.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sums))
	require.Len(t, sums, 1)
	assert.Equal(t, 2, sums[0].Sampled)
	assert.Equal(t, 2, sums[0].Records)
	assert.Equal(t, recorder.SidecarPath(offline, trajPath, recorder.OfflineRunID(trajPath)), sums[0].Output)

	_, err = execute(t, "rejected", "-c", cfgFile, "--output-dir", offline, trajPath)
	var conflict *types.WriteConflictError
	assert.ErrorAs(t, err, &conflict)

	out, err = execute(t, "stats", "-c", cfgFile)
	require.NoError(t, err)
	var stats struct {
		Rejected []struct {
			ModelID string `json:"model_id"`
			Total   int    `json:"total"`
		} `json:"rejected_by_model"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats.Rejected, 1)
	assert.Equal(t, "pool-a", stats.Rejected[0].ModelID)
	assert.Equal(t, 4, stats.Rejected[0].Total)

	// Replay and rollouts use the config stored in the trajectory.
	configPath = ""
	out, err = execute(t, "replay", "--step", "1", trajPath)
	require.NoError(t, err)
	var plan replay.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, 1, plan.TargetStepIndex)
	assert.Empty(t, plan.Mismatches)

	out, err = execute(t, "rollout", "--step", "1", "--rollouts", "2", "--rollout-steps", "1",
		"--rollout-action", "echo ok", trajPath)
	require.NoError(t, err)
	var records []types.RolloutRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, types.OutcomeLimitsExceeded, r.Outcome)
		assert.Equal(t, config.ActionSourceFixed, r.ActionSource)
	}
	assert.FileExists(t, filepath.Join(dir, "rollouts", rollout.SummaryFile))
}

func TestFixedActions(t *testing.T) {
	t.Cleanup(func() { rolloutActions, rolloutActionsJSON = nil, "" })

	rolloutActions = []string{"ls"}
	rolloutActionsJSON = `["pwd", "echo hi"]`
	got, err := fixedActions()
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "pwd", "echo hi"}, got)

	rolloutActionsJSON = `{"bad": true}`
	_, err = fixedActions()
	assert.Error(t, err)
}

func TestStatsRequiresLedger(t *testing.T) {
	t.Setenv("FORKBENCH_LEDGER", "")
	configPath = ""
	statsLedger = ""
	_, err := execute(t, "stats", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "no ledger configured")
}
