package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forkbench/internal/rollout"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
)

var (
	rolloutStep            int
	rolloutCount           int
	rolloutSteps           int
	rolloutWorkers         int
	rolloutActions         []string
	rolloutActionsJSON     string
	rolloutExcludeThoughts bool
	rolloutOutputDir       string
)

// rolloutCmd branches continuations from a replayed step
var rolloutCmd = &cobra.Command{
	Use:   "rollout [trajectory]",
	Short: "Sample rollouts from a step of a stored trajectory",
	Long: `Replays the trajectory to --step once, then runs --rollouts independent
continuations from that state, each on its own fresh backend and limited to
--rollout-steps steps. Actions come from the configured rollout models, or from
a fixed command sequence given with --rollout-action or --rollout-actions-json.

Summaries are appended to <output-dir>/rollouts.jsonl and every rollout is saved
as a trajectory under <output-dir>/<trajectory-stem>/. A directory argument
branches every trajectory under it.`,
	Args: cobra.ExactArgs(1),
	RunE: sampleRollouts,
}

func init() {
	rolloutCmd.Flags().IntVar(&rolloutStep, "step", 0, "Step index to branch from")
	rolloutCmd.Flags().IntVar(&rolloutCount, "rollouts", 0, "Number of rollouts (default: rollout.count)")
	rolloutCmd.Flags().IntVar(&rolloutSteps, "rollout-steps", 0, "Step budget per rollout (default: rollout.step_budget)")
	rolloutCmd.Flags().IntVar(&rolloutWorkers, "workers", 0, "Concurrent rollouts (default: rollout.workers)")
	rolloutCmd.Flags().StringArrayVar(&rolloutActions, "rollout-action", nil, "Fixed rollout action, repeatable")
	rolloutCmd.Flags().StringVar(&rolloutActionsJSON, "rollout-actions-json", "", `Fixed rollout actions as a JSON array, e.g. '["ls","pwd"]'`)
	rolloutCmd.Flags().BoolVar(&rolloutExcludeThoughts, "exclude-thoughts", false, "Drop assistant thoughts from the replayed history")
	rolloutCmd.Flags().StringVar(&rolloutOutputDir, "output-dir", "", "Output directory (default: rollout.output_dir)")
}

// fixedActions merges the repeatable and JSON action flags.
func fixedActions() ([]string, error) {
	out := append([]string(nil), rolloutActions...)
	if rolloutActionsJSON != "" {
		var more []string
		if err := json.Unmarshal([]byte(rolloutActionsJSON), &more); err != nil {
			return nil, fmt.Errorf("--rollout-actions-json must be a JSON array of strings: %w", err)
		}
		out = append(out, more...)
	}
	return out, nil
}

func sampleRollouts(cmd *cobra.Command, args []string) error {
	files, err := trajectory.Find(args[0])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no trajectories found at %s", args[0])
	}
	fixed, err := fixedActions()
	if err != nil {
		return err
	}

	var all []types.RolloutRecord
	for _, path := range files {
		records, err := rolloutTrajectory(cmd.Context(), path, fixed)
		if err != nil {
			return err
		}
		all = append(all, records...)
	}
	return printJSON(cmd.OutOrStdout(), all)
}

// rolloutTrajectory samples rollouts from one stored trajectory, using the
// config recorded with it unless -c was given.
func rolloutTrajectory(ctx context.Context, path string, fixed []string) ([]types.RolloutRecord, error) {
	t, err := trajectory.Load(path)
	if err != nil {
		return nil, err
	}
	cfg, err := configForTrajectory(t)
	if err != nil {
		return nil, err
	}
	st, err := newStack(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var provider rollout.Provider
	if len(fixed) > 0 {
		provider = rollout.FixedProvider{Commands: fixed}
	} else if provider, err = rollout.ProviderFromConfig(ctx, cfg.Rollout, cfg.Model); err != nil {
		return nil, err
	}

	replayer, err := st.replayer()
	if err != nil {
		return nil, err
	}
	out := rolloutOutputDir
	if out == "" {
		out = cfg.Rollout.OutputDir
	}
	runner, err := rollout.New(rollout.Options{
		Factory:        st.factory,
		Replayer:       replayer,
		Renderer:       st.renderer,
		Extractor:      st.extractor,
		StartupCommand: cfg.Rollout.StartupCommand,
		OutputDir:      out,
		Ledger:         st.rolloutLedger(),
		CostLimit:      cfg.Agent.CostLimit,
		Snapshot:       st.snapshot,
	})
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	records, err := runner.SampleRollouts(ctx, rollout.Request{
		Trajectory:      t,
		TargetStep:      rolloutStep,
		Rollouts:        pick(rolloutCount, cfg.Rollout.Count),
		StepBudget:      pick(rolloutSteps, cfg.Rollout.StepBudget),
		IncludeThoughts: cfg.Rollout.IncludeThoughts && !rolloutExcludeThoughts,
		Workers:         pick(rolloutWorkers, cfg.Rollout.Workers),
		Provider:        provider,
		Params:          cfg.Model.Sampling,
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[types.Outcome]int)
	for _, r := range records {
		counts[r.Outcome]++
	}
	logger.Info("rollouts finished",
		zap.String("trajectory", path),
		zap.Int("step", rolloutStep),
		zap.Int("rollouts", len(records)),
		zap.Any("outcomes", counts))
	return records, nil
}

func pick(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
