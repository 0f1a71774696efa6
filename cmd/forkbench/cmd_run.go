package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forkbench/internal/agent"
	"forkbench/internal/recorder"
	"forkbench/internal/trajectory"
	"forkbench/internal/types"
	"forkbench/internal/verifier"
)

var (
	runID             string
	runOutput         string
	stopOnFormatError bool
	stopOnTimeout     bool
)

// runCmd runs the agent on one task
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run the agent on a task with step-level candidate sampling",
	Long: `Runs the expert model on the task until it submits or a limit is reached.
When candidate_sampling.enabled is set, every step also samples proposals from
the non-expert pool and the verifier selects the executed action.

The trajectory is written to agent.output_dir/<run-id>.traj.json unless
--output is given. With rejected_actions.enabled, rejected proposals are
appended to a sidecar next to it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: random)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Trajectory output path")
	runCmd.Flags().BoolVar(&stopOnFormatError, "stop-on-format-error", false, "End the run at the first format error")
	runCmd.Flags().BoolVar(&stopOnTimeout, "stop-on-timeout", false, "End the run at the first execution timeout")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	id := runID
	if id == "" {
		id = uuid.NewString()
	}
	path := runOutput
	if path == "" {
		path = filepath.Join(cfg.Agent.OutputDir, id+trajectory.Extension)
	}

	res, err := executeRun(ctx, st, id, strings.Join(args, " "), path)
	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	return err
}

// executeRun drives one run and saves its trajectory. The trajectory is saved
// even when the run halts with an error.
func executeRun(ctx context.Context, st *stack, id, task, path string) (*agent.Result, error) {
	cfg := st.cfg
	expert, err := st.expert(ctx)
	if err != nil {
		return nil, err
	}
	smp, err := st.sampler(ctx, expert)
	if err != nil {
		return nil, err
	}

	opts := agent.ControllerOptions{
		Expert:                  expert,
		Params:                  cfg.Model.Sampling,
		Extractor:               st.extractor,
		Renderer:                st.renderer,
		Limits:                  agent.Limits{StepLimit: cfg.Agent.StepLimit, CostLimit: cfg.Agent.CostLimit},
		AddFormatErrorToHistory: cfg.Agent.AddFormatErrorToHistory,
		IncludeExpert:           cfg.Verifier.IncludeExpert,
	}
	var rec *recorder.Recorder
	if smp != nil {
		opts.Sampler = smp
		if opts.Verifier, err = verifier.NewFromConfig(ctx, cfg.Verifier, expert); err != nil {
			return nil, err
		}
		if cfg.RejectedActions.Enabled {
			rec, err = recorder.OpenOnline(recorder.Options{
				Expert: expert.Identity(),
				Pool:   smp.Pool(),
				RunID:  id,
				Ledger: st.rejectedLedger(),
			}, cfg.RejectedActions.OutputDir, path)
			if err != nil {
				return nil, err
			}
			defer rec.Close()
			opts.Sink = rec
		}
	}

	backend, err := st.factory.NewBackend()
	if err != nil {
		return nil, err
	}
	if err := backend.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start backend: %w", err)
	}
	defer func() {
		if err := backend.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to stop backend", zap.Error(err))
		}
	}()
	opts.Backend = backend

	ctrl, err := agent.NewStepController(opts)
	if err != nil {
		return nil, err
	}
	a := agent.New(ctrl, agent.RunOptions{StopOnFormatError: stopOnFormatError, StopOnTimeout: stopOnTimeout})
	rc, res, runErr := a.Run(ctx, id, task)
	if rc == nil {
		return nil, runErr
	}
	if err := agent.SaveTrajectory(path, rc, res, ctrl.Expert(), st.snapshot); err != nil {
		return res, errors.Join(runErr, err)
	}
	logger.Info("run finished",
		zap.String("run_id", id),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("steps", res.Steps),
		zap.Float64("cost", res.Cost),
		zap.String("trajectory", path))
	if rec != nil {
		logger.Info("rejected actions recorded", zap.Int("records", rec.Written()))
	}
	if runErr == nil && res.Outcome == types.OutcomeError {
		return res, fmt.Errorf("run %s failed: %s", id, res.Error)
	}
	return res, runErr
}
