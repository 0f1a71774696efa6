package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forkbench/internal/perception"
	"forkbench/internal/recorder"
	"forkbench/internal/sampler"
	"forkbench/internal/watch"
)

var (
	rejectedOverwrite bool
	rejectedRunID     string
	rejectedOutputDir string
	rejectedWatch     bool
)

// rejectedCmd records rejected actions for stored trajectories
var rejectedCmd = &cobra.Command{
	Use:   "rejected [trajectory-or-dir]",
	Short: "Sample and record rejected actions for stored trajectories",
	Long: `Re-samples every executed step of the given trajectories from the candidate
pool, using the recorded history up to that step as the prompt, and writes the
proposals that differ from the recorded decision to a JSONL sidecar.

An existing sidecar is never replaced unless --overwrite is given. With
--watch the directory is monitored and new trajectories are processed as they
appear.`,
	Args: cobra.ExactArgs(1),
	RunE: recordRejected,
}

func init() {
	rejectedCmd.Flags().BoolVar(&rejectedOverwrite, "overwrite", false, "Replace existing sidecars")
	rejectedCmd.Flags().StringVar(&rejectedRunID, "run-id", "", "Run id used in sidecar names (default: derived per trajectory)")
	rejectedCmd.Flags().StringVar(&rejectedOutputDir, "output-dir", "", "Sidecar directory (default: next to each trajectory)")
	rejectedCmd.Flags().BoolVar(&rejectedWatch, "watch", false, "Watch the directory for new trajectories")
}

func recordRejected(cmd *cobra.Command, args []string) error {
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

	expert := perception.IdentityOf(cfg.Model)
	smp, err := sampler.NewFromConfig(ctx, expert, cfg.CandidateSampling, cfg.GetCandidateTimeout(), st.extractor)
	if err != nil {
		return err
	}
	opts := recorder.OfflineOptions{
		Sampler:   smp,
		Extractor: st.extractor,
		Expert:    expert,
		RunID:     rejectedRunID,
		OutputDir: rejectedOutputDir,
		Overwrite: rejectedOverwrite || cfg.RejectedActions.Overwrite,
		Ledger:    st.rejectedLedger(),
	}
	if opts.OutputDir == "" {
		opts.OutputDir = cfg.RejectedActions.OutputDir
	}

	if rejectedWatch {
		return watchRejected(ctx, args[0], opts)
	}
	sums, err := recorder.ProcessPath(ctx, args[0], opts)
	if perr := printJSON(cmd.OutOrStdout(), sums); perr != nil {
		return perr
	}
	return err
}

func watchRejected(ctx context.Context, dir string, opts recorder.OfflineOptions) error {
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return fmt.Errorf("--watch requires a directory, got %s", dir)
	}
	w, err := watch.New(dir, func(ctx context.Context, path string) error {
		sum, err := recorder.ProcessFile(ctx, path, opts)
		if err != nil {
			return err
		}
		logger.Info("recorded rejected actions",
			zap.String("trajectory", sum.Trajectory),
			zap.String("output", sum.Output),
			zap.Int("records", sum.Records))
		return nil
	}, 0)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	logger.Info("watching for trajectories", zap.String("dir", dir))
	<-ctx.Done()
	w.Stop()
	stats := w.Stats()
	logger.Info("watch stopped", zap.Int("processed", stats.Processed), zap.Int("failed", stats.Failed))
	return nil
}
