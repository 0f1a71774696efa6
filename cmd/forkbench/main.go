package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	overrides  []string

	logger   *zap.Logger
	shutdown telemetry.Shutdown
)

var rootCmd = &cobra.Command{
	Use:   "forkbench",
	Short: "Step-level alternative-action sampling for agent trajectories",
	Long: `forkbench runs a tool-using agent whose expert model decides every step,
while a pool of non-expert models proposes alternatives that a verifier judges.
Rejected proposals are recorded next to the trajectory.

Stored trajectories can be replayed to any step and branched into rollouts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.OutputPaths = []string{"stderr"}
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetConsole(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdown != nil {
			if err := shutdown(context.Background()); err != nil && logger != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
			shutdown = nil
		}
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the forkbench version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "forkbench", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "Override a config key (key.path=value), repeatable")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rejectedCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(rolloutCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file, applies --set overrides, validates it and
// configures file logging and tracing from it. base, when non-nil, replaces
// the defaults as the starting point if no config file was given.
func loadConfig(base *config.Config) (*config.Config, error) {
	cfg := base
	if cfg == nil || configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := logging.Initialize(logging.Options{
		Enabled:    cfg.Logging.DebugMode,
		Dir:        cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	if shutdown == nil {
		sd, err := telemetry.InitTracer(cfg.Telemetry, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		shutdown = sd
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
