package main

import (
	"github.com/spf13/cobra"

	"forkbench/internal/trajectory"
)

var (
	replayStep            int
	replayExcludeThoughts bool
)

// replayCmd rebuilds the state at a step of a stored trajectory
var replayCmd = &cobra.Command{
	Use:   "replay [trajectory]",
	Short: "Replay a trajectory up to a step and print the replay plan",
	Long: `Re-executes the recorded actions of steps 0..step-1 on a fresh backend and
prints the resulting plan: the replayed history, the actions with their return
codes, and any observations that differ from the recording.

The config recorded in the trajectory is used unless -c is given.`,
	Args: cobra.ExactArgs(1),
	RunE: replayTrajectory,
}

func init() {
	replayCmd.Flags().IntVar(&replayStep, "step", 0, "Target step index")
	replayCmd.Flags().BoolVar(&replayExcludeThoughts, "exclude-thoughts", false, "Drop assistant thoughts from the replayed history")
}

func replayTrajectory(cmd *cobra.Command, args []string) error {
	t, err := trajectory.Load(args[0])
	if err != nil {
		return err
	}
	cfg, err := configForTrajectory(t)
	if err != nil {
		return err
	}
	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := st.replayer()
	if err != nil {
		return err
	}
	plan, err := r.Plan(cmd.Context(), t, replayStep, !replayExcludeThoughts)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), plan)
}
