package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forkbench/internal/store"
	"forkbench/internal/types"
)

var statsLedger string

// statsCmd summarises the ledger
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise rejected actions and rollout outcomes from the ledger",
	RunE:  showStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsLedger, "ledger", "", "Ledger path (default: ledger.path)")
}

type ledgerStats struct {
	Ledger   string                `json:"ledger"`
	Rejected []store.ModelCount    `json:"rejected_by_model"`
	Rollouts map[types.Outcome]int `json:"rollout_outcomes"`
}

func showStats(cmd *cobra.Command, args []string) error {
	path := statsLedger
	if path == "" {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		path = cfg.Ledger.Path
	}
	if path == "" {
		return fmt.Errorf("no ledger configured: set ledger.path or pass --ledger")
	}
	l, err := store.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx := cmd.Context()
	out := ledgerStats{Ledger: path}
	if out.Rejected, err = l.RejectedByModel(ctx); err != nil {
		return err
	}
	if out.Rejected == nil {
		out.Rejected = []store.ModelCount{}
	}
	if out.Rollouts, err = l.OutcomeCounts(ctx); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
