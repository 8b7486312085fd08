package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// syncCmd runs one reconciliation for a single pair and prints the counters.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation for a pair",
	Long: `Run a single synchronous reconciliation for the given pair and print the
resulting counters. Useful for cron-driven deployments and for verifying a
new pair before enabling the scheduler.

Example:
  issuebridge sync --pair 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairID, err := cmd.Flags().GetUint("pair")
		if err != nil {
			return err
		}
		if pairID == 0 {
			return fmt.Errorf("--pair is required")
		}

		_, st, eng, err := bootstrap()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := eng.Reconcile(context.Background(), pairID)
		if err != nil {
			return err
		}

		fmt.Printf("created=%d updated=%d conflicts=%d skipped=%d skipped_inaccessible=%d errors=%d\n",
			stats.Created, stats.Updated, stats.Conflicts,
			stats.Skipped, stats.SkippedInaccessible, stats.Errors)
		return nil
	},
}

func init() {
	syncCmd.Flags().Uint("pair", 0, "pair id to reconcile")
}
