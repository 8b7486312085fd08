package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// repairCmd rebuilds mapping rows from the markers embedded in issue bodies.
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild issue mappings from embedded markers",
	Long: `Scan both projects of a pair and rebuild lost mapping rows from the sync
markers embedded in mirrored issue bodies. Intended for recovery after the
database was lost or mapping rows were deleted manually. Issue bodies are
never modified.

Example:
  issuebridge repair --pair 1`,
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

		stats, err := eng.RepairMappings(context.Background(), pairID)
		if err != nil {
			return err
		}

		fmt.Printf("pairs_found=%d created=%d skipped_existing=%d conflicts=%d\n",
			stats.PairsFound, stats.Created, stats.SkippedExisting, stats.Conflicts)
		return nil
	},
}

func init() {
	repairCmd.Flags().Uint("pair", 0, "pair id to repair")
}
