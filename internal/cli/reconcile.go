package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newReconcileCmd(app *App) *cobra.Command {
	var autoRepair bool
	var deep bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile local state against the broker",
		Long: `Rewrite the portfolio mirror from the broker and audit every active
trade against it. With --deep, run the full set comparison between local
trades and the spreads inferred from broker legs; add --auto-repair to
close orphaned local trades and materialize unclaimed broker spreads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.Engine()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()
			now := time.Now()

			if !deep {
				if err := eng.Reconciler().SyncAll(ctx, now); err != nil {
					output.Error("reconciliation failed: %v", err)
					return err
				}
				output.Success("reconciliation completed")
				return nil
			}

			report, err := eng.Reconciler().DeepReconcile(ctx, autoRepair, now)
			if err != nil {
				output.Error("deep reconciliation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}

			output.Bold("Deep Reconciliation")
			output.Printf("  Matched spreads:     %d\n", report.Matched)
			output.Printf("  Orphaned trades:     %d\n", len(report.OrphanedIDs))
			output.Printf("  Unclaimed spreads:   %d\n", len(report.Unclaimed))
			if autoRepair {
				output.Printf("  Repaired:            %d\n", report.Repaired)
				output.Printf("  Materialized:        %d\n", report.Materialized)
			}
			for _, id := range report.OrphanedIDs {
				output.Warning("  orphaned: %s", id)
			}
			for _, s := range report.Unclaimed {
				output.Warning("  unclaimed: %s", s.Key())
			}
			if len(report.OrphanedIDs) == 0 && len(report.Unclaimed) == 0 {
				output.Success("books match the broker")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "run the full local-vs-broker set comparison")
	cmd.Flags().BoolVar(&autoRepair, "auto-repair", false, "repair discrepancies found by --deep")
	return cmd
}
