package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
	"spreadtrader/internal/trading"
	"spreadtrader/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine and position status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := app.Store()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()
			now := time.Now()

			mode, err := ds.Risk().SystemMode(ctx)
			if err != nil {
				return err
			}
			riskState, err := ds.Risk().State(ctx)
			if err != nil {
				return err
			}
			emergencies, err := ds.Risk().EmergencyExitsToday(ctx)
			if err != nil {
				return err
			}
			active, err := ds.GetActiveTrades(ctx)
			if err != nil {
				return err
			}

			session, err := utils.NewSession(app.Config.Trading.Timezone,
				app.Config.Trading.SessionOpen, app.Config.Trading.SessionClose)
			if err != nil {
				return err
			}
			dailyPnL, err := ds.RealizedPnLSince(ctx, session.DayStart(now))
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"system_mode":           mode,
					"risk_state":            riskState,
					"emergency_exits_today": emergencies,
					"session_open":          session.IsOpen(now),
					"daily_realized_pnl":    dailyPnL,
					"active_trades":         active,
				})
			}

			output.Bold("Engine Status")
			if mode == models.SystemHardStop {
				output.Error("  System mode:      %s (manual clear required)", mode)
			} else {
				output.Printf("  System mode:      %s\n", mode)
			}
			if riskState != models.RiskNormal {
				output.Warning("  Risk state:       %s", riskState)
			} else {
				output.Printf("  Risk state:       %s\n", riskState)
			}
			output.Printf("  Emergency exits:  %d today\n", emergencies)
			output.Printf("  Session open:     %v\n", session.IsOpen(now))
			output.Printf("  Daily PnL:        %s\n", output.PnL(dailyPnL))
			printCycleMarker(output, ctx, ds, "Trade cycle", trading.KeyLastTradeCycle)
			printCycleMarker(output, ctx, ds, "Monitor cycle", trading.KeyLastMonitorCycle)
			output.Println()

			if len(active) == 0 {
				output.Println("No active trades.")
				return nil
			}

			output.Bold("Active Trades")
			table := NewTable(output, "ID", "STRATEGY", "STRIKES", "QTY", "STATUS", "ENTRY", "DTE", "FLAG")
			for i := range active {
				t := &active[i]
				entry := "-"
				if t.EntryPrice != nil {
					entry = fmt.Sprintf("%.2f", *t.EntryPrice)
				}
				flag := ""
				if t.Flagged {
					flag = "!"
				}
				table.AddRow(
					shortID(t.ID),
					string(t.Strategy),
					fmt.Sprintf("%g/%g", t.ShortStrike, t.LongStrike),
					fmt.Sprintf("%d", t.Quantity),
					string(t.Status),
					entry,
					fmt.Sprintf("%d", t.DTE(now)),
					flag,
				)
			}
			table.Render()
			return nil
		},
	}
}

func printCycleMarker(output *Output, ctx context.Context, ds store.DataStore, label, key string) {
	raw := ds.Settings().GetString(ctx, key, "")
	if raw == "" {
		output.Printf("  %-17s never\n", label+":")
		return
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		output.Printf("  %-17s %s\n", label+":", raw)
		return
	}
	output.Printf("  %-17s %s ago\n", label+":", time.Since(t).Round(time.Second))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
