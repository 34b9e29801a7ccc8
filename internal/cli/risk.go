package cli

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"spreadtrader/internal/models"
	"spreadtrader/internal/trading"
)

func newRiskCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Inspect and manage the risk state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show risk flags and effective limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := app.Store()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			mode, err := ds.Risk().SystemMode(ctx)
			if err != nil {
				return err
			}
			state, err := ds.Risk().State(ctx)
			if err != nil {
				return err
			}
			emergencies, err := ds.Risk().EmergencyExitsToday(ctx)
			if err != nil {
				return err
			}
			limits := trading.LoadLimits(ctx, ds.Settings())

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"system_mode":           mode,
					"risk_state":            state,
					"emergency_exits_today": emergencies,
					"limits":                limits,
				})
			}

			output.Bold("Risk Flags")
			output.Printf("  System mode:          %s\n", mode)
			output.Printf("  Risk state:           %s\n", state)
			output.Printf("  Emergency exits:      %d today\n", emergencies)
			output.Println()
			output.Bold("Effective Limits")
			output.Printf("  Max open positions:   %s\n", intOrUnlimited(limits.MaxOpenPositions))
			output.Printf("  Max trades per day:   %s\n", intOrUnlimited(limits.MaxTradesPerDay))
			output.Printf("  Daily loss limit:     %s\n", floatOrUnlimited(limits.DailyLossLimit))
			output.Printf("  Max daily new risk:   %s\n", floatOrUnlimited(limits.MaxDailyNewRisk))
			output.Printf("  Profit target:        %.0f%%\n", limits.ProfitTargetPct*100)
			output.Printf("  Stop loss:            %.0f%%\n", limits.StopLossPct*100)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear-hard-stop",
		Short: "Manually clear a HARD_STOP",
		Long: `Return the system mode to NORMAL after a hard stop. This is the only
way out of HARD_STOP; nothing clears it automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := app.Store()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			mode, err := ds.Risk().SystemMode(ctx)
			if err != nil {
				return err
			}
			if mode != models.SystemHardStop {
				output.Println("System mode is already NORMAL.")
				return nil
			}
			if err := ds.Risk().ClearHardStop(ctx); err != nil {
				return err
			}
			app.Logger.Warn().Msg("HARD_STOP cleared manually")
			output.Success("HARD_STOP cleared; system mode is NORMAL")
			return nil
		},
	})

	return cmd
}

func newSettingsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Get and set dynamic engine settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := app.Store()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			value, found, err := ds.Settings().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				output.Warning("%s is not set", args[0])
				return nil
			}
			output.Println(value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := app.Store()
			if err != nil {
				return err
			}
			if err := ds.Settings().Set(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			NewOutput(cmd).Success("%s = %s", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List the known setting keys",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			keys := []string{
				trading.KeyMaxOpenPositions, trading.KeyMaxTradesPerDay,
				trading.KeyDailyLossLimit, trading.KeyDailyLossLimitPct,
				trading.KeyReferenceEquity, trading.KeyMinBuyingPowerRatio,
				trading.KeyMaxLossPerCreditTrade, trading.KeyMaxLossPerDebitTrade,
				trading.KeyMaxDailyNewRisk, trading.KeyMaxDirectionalExposure,
				trading.KeyMaxDirectionalTrades, trading.KeyMaxDebitTrades,
				trading.KeyMaxTradesPerUnderlying, trading.KeyMaxTradesPerExpiration,
				trading.KeyMaxQuantityPerTrade, trading.KeyProposalMaxAgeMinutes,
				trading.KeyCreditMin, trading.KeyCreditMax,
				trading.KeyDebitMin, trading.KeyDebitMax,
				trading.KeyShortDeltaMax, trading.KeyLongDeltaMin,
				trading.KeySlippage, trading.KeyPriceBandMin, trading.KeyPriceBandMax,
				trading.KeyProfitTargetPct, trading.KeyStopLossPct,
				trading.KeyTrailbackPct, trading.KeyDTEThreshold,
				trading.KeyDTECutoffMinutes, trading.KeyLowValueThreshold,
				trading.KeyLiquiditySpreadPct, trading.KeyUnderlyingMovePct,
				trading.KeyIVCrushRatio, trading.KeyIVCrushMinProfitPct,
			}
			sort.Strings(keys)
			for _, k := range keys {
				output.Println(k)
			}
		},
	})

	return cmd
}

func intOrUnlimited(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func floatOrUnlimited(v float64) string {
	if v <= 0 {
		return "unlimited"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
