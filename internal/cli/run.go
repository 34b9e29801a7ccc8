package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spreadtrader/internal/metrics"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine daemon",
		Long: `Run the trade and monitor cycles on their configured cadences until
interrupted. The trade cycle hunts for entries; the monitor cycle watches
open positions. Both reconcile against the broker first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.Engine()
			if err != nil {
				return err
			}
			logger := app.Logger

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if app.Config.Metrics.Enabled {
				server := &http.Server{
					Addr:    app.Config.Metrics.Listen,
					Handler: metrics.Handler(),
				}
				go func() {
					logger.Info().Str("listen", server.Addr).Msg("metrics endpoint up")
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("metrics server stopped")
					}
				}()
				defer server.Close()
			}

			tradeTicker := time.NewTicker(app.Config.Trading.TradeInterval)
			defer tradeTicker.Stop()
			monitorTicker := time.NewTicker(app.Config.Trading.MonitorInterval)
			defer monitorTicker.Stop()

			logger.Info().
				Dur("trade_interval", app.Config.Trading.TradeInterval).
				Dur("monitor_interval", app.Config.Trading.MonitorInterval).
				Str("mode", app.Config.Trading.Mode).
				Msg("engine started")

			// First pass immediately so a restart resumes pending work
			// without waiting out a full interval.
			if err := eng.MonitorCycle(ctx, time.Now()); err != nil {
				logger.Error().Err(err).Msg("startup monitor cycle failed")
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info().Msg("engine stopping")
					return nil
				case t := <-tradeTicker.C:
					if err := eng.TradeCycle(ctx, t); err != nil {
						logger.Error().Err(err).Msg("trade cycle failed")
					}
				case t := <-monitorTicker.C:
					if err := eng.MonitorCycle(ctx, t); err != nil {
						logger.Error().Err(err).Msg("monitor cycle failed")
					}
				}
			}
		},
	}
}

func newCycleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one trade cycle",
		Long:  "Run a single reconcile-then-entry pass and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.Engine()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if err := eng.TradeCycle(cmd.Context(), time.Now()); err != nil {
				output.Error("trade cycle failed: %v", err)
				return err
			}
			output.Success("trade cycle completed")
			return nil
		},
	}
}

func newMonitorCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run one monitor cycle",
		Long:  "Run a single reconcile-then-exit-evaluation pass and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.Engine()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if err := eng.MonitorCycle(cmd.Context(), time.Now()); err != nil {
				output.Error("monitor cycle failed: %v", err)
				return err
			}
			output.Success("monitor cycle completed")
			return nil
		},
	}
}
