package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/config"
	"spreadtrader/internal/store"
	"spreadtrader/internal/trading"
)

// Version information
const Version = "0.1.0"

// App holds the application dependencies shared by the commands. Store and
// engine are built lazily so read-only commands work without credentials.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	dataStore store.DataStore
	engine    *trading.Engine
}

// Store opens the SQLite store on first use.
func (a *App) Store() (store.DataStore, error) {
	if a.dataStore != nil {
		return a.dataStore, nil
	}
	ds, err := store.NewSQLiteStore(a.Config.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.dataStore = ds
	return ds, nil
}

// Broker builds the configured broker: Kite Connect in live mode, the
// in-memory paper broker otherwise.
func (a *App) Broker() broker.Broker {
	if a.Config.IsPaperMode() {
		return broker.NewPaperBroker()
	}
	return broker.NewKiteBroker(broker.KiteConfig{
		APIKey:      a.Config.Broker.APIKey,
		AccessToken: a.Config.Broker.AccessToken,
		Exchange:    a.Config.Broker.Exchange,
	})
}

// Engine wires the full lifecycle engine on first use.
func (a *App) Engine() (*trading.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	ds, err := a.Store()
	if err != nil {
		return nil, err
	}
	eng, err := trading.NewEngine(a.Config, ds, a.Broker(), nil, a.Logger)
	if err != nil {
		return nil, err
	}
	a.engine = eng
	return eng, nil
}

// Close releases held resources.
func (a *App) Close() {
	if a.dataStore != nil {
		if err := a.dataStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("closing store")
		}
	}
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{Config: cfg, Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "spreadtrader",
		Short: "Vertical spread trade lifecycle engine",
		Long: `spreadtrader runs the lifecycle of two-leg vertical option spreads:
risk-gated entries, rule-driven exits, and continuous reconciliation of
local state against the broker.

Use 'spreadtrader run' to start the engine daemon, or drive individual
cycles with 'cycle' and 'monitor'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newCycleCmd(app))
	rootCmd.AddCommand(newMonitorCmd(app))
	rootCmd.AddCommand(newReconcileCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newRiskCmd(app))
	rootCmd.AddCommand(newSettingsCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("spreadtrader v%s\n", Version)
		},
	}
}
