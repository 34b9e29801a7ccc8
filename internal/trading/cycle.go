package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/config"
	"spreadtrader/internal/logging"
	"spreadtrader/internal/metrics"
	"spreadtrader/internal/store"
	"spreadtrader/pkg/utils"
)

// Settings keys for the cycle cadence markers. A marker only advances when
// its cycle completes, so a crash mid-cycle causes a re-run, never a skip.
const (
	KeyLastTradeCycle   = "last_trade_cycle"
	KeyLastMonitorCycle = "last_monitor_cycle"
)

// Engine wires the lifecycle components and drives the two cycle types. The
// trade cycle hunts for new entries on a slow cadence; the monitor cycle
// watches open positions on a fast one. Both begin with reconciliation.
type Engine struct {
	store   store.DataStore
	broker  broker.Broker
	session *utils.Session
	gate    *RiskGate
	entry   *EntryExecutor
	exit    *ExitExecutor
	recon   *ReconciliationEngine
	logger  zerolog.Logger
}

// NewEngine builds the full component graph from the static config.
func NewEngine(cfg *config.Config, ds store.DataStore, b broker.Broker, trend TrendGate, logger zerolog.Logger) (*Engine, error) {
	session, err := utils.NewSession(cfg.Trading.Timezone, cfg.Trading.SessionOpen, cfg.Trading.SessionClose)
	if err != nil {
		return nil, fmt.Errorf("building session: %w", err)
	}

	gate := NewRiskGate(ds, b, session, trend, logger)
	recon := NewReconciliationEngine(ds, b, cfg.Trading.OrderFillTimeout, logger)
	decider := NewExitDecisionEngine(ds, b, session, logger)
	exit := NewExitExecutor(ds, b, decider, logger)
	entry := NewEntryExecutor(ds, b, gate, recon, EntryConfig{
		SpreadWidth:  cfg.Trading.SpreadWidth,
		PollInterval: cfg.Trading.OrderPollInterval,
		FillTimeout:  cfg.Trading.OrderFillTimeout,
	}, logger)

	return &Engine{
		store:   ds,
		broker:  b,
		session: session,
		gate:    gate,
		entry:   entry,
		exit:    exit,
		recon:   recon,
		logger:  logger,
	}, nil
}

// Session exposes the trading session window.
func (e *Engine) Session() *utils.Session { return e.session }

// Reconciler exposes the reconciliation engine for the CLI.
func (e *Engine) Reconciler() *ReconciliationEngine { return e.recon }

// RiskGate exposes the risk gate for the CLI.
func (e *Engine) RiskGate() *RiskGate { return e.gate }

// TradeCycle runs one entry hunt: daily reset, reconciliation, pending-order
// resolution, then at most one entry attempt. The cadence marker advances
// only when the whole cycle succeeds.
func (e *Engine) TradeCycle(ctx context.Context, now time.Time) error {
	logger := logging.WithCycle(e.logger, "trade")
	if err := e.dailyResetIfNeeded(ctx, now); err != nil {
		logger.Error().Err(err).Msg("daily reset failed")
	}

	if err := e.recon.SyncAll(ctx, now); err != nil {
		metrics.CycleCompleted("trade", false)
		return fmt.Errorf("reconciliation: %w", err)
	}
	if err := e.exit.CheckPendingExits(ctx, now); err != nil {
		logger.Error().Err(err).Msg("pending exit check failed")
	}

	// Cheap structural gate before any market data is fetched. A denial here
	// is normal outside the session or under a stop.
	if verdict := e.gate.CanOpen(ctx, now); !verdict.Allowed {
		logger.Debug().Str("check", verdict.FailedCheck).Str("reason", verdict.Reason).
			Msg("entry skipped")
		e.markCycle(ctx, KeyLastTradeCycle, now)
		metrics.CycleCompleted("trade", true)
		return nil
	}

	result, err := e.entry.ExecuteEntry(ctx, now)
	if err != nil {
		metrics.CycleCompleted("trade", false)
		return fmt.Errorf("entry: %w", err)
	}
	if result.Trade == nil {
		logger.Debug().Str("reason", result.Reason).Msg("no entry this cycle")
	}

	e.updatePnLGauge(ctx, now)
	e.markCycle(ctx, KeyLastTradeCycle, now)
	metrics.CycleCompleted("trade", true)
	return nil
}

// MonitorCycle runs one position watch: daily reset, reconciliation, pending
// exits, then the exit rules over every open trade.
func (e *Engine) MonitorCycle(ctx context.Context, now time.Time) error {
	logger := logging.WithCycle(e.logger, "monitor")
	if err := e.dailyResetIfNeeded(ctx, now); err != nil {
		logger.Error().Err(err).Msg("daily reset failed")
	}

	if err := e.recon.SyncAll(ctx, now); err != nil {
		metrics.CycleCompleted("monitor", false)
		return fmt.Errorf("reconciliation: %w", err)
	}
	if err := e.exit.CheckPendingExits(ctx, now); err != nil {
		logger.Error().Err(err).Msg("pending exit check failed")
	}
	if err := e.exit.EvaluateAndExit(ctx, now); err != nil {
		metrics.CycleCompleted("monitor", false)
		return fmt.Errorf("exit evaluation: %w", err)
	}

	e.updatePnLGauge(ctx, now)
	e.markCycle(ctx, KeyLastMonitorCycle, now)
	metrics.CycleCompleted("monitor", true)
	return nil
}

// dailyResetIfNeeded clears the daily risk flags on the first cycle of each
// trading day. The reset never touches HARD_STOP.
func (e *Engine) dailyResetIfNeeded(ctx context.Context, now time.Time) error {
	last, err := e.store.Risk().LastDailyReset(ctx)
	if err != nil {
		return err
	}
	if !last.IsZero() && e.session.SameTradingDay(last, now) {
		return nil
	}
	if err := e.store.Risk().DailyReset(ctx, now); err != nil {
		return err
	}
	e.logger.Info().Time("at", now).Msg("daily risk flags reset")
	return nil
}

func (e *Engine) markCycle(ctx context.Context, key string, now time.Time) {
	if err := e.store.Settings().Set(ctx, key, now.UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("advancing cycle marker")
	}
}

func (e *Engine) updatePnLGauge(ctx context.Context, now time.Time) {
	pnl, err := e.store.RealizedPnLSince(ctx, e.session.DayStart(now))
	if err != nil {
		e.logger.Warn().Err(err).Msg("computing daily realized pnl")
		return
	}
	metrics.DailyRealizedPnL.Set(pnl)
}
