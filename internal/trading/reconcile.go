package trading

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/logging"
	"spreadtrader/internal/metrics"
	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
)

// ReconciliationEngine aligns local state with the broker. The broker is the
// source of truth for live legs; local rows are the record of intent. The
// engine never guesses: anything it cannot classify with certainty is logged
// for investigation and left alone.
type ReconciliationEngine struct {
	store       store.DataStore
	broker      broker.Broker
	orderMaxAge time.Duration
	logger      zerolog.Logger
}

// NewReconciliationEngine creates a reconciliation engine. orderMaxAge bounds
// how long a pending entry order may live before it is cancelled.
func NewReconciliationEngine(ds store.DataStore, b broker.Broker, orderMaxAge time.Duration, logger zerolog.Logger) *ReconciliationEngine {
	return &ReconciliationEngine{
		store:       ds,
		broker:      b,
		orderMaxAge: orderMaxAge,
		logger:      logging.WithCycle(logger, "reconcile"),
	}
}

// SyncAll runs the standard per-cycle reconciliation: positions first, then
// pending orders, then the per-trade leg audit. A position snapshot failure
// is fatal; every decision downstream prices off the mirror.
func (r *ReconciliationEngine) SyncAll(ctx context.Context, now time.Time) error {
	if err := r.SyncPositions(ctx); err != nil {
		return fmt.Errorf("position sync: %w", err)
	}
	if err := r.SyncOrders(ctx, now); err != nil {
		r.logger.Error().Err(err).Msg("order sync failed")
	}
	if err := r.AuditTrades(ctx, now); err != nil {
		r.logger.Error().Err(err).Msg("trade audit failed")
	}
	return nil
}

// SyncPositions rewrites the portfolio mirror wholesale from the broker's
// snapshot. Partial merges are forbidden; a failed fetch leaves the previous
// mirror intact and the error propagates.
func (r *ReconciliationEngine) SyncPositions(ctx context.Context) error {
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}
	if err := r.store.ReplacePositions(ctx, positions); err != nil {
		return fmt.Errorf("rewriting portfolio mirror: %w", err)
	}
	r.logger.Debug().Int("legs", len(positions)).Msg("portfolio mirror rewritten")
	return nil
}

// SyncOrders resolves every ENTRY_PENDING trade against the broker's order
// state. This is the crash-recovery side of entry: the inline fill poll may
// have died with the process. Each trade's side effects apply at most once.
func (r *ReconciliationEngine) SyncOrders(ctx context.Context, now time.Time) error {
	trades, err := r.store.GetTrades(ctx, store.TradeFilter{
		Statuses: []models.TradeStatus{models.TradeEntryPending},
	})
	if err != nil {
		return fmt.Errorf("loading pending trades: %w", err)
	}

	for i := range trades {
		trade := &trades[i]
		logger := logging.WithTrade(r.logger, trade.ID)

		if trade.IsPhantom() {
			if err := trade.Quarantine(now); err != nil {
				logger.Error().Err(err).Msg("quarantining phantom trade")
				continue
			}
			if err := r.store.UpdateTrade(ctx, trade); err != nil {
				logger.Error().Err(err).Msg("persisting quarantined trade")
				continue
			}
			metrics.Investigations.Inc()
			logging.Investigation(logger, trade.ID,
				"phantom trade: no broker order id and no entry price; quarantined as EXIT_ERROR")
			continue
		}

		state, err := r.broker.GetOrder(ctx, trade.EntryOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("entry order status unavailable")
			continue
		}

		switch {
		case state.Status == models.OrderFilled && state.AvgFillPrice > 0:
			if err := trade.MarkOpen(state.AvgFillPrice, now); err != nil {
				logger.Error().Err(err).Msg("opening trade from order sync")
				continue
			}
			if err := r.store.UpdateTrade(ctx, trade); err != nil {
				logger.Error().Err(err).Msg("persisting recovered open trade")
				continue
			}
			r.finalizeLocalOrder(ctx, trade.EntryOrderID, state, logger)
			metrics.EntryOrdersFilled.Inc()
			metrics.OpenTrades.Inc()
			logger.Info().Float64("fill", state.AvgFillPrice).
				Msg("pending entry resolved as filled")

		case state.Status == models.OrderFilled:
			trade.Flagged = true
			trade.UpdatedAt = now
			if err := r.store.UpdateTrade(ctx, trade); err != nil {
				logger.Error().Err(err).Msg("flagging unpriceable fill")
				continue
			}
			logging.Investigation(logger, trade.ID,
				"entry order FILLED with non-positive average price")

		case state.Status == models.OrderCancelled || state.Status == models.OrderRejected:
			reason := models.ExitEntryTimeout
			if state.Status == models.OrderRejected {
				reason = models.ExitEntryRejected
			}
			r.cancelPendingTrade(ctx, trade, state, reason, now, logger)

		case now.Sub(trade.CreatedAt) > r.orderMaxAge:
			// Broker cancellation always precedes the local state change.
			if err := r.broker.CancelOrder(ctx, trade.EntryOrderID); err != nil {
				logger.Error().Err(err).Msg("cancelling overdue entry order")
				continue
			}
			state.Status = models.OrderCancelled
			r.cancelPendingTrade(ctx, trade, state, models.ExitEntryTimeout, now, logger)
		}
	}

	r.syncStaleOrders(ctx)
	return nil
}

// syncStaleOrders converges local order rows that missed their terminal
// status, e.g. when the broker was unreachable while a trade was being
// finalized. Trades are untouched here; the other passes own those.
func (r *ReconciliationEngine) syncStaleOrders(ctx context.Context) {
	orders, err := r.store.GetPendingOrders(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("loading pending orders")
		return
	}
	for i := range orders {
		order := &orders[i]
		if order.BrokerOrderID == "" {
			continue
		}
		logger := logging.WithOrderID(r.logger, order.BrokerOrderID)
		state, err := r.broker.GetOrder(ctx, order.BrokerOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("stale order status unavailable")
			continue
		}
		if !state.Status.Terminal() {
			continue
		}
		order.Status = state.Status
		order.FillPrice = state.AvgFillPrice
		order.FilledQty = state.FilledQty
		order.RemainingQty = state.RemainingQty
		order.UpdatedAt = time.Now().UTC()
		if err := r.store.UpdateOrder(ctx, order); err != nil {
			logger.Warn().Err(err).Msg("updating stale order")
			continue
		}
		logger.Info().Str("status", string(state.Status)).Msg("stale order row converged")
	}
}

func (r *ReconciliationEngine) cancelPendingTrade(ctx context.Context, trade *models.Trade, state *broker.OrderState, reason models.ExitReason, now time.Time, logger zerolog.Logger) {
	if err := trade.MarkCancelled(reason, now); err != nil {
		logger.Error().Err(err).Msg("cancelling pending trade")
		return
	}
	if err := r.store.UpdateTrade(ctx, trade); err != nil {
		logger.Error().Err(err).Msg("persisting cancelled trade")
		return
	}
	r.finalizeLocalOrder(ctx, trade.EntryOrderID, state, logger)
	metrics.EntryOrdersCancelled.Inc()
	logger.Info().Str("reason", string(reason)).Msg("pending entry resolved as cancelled")
}

func (r *ReconciliationEngine) finalizeLocalOrder(ctx context.Context, brokerOrderID string, state *broker.OrderState, logger zerolog.Logger) {
	order, err := r.store.GetOrderByBrokerID(ctx, brokerOrderID)
	if err != nil {
		logger.Warn().Err(err).Msg("loading local order for sync")
		return
	}
	if order == nil || order.Status.Terminal() {
		return
	}
	order.Status = state.Status
	order.FillPrice = state.AvgFillPrice
	order.FilledQty = state.FilledQty
	order.RemainingQty = state.RemainingQty
	order.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateOrder(ctx, order); err != nil {
		logger.Warn().Err(err).Msg("updating synced order")
	}
}

// AuditTrades checks every OPEN trade's legs against the portfolio mirror.
// Healthy trades pass silently. Anything else stays OPEN and is logged for
// investigation exactly once, latched by the trade's flag.
func (r *ReconciliationEngine) AuditTrades(ctx context.Context, now time.Time) error {
	trades, err := r.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}

	for i := range trades {
		trade := &trades[i]
		finding := r.auditLegs(ctx, trade)
		if finding == "" {
			// Healthy audits clear the latch so a future finding logs again.
			if trade.Flagged {
				trade.Flagged = false
				trade.UpdatedAt = now
				if err := r.store.UpdateTrade(ctx, trade); err != nil {
					r.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("clearing audit flag")
				}
			}
			continue
		}
		if trade.Flagged {
			continue
		}
		trade.Flagged = true
		trade.UpdatedAt = now
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			r.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("latching audit flag")
		}
		metrics.Investigations.Inc()
		logging.Investigation(r.logger, trade.ID, finding)
	}
	return nil
}

// auditLegs classifies one OPEN trade against the mirror. An empty finding
// means healthy. The trade's status is never changed here: a missing leg may
// be an external close, an assignment, or a broker-side delay, and the
// engine does not guess which.
func (r *ReconciliationEngine) auditLegs(ctx context.Context, trade *models.Trade) string {
	ot := trade.Strategy.OptionType()
	shortPos, err := r.store.FindPosition(ctx, trade.Symbol, trade.Expiration, ot, trade.ShortStrike, models.PositionShort)
	if err != nil {
		return fmt.Sprintf("short leg lookup failed: %v", err)
	}
	longPos, err := r.store.FindPosition(ctx, trade.Symbol, trade.Expiration, ot, trade.LongStrike, models.PositionLong)
	if err != nil {
		return fmt.Sprintf("long leg lookup failed: %v", err)
	}

	switch {
	case shortPos == nil && longPos == nil:
		return "both legs absent at broker with no local close order; possible external close"
	case shortPos == nil:
		return "short leg absent at broker while long leg remains; possible assignment or partial close"
	case longPos == nil:
		return "long leg absent at broker while short leg remains; naked short exposure"
	}

	if abs(shortPos.Quantity) < trade.Quantity || abs(longPos.Quantity) < trade.Quantity {
		return fmt.Sprintf("leg quantity below trade size: short %d long %d want %d",
			abs(shortPos.Quantity), abs(longPos.Quantity), trade.Quantity)
	}
	return ""
}

// GroupSpreads pairs raw broker legs into recognizable two-leg fixed-width
// spreads. Legs that do not pair cleanly (odd counts, mismatched quantities,
// same-side pairs) are excluded rather than forced into a shape.
func GroupSpreads(positions []models.PortfolioPosition) []models.BrokerSpread {
	type groupKey struct {
		underlying string
		expiration string
		optionType models.OptionType
	}
	groups := make(map[groupKey][]models.PortfolioPosition)
	for _, p := range positions {
		if p.OptionType != models.OptionCall && p.OptionType != models.OptionPut {
			continue
		}
		k := groupKey{p.Underlying, p.Expiration.Format("2006-01-02"), p.OptionType}
		groups[k] = append(groups[k], p)
	}

	var spreads []models.BrokerSpread
	for _, legs := range groups {
		if len(legs) != 2 {
			continue
		}
		sort.Slice(legs, func(i, j int) bool { return legs[i].Strike < legs[j].Strike })
		a, b := legs[0], legs[1]
		if a.Quantity == 0 || b.Quantity == 0 || a.Quantity != -b.Quantity {
			continue
		}

		shortLeg, longLeg := a, b
		if shortLeg.Quantity > 0 {
			shortLeg, longLeg = b, a
		}
		strategy, ok := inferStrategy(shortLeg.OptionType, shortLeg.Strike, longLeg.Strike)
		if !ok {
			continue
		}
		spreads = append(spreads, models.BrokerSpread{
			Underlying:  shortLeg.Underlying,
			Expiration:  shortLeg.Expiration,
			Strategy:    strategy,
			ShortStrike: shortLeg.Strike,
			LongStrike:  longLeg.Strike,
			Quantity:    abs(shortLeg.Quantity),
		})
	}
	return spreads
}

// inferStrategy maps a (type, relative strike) shape back to its strategy.
func inferStrategy(ot models.OptionType, shortStrike, longStrike float64) (models.Strategy, bool) {
	switch {
	case ot == models.OptionPut && shortStrike > longStrike:
		return models.BullPutCredit, true
	case ot == models.OptionCall && shortStrike < longStrike:
		return models.BearCallCredit, true
	case ot == models.OptionCall && shortStrike > longStrike:
		return models.BullCallDebit, true
	case ot == models.OptionPut && shortStrike < longStrike:
		return models.BearPutDebit, true
	}
	return "", false
}

// DeepReport summarizes a deep reconciliation pass.
type DeepReport struct {
	Matched      int
	OrphanedIDs  []string // local active trades with no broker spread
	Unclaimed    []models.BrokerSpread
	Repaired     int
	Materialized int
}

// DeepReconcile runs the set comparison between local active trades and the
// spreads inferred from the broker's legs. Without autoRepair it only
// reports. With autoRepair, orphaned local trades are closed with no realized
// PnL claim and unclaimed broker spreads are materialized as flagged trades,
// so the books match reality either way.
func (r *ReconciliationEngine) DeepReconcile(ctx context.Context, autoRepair bool, now time.Time) (*DeepReport, error) {
	if err := r.SyncPositions(ctx); err != nil {
		return nil, err
	}
	positions, err := r.store.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading portfolio mirror: %w", err)
	}
	active, err := r.store.GetActiveTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active trades: %w", err)
	}

	spreads := GroupSpreads(positions)
	claimed := make(map[string]bool, len(spreads))
	report := &DeepReport{}

	for i := range active {
		trade := &active[i]
		key := tradeSpreadKey(trade)
		var match *models.BrokerSpread
		for j := range spreads {
			if spreads[j].Key() == key && !claimed[key] {
				match = &spreads[j]
				break
			}
		}
		if match != nil {
			claimed[key] = true
			report.Matched++
			continue
		}
		report.OrphanedIDs = append(report.OrphanedIDs, trade.ID)
		if !autoRepair {
			logging.Investigation(r.logger, trade.ID,
				"active trade has no matching spread at broker")
			continue
		}
		r.closeOrphan(ctx, trade, now)
		report.Repaired++
	}

	for i := range spreads {
		if claimed[spreads[i].Key()] {
			continue
		}
		report.Unclaimed = append(report.Unclaimed, spreads[i])
		if !autoRepair {
			r.logger.Warn().Str("spread", spreads[i].Key()).
				Msg("broker holds a spread with no local trade")
			continue
		}
		if err := r.materializeSpread(ctx, &spreads[i], now); err != nil {
			r.logger.Error().Err(err).Str("spread", spreads[i].Key()).
				Msg("materializing broker spread")
			continue
		}
		report.Materialized++
	}
	return report, nil
}

// closeOrphan closes a local trade whose legs no longer exist at the broker.
// No realized PnL is recorded: the exit price is unknown and the engine does
// not invent one.
func (r *ReconciliationEngine) closeOrphan(ctx context.Context, trade *models.Trade, now time.Time) {
	trade.Status = models.TradeClosed
	trade.ExitReason = models.ExitManual
	trade.RealizedPnL = nil
	trade.ExitPrice = nil
	trade.Flagged = true
	trade.ClosedAt = &now
	trade.UpdatedAt = now
	if err := r.store.UpdateTrade(ctx, trade); err != nil {
		r.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("closing orphaned trade")
		return
	}
	metrics.OpenTrades.Dec()
	logging.Investigation(r.logger, trade.ID,
		"orphaned trade closed with unknown exit price; realized PnL not recorded")
}

// materializeSpread creates a flagged OPEN trade for a spread the broker
// holds but the books do not. Entry economics are derived from the legs'
// average prices when available, otherwise left unset.
func (r *ReconciliationEngine) materializeSpread(ctx context.Context, spread *models.BrokerSpread, now time.Time) error {
	trade := &models.Trade{
		ID:          uuid.New().String(),
		Symbol:      spread.Underlying,
		Expiration:  spread.Expiration,
		ShortStrike: spread.ShortStrike,
		LongStrike:  spread.LongStrike,
		Width:       spread.Width(),
		Quantity:    spread.Quantity,
		Strategy:    spread.Strategy,
		Status:      models.TradeOpen,
		ExitReason:  models.ExitRecovered,
		Flagged:     true,
		OpenedAt:    &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ot := spread.Strategy.OptionType()
	shortPos, _ := r.store.FindPosition(ctx, spread.Underlying, spread.Expiration, ot, spread.ShortStrike, models.PositionShort)
	longPos, _ := r.store.FindPosition(ctx, spread.Underlying, spread.Expiration, ot, spread.LongStrike, models.PositionLong)
	if shortPos != nil && longPos != nil && shortPos.AvgPrice > 0 && longPos.AvgPrice > 0 {
		entry := shortPos.AvgPrice - longPos.AvgPrice
		if !spread.Strategy.IsCredit() {
			entry = longPos.AvgPrice - shortPos.AvgPrice
		}
		if entry > 0 {
			mp := spread.Strategy.MaxProfit(entry, trade.Width, trade.Quantity)
			ml := spread.Strategy.MaxLoss(entry, trade.Width, trade.Quantity)
			trade.EntryPrice = &entry
			trade.MaxProfit = &mp
			trade.MaxLoss = &ml
		}
	}

	if err := r.store.SaveTrade(ctx, trade); err != nil {
		return err
	}
	metrics.OpenTrades.Inc()
	logging.Investigation(r.logger, trade.ID,
		fmt.Sprintf("broker-held spread %s materialized as flagged trade", spread.Key()))
	return nil
}

func tradeSpreadKey(t *models.Trade) string {
	return fmt.Sprintf("%s|%s|%s|%g|%g",
		t.Symbol, t.Expiration.Format("2006-01-02"), t.Strategy, t.ShortStrike, t.LongStrike)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
