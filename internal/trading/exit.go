package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/logging"
	"spreadtrader/internal/metrics"
	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
)

// emergencyExitHardStopCount is the number of same-day emergency exits that
// forces the system into HARD_STOP.
const emergencyExitHardStopCount = 2

// ExitExecutor places closing orders for triggered exits and finalizes
// CLOSING_PENDING trades against the broker. Exit orders are not polled
// inline; the pending-exit checker resolves them on the next cycles.
type ExitExecutor struct {
	store   store.DataStore
	broker  broker.Broker
	decider *ExitDecisionEngine
	logger  zerolog.Logger
}

// NewExitExecutor creates an exit executor.
func NewExitExecutor(ds store.DataStore, b broker.Broker, decider *ExitDecisionEngine, logger zerolog.Logger) *ExitExecutor {
	return &ExitExecutor{
		store:   ds,
		broker:  b,
		decider: decider,
		logger:  logging.WithCycle(logger, "exit"),
	}
}

// EvaluateAndExit runs the exit rules over every OPEN trade and places a
// closing order for each trade with a trigger. One trade's failure never
// stops evaluation of the rest.
func (e *ExitExecutor) EvaluateAndExit(ctx context.Context, now time.Time) error {
	trades, err := e.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}
	limits := LoadLimits(ctx, e.store.Settings())

	for i := range trades {
		trade := &trades[i]
		decision := e.decider.Evaluate(ctx, trade, &limits, now)
		if decision.Reason == models.ExitNone {
			continue
		}
		if err := e.PlaceExit(ctx, trade, decision, &limits); err != nil {
			e.logger.Error().Err(err).Str("trade_id", trade.ID).
				Str("reason", string(decision.Reason)).Msg("placing exit order")
		}
	}
	return nil
}

// PlaceExit submits the closing order for one OPEN trade and moves it to
// CLOSING_PENDING. On placement failure the trade stays OPEN for the next
// cycle to retry; an emergency exit that fails to place is flagged.
func (e *ExitExecutor) PlaceExit(ctx context.Context, trade *models.Trade, decision ExitDecision, limits *Limits) error {
	if trade.Status != models.TradeOpen {
		return fmt.Errorf("trade %s: cannot exit from %s", trade.ID, trade.Status)
	}
	logger := logging.WithTrade(e.logger, trade.ID)

	limit := e.exitLimit(trade, decision.CloseValue, limits)
	legs, err := e.exitLegs(ctx, trade, limit)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	clientOrderID := uuid.New().String()
	req := broker.SpreadOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        trade.Symbol,
		Side:          models.OrderExit,
		Strategy:      trade.Strategy,
		LimitPrice:    limit,
		Quantity:      trade.Quantity,
		Legs:          legs,
		Tag:           "st-x-" + clientOrderID[:8],
	}

	order := &models.Order{
		ClientOrderID: clientOrderID,
		TradeID:       trade.ID,
		Symbol:        trade.Symbol,
		Side:          models.OrderExit,
		Strategy:      trade.Strategy,
		Legs:          legs,
		LimitPrice:    limit,
		Quantity:      trade.Quantity,
		Status:        models.OrderPending,
		RemainingQty:  trade.Quantity,
		Tag:           req.Tag,
		PlacedAt:      now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("persisting exit order: %w", err)
	}

	result, placeErr := e.broker.PlaceSpreadOrder(ctx, req)
	if placeErr != nil || result.Status == models.OrderRejected {
		order.Status = models.OrderRejected
		order.UpdatedAt = time.Now().UTC()
		if result != nil {
			order.BrokerOrderID = result.BrokerOrderID
		}
		if uerr := e.store.UpdateOrder(ctx, order); uerr != nil {
			logger.Error().Err(uerr).Msg("updating rejected exit order")
		}
		if decision.Reason == models.ExitEmergency {
			trade.Flagged = true
			trade.UpdatedAt = time.Now().UTC()
			if uerr := e.store.UpdateTrade(ctx, trade); uerr != nil {
				logger.Error().Err(uerr).Msg("flagging trade after failed emergency exit")
			}
			logging.Investigation(logger, trade.ID, "emergency exit order could not be placed")
		}
		if placeErr != nil {
			return fmt.Errorf("placing exit order: %w", placeErr)
		}
		return fmt.Errorf("broker rejected exit order for trade %s", trade.ID)
	}

	order.BrokerOrderID = result.BrokerOrderID
	order.Status = models.OrderPlaced
	order.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("recording placed exit order: %w", err)
	}

	if err := trade.MarkClosing(result.BrokerOrderID, decision.Reason, time.Now().UTC()); err != nil {
		return err
	}
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("updating closing trade: %w", err)
	}
	metrics.ExitTriggered(string(decision.Reason))
	logger.Info().Str("reason", string(decision.Reason)).Str("detail", decision.Detail).
		Float64("limit", limit).Msg("exit order placed")

	if decision.Reason == models.ExitEmergency {
		if err := e.recordEmergency(ctx, logger); err != nil {
			logger.Error().Err(err).Msg("recording emergency exit")
		}
	}
	return nil
}

// recordEmergency bumps the daily emergency counter and trips HARD_STOP on
// the second one.
func (e *ExitExecutor) recordEmergency(ctx context.Context, logger zerolog.Logger) error {
	count, err := e.store.Risk().RecordEmergencyExit(ctx)
	if err != nil {
		return err
	}
	logger.Warn().Int("emergency_exits_today", count).Msg("emergency exit recorded")
	if count >= emergencyExitHardStopCount {
		if err := e.store.Risk().SetSystemMode(ctx, models.SystemHardStop); err != nil {
			return fmt.Errorf("setting hard stop: %w", err)
		}
		logger.Error().Int("count", count).
			Msg("HARD_STOP engaged: repeated emergency exits today; manual clear required")
	}
	return nil
}

// CheckPendingExits reconciles every CLOSING_PENDING trade with the broker:
// a fill finalizes CLOSED with realized PnL, a dead order reverts the trade
// to OPEN and flags it. An unreachable broker leaves the trade untouched.
func (e *ExitExecutor) CheckPendingExits(ctx context.Context, now time.Time) error {
	trades, err := e.store.GetTrades(ctx, store.TradeFilter{
		Statuses: []models.TradeStatus{models.TradeClosingPending},
	})
	if err != nil {
		return fmt.Errorf("loading closing trades: %w", err)
	}

	for i := range trades {
		trade := &trades[i]
		logger := logging.WithTrade(e.logger, trade.ID)
		if trade.ExitOrderID == "" {
			logging.Investigation(logger, trade.ID, "CLOSING_PENDING without an exit order id")
			continue
		}
		state, err := e.broker.GetOrder(ctx, trade.ExitOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("exit order status unavailable")
			continue
		}
		if !state.Status.Terminal() {
			continue
		}

		order, err := e.store.GetOrderByBrokerID(ctx, trade.ExitOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("loading local exit order")
		}

		switch state.Status {
		case models.OrderFilled:
			// A zero net fill is legitimate for a near-worthless close.
			if state.AvgFillPrice < 0 {
				logging.Investigation(logger, trade.ID, "exit fill reported with negative price")
				continue
			}
			if err := trade.MarkClosed(state.AvgFillPrice, now); err != nil {
				logger.Error().Err(err).Msg("finalizing closed trade")
				continue
			}
			if err := e.store.UpdateTrade(ctx, trade); err != nil {
				logger.Error().Err(err).Msg("persisting closed trade")
				continue
			}
			e.finalizeOrder(ctx, order, state, logger)
			metrics.OpenTrades.Dec()
			logger.Info().Float64("exit_fill", state.AvgFillPrice).
				Float64("realized_pnl", *trade.RealizedPnL).
				Str("reason", string(trade.ExitReason)).Msg("trade closed")

		case models.OrderCancelled, models.OrderRejected:
			if err := trade.RevertClosing(now); err != nil {
				logger.Error().Err(err).Msg("reverting closing trade")
				continue
			}
			if err := e.store.UpdateTrade(ctx, trade); err != nil {
				logger.Error().Err(err).Msg("persisting reverted trade")
				continue
			}
			e.finalizeOrder(ctx, order, state, logger)
			logging.Investigation(logger, trade.ID,
				fmt.Sprintf("exit order ended %s without a fill; trade reverted to OPEN", state.Status))
		}
	}
	return nil
}

func (e *ExitExecutor) finalizeOrder(ctx context.Context, order *models.Order, state *broker.OrderState, logger zerolog.Logger) {
	if order == nil {
		return
	}
	order.Status = state.Status
	order.FillPrice = state.AvgFillPrice
	order.FilledQty = state.FilledQty
	order.RemainingQty = state.RemainingQty
	order.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		logger.Warn().Err(err).Msg("updating terminal exit order")
	}
}

// exitLimit prices the closing order off the current spread value: closing a
// credit spread pays up by the slippage allowance, closing a debit spread
// gives it up. The floor keeps the price positive and marketable.
func (e *ExitExecutor) exitLimit(trade *models.Trade, closeValue float64, limits *Limits) float64 {
	limit := closeValue + limits.Slippage
	if !trade.Strategy.IsCredit() {
		limit = closeValue - limits.Slippage
	}
	if limits.PriceBandMin > 0 && limit < limits.PriceBandMin {
		limit = limits.PriceBandMin
	}
	if limits.PriceBandMax > 0 && limit > limits.PriceBandMax {
		limit = limits.PriceBandMax
	}
	return limit
}

// exitLegs builds the two closing legs with inverse transaction sides and
// per-leg limits that net to the spread limit. The leg being sold is anchored
// at its current mark; the leg being bought carries the remainder.
func (e *ExitExecutor) exitLegs(ctx context.Context, trade *models.Trade, limit float64) ([2]models.OrderLeg, error) {
	var legs [2]models.OrderLeg
	ot := trade.Strategy.OptionType()

	shortPos, err := e.store.FindPosition(ctx, trade.Symbol, trade.Expiration, ot, trade.ShortStrike, models.PositionShort)
	if err != nil {
		return legs, fmt.Errorf("looking up short leg: %w", err)
	}
	longPos, err := e.store.FindPosition(ctx, trade.Symbol, trade.Expiration, ot, trade.LongStrike, models.PositionLong)
	if err != nil {
		return legs, fmt.Errorf("looking up long leg: %w", err)
	}
	if shortPos == nil || longPos == nil {
		return legs, fmt.Errorf("trade %s: legs missing from portfolio mirror", trade.ID)
	}

	shortSide, longSide := trade.Strategy.ExitLegSides()
	var shortLimit, longLimit float64
	if trade.Strategy.IsCredit() {
		longLimit = longPos.Mid()
		shortLimit = longLimit + limit
	} else {
		shortLimit = shortPos.Mid()
		longLimit = shortLimit + limit
	}

	legs[0] = models.OrderLeg{
		Symbol:     shortPos.Symbol,
		Underlying: trade.Symbol,
		Expiration: trade.Expiration,
		OptionType: ot,
		Strike:     trade.ShortStrike,
		Side:       shortSide,
		Quantity:   trade.Quantity,
		Limit:      shortLimit,
	}
	legs[1] = models.OrderLeg{
		Symbol:     longPos.Symbol,
		Underlying: trade.Symbol,
		Expiration: trade.Expiration,
		OptionType: ot,
		Strike:     trade.LongStrike,
		Side:       longSide,
		Quantity:   trade.Quantity,
		Limit:      longLimit,
	}
	return legs, nil
}
