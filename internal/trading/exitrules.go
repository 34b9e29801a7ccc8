package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/logging"
	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
	"spreadtrader/pkg/utils"
)

// ExitDecision is the outcome of evaluating one open trade. Reason ExitNone
// means no action this cycle. CloseValue is the current per-contract cost to
// close the spread, used to price the exit order.
type ExitDecision struct {
	Reason     models.ExitReason
	Detail     string
	CloseValue float64
}

// ExitDecisionEngine evaluates one open trade's mark-to-market state against
// the configured exit rules, in priority order. The first trigger wins.
// Any internal failure while evaluating a trade degrades to an EMERGENCY
// exit for that trade only.
type ExitDecisionEngine struct {
	store   store.DataStore
	broker  broker.Broker
	session *utils.Session
	logger  zerolog.Logger
}

// NewExitDecisionEngine creates an exit decision engine.
func NewExitDecisionEngine(ds store.DataStore, b broker.Broker, session *utils.Session, logger zerolog.Logger) *ExitDecisionEngine {
	return &ExitDecisionEngine{store: ds, broker: b, session: session, logger: logging.WithCycle(logger, "exit_eval")}
}

// Evaluate inspects one OPEN trade. Panics and errors inside the evaluation
// are converted to an EMERGENCY decision so a single bad trade can never
// abort the cycle for the others.
func (d *ExitDecisionEngine) Evaluate(ctx context.Context, trade *models.Trade, limits *Limits, now time.Time) (decision ExitDecision) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("trade_id", trade.ID).Interface("panic", r).
				Msg("exit evaluation panicked")
			decision = ExitDecision{
				Reason: models.ExitEmergency,
				Detail: fmt.Sprintf("evaluation panic: %v", r),
			}
		}
	}()

	dec, err := d.evaluate(ctx, trade, limits, now)
	if err != nil {
		d.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("exit evaluation failed")
		return ExitDecision{Reason: models.ExitEmergency, Detail: err.Error()}
	}
	return dec
}

func (d *ExitDecisionEngine) evaluate(ctx context.Context, trade *models.Trade, limits *Limits, now time.Time) (ExitDecision, error) {
	if trade.EntryPrice == nil || trade.MaxProfit == nil || trade.MaxLoss == nil {
		return ExitDecision{}, fmt.Errorf("trade %s is OPEN without entry economics", trade.ID)
	}

	shortLeg, longLeg, err := d.legMarks(ctx, trade)
	if err != nil {
		// Quote-integrity failure forces an unconditional exit: a position
		// we cannot price is a position we do not hold.
		return ExitDecision{Reason: models.ExitEmergency, Detail: err.Error()}, nil
	}

	closeValue := d.closeValue(trade, shortLeg, longLeg)
	profit := trade.Strategy.RealizedPnL(*trade.EntryPrice, closeValue, trade.Quantity)

	// Track peak profit for the trailback rule before any trigger fires.
	if profit > trade.PeakProfit {
		trade.PeakProfit = profit
		trade.UpdatedAt = now.UTC()
		if err := d.store.UpdateTrade(ctx, trade); err != nil {
			d.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("persisting peak profit")
		}
	}

	if limits.ProfitTargetPct > 0 && *trade.MaxProfit > 0 &&
		profit >= limits.ProfitTargetPct**trade.MaxProfit {
		return ExitDecision{
			Reason:     models.ExitProfitTarget,
			Detail:     fmt.Sprintf("profit %.2f reached %.0f%% of max gain %.2f", profit, limits.ProfitTargetPct*100, *trade.MaxProfit),
			CloseValue: closeValue,
		}, nil
	}

	if limits.StopLossPct > 0 && *trade.MaxLoss > 0 &&
		-profit >= limits.StopLossPct**trade.MaxLoss {
		return ExitDecision{
			Reason:     models.ExitStopLoss,
			Detail:     fmt.Sprintf("loss %.2f breached %.0f%% of max loss %.2f", -profit, limits.StopLossPct*100, *trade.MaxLoss),
			CloseValue: closeValue,
		}, nil
	}

	if limits.TrailbackPct > 0 && trade.PeakProfit > 0 &&
		profit < trade.PeakProfit*(1-limits.TrailbackPct) {
		return ExitDecision{
			Reason:     models.ExitTrailback,
			Detail:     fmt.Sprintf("profit %.2f gave back %.0f%% of peak %.2f", profit, limits.TrailbackPct*100, trade.PeakProfit),
			CloseValue: closeValue,
		}, nil
	}

	if limits.DTEThreshold > 0 && trade.DTE(now) <= limits.DTEThreshold &&
		limits.DTECutoffMinutes > 0 && d.session.MinutesToClose(now) <= limits.DTECutoffMinutes {
		return ExitDecision{
			Reason:     models.ExitDTECutoff,
			Detail:     fmt.Sprintf("%d DTE with %d minutes to close", trade.DTE(now), d.session.MinutesToClose(now)),
			CloseValue: closeValue,
		}, nil
	}

	if limits.LowValueThreshold > 0 && closeValue <= limits.LowValueThreshold {
		return ExitDecision{
			Reason:     models.ExitLowValue,
			Detail:     fmt.Sprintf("spread value %.2f at or below low-value threshold %.2f", closeValue, limits.LowValueThreshold),
			CloseValue: closeValue,
		}, nil
	}

	if limits.LiquiditySpreadPct > 0 {
		worst := math.Max(shortLeg.SpreadPct(), longLeg.SpreadPct())
		if worst > limits.LiquiditySpreadPct {
			return ExitDecision{
				Reason:     models.ExitWideSpread,
				Detail:     fmt.Sprintf("leg bid/ask spread %.0f%% exceeds liquidity threshold %.0f%%", worst*100, limits.LiquiditySpreadPct*100),
				CloseValue: closeValue,
			}, nil
		}
	}

	if limits.UnderlyingMovePct > 0 {
		quote, err := d.broker.GetUnderlyingQuote(ctx, trade.Symbol)
		if err != nil {
			return ExitDecision{Reason: models.ExitEmergency,
				Detail: fmt.Sprintf("underlying quote failed: %v", err)}, nil
		}
		if quote.PrevClose > 0 {
			move := math.Abs(quote.Last-quote.PrevClose) / quote.PrevClose * 100
			if move > limits.UnderlyingMovePct {
				return ExitDecision{
					Reason:     models.ExitUnderlyingMove,
					Detail:     fmt.Sprintf("underlying moved %.1f%% against threshold %.1f%%", move, limits.UnderlyingMovePct),
					CloseValue: closeValue,
				}, nil
			}
		}
	}

	if limits.IVCrushRatio > 0 && trade.EntryIV > 0 && shortLeg.IV > 0 &&
		shortLeg.IV < limits.IVCrushRatio*trade.EntryIV {
		minProfit := limits.IVCrushMinProfitPct * *trade.MaxProfit
		if profit >= minProfit {
			return ExitDecision{
				Reason:     models.ExitIVCrush,
				Detail:     fmt.Sprintf("IV %.1f%% crushed below %.0f%% of entry IV %.1f%%", shortLeg.IV*100, limits.IVCrushRatio*100, trade.EntryIV*100),
				CloseValue: closeValue,
			}, nil
		}
	}

	return ExitDecision{Reason: models.ExitNone, CloseValue: closeValue}, nil
}

// legMarks pulls both legs from the portfolio mirror. Missing or unpriceable
// legs are quote-integrity failures.
func (d *ExitDecisionEngine) legMarks(ctx context.Context, trade *models.Trade) (*models.PortfolioPosition, *models.PortfolioPosition, error) {
	ot := trade.Strategy.OptionType()
	shortLeg, err := d.store.FindPosition(ctx, trade.Symbol, trade.Expiration, ot, trade.ShortStrike, models.PositionShort)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up short leg: %w", err)
	}
	longLeg, err := d.store.FindPosition(ctx, trade.Symbol, trade.Expiration, ot, trade.LongStrike, models.PositionLong)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up long leg: %w", err)
	}
	if shortLeg == nil || longLeg == nil {
		return nil, nil, fmt.Errorf("leg marks missing from portfolio mirror")
	}
	if shortLeg.Mid() <= 0 && longLeg.Mid() <= 0 {
		return nil, nil, fmt.Errorf("leg marks are unpriceable")
	}
	return shortLeg, longLeg, nil
}

// closeValue is the current per-contract cost to close: buy back the short
// leg, sell the long leg.
func (d *ExitDecisionEngine) closeValue(trade *models.Trade, shortLeg, longLeg *models.PortfolioPosition) float64 {
	if trade.Strategy.IsCredit() {
		return shortLeg.Mid() - longLeg.Mid()
	}
	return longLeg.Mid() - shortLeg.Mid()
}
