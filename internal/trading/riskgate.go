package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/logging"
	"spreadtrader/internal/metrics"
	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
	"spreadtrader/pkg/utils"
)

// RiskGate combines the persisted risk flags, dynamic limits and trade
// history into an admit/deny verdict. Checks run in a fixed order with AND
// semantics; the first failing check short-circuits and carries its reason.
//
// Given identical settings, trade history and clock the gate is
// deterministic. The two stateful side effects are spelled out in the
// checks that cause them: the daily-loss breach persists DAILY_STOP_HIT.
type RiskGate struct {
	store   store.DataStore
	broker  broker.Broker
	session *utils.Session
	trend   TrendGate
	logger  zerolog.Logger
}

// RiskResult is the verdict of a gate evaluation.
type RiskResult struct {
	Allowed      bool
	FailedCheck  string
	Reason       string
	ChecksPassed []string
}

func (r *RiskResult) fail(check, reason string) {
	r.Allowed = false
	r.FailedCheck = check
	r.Reason = reason
}

func (r *RiskResult) pass(check string) {
	r.ChecksPassed = append(r.ChecksPassed, check)
}

// NewRiskGate creates a risk gate. The trend gate may be nil, in which case
// the optional trend filter is skipped entirely.
func NewRiskGate(ds store.DataStore, b broker.Broker, session *utils.Session, trend TrendGate, logger zerolog.Logger) *RiskGate {
	return &RiskGate{store: ds, broker: b, session: session, trend: trend, logger: logger}
}

// CanOpen runs the account-level checks that do not depend on a specific
// proposal. It is the cheap pre-filter the trade cycle consults before
// looking at candidates at all.
func (g *RiskGate) CanOpen(ctx context.Context, now time.Time) RiskResult {
	result := RiskResult{Allowed: true}
	limits := LoadLimits(ctx, g.store.Settings())

	for _, check := range []func(context.Context, time.Time, *Limits, *RiskResult) bool{
		g.checkSystemMode,
		g.checkRiskState,
		g.checkTradingSession,
		g.checkOpenPositions,
		g.checkTradesToday,
		g.checkDailyLoss,
	} {
		if !check(ctx, now, &limits, &result) {
			g.deny(&result)
			return result
		}
	}
	return result
}

// deny records one gate denial in the log and the denial counter.
func (g *RiskGate) deny(r *RiskResult) {
	metrics.RiskDenied(r.FailedCheck)
	logging.RiskDenial(g.logger, r.FailedCheck, r.Reason)
}

// ValidateProposal runs the full check list against one concrete proposal:
// everything CanOpen covers plus the per-trade and concentration ceilings.
// estRisk is the proposal's estimated max loss in dollars.
func (g *RiskGate) ValidateProposal(ctx context.Context, now time.Time, p *models.Proposal, estRisk float64) RiskResult {
	result := g.CanOpen(ctx, now)
	if !result.Allowed {
		return result
	}
	limits := LoadLimits(ctx, g.store.Settings())

	active, err := g.store.GetActiveTrades(ctx)
	if err != nil {
		result.fail("trade_history", fmt.Sprintf("loading active trades: %v", err))
		g.deny(&result)
		return result
	}

	for _, check := range []func(time.Time, *Limits, *models.Proposal, []models.Trade, float64, *RiskResult) bool{
		g.checkPerTradeRisk,
		g.checkDailyNewRisk,
		g.checkDirectionalExposure,
		g.checkDirectionalTradeCount,
		g.checkDebitTradeCount,
		g.checkUnderlyingConcentration,
		g.checkExpirationConcentration,
	} {
		if !check(now, &limits, p, active, estRisk, &result) {
			g.deny(&result)
			return result
		}
	}

	if !g.checkBuyingPower(ctx, &limits, active, estRisk, &result) {
		g.deny(&result)
		return result
	}

	if !g.checkTrend(ctx, p, &result) {
		g.deny(&result)
		return result
	}

	return result
}

// --- account-level checks ---

func (g *RiskGate) checkSystemMode(ctx context.Context, _ time.Time, _ *Limits, r *RiskResult) bool {
	mode, err := g.store.Risk().SystemMode(ctx)
	if err != nil {
		r.fail("system_mode", fmt.Sprintf("reading system mode: %v", err))
		return false
	}
	if mode != models.SystemNormal {
		r.fail("system_mode", fmt.Sprintf("system mode is %s", mode))
		return false
	}
	r.pass("system_mode")
	return true
}

func (g *RiskGate) checkRiskState(ctx context.Context, _ time.Time, _ *Limits, r *RiskResult) bool {
	state, err := g.store.Risk().State(ctx)
	if err != nil {
		r.fail("risk_state", fmt.Sprintf("reading risk state: %v", err))
		return false
	}
	if state != models.RiskNormal {
		r.fail("risk_state", fmt.Sprintf("risk state is %s", state))
		return false
	}
	r.pass("risk_state")
	return true
}

func (g *RiskGate) checkTradingSession(_ context.Context, now time.Time, _ *Limits, r *RiskResult) bool {
	if !g.session.IsTradingDay(now) {
		r.fail("trading_day", "not a trading day")
		return false
	}
	if !g.session.IsOpen(now) {
		r.fail("trading_hours", "outside trading hours")
		return false
	}
	r.pass("trading_day")
	r.pass("trading_hours")
	return true
}

func (g *RiskGate) checkOpenPositions(ctx context.Context, _ time.Time, limits *Limits, r *RiskResult) bool {
	if limits.MaxOpenPositions <= 0 {
		r.pass("open_positions")
		return true
	}
	active, err := g.store.GetActiveTrades(ctx)
	if err != nil {
		r.fail("open_positions", fmt.Sprintf("loading active trades: %v", err))
		return false
	}
	if len(active) >= limits.MaxOpenPositions {
		r.fail("open_positions", fmt.Sprintf("%d open positions at ceiling %d",
			len(active), limits.MaxOpenPositions))
		return false
	}
	r.pass("open_positions")
	return true
}

func (g *RiskGate) checkTradesToday(ctx context.Context, now time.Time, limits *Limits, r *RiskResult) bool {
	if limits.MaxTradesPerDay <= 0 {
		r.pass("trades_today")
		return true
	}
	todays, err := g.store.GetTrades(ctx, store.TradeFilter{CreatedSince: g.session.DayStart(now)})
	if err != nil {
		r.fail("trades_today", fmt.Sprintf("loading today's trades: %v", err))
		return false
	}
	if len(todays) >= limits.MaxTradesPerDay {
		r.fail("trades_today", fmt.Sprintf("%d trades today at ceiling %d",
			len(todays), limits.MaxTradesPerDay))
		return false
	}
	r.pass("trades_today")
	return true
}

// checkDailyLoss enforces the daily realized-PnL floor, expressed either as
// absolute dollars or as a percentage of the reference equity. A breach has
// the side effect of persisting DAILY_STOP_HIT.
func (g *RiskGate) checkDailyLoss(ctx context.Context, now time.Time, limits *Limits, r *RiskResult) bool {
	floor := limits.DailyLossLimit
	if limits.DailyLossLimitPct > 0 && limits.ReferenceEquity > 0 {
		pctFloor := limits.ReferenceEquity * limits.DailyLossLimitPct / 100
		if floor <= 0 || pctFloor < floor {
			floor = pctFloor
		}
	}
	if floor <= 0 {
		r.pass("daily_loss")
		return true
	}

	pnl, err := g.store.RealizedPnLSince(ctx, g.session.DayStart(now))
	if err != nil {
		r.fail("daily_loss", fmt.Sprintf("loading realized pnl: %v", err))
		return false
	}
	if pnl <= -floor {
		if err := g.store.Risk().SetState(ctx, models.RiskDailyStopHit); err != nil {
			g.logger.Error().Err(err).Msg("persisting DAILY_STOP_HIT")
		}
		r.fail("daily_loss", fmt.Sprintf("realized pnl %.2f breached daily floor -%.2f", pnl, floor))
		return false
	}
	r.pass("daily_loss")
	return true
}

// --- proposal-level checks ---

func (g *RiskGate) checkPerTradeRisk(_ time.Time, limits *Limits, p *models.Proposal, _ []models.Trade, estRisk float64, r *RiskResult) bool {
	ceiling := limits.MaxLossPerCreditTrade
	if !p.Strategy.IsCredit() {
		ceiling = limits.MaxLossPerDebitTrade
	}
	if ceiling <= 0 {
		r.pass("per_trade_risk")
		return true
	}
	if estRisk > ceiling {
		r.fail("per_trade_risk", fmt.Sprintf("estimated max loss %.2f exceeds ceiling %.2f", estRisk, ceiling))
		return false
	}
	r.pass("per_trade_risk")
	return true
}

func (g *RiskGate) checkDailyNewRisk(now time.Time, limits *Limits, _ *models.Proposal, active []models.Trade, estRisk float64, r *RiskResult) bool {
	if limits.MaxDailyNewRisk <= 0 {
		r.pass("daily_new_risk")
		return true
	}
	today := g.session.DayStart(now)
	var committed float64
	for i := range active {
		if active[i].CreatedAt.Before(today) {
			continue
		}
		committed += tradeRisk(&active[i])
	}
	if committed+estRisk > limits.MaxDailyNewRisk {
		r.fail("daily_new_risk", fmt.Sprintf("new risk %.2f + committed %.2f exceeds daily ceiling %.2f",
			estRisk, committed, limits.MaxDailyNewRisk))
		return false
	}
	r.pass("daily_new_risk")
	return true
}

// checkDirectionalExposure weighs debit-spread risk 1.5x credit-spread risk
// and caps the bull/bear totals separately.
func (g *RiskGate) checkDirectionalExposure(_ time.Time, limits *Limits, p *models.Proposal, active []models.Trade, estRisk float64, r *RiskResult) bool {
	if limits.MaxDirectionalExposure <= 0 {
		r.pass("directional_exposure")
		return true
	}
	dir := p.Strategy.Direction()
	exposure := weightedRisk(p.Strategy, estRisk)
	for i := range active {
		t := &active[i]
		if t.Strategy.Direction() != dir {
			continue
		}
		exposure += weightedRisk(t.Strategy, tradeRisk(t))
	}
	if exposure > limits.MaxDirectionalExposure {
		r.fail("directional_exposure", fmt.Sprintf("%s weighted exposure %.2f exceeds ceiling %.2f",
			dir, exposure, limits.MaxDirectionalExposure))
		return false
	}
	r.pass("directional_exposure")
	return true
}

func (g *RiskGate) checkDirectionalTradeCount(_ time.Time, limits *Limits, p *models.Proposal, active []models.Trade, _ float64, r *RiskResult) bool {
	if limits.MaxDirectionalTrades <= 0 {
		r.pass("directional_trades")
		return true
	}
	dir := p.Strategy.Direction()
	count := 0
	for i := range active {
		if active[i].Strategy.Direction() == dir {
			count++
		}
	}
	if count >= limits.MaxDirectionalTrades {
		r.fail("directional_trades", fmt.Sprintf("%d %s trades at ceiling %d", count, dir, limits.MaxDirectionalTrades))
		return false
	}
	r.pass("directional_trades")
	return true
}

func (g *RiskGate) checkDebitTradeCount(_ time.Time, limits *Limits, p *models.Proposal, active []models.Trade, _ float64, r *RiskResult) bool {
	if limits.MaxDebitTrades <= 0 || p.Strategy.IsCredit() {
		r.pass("debit_trades")
		return true
	}
	count := 0
	for i := range active {
		if !active[i].Strategy.IsCredit() {
			count++
		}
	}
	if count >= limits.MaxDebitTrades {
		r.fail("debit_trades", fmt.Sprintf("%d debit trades at ceiling %d", count, limits.MaxDebitTrades))
		return false
	}
	r.pass("debit_trades")
	return true
}

func (g *RiskGate) checkUnderlyingConcentration(_ time.Time, limits *Limits, p *models.Proposal, active []models.Trade, _ float64, r *RiskResult) bool {
	if limits.MaxTradesPerUnderlying <= 0 {
		r.pass("underlying_concentration")
		return true
	}
	count := 0
	for i := range active {
		if active[i].Symbol == p.Symbol {
			count++
		}
	}
	if count >= limits.MaxTradesPerUnderlying {
		r.fail("underlying_concentration", fmt.Sprintf("%d trades on %s at ceiling %d",
			count, p.Symbol, limits.MaxTradesPerUnderlying))
		return false
	}
	r.pass("underlying_concentration")
	return true
}

func (g *RiskGate) checkExpirationConcentration(_ time.Time, limits *Limits, p *models.Proposal, active []models.Trade, _ float64, r *RiskResult) bool {
	if limits.MaxTradesPerExpiration <= 0 {
		r.pass("expiration_concentration")
		return true
	}
	count := 0
	for i := range active {
		t := &active[i]
		if t.Symbol == p.Symbol && sameDate(t.Expiration, p.Expiration) {
			count++
		}
	}
	if count >= limits.MaxTradesPerExpiration {
		r.fail("expiration_concentration", fmt.Sprintf("%d trades on %s %s at ceiling %d",
			count, p.Symbol, p.Expiration.Format("2006-01-02"), limits.MaxTradesPerExpiration))
		return false
	}
	r.pass("expiration_concentration")
	return true
}

// checkBuyingPower fetches live balances and requires buying power to cover
// existing open risk by the configured ratio. A fetch failure is non-fatal:
// the check passes with a warning because denying on missing data would halt
// trading on every broker hiccup.
func (g *RiskGate) checkBuyingPower(ctx context.Context, limits *Limits, active []models.Trade, estRisk float64, r *RiskResult) bool {
	if limits.MinBuyingPowerRatio <= 0 {
		r.pass("buying_power")
		return true
	}
	balances, err := g.broker.GetBalances(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("buying power check skipped: balance fetch failed")
		r.pass("buying_power")
		return true
	}
	var openRisk float64
	for i := range active {
		openRisk += tradeRisk(&active[i])
	}
	required := (openRisk + estRisk) * limits.MinBuyingPowerRatio
	if balances.OptionBuyingPower < required {
		r.fail("buying_power", fmt.Sprintf("buying power %.2f below required %.2f",
			balances.OptionBuyingPower, required))
		return false
	}
	r.pass("buying_power")
	return true
}

// checkTrend consults the optional trend gate. A nil gate or a neutral
// verdict admits the trade.
func (g *RiskGate) checkTrend(ctx context.Context, p *models.Proposal, r *RiskResult) bool {
	if g.trend == nil {
		r.pass("trend")
		return true
	}
	verdict, err := g.trend.Evaluate(ctx, p.Symbol, p.Strategy.Direction())
	if err != nil {
		g.logger.Warn().Err(err).Msg("trend gate skipped: evaluation failed")
		r.pass("trend")
		return true
	}
	if verdict == TrendOppose {
		r.fail("trend", fmt.Sprintf("trend gate opposes %s entry on %s", p.Strategy.Direction(), p.Symbol))
		return false
	}
	r.pass("trend")
	return true
}

// tradeRisk returns the dollar risk a trade contributes to exposure checks:
// its max loss when known, otherwise the full width as the conservative
// bound for a not-yet-filled entry.
func tradeRisk(t *models.Trade) float64 {
	if t.MaxLoss != nil {
		return *t.MaxLoss
	}
	return t.Width * float64(t.Quantity)
}

func weightedRisk(s models.Strategy, risk float64) float64 {
	if s.IsCredit() {
		return risk
	}
	return risk * DebitRiskWeight
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// EstimatedProposalRisk returns the conservative max-loss estimate used for
// gating before a fill exists.
func EstimatedProposalRisk(p *models.Proposal) float64 {
	width := math.Abs(p.ShortStrike - p.LongStrike)
	return p.Strategy.MaxLoss(p.TargetPrice, width, p.Quantity)
}
