// Package metrics exposes Prometheus instrumentation for the engine.
//
// Served at /metrics by the run daemon when metrics are enabled:
//   - engine_cycles_total{cycle,result}      cycles run, by outcome
//   - engine_entry_orders_total{outcome}     entry orders placed/filled/cancelled
//   - engine_exits_total{reason}             exits by trigger reason
//   - engine_risk_denials_total{check}       risk gate denials by failing check
//   - engine_open_trades                     currently open trades (gauge)
//   - engine_daily_realized_pnl              realized PnL today (gauge)
//   - engine_investigations_total            reconciliation findings needing a human
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Cycles run, by cycle name and result",
		},
		[]string{"cycle", "result"},
	)

	entryOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_entry_orders_total",
			Help: "Entry orders by outcome",
		},
		[]string{"outcome"},
	)

	// EntryOrdersPlaced counts acknowledged entry orders.
	EntryOrdersPlaced = entryOrders.WithLabelValues("placed")
	// EntryOrdersFilled counts entry orders confirmed filled.
	EntryOrdersFilled = entryOrders.WithLabelValues("filled")
	// EntryOrdersCancelled counts entry orders cancelled, rejected or timed out.
	EntryOrdersCancelled = entryOrders.WithLabelValues("cancelled")

	exitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Exit orders placed, by trigger reason",
		},
		[]string{"reason"},
	)

	riskDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_risk_denials_total",
			Help: "Risk gate denials by failing check",
		},
		[]string{"check"},
	)

	// OpenTrades tracks the number of trades currently OPEN.
	OpenTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_trades",
		Help: "Currently open trades",
	})

	// DailyRealizedPnL tracks today's realized PnL.
	DailyRealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_daily_realized_pnl",
		Help: "Realized PnL today in dollars",
	})

	// Investigations counts reconciliation findings left for manual review.
	Investigations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_investigations_total",
		Help: "Reconciliation findings needing manual investigation",
	})
)

func init() {
	prometheus.MustRegister(cyclesTotal, entryOrders, exitsTotal, riskDenials,
		OpenTrades, DailyRealizedPnL, Investigations)
}

// CycleCompleted records one finished cycle.
func CycleCompleted(cycle string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	cyclesTotal.WithLabelValues(cycle, result).Inc()
}

// ExitTriggered records an exit order placement by reason.
func ExitTriggered(reason string) {
	exitsTotal.WithLabelValues(reason).Inc()
}

// RiskDenied records a risk gate denial by failing check.
func RiskDenied(check string) {
	riskDenials.WithLabelValues(check).Inc()
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
