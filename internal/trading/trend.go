package trading

import (
	"context"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/models"
)

// TrendVerdict is the outcome of the optional trend filter.
type TrendVerdict int

const (
	// TrendNeutral neither supports nor opposes the entry.
	TrendNeutral TrendVerdict = iota
	// TrendSupport agrees with the proposed direction.
	TrendSupport
	// TrendOppose disagrees with the proposed direction.
	TrendOppose
)

// TrendGate is a pluggable, optional directional filter consulted by the
// risk gate after the hard checks. Implementations that cannot form an
// opinion must return TrendNeutral, never an error-as-denial.
type TrendGate interface {
	Evaluate(ctx context.Context, symbol string, dir models.Direction) (TrendVerdict, error)
}

// SMATrendGate compares the underlying's last price to a simple moving
// average supplied by a price history source. When no history is available
// it stays neutral.
type SMATrendGate struct {
	broker  broker.Broker
	history func(ctx context.Context, symbol string, bars int) ([]float64, error)
	Window  int
}

// NewSMATrendGate creates a trend gate over a closing-price history source.
// The source may be nil, which makes the gate permanently neutral.
func NewSMATrendGate(b broker.Broker, history func(ctx context.Context, symbol string, bars int) ([]float64, error)) *SMATrendGate {
	return &SMATrendGate{broker: b, history: history, Window: 20}
}

// Evaluate returns Support when price is on the strategy's side of the SMA,
// Oppose when it is on the wrong side, and Neutral when the SMA cannot be
// computed.
func (g *SMATrendGate) Evaluate(ctx context.Context, symbol string, dir models.Direction) (TrendVerdict, error) {
	if g.history == nil {
		return TrendNeutral, nil
	}
	closes, err := g.history(ctx, symbol, g.Window)
	if err != nil || len(closes) < g.Window {
		return TrendNeutral, nil
	}
	var sum float64
	for _, c := range closes[len(closes)-g.Window:] {
		sum += c
	}
	sma := sum / float64(g.Window)

	quote, err := g.broker.GetUnderlyingQuote(ctx, symbol)
	if err != nil {
		return TrendNeutral, nil
	}

	aboveSMA := quote.Last > sma
	if (dir == models.DirectionBull) == aboveSMA {
		return TrendSupport, nil
	}
	return TrendOppose, nil
}
