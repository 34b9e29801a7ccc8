package models

import (
	"fmt"
	"math"
	"time"
)

// PositionSide marks one leg as held long or short at the broker.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PortfolioPosition mirrors one option leg as currently held at the broker.
// Rows are rewritten wholesale each reconciliation pass and are never derived
// from Trade rows.
type PortfolioPosition struct {
	Symbol     string // full option symbol
	Underlying string
	Expiration time.Time
	OptionType OptionType
	Strike     float64
	Side       PositionSide
	Quantity   int // signed: negative for short legs
	AvgPrice   float64
	Bid        float64
	Ask        float64
	Last       float64
	Delta      float64
	IV         float64
	UpdatedAt  time.Time
}

// Key identifies the leg uniquely within the mirror.
func (p *PortfolioPosition) Key() string {
	return fmt.Sprintf("%s|%s|%s|%g|%s",
		p.Underlying, p.Expiration.Format("2006-01-02"), p.OptionType, p.Strike, p.Side)
}

// Mid returns the quote midpoint, or the last price when the book is empty.
func (p *PortfolioPosition) Mid() float64 {
	if p.Bid > 0 && p.Ask > 0 {
		return (p.Bid + p.Ask) / 2
	}
	return p.Last
}

// SpreadPct returns the bid/ask spread as a fraction of the midpoint.
func (p *PortfolioPosition) SpreadPct() float64 {
	mid := p.Mid()
	if mid <= 0 {
		return 0
	}
	return (p.Ask - p.Bid) / mid
}

// BrokerSpread is a two-leg fixed-width spread inferred from raw broker legs
// during reconciliation. Ambiguous shapes never become a BrokerSpread.
type BrokerSpread struct {
	Underlying  string
	Expiration  time.Time
	Strategy    Strategy
	ShortStrike float64
	LongStrike  float64
	Quantity    int // absolute contracts per leg
}

// Width returns the absolute strike distance of the inferred spread.
func (b *BrokerSpread) Width() float64 {
	return math.Abs(b.ShortStrike - b.LongStrike)
}

// Key identifies the spread for set comparison against local trades.
func (b *BrokerSpread) Key() string {
	return fmt.Sprintf("%s|%s|%s|%g|%g",
		b.Underlying, b.Expiration.Format("2006-01-02"), b.Strategy, b.ShortStrike, b.LongStrike)
}
