package models

import "time"

// Quote represents an underlying market quote.
type Quote struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	PrevClose float64
	Volume    int64
	Timestamp time.Time
}

// OptionQuote represents a quote for a single option contract.
type OptionQuote struct {
	Symbol     string
	Underlying string
	Expiration time.Time
	OptionType OptionType
	Strike     float64
	Bid        float64
	Ask        float64
	Last       float64
	Delta      float64
	IV         float64
	Volume     int64
	OpenInt    int64
	Timestamp  time.Time
}

// Mid returns the midpoint of the option quote, or the last price when one
// side of the book is missing.
func (q *OptionQuote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Usable reports whether the quote is healthy enough to price off: both
// sides present and not crossed.
func (q *OptionQuote) Usable() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// OptionChain holds the quotes for one (underlying, expiration).
type OptionChain struct {
	Symbol     string
	Expiration time.Time
	SpotPrice  float64
	Options    []OptionQuote
}

// Find returns the quote for a (type, strike) pair, or nil.
func (c *OptionChain) Find(ot OptionType, strike float64) *OptionQuote {
	for i := range c.Options {
		if c.Options[i].OptionType == ot && c.Options[i].Strike == strike {
			return &c.Options[i]
		}
	}
	return nil
}

// Balances is the account snapshot used by risk checks.
type Balances struct {
	TotalEquity       float64
	Cash              float64
	OptionBuyingPower float64
	Timestamp         time.Time
}

// GainLoss is one realized result reported by the broker for a date range.
type GainLoss struct {
	Symbol    string
	GainLoss  float64
	CloseDate time.Time
}
