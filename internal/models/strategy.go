// Package models provides domain models for the spread trading engine.
package models

import (
	"fmt"
	"math"
)

// Strategy identifies one of the four supported two-leg vertical spreads.
type Strategy string

const (
	BullPutCredit  Strategy = "BULL_PUT_CREDIT"
	BearCallCredit Strategy = "BEAR_CALL_CREDIT"
	BullCallDebit  Strategy = "BULL_CALL_DEBIT"
	BearPutDebit   Strategy = "BEAR_PUT_DEBIT"
)

// OptionType represents the option contract type.
type OptionType string

const (
	OptionPut  OptionType = "PUT"
	OptionCall OptionType = "CALL"
)

// Direction represents the market bias of a strategy.
type Direction string

const (
	DirectionBull Direction = "BULL"
	DirectionBear Direction = "BEAR"
)

// StrategyRules captures the fixed leg conventions of a spread variant as
// data, so executors and reconciliation consume one table instead of
// re-deriving the branching per call site.
type StrategyRules struct {
	OptionType     OptionType
	Credit         bool
	Direction      Direction
	ShortAboveLong bool // true when the short strike sits above the long strike
}

var strategyRules = map[Strategy]StrategyRules{
	BullPutCredit:  {OptionType: OptionPut, Credit: true, Direction: DirectionBull, ShortAboveLong: true},
	BearCallCredit: {OptionType: OptionCall, Credit: true, Direction: DirectionBear, ShortAboveLong: false},
	BullCallDebit:  {OptionType: OptionCall, Credit: false, Direction: DirectionBull, ShortAboveLong: true},
	BearPutDebit:   {OptionType: OptionPut, Credit: false, Direction: DirectionBear, ShortAboveLong: false},
}

// AllStrategies lists the supported variants in a stable order.
func AllStrategies() []Strategy {
	return []Strategy{BullPutCredit, BearCallCredit, BullCallDebit, BearPutDebit}
}

// Valid reports whether s is one of the four supported variants.
func (s Strategy) Valid() bool {
	_, ok := strategyRules[s]
	return ok
}

// Rules returns the leg conventions for the strategy.
func (s Strategy) Rules() (StrategyRules, error) {
	r, ok := strategyRules[s]
	if !ok {
		return StrategyRules{}, fmt.Errorf("unknown strategy: %s", s)
	}
	return r, nil
}

// OptionType returns PUT or CALL for the strategy's legs.
func (s Strategy) OptionType() OptionType {
	return strategyRules[s].OptionType
}

// IsCredit reports whether the spread is opened for a net credit.
func (s Strategy) IsCredit() bool {
	return strategyRules[s].Credit
}

// Direction returns the market bias of the strategy.
func (s Strategy) Direction() Direction {
	return strategyRules[s].Direction
}

// ValidStrikes reports whether the short/long strike relationship matches
// the strategy's convention. Equal strikes are never a valid spread.
func (s Strategy) ValidStrikes(shortStrike, longStrike float64) bool {
	r, ok := strategyRules[s]
	if !ok || shortStrike == longStrike || shortStrike <= 0 || longStrike <= 0 {
		return false
	}
	if r.ShortAboveLong {
		return shortStrike > longStrike
	}
	return shortStrike < longStrike
}

// Width returns the absolute strike distance between the two legs.
func (s Strategy) Width(shortStrike, longStrike float64) float64 {
	return math.Abs(shortStrike - longStrike)
}

// EntryLegSides returns the (shortLeg, longLeg) order sides used to open the
// spread. The short leg is always sold and the long leg always bought at
// entry, for credit and debit variants alike.
func (s Strategy) EntryLegSides() (LegSide, LegSide) {
	return LegSell, LegBuy
}

// ExitLegSides returns the inverse sides used to close the spread.
func (s Strategy) ExitLegSides() (LegSide, LegSide) {
	shortSide, longSide := s.EntryLegSides()
	return shortSide.Inverse(), longSide.Inverse()
}

// MaxProfit returns the best-case dollar outcome for the whole position,
// given the per-contract fill price, the strike width and the contract count.
func (s Strategy) MaxProfit(entryPrice, width float64, quantity int) float64 {
	if s.IsCredit() {
		return entryPrice * float64(quantity)
	}
	return (width - entryPrice) * float64(quantity)
}

// MaxLoss returns the worst-case dollar outcome for the whole position.
func (s Strategy) MaxLoss(entryPrice, width float64, quantity int) float64 {
	if s.IsCredit() {
		return (width - entryPrice) * float64(quantity)
	}
	return entryPrice * float64(quantity)
}

// RealizedPnL returns the realized outcome once both fills are known.
// Credit spreads profit when bought back below the entry credit; debit
// spreads profit when sold above the entry debit.
func (s Strategy) RealizedPnL(entryPrice, exitPrice float64, quantity int) float64 {
	if s.IsCredit() {
		return (entryPrice - exitPrice) * float64(quantity)
	}
	return (exitPrice - entryPrice) * float64(quantity)
}
