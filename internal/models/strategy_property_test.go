package models

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any credit spread, max profit plus max loss equals the full
// width of the spread times the contract count. The two outcomes partition
// the strike distance.
func TestProperty_CreditSpreadOutcomesPartitionWidth(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	widthGen := gen.Float64Range(1, 50)
	fillFracGen := gen.Float64Range(0.01, 0.99) // fill as a fraction of width
	qtyGen := gen.IntRange(1, 20)

	properties.Property("maxProfit + maxLoss == width * qty for credit spreads", prop.ForAll(
		func(width, fillFrac float64, qty int) bool {
			for _, s := range []Strategy{BullPutCredit, BearCallCredit} {
				fill := width * fillFrac
				sum := s.MaxProfit(fill, width, qty) + s.MaxLoss(fill, width, qty)
				if math.Abs(sum-width*float64(qty)) > 1e-6 {
					return false
				}
			}
			return true
		},
		widthGen, fillFracGen, qtyGen,
	))

	properties.Property("maxProfit + maxLoss == width * qty for debit spreads", prop.ForAll(
		func(width, fillFrac float64, qty int) bool {
			for _, s := range []Strategy{BullCallDebit, BearPutDebit} {
				fill := width * fillFrac
				sum := s.MaxProfit(fill, width, qty) + s.MaxLoss(fill, width, qty)
				if math.Abs(sum-width*float64(qty)) > 1e-6 {
					return false
				}
			}
			return true
		},
		widthGen, fillFracGen, qtyGen,
	))

	properties.TestingRun(t)
}

// Property: realized PnL at max-favorable and max-adverse exits reproduces
// the max profit / max loss derived at entry, for every strategy variant.
func TestProperty_RealizedPnLBoundsMatchEntryEconomics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	widthGen := gen.Float64Range(1, 50)
	fillFracGen := gen.Float64Range(0.01, 0.99)
	qtyGen := gen.IntRange(1, 20)
	stratGen := gen.OneConstOf(BullPutCredit, BearCallCredit, BullCallDebit, BearPutDebit)

	properties.Property("exit at 0 or width hits the entry-derived bounds", prop.ForAll(
		func(width, fillFrac float64, qty int, s Strategy) bool {
			entry := width * fillFrac
			var bestExit, worstExit float64
			if s.IsCredit() {
				bestExit, worstExit = 0, width
			} else {
				bestExit, worstExit = width, 0
			}
			best := s.RealizedPnL(entry, bestExit, qty)
			worst := s.RealizedPnL(entry, worstExit, qty)
			return math.Abs(best-s.MaxProfit(entry, width, qty)) < 1e-6 &&
				math.Abs(worst+s.MaxLoss(entry, width, qty)) < 1e-6
		},
		widthGen, fillFracGen, qtyGen, stratGen,
	))

	properties.TestingRun(t)
}

// Property: leg conventions are self-consistent. Valid strikes always yield
// the strategy's width, entry legs are always sell-short/buy-long, and exit
// legs are the exact inverse.
func TestProperty_LegConventionConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	strikeGen := gen.Float64Range(50, 500)
	offsetGen := gen.Float64Range(1, 25)
	stratGen := gen.OneConstOf(BullPutCredit, BearCallCredit, BullCallDebit, BearPutDebit)

	properties.Property("strikes built per convention validate and measure the offset", prop.ForAll(
		func(base, offset float64, s Strategy) bool {
			rules, err := s.Rules()
			if err != nil {
				return false
			}
			short, long := base, base+offset
			if rules.ShortAboveLong {
				short, long = base+offset, base
			}
			if !s.ValidStrikes(short, long) {
				return false
			}
			// The reversed pair must be rejected.
			if s.ValidStrikes(long, short) {
				return false
			}
			if math.Abs(s.Width(short, long)-offset) > 1e-9 {
				return false
			}
			entryShort, entryLong := s.EntryLegSides()
			exitShort, exitLong := s.ExitLegSides()
			return entryShort == LegSell && entryLong == LegBuy &&
				exitShort == entryShort.Inverse() && exitLong == entryLong.Inverse()
		},
		strikeGen, offsetGen, stratGen,
	))

	properties.Property("equal strikes are never a valid spread", prop.ForAll(
		func(strike float64, s Strategy) bool {
			return !s.ValidStrikes(strike, strike)
		},
		strikeGen, stratGen,
	))

	properties.TestingRun(t)
}

// A worked example pinning the sign conventions: a 1.25 credit on a 5-wide
// spread, two contracts, risks 7.50 to make 2.50.
func TestCreditSpreadWorkedExample(t *testing.T) {
	s := BullPutCredit
	entry, width, qty := 1.25, 5.0, 2

	if got := s.MaxProfit(entry, width, qty); math.Abs(got-2.50) > 1e-9 {
		t.Errorf("MaxProfit = %v, want 2.50", got)
	}
	if got := s.MaxLoss(entry, width, qty); math.Abs(got-7.50) > 1e-9 {
		t.Errorf("MaxLoss = %v, want 7.50", got)
	}
	// Buying back at 0.25 keeps 1.00 per contract.
	if got := s.RealizedPnL(entry, 0.25, qty); math.Abs(got-2.00) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want 2.00", got)
	}
	// Buying back above the entry credit loses money.
	if got := s.RealizedPnL(entry, 3.00, qty); math.Abs(got+3.50) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want -3.50", got)
	}
}
