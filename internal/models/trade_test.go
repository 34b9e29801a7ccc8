package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProposal() *Proposal {
	return &Proposal{
		ID:          "prop-1",
		Symbol:      "NIFTY",
		Expiration:  time.Now().Add(7 * 24 * time.Hour),
		ShortStrike: 105,
		LongStrike:  100,
		Width:       5,
		Strategy:    BullPutCredit,
		TargetPrice: 1.25,
		Quantity:    2,
		Status:      ProposalReady,
		CreatedAt:   time.Now(),
	}
}

func TestNewTradeValidation(t *testing.T) {
	p := testProposal()

	trade, err := NewTrade("t-1", p, "BRK-1")
	require.NoError(t, err)
	assert.Equal(t, TradeEntryPending, trade.Status)
	assert.Equal(t, 5.0, trade.Width)
	assert.Equal(t, ExitNone, trade.ExitReason)

	bad := testProposal()
	bad.ShortStrike, bad.LongStrike = 100, 105 // inverted for a bull put
	_, err = NewTrade("t-2", bad, "BRK-2")
	assert.Error(t, err)

	bad = testProposal()
	bad.Quantity = 0
	_, err = NewTrade("t-3", bad, "BRK-3")
	assert.Error(t, err)

	bad = testProposal()
	bad.Strategy = "IRON_CONDOR"
	_, err = NewTrade("t-4", bad, "BRK-4")
	assert.Error(t, err)
}

func TestTradeLifecycleTransitions(t *testing.T) {
	now := time.Now().UTC()
	trade, err := NewTrade("t-1", testProposal(), "BRK-1")
	require.NoError(t, err)

	// Cannot close or revert before opening.
	assert.Error(t, trade.MarkClosed(0.25, now))
	assert.Error(t, trade.RevertClosing(now))

	require.NoError(t, trade.MarkOpen(1.25, now))
	assert.Equal(t, TradeOpen, trade.Status)
	require.NotNil(t, trade.MaxProfit)
	require.NotNil(t, trade.MaxLoss)
	assert.InDelta(t, 2.50, *trade.MaxProfit, 1e-9)
	assert.InDelta(t, 7.50, *trade.MaxLoss, 1e-9)

	// Cannot open twice or cancel once open.
	assert.Error(t, trade.MarkOpen(1.25, now))
	assert.Error(t, trade.MarkCancelled(ExitEntryTimeout, now))

	require.NoError(t, trade.MarkClosing("BRK-X", ExitProfitTarget, now))
	assert.Equal(t, TradeClosingPending, trade.Status)

	require.NoError(t, trade.MarkClosed(0.25, now))
	assert.Equal(t, TradeClosed, trade.Status)
	require.NotNil(t, trade.RealizedPnL)
	assert.InDelta(t, 2.00, *trade.RealizedPnL, 1e-9)
	assert.True(t, trade.Status.Terminal())
}

func TestTradeRevertClosingFlags(t *testing.T) {
	now := time.Now().UTC()
	trade, err := NewTrade("t-1", testProposal(), "BRK-1")
	require.NoError(t, err)
	require.NoError(t, trade.MarkOpen(1.25, now))
	require.NoError(t, trade.MarkClosing("BRK-X", ExitStopLoss, now))

	require.NoError(t, trade.RevertClosing(now))
	assert.Equal(t, TradeOpen, trade.Status)
	assert.Empty(t, trade.ExitOrderID)
	assert.True(t, trade.Flagged)
	// The attempted reason stays on the record.
	assert.Equal(t, ExitStopLoss, trade.ExitReason)
}

func TestTradeCancelledFromPending(t *testing.T) {
	now := time.Now().UTC()
	trade, err := NewTrade("t-1", testProposal(), "BRK-1")
	require.NoError(t, err)

	require.NoError(t, trade.MarkCancelled(ExitEntryTimeout, now))
	assert.Equal(t, TradeCancelled, trade.Status)
	assert.True(t, trade.Status.Terminal())
	assert.Nil(t, trade.EntryPrice)
}

func TestTradePhantomDetection(t *testing.T) {
	now := time.Now().UTC()
	trade, err := NewTrade("t-1", testProposal(), "")
	require.NoError(t, err)
	assert.True(t, trade.IsPhantom())

	withOrder, err := NewTrade("t-2", testProposal(), "BRK-2")
	require.NoError(t, err)
	assert.False(t, withOrder.IsPhantom())

	// Terminal trades are never phantoms.
	require.NoError(t, trade.Quarantine(now))
	assert.Equal(t, TradeExitError, trade.Status)
	assert.False(t, trade.IsPhantom())

	// Quarantine is terminal; no way back.
	assert.Error(t, trade.Quarantine(now))
	assert.Error(t, trade.MarkOpen(1.0, now))
}

func TestTradeWidthInvariant(t *testing.T) {
	trade, err := NewTrade("t-1", testProposal(), "BRK-1")
	require.NoError(t, err)
	require.NoError(t, trade.CheckWidth())

	trade.Width = 10
	assert.Error(t, trade.CheckWidth())
}

func TestOrderStatusProgression(t *testing.T) {
	assert.True(t, OrderPending.CanAdvanceTo(OrderPlaced))
	assert.True(t, OrderPlaced.CanAdvanceTo(OrderPartial))
	assert.True(t, OrderPartial.CanAdvanceTo(OrderFilled))
	assert.True(t, OrderPlaced.CanAdvanceTo(OrderCancelled))

	// Terminal states never advance.
	assert.False(t, OrderFilled.CanAdvanceTo(OrderCancelled))
	assert.False(t, OrderCancelled.CanAdvanceTo(OrderPlaced))
	assert.False(t, OrderRejected.CanAdvanceTo(OrderFilled))

	// No moving backward.
	assert.False(t, OrderPartial.CanAdvanceTo(OrderPending))
	assert.False(t, OrderFilled.CanAdvanceTo(OrderPlaced))
}
