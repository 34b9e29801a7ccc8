package trading

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadtrader/internal/broker"
	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
)

type entryFixture struct {
	store  *store.SQLiteStore
	broker *broker.PaperBroker
	exec   *EntryExecutor
	now    time.Time
}

func newEntryFixture(t *testing.T) *entryFixture {
	t.Helper()
	ds := newTestStore(t)
	pb := broker.NewPaperBroker()
	session := testSession(t)
	gate := NewRiskGate(ds, pb, session, nil, zerolog.Nop())
	exec := NewEntryExecutor(ds, pb, gate, nil, EntryConfig{
		SpreadWidth:  5,
		PollInterval: time.Millisecond,
		FillTimeout:  25 * time.Millisecond,
	}, zerolog.Nop())
	now := marketHours(session)
	pb.SetChain(testChain(now))
	return &entryFixture{store: ds, broker: pb, exec: exec, now: now}
}

func (fx *entryFixture) seedProposal(t *testing.T, id string) *models.Proposal {
	t.Helper()
	p := readyProposal(id, fx.now)
	require.NoError(t, fx.store.SaveProposal(context.Background(), p))
	return p
}

func TestExecuteEntryNoProposal(t *testing.T) {
	fx := newEntryFixture(t)
	res, err := fx.exec.ExecuteEntry(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Nil(t, res.Trade)
	assert.False(t, res.Opened)
	assert.Equal(t, "no READY proposal", res.Reason)
}

func TestExecuteEntryExpiresStaleProposal(t *testing.T) {
	fx := newEntryFixture(t)
	ctx := context.Background()

	p := readyProposal("p-stale", fx.now.Add(-time.Hour))
	require.NoError(t, fx.store.SaveProposal(ctx, p))

	res, err := fx.exec.ExecuteEntry(ctx, fx.now)
	require.NoError(t, err)
	assert.Nil(t, res.Trade)

	next, err := fx.store.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestExecuteEntryFillOpensTrade(t *testing.T) {
	fx := newEntryFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.FillAfterPolls
	fx.broker.FillDelay = 1

	p := fx.seedProposal(t, "p-fill")

	res, err := fx.exec.ExecuteEntry(ctx, fx.now)
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.True(t, res.Opened)

	trade, err := fx.store.GetTrade(ctx, res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, trade.Status)
	require.NotNil(t, trade.EntryPrice)
	// netMid 1.25 less the default 0.05 slippage.
	assert.InDelta(t, 1.20, *trade.EntryPrice, 1e-9)
	require.NotNil(t, trade.MaxProfit)
	assert.InDelta(t, 2.40, *trade.MaxProfit, 1e-9)
	require.NotNil(t, trade.MaxLoss)
	assert.InDelta(t, 7.60, *trade.MaxLoss, 1e-9)
	assert.NotNil(t, trade.OpenedAt)

	// The proposal is consumed and the order row is terminal.
	gone, err := fx.store.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	assert.Nil(t, gone)
	order, err := fx.store.GetOrderByBrokerID(ctx, trade.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
	assert.InDelta(t, 1.20, order.FillPrice, 1e-9)
	assert.Equal(t, p.ID, order.ProposalID)
}

func TestExecuteEntryTimeoutCancels(t *testing.T) {
	fx := newEntryFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.NeverFill

	fx.seedProposal(t, "p-timeout")

	res, err := fx.exec.ExecuteEntry(ctx, fx.now)
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.False(t, res.Opened)

	trade, err := fx.store.GetTrade(ctx, res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeCancelled, trade.Status)
	assert.Equal(t, models.ExitEntryTimeout, trade.ExitReason)

	// Cancellation reached the broker before the local state moved on.
	state, err := fx.broker.GetOrder(ctx, trade.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, state.Status)
}

func TestExecuteEntryRejectionLeavesCancelledRow(t *testing.T) {
	fx := newEntryFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.RejectOrder

	fx.seedProposal(t, "p-reject")

	res, err := fx.exec.ExecuteEntry(ctx, fx.now)
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.False(t, res.Opened)

	trade, err := fx.store.GetTrade(ctx, res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeCancelled, trade.Status)
	assert.Equal(t, models.ExitEntryRejected, trade.ExitReason)

	// Exactly one trade row per attempt, and the proposal is still consumed.
	all, err := fx.store.GetTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	gone, err := fx.store.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestExecuteEntryInvalidatesDriftedPricing(t *testing.T) {
	fx := newEntryFixture(t)
	ctx := context.Background()

	// The floor moves above the live credit; the proposal must be dropped
	// without ever reaching the broker.
	require.NoError(t, fx.store.Settings().Set(ctx, KeyCreditMin, "2.00"))
	fx.seedProposal(t, "p-drift")

	res, err := fx.exec.ExecuteEntry(ctx, fx.now)
	require.NoError(t, err)
	assert.Nil(t, res.Trade)

	all, err := fx.store.GetTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	gone, err := fx.store.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestExecuteEntryWrongWidthInvalidates(t *testing.T) {
	fx := newEntryFixture(t)
	ctx := context.Background()

	p := readyProposal("p-wide", fx.now)
	p.ShortStrike, p.LongStrike, p.Width = 110, 100, 10
	require.NoError(t, fx.store.SaveProposal(ctx, p))

	res, err := fx.exec.ExecuteEntry(ctx, fx.now)
	require.NoError(t, err)
	assert.Nil(t, res.Trade)
	assert.Equal(t, "invalid proposal structure", res.Reason)
}
