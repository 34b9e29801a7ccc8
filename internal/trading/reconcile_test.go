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

type reconFixture struct {
	store  *store.SQLiteStore
	broker *broker.PaperBroker
	recon  *ReconciliationEngine
	now    time.Time
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	ds := newTestStore(t)
	pb := broker.NewPaperBroker()
	session := testSession(t)
	return &reconFixture{
		store:  ds,
		broker: pb,
		recon:  NewReconciliationEngine(ds, pb, 5*time.Minute, zerolog.Nop()),
		now:    marketHours(session),
	}
}

// brokerLegs scripts a bull put 105/100 spread sitting at the broker.
func (fx *reconFixture) brokerLegs(qty int) []models.PortfolioPosition {
	exp := testExpiration(fx.now)
	return []models.PortfolioPosition{
		{Symbol: "NIFTY105PE", Underlying: "NIFTY", Expiration: exp,
			OptionType: models.OptionPut, Strike: 105, Side: models.PositionShort,
			Quantity: -qty, AvgPrice: 2.45, Bid: 2.40, Ask: 2.50, UpdatedAt: fx.now},
		{Symbol: "NIFTY100PE", Underlying: "NIFTY", Expiration: exp,
			OptionType: models.OptionPut, Strike: 100, Side: models.PositionLong,
			Quantity: qty, AvgPrice: 1.20, Bid: 1.15, Ask: 1.25, UpdatedAt: fx.now},
	}
}

func TestSyncPositionsMirrorsBroker(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	fx.broker.SetPositions(fx.brokerLegs(2))
	require.NoError(t, fx.recon.SyncPositions(ctx))
	got, err := fx.store.GetPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// An emptied broker account empties the mirror on the next pass.
	fx.broker.SetPositions(nil)
	require.NoError(t, fx.recon.SyncPositions(ctx))
	got, err = fx.store.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSyncPositionsFetchFailureKeepsMirror(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	fx.broker.SetPositions(fx.brokerLegs(2))
	require.NoError(t, fx.recon.SyncPositions(ctx))

	fx.broker.FailOn("positions", assert.AnError)
	assert.Error(t, fx.recon.SyncPositions(ctx))
	got, err := fx.store.GetPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSyncOrdersQuarantinesPhantom(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	p := readyProposal("p-1", fx.now)
	trade, err := models.NewTrade("t-phantom", p, "")
	require.NoError(t, err)
	require.True(t, trade.IsPhantom())
	require.NoError(t, fx.store.SaveTrade(ctx, trade))

	require.NoError(t, fx.recon.SyncOrders(ctx, fx.now))

	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeExitError, got.Status)

	// Quarantine is terminal; a second pass leaves it alone.
	require.NoError(t, fx.recon.SyncOrders(ctx, fx.now))
	got, err = fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeExitError, got.Status)
}

// pendingTrade places a real paper order and saves the ENTRY_PENDING trade
// that tracks it, simulating a crash between placement and the fill poll.
func (fx *reconFixture) pendingTrade(t *testing.T, id string) *models.Trade {
	t.Helper()
	ctx := context.Background()
	p := readyProposal("prop-"+id, fx.now)
	result, err := fx.broker.PlaceSpreadOrder(ctx, broker.SpreadOrderRequest{
		ClientOrderID: "c-" + id,
		Symbol:        p.Symbol,
		Side:          models.OrderEntry,
		Strategy:      p.Strategy,
		LimitPrice:    1.20,
		Quantity:      p.Quantity,
	})
	require.NoError(t, err)
	trade, err := models.NewTrade(id, p, result.BrokerOrderID)
	require.NoError(t, err)
	// Pin the creation time to the fixture clock so age checks are exact.
	trade.CreatedAt = fx.now
	trade.UpdatedAt = fx.now
	require.NoError(t, fx.store.SaveTrade(ctx, trade))
	return trade
}

func TestSyncOrdersResolvesFill(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.FillAfterPolls
	fx.broker.FillDelay = 0

	trade := fx.pendingTrade(t, "t-recover")
	require.NoError(t, fx.recon.SyncOrders(ctx, fx.now))

	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	require.NotNil(t, got.EntryPrice)
	assert.InDelta(t, 1.20, *got.EntryPrice, 1e-9)
	require.NotNil(t, got.MaxProfit)
	assert.InDelta(t, 2.40, *got.MaxProfit, 1e-9)
}

func TestSyncOrdersCancelsOverdue(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.NeverFill

	trade := fx.pendingTrade(t, "t-stuck")
	// Well past the order age bound.
	later := fx.now.Add(10 * time.Minute)
	require.NoError(t, fx.recon.SyncOrders(ctx, later))

	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeCancelled, got.Status)
	assert.Equal(t, models.ExitEntryTimeout, got.ExitReason)

	// The broker-side order was cancelled first.
	state, err := fx.broker.GetOrder(ctx, trade.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, state.Status)
}

func TestSyncOrdersLeavesFreshPendingAlone(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.NeverFill

	trade := fx.pendingTrade(t, "t-working")
	require.NoError(t, fx.recon.SyncOrders(ctx, fx.now.Add(time.Minute)))

	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeEntryPending, got.Status)
}

func TestSyncOrdersConvergesStaleOrderRows(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()
	fx.broker.Behavior = broker.FillAfterPolls
	fx.broker.FillDelay = 0

	// An exit order row stranded in PLACED: the trade was finalized while the
	// local order update failed. The broker has since filled the order.
	result, err := fx.broker.PlaceSpreadOrder(ctx, broker.SpreadOrderRequest{
		ClientOrderID: "c-stale",
		Symbol:        "NIFTY",
		Side:          models.OrderExit,
		Strategy:      models.BullPutCredit,
		LimitPrice:    0.45,
		Quantity:      2,
	})
	require.NoError(t, err)

	order := &models.Order{
		ClientOrderID: "c-stale",
		BrokerOrderID: result.BrokerOrderID,
		TradeID:       "t-done",
		Symbol:        "NIFTY",
		Side:          models.OrderExit,
		Strategy:      models.BullPutCredit,
		LimitPrice:    0.45,
		Quantity:      2,
		Status:        models.OrderPlaced,
		RemainingQty:  2,
		PlacedAt:      fx.now,
		UpdatedAt:     fx.now,
	}
	require.NoError(t, fx.store.SaveOrder(ctx, order))

	require.NoError(t, fx.recon.SyncOrders(ctx, fx.now))

	got, err := fx.store.GetOrderByBrokerID(ctx, result.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.InDelta(t, 0.45, got.FillPrice, 1e-9)
	assert.Equal(t, 2, got.FilledQty)
}

func TestAuditTradesLatchesInvestigationOnce(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	trade := openTestTrade(t, "t-flat", fx.now)
	require.NoError(t, fx.store.SaveTrade(ctx, trade))

	// Empty mirror: both legs absent. The trade stays OPEN but is flagged.
	require.NoError(t, fx.recon.AuditTrades(ctx, fx.now))
	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	assert.True(t, got.Flagged)

	// Idempotent while the finding persists.
	require.NoError(t, fx.recon.AuditTrades(ctx, fx.now))
	got, err = fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, got.Flagged)

	// Legs reappear: the latch clears so a future finding logs anew.
	require.NoError(t, fx.store.ReplacePositions(ctx, fx.brokerLegs(2)))
	require.NoError(t, fx.recon.AuditTrades(ctx, fx.now))
	got, err = fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.False(t, got.Flagged)
}

func TestAuditTradesMatchesZoneShiftedExpiries(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	// The broker mirrors its legs at midnight IST; the trade carries the same
	// expiry date in UTC. The audit must still see both legs.
	trade := openTestTrade(t, "t-zones", fx.now)
	exp := trade.Expiration
	trade.Expiration = time.Date(exp.Year(), exp.Month(), exp.Day(), 0, 0, 0, 0, time.UTC)
	require.NoError(t, fx.store.SaveTrade(ctx, trade))

	ist := time.FixedZone("IST", 5*3600+1800)
	legs := fx.brokerLegs(2)
	for i := range legs {
		e := legs[i].Expiration
		legs[i].Expiration = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, ist)
	}
	require.NoError(t, fx.store.ReplacePositions(ctx, legs))

	require.NoError(t, fx.recon.AuditTrades(ctx, fx.now))
	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	assert.False(t, got.Flagged)
}

func TestAuditTradesQuantityShortfall(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	trade := openTestTrade(t, "t-partial", fx.now)
	require.NoError(t, fx.store.SaveTrade(ctx, trade))
	require.NoError(t, fx.store.ReplacePositions(ctx, fx.brokerLegs(1)))

	require.NoError(t, fx.recon.AuditTrades(ctx, fx.now))
	got, err := fx.store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	assert.True(t, got.Flagged)
}

func TestGroupSpreadsInfersShapes(t *testing.T) {
	fx := newReconFixture(t)
	legs := fx.brokerLegs(2)

	spreads := GroupSpreads(legs)
	require.Len(t, spreads, 1)
	assert.Equal(t, models.BullPutCredit, spreads[0].Strategy)
	assert.Equal(t, 105.0, spreads[0].ShortStrike)
	assert.Equal(t, 100.0, spreads[0].LongStrike)
	assert.Equal(t, 2, spreads[0].Quantity)

	// A call spread short below long is a bear call credit.
	exp := testExpiration(fx.now)
	calls := []models.PortfolioPosition{
		{Underlying: "NIFTY", Expiration: exp, OptionType: models.OptionCall,
			Strike: 110, Side: models.PositionShort, Quantity: -1},
		{Underlying: "NIFTY", Expiration: exp, OptionType: models.OptionCall,
			Strike: 115, Side: models.PositionLong, Quantity: 1},
	}
	spreads = GroupSpreads(calls)
	require.Len(t, spreads, 1)
	assert.Equal(t, models.BearCallCredit, spreads[0].Strategy)
}

func TestGroupSpreadsExcludesAmbiguousShapes(t *testing.T) {
	fx := newReconFixture(t)
	exp := testExpiration(fx.now)

	// Three legs in one group never pair.
	three := append(fx.brokerLegs(2), models.PortfolioPosition{
		Underlying: "NIFTY", Expiration: exp, OptionType: models.OptionPut,
		Strike: 95, Side: models.PositionLong, Quantity: 2,
	})
	assert.Empty(t, GroupSpreads(three))

	// Mismatched quantities never pair.
	uneven := fx.brokerLegs(2)
	uneven[1].Quantity = 1
	assert.Empty(t, GroupSpreads(uneven))

	// Two legs on the same side never pair.
	sameSide := fx.brokerLegs(2)
	sameSide[1].Side = models.PositionShort
	sameSide[1].Quantity = -2
	assert.Empty(t, GroupSpreads(sameSide))
}

func TestDeepReconcileReportOnly(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	// Locally open trade at 110/105; broker holds 105/100 instead.
	local := openTestTrade(t, "t-local", fx.now)
	local.ShortStrike, local.LongStrike = 110, 105
	require.NoError(t, fx.store.SaveTrade(ctx, local))
	fx.broker.SetPositions(fx.brokerLegs(2))

	report, err := fx.recon.DeepReconcile(ctx, false, fx.now)
	require.NoError(t, err)
	assert.Zero(t, report.Matched)
	assert.Equal(t, []string{"t-local"}, report.OrphanedIDs)
	require.Len(t, report.Unclaimed, 1)
	assert.Zero(t, report.Repaired)
	assert.Zero(t, report.Materialized)

	// Report-only never mutates the books.
	got, err := fx.store.GetTrade(ctx, "t-local")
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, got.Status)
	all, err := fx.store.GetTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeepReconcileMatchesHealthyBooks(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	trade := openTestTrade(t, "t-match", fx.now)
	require.NoError(t, fx.store.SaveTrade(ctx, trade))
	fx.broker.SetPositions(fx.brokerLegs(2))

	report, err := fx.recon.DeepReconcile(ctx, true, fx.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Empty(t, report.OrphanedIDs)
	assert.Empty(t, report.Unclaimed)
}

func TestDeepReconcileAutoRepair(t *testing.T) {
	fx := newReconFixture(t)
	ctx := context.Background()

	local := openTestTrade(t, "t-orphan", fx.now)
	local.ShortStrike, local.LongStrike = 110, 105
	require.NoError(t, fx.store.SaveTrade(ctx, local))
	fx.broker.SetPositions(fx.brokerLegs(2))

	report, err := fx.recon.DeepReconcile(ctx, true, fx.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 1, report.Materialized)

	// The orphan is closed with no invented exit price or PnL.
	orphan, err := fx.store.GetTrade(ctx, "t-orphan")
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, orphan.Status)
	assert.Equal(t, models.ExitManual, orphan.ExitReason)
	assert.True(t, orphan.Flagged)
	assert.Nil(t, orphan.ExitPrice)
	assert.Nil(t, orphan.RealizedPnL)

	// The broker-held spread became a flagged OPEN trade with entry
	// economics derived from the legs' average prices.
	open, err := fx.store.GetOpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	recovered := open[0]
	assert.Equal(t, models.BullPutCredit, recovered.Strategy)
	assert.Equal(t, models.ExitRecovered, recovered.ExitReason)
	assert.True(t, recovered.Flagged)
	require.NotNil(t, recovered.EntryPrice)
	assert.InDelta(t, 1.25, *recovered.EntryPrice, 1e-9)
	require.NotNil(t, recovered.MaxProfit)
	assert.InDelta(t, 2.50, *recovered.MaxProfit, 1e-9)
	require.NotNil(t, recovered.MaxLoss)
	assert.InDelta(t, 7.50, *recovered.MaxLoss, 1e-9)
}
