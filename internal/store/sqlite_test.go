package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadtrader/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string) *models.Trade {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Trade{
		ID:           id,
		ProposalID:   "prop-" + id,
		Symbol:       "NIFTY",
		Expiration:   now.Add(7 * 24 * time.Hour),
		ShortStrike:  105,
		LongStrike:   100,
		Width:        5,
		Quantity:     2,
		Strategy:     models.BullPutCredit,
		Status:       models.TradeEntryPending,
		ExitReason:   models.ExitNone,
		EntryOrderID: "BRK-" + id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestTradeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t-1")
	entry := 1.25
	trade.EntryPrice = &entry
	require.NoError(t, s.SaveTrade(ctx, trade))

	got, err := s.GetTrade(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, trade.Symbol, got.Symbol)
	assert.Equal(t, trade.Strategy, got.Strategy)
	assert.Equal(t, trade.Status, got.Status)
	require.NotNil(t, got.EntryPrice)
	assert.InDelta(t, 1.25, *got.EntryPrice, 1e-9)
	assert.Nil(t, got.ExitPrice)
	assert.Nil(t, got.RealizedPnL)
	assert.Nil(t, got.OpenedAt)

	// Unknown trades error rather than return a zero value.
	_, err = s.GetTrade(ctx, "nope")
	assert.Error(t, err)
}

func TestSaveTradeEnforcesWidth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t-bad")
	trade.Width = 10 // does not match |105-100|
	assert.Error(t, s.SaveTrade(ctx, trade))

	trade.Width = 5
	require.NoError(t, s.SaveTrade(ctx, trade))
	trade.Width = 10
	assert.Error(t, s.UpdateTrade(ctx, trade))
}

func TestTradeFiltersAndPnL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	open := sampleTrade("t-open")
	open.Status = models.TradeOpen
	require.NoError(t, s.SaveTrade(ctx, open))

	closed := sampleTrade("t-closed")
	closed.Status = models.TradeClosed
	pnl := 2.0
	closed.RealizedPnL = &pnl
	closedAt := now.Add(-time.Hour)
	closed.ClosedAt = &closedAt
	require.NoError(t, s.SaveTrade(ctx, closed))

	cancelled := sampleTrade("t-cancelled")
	cancelled.Status = models.TradeCancelled
	require.NoError(t, s.SaveTrade(ctx, cancelled))

	active, err := s.GetActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t-open", active[0].ID)

	openOnly, err := s.GetOpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, openOnly, 1)

	got, err := s.RealizedPnLSince(ctx, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-9)

	// Window after the close excludes it.
	got, err = s.RealizedPnLSince(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func sampleOrder(id string) *models.Order {
	now := time.Now().UTC().Truncate(time.Second)
	exp := now.Add(7 * 24 * time.Hour)
	return &models.Order{
		ClientOrderID: id,
		TradeID:       "t-1",
		Symbol:        "NIFTY",
		Side:          models.OrderEntry,
		Strategy:      models.BullPutCredit,
		Legs: [2]models.OrderLeg{
			{Symbol: "NIFTY25SEP105PE", Underlying: "NIFTY", Expiration: exp,
				OptionType: models.OptionPut, Strike: 105, Side: models.LegSell, Quantity: 2, Limit: 2.45},
			{Symbol: "NIFTY25SEP100PE", Underlying: "NIFTY", Expiration: exp,
				OptionType: models.OptionPut, Strike: 100, Side: models.LegBuy, Quantity: 2, Limit: 1.25},
		},
		LimitPrice:   1.20,
		Quantity:     2,
		Status:       models.OrderPending,
		RemainingQty: 2,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
}

func TestOrderIdempotencyKeyRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := sampleOrder("c-1")
	require.NoError(t, s.SaveOrder(ctx, order))
	assert.Error(t, s.SaveOrder(ctx, order))
}

func TestOrderStatusNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := sampleOrder("c-1")
	require.NoError(t, s.SaveOrder(ctx, order))

	order.Status = models.OrderPlaced
	order.BrokerOrderID = "BRK-1"
	require.NoError(t, s.UpdateOrder(ctx, order))

	order.Status = models.OrderFilled
	order.FillPrice = 1.20
	require.NoError(t, s.UpdateOrder(ctx, order))

	// Terminal; any further move is rejected.
	order.Status = models.OrderCancelled
	assert.Error(t, s.UpdateOrder(ctx, order))

	got, err := s.GetOrderByBrokerID(ctx, "BRK-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)
	assert.Equal(t, models.LegSell, got.Legs[0].Side)
}

func TestReplacePositionsIsWholesale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	exp := now.Add(7 * 24 * time.Hour)

	first := []models.PortfolioPosition{
		{Symbol: "A105", Underlying: "NIFTY", Expiration: exp, OptionType: models.OptionPut,
			Strike: 105, Side: models.PositionShort, Quantity: -2, Bid: 2.40, Ask: 2.50, UpdatedAt: now},
		{Symbol: "A100", Underlying: "NIFTY", Expiration: exp, OptionType: models.OptionPut,
			Strike: 100, Side: models.PositionLong, Quantity: 2, Bid: 1.20, Ask: 1.30, UpdatedAt: now},
	}
	require.NoError(t, s.ReplacePositions(ctx, first))

	got, err := s.GetPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// The next snapshot drops one leg; the mirror must drop it too.
	require.NoError(t, s.ReplacePositions(ctx, first[:1]))
	got, err = s.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 105.0, got[0].Strike)

	pos, err := s.FindPosition(ctx, "NIFTY", exp, models.OptionPut, 100, models.PositionLong)
	require.NoError(t, err)
	assert.Nil(t, pos)

	pos, err = s.FindPosition(ctx, "NIFTY", exp, models.OptionPut, 105, models.PositionShort)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, -2, pos.Quantity)
	assert.InDelta(t, 2.45, pos.Mid(), 1e-9)
}

func TestFindPositionMatchesByCalendarDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// The broker reports expiries as midnight in the exchange zone; local
	// trades carry the same date at a different instant.
	ist := time.FixedZone("IST", 5*3600+1800)
	brokerExp := time.Date(2025, 9, 8, 0, 0, 0, 0, ist)
	localExp := time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.ReplacePositions(ctx, []models.PortfolioPosition{
		{Symbol: "A105", Underlying: "NIFTY", Expiration: brokerExp, OptionType: models.OptionPut,
			Strike: 105, Side: models.PositionShort, Quantity: -2, Bid: 2.40, Ask: 2.50, UpdatedAt: now},
	}))

	pos, err := s.FindPosition(ctx, "NIFTY", localExp, models.OptionPut, 105, models.PositionShort)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, -2, pos.Quantity)

	// A different date still misses.
	pos, err = s.FindPosition(ctx, "NIFTY", localExp.AddDate(0, 0, 1), models.OptionPut, 105, models.PositionShort)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestProposalQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Empty queue is nil, not an error.
	p, err := s.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	older := &models.Proposal{ID: "p-1", Symbol: "NIFTY", Expiration: now.Add(7 * 24 * time.Hour),
		ShortStrike: 105, LongStrike: 100, Width: 5, Strategy: models.BullPutCredit,
		TargetPrice: 1.25, Quantity: 2, Status: models.ProposalReady, CreatedAt: now.Add(-time.Hour)}
	newer := &models.Proposal{ID: "p-2", Symbol: "NIFTY", Expiration: now.Add(7 * 24 * time.Hour),
		ShortStrike: 110, LongStrike: 105, Width: 5, Strategy: models.BullPutCredit,
		TargetPrice: 1.10, Quantity: 1, Status: models.ProposalReady, CreatedAt: now}
	require.NoError(t, s.SaveProposal(ctx, older))
	require.NoError(t, s.SaveProposal(ctx, newer))

	p, err = s.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p-2", p.ID)

	require.NoError(t, s.UpdateProposalStatus(ctx, "p-2", models.ProposalConsumed))
	p, err = s.GetLatestReadyProposal(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p-1", p.ID)

	assert.Error(t, s.UpdateProposalStatus(ctx, "missing", models.ProposalExpired))
}

func TestSettingsFallbackParsing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	set := s.Settings()

	assert.Equal(t, 3.5, set.GetFloat(ctx, "absent", 3.5))
	assert.Equal(t, 7, set.GetInt(ctx, "absent", 7))
	assert.True(t, set.GetBool(ctx, "absent", true))

	require.NoError(t, set.Set(ctx, "f", "2.25"))
	require.NoError(t, set.Set(ctx, "i", " 42 "))
	require.NoError(t, set.Set(ctx, "b", "true"))
	require.NoError(t, set.Set(ctx, "junk", "not-a-number"))

	assert.Equal(t, 2.25, set.GetFloat(ctx, "f", 0))
	assert.Equal(t, 42, set.GetInt(ctx, "i", 0))
	assert.True(t, set.GetBool(ctx, "b", false))
	// Malformed values fall back instead of failing.
	assert.Equal(t, 9.0, set.GetFloat(ctx, "junk", 9.0))
	assert.Equal(t, 9, set.GetInt(ctx, "junk", 9))

	// Overwrites take effect.
	require.NoError(t, set.Set(ctx, "f", "5.5"))
	assert.Equal(t, 5.5, set.GetFloat(ctx, "f", 0))
}

func TestRiskStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	risk := s.Risk()

	mode, err := risk.SystemMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SystemNormal, mode)

	n, err := risk.RecordEmergencyExit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state, err := risk.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RiskEmergencyExit, state)

	n, err = risk.RecordEmergencyExit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, risk.SetSystemMode(ctx, models.SystemHardStop))

	// The daily reset clears counters and daily flags but never HARD_STOP.
	require.NoError(t, risk.DailyReset(ctx, time.Now()))
	n, err = risk.EmergencyExitsToday(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	state, err = risk.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RiskNormal, state)
	mode, err = risk.SystemMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SystemHardStop, mode)

	// Only the manual clear releases it.
	require.NoError(t, risk.ClearHardStop(ctx))
	mode, err = risk.SystemMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SystemNormal, mode)
}
