package trading

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spreadtrader/internal/models"
	"spreadtrader/internal/store"
	"spreadtrader/pkg/utils"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(t *testing.T) *utils.Session {
	t.Helper()
	s, err := utils.NewSession("Asia/Kolkata", "09:15", "15:30")
	require.NoError(t, err)
	return s
}

// marketHours is a Monday late morning inside the session window.
func marketHours(s *utils.Session) time.Time {
	return time.Date(2025, 9, 1, 11, 0, 0, 0, s.Location)
}

func testExpiration(now time.Time) time.Time {
	return now.AddDate(0, 0, 7)
}

func readyProposal(id string, now time.Time) *models.Proposal {
	return &models.Proposal{
		ID:          id,
		Symbol:      "NIFTY",
		Expiration:  testExpiration(now),
		ShortStrike: 105,
		LongStrike:  100,
		Width:       5,
		Strategy:    models.BullPutCredit,
		TargetPrice: 1.25,
		Quantity:    2,
		Status:      models.ProposalReady,
		CreatedAt:   now,
	}
}

// openTestTrade builds an OPEN trade filled at 1.25.
func openTestTrade(t *testing.T, id string, now time.Time) *models.Trade {
	t.Helper()
	p := readyProposal("prop-"+id, now)
	trade, err := models.NewTrade(id, p, "BRK-"+id)
	require.NoError(t, err)
	require.NoError(t, trade.MarkOpen(1.25, now))
	return trade
}

// testChain scripts a healthy put chain whose 105/100 spread mids net to 1.25.
func testChain(now time.Time) *models.OptionChain {
	exp := testExpiration(now)
	return &models.OptionChain{
		Symbol:     "NIFTY",
		Expiration: exp,
		SpotPrice:  108,
		Options: []models.OptionQuote{
			{Symbol: "NIFTY105PE", Underlying: "NIFTY", Expiration: exp,
				OptionType: models.OptionPut, Strike: 105, Bid: 2.40, Ask: 2.50,
				Delta: -0.30, IV: 0.25},
			{Symbol: "NIFTY100PE", Underlying: "NIFTY", Expiration: exp,
				OptionType: models.OptionPut, Strike: 100, Bid: 1.15, Ask: 1.25,
				Delta: -0.18, IV: 0.28},
		},
	}
}

// mirrorLegs writes both of a trade's legs into the portfolio mirror with
// the given mid prices.
func mirrorLegs(t *testing.T, s *store.SQLiteStore, trade *models.Trade, shortMid, longMid float64, now time.Time) {
	t.Helper()
	positions := []models.PortfolioPosition{
		{Symbol: "NIFTY105PE", Underlying: trade.Symbol, Expiration: trade.Expiration,
			OptionType: models.OptionPut, Strike: trade.ShortStrike, Side: models.PositionShort,
			Quantity: -trade.Quantity, AvgPrice: 2.45,
			Bid: shortMid - 0.05, Ask: shortMid + 0.05, IV: trade.EntryIV, UpdatedAt: now},
		{Symbol: "NIFTY100PE", Underlying: trade.Symbol, Expiration: trade.Expiration,
			OptionType: models.OptionPut, Strike: trade.LongStrike, Side: models.PositionLong,
			Quantity: trade.Quantity, AvgPrice: 1.20,
			Bid: longMid - 0.05, Ask: longMid + 0.05, IV: trade.EntryIV, UpdatedAt: now},
	}
	require.NoError(t, s.ReplacePositions(context.Background(), positions))
}
