package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"spreadtrader/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	settings *SettingsStore
	risk     *RiskStateStore
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	store.settings = &SettingsStore{db: db}
	store.risk = &RiskStateStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Trades: one row per spread position (record of intent)
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		proposal_id TEXT,
		symbol TEXT NOT NULL,
		expiration DATETIME NOT NULL,
		short_strike REAL NOT NULL,
		long_strike REAL NOT NULL,
		width REAL NOT NULL,
		quantity INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		entry_price REAL,
		exit_price REAL,
		max_profit REAL,
		max_loss REAL,
		status TEXT NOT NULL,
		exit_reason TEXT NOT NULL DEFAULT 'NONE',
		entry_order_id TEXT,
		exit_order_id TEXT,
		peak_profit REAL NOT NULL DEFAULT 0,
		entry_iv REAL NOT NULL DEFAULT 0,
		flagged INTEGER NOT NULL DEFAULT 0,
		opened_at DATETIME,
		closed_at DATETIME,
		realized_pnl REAL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

	-- Orders: append-mostly broker requests
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		broker_order_id TEXT,
		proposal_id TEXT,
		trade_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		strategy TEXT NOT NULL,
		legs TEXT NOT NULL,
		limit_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		status TEXT NOT NULL,
		fill_price REAL NOT NULL DEFAULT 0,
		filled_qty INTEGER NOT NULL DEFAULT 0,
		remaining_qty INTEGER NOT NULL DEFAULT 0,
		tag TEXT,
		placed_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker_order_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);

	-- Portfolio mirror: rewritten wholesale each reconciliation pass.
	-- Legs are keyed by the expiration's calendar date, not the instant.
	CREATE TABLE IF NOT EXISTS portfolio_positions (
		underlying TEXT NOT NULL,
		expiration DATE NOT NULL,
		option_type TEXT NOT NULL,
		strike REAL NOT NULL,
		side TEXT NOT NULL,
		symbol TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		avg_price REAL NOT NULL DEFAULT 0,
		bid REAL NOT NULL DEFAULT 0,
		ask REAL NOT NULL DEFAULT 0,
		last REAL NOT NULL DEFAULT 0,
		delta REAL NOT NULL DEFAULT 0,
		iv REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (underlying, expiration, option_type, strike, side)
	);

	-- Proposals: upstream candidates, consumed once
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		expiration DATETIME NOT NULL,
		short_strike REAL NOT NULL,
		long_strike REAL NOT NULL,
		width REAL NOT NULL,
		strategy TEXT NOT NULL,
		target_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

	-- Flat key/value settings
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Flat key/value risk flags (system mode, daily stop, counters)
	CREATE TABLE IF NOT EXISTS risk_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Settings returns the settings accessor.
func (s *SQLiteStore) Settings() *SettingsStore {
	return s.settings
}

// Risk returns the risk flag accessor.
func (s *SQLiteStore) Risk() *RiskStateStore {
	return s.risk
}

// --- Trades ---

const tradeCols = `id, proposal_id, symbol, expiration, short_strike, long_strike, width,
	quantity, strategy, entry_price, exit_price, max_profit, max_loss, status, exit_reason,
	entry_order_id, exit_order_id, peak_profit, entry_iv, flagged, opened_at, closed_at,
	realized_pnl, created_at, updated_at`

// SaveTrade inserts a new trade row.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *models.Trade) error {
	if err := t.CheckWidth(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProposalID, t.Symbol, t.Expiration, t.ShortStrike, t.LongStrike, t.Width,
		t.Quantity, string(t.Strategy), nullF(t.EntryPrice), nullF(t.ExitPrice),
		nullF(t.MaxProfit), nullF(t.MaxLoss), string(t.Status), string(t.ExitReason),
		t.EntryOrderID, t.ExitOrderID, t.PeakProfit, t.EntryIV, boolInt(t.Flagged),
		nullT(t.OpenedAt), nullT(t.ClosedAt), nullF(t.RealizedPnL), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTrade rewrites an existing trade row.
func (s *SQLiteStore) UpdateTrade(ctx context.Context, t *models.Trade) error {
	if err := t.CheckWidth(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET proposal_id=?, symbol=?, expiration=?, short_strike=?, long_strike=?,
			width=?, quantity=?, strategy=?, entry_price=?, exit_price=?, max_profit=?,
			max_loss=?, status=?, exit_reason=?, entry_order_id=?, exit_order_id=?,
			peak_profit=?, entry_iv=?, flagged=?, opened_at=?, closed_at=?, realized_pnl=?,
			updated_at=?
		WHERE id=?`,
		t.ProposalID, t.Symbol, t.Expiration, t.ShortStrike, t.LongStrike,
		t.Width, t.Quantity, string(t.Strategy), nullF(t.EntryPrice), nullF(t.ExitPrice),
		nullF(t.MaxProfit), nullF(t.MaxLoss), string(t.Status), string(t.ExitReason),
		t.EntryOrderID, t.ExitOrderID, t.PeakProfit, t.EntryIV, boolInt(t.Flagged),
		nullT(t.OpenedAt), nullT(t.ClosedAt), nullF(t.RealizedPnL), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("updating trade %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating trade %s: no such trade", t.ID)
	}
	return nil
}

// GetTrade fetches one trade by id.
func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trade %s not found", id)
	}
	return t, err
}

// GetTrades fetches trades matching the filter, newest first.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE 1=1`
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if !filter.CreatedSince.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedSince)
	}
	if !filter.ClosedSince.IsZero() {
		query += ` AND closed_at >= ?`
		args = append(args, filter.ClosedSince)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// GetActiveTrades returns all non-terminal trades.
func (s *SQLiteStore) GetActiveTrades(ctx context.Context) ([]models.Trade, error) {
	return s.GetTrades(ctx, TradeFilter{Statuses: []models.TradeStatus{
		models.TradeEntryPending, models.TradeOpen, models.TradeClosingPending,
	}})
}

// GetOpenTrades returns trades in OPEN status only.
func (s *SQLiteStore) GetOpenTrades(ctx context.Context) ([]models.Trade, error) {
	return s.GetTrades(ctx, TradeFilter{Statuses: []models.TradeStatus{models.TradeOpen}})
}

// RealizedPnLSince sums realized PnL over trades closed at or after since.
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(realized_pnl) FROM trades
		WHERE status = ? AND closed_at >= ? AND realized_pnl IS NOT NULL`,
		string(models.TradeClosed), since).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("summing realized pnl: %w", err)
	}
	return pnl.Float64, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(r rowScanner) (*models.Trade, error) {
	var t models.Trade
	var strategy, status, exitReason string
	var entryPrice, exitPrice, maxProfit, maxLoss, realizedPnL sql.NullFloat64
	var openedAt, closedAt sql.NullTime
	var flagged int

	err := r.Scan(&t.ID, &t.ProposalID, &t.Symbol, &t.Expiration, &t.ShortStrike,
		&t.LongStrike, &t.Width, &t.Quantity, &strategy, &entryPrice, &exitPrice,
		&maxProfit, &maxLoss, &status, &exitReason, &t.EntryOrderID, &t.ExitOrderID,
		&t.PeakProfit, &t.EntryIV, &flagged, &openedAt, &closedAt, &realizedPnL,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Strategy = models.Strategy(strategy)
	t.Status = models.TradeStatus(status)
	t.ExitReason = models.ExitReason(exitReason)
	t.EntryPrice = floatPtr(entryPrice)
	t.ExitPrice = floatPtr(exitPrice)
	t.MaxProfit = floatPtr(maxProfit)
	t.MaxLoss = floatPtr(maxLoss)
	t.RealizedPnL = floatPtr(realizedPnL)
	t.OpenedAt = timePtr(openedAt)
	t.ClosedAt = timePtr(closedAt)
	t.Flagged = flagged != 0
	return &t, nil
}

func nullF(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullT(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
