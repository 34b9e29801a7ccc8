package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"spreadtrader/internal/models"
)

// ReplacePositions rewrites the portfolio mirror wholesale inside one
// transaction: present legs are inserted, absent legs disappear. The mirror
// must exactly match the latest broker snapshot afterwards.
func (s *SQLiteStore) ReplacePositions(ctx context.Context, positions []models.PortfolioPosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mirror rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM portfolio_positions`); err != nil {
		return fmt.Errorf("clearing portfolio mirror: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO portfolio_positions
			(underlying, expiration, option_type, strike, side, symbol, quantity,
			 avg_price, bid, ask, last, delta, iv, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing mirror insert: %w", err)
	}
	defer stmt.Close()

	for i := range positions {
		p := &positions[i]
		_, err := stmt.ExecContext(ctx, p.Underlying, expirationDate(p.Expiration), string(p.OptionType),
			p.Strike, string(p.Side), p.Symbol, p.Quantity, p.AvgPrice, p.Bid, p.Ask,
			p.Last, p.Delta, p.IV, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting mirror position %s: %w", p.Key(), err)
		}
	}

	return tx.Commit()
}

// GetPositions returns the full portfolio mirror.
func (s *SQLiteStore) GetPositions(ctx context.Context) ([]models.PortfolioPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT underlying, expiration, option_type, strike, side, symbol, quantity,
		       avg_price, bid, ask, last, delta, iv, updated_at
		FROM portfolio_positions ORDER BY underlying, expiration, strike`)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var positions []models.PortfolioPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// expirationDate collapses an expiration instant to its calendar date. The
// mirror keys legs by date alone: the broker and a proposal can carry the
// same expiry at different instants and zones, and the leg must still match.
func expirationDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// FindPosition looks up one mirrored leg by its identity key. The expiration
// matches on calendar date, not the instant.
func (s *SQLiteStore) FindPosition(ctx context.Context, underlying string, expiration time.Time, ot models.OptionType, strike float64, side models.PositionSide) (*models.PortfolioPosition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT underlying, expiration, option_type, strike, side, symbol, quantity,
		       avg_price, bid, ask, last, delta, iv, updated_at
		FROM portfolio_positions
		WHERE underlying = ? AND expiration = ? AND option_type = ? AND strike = ? AND side = ?`,
		underlying, expirationDate(expiration), string(ot), strike, string(side))
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPosition(r rowScanner) (*models.PortfolioPosition, error) {
	var p models.PortfolioPosition
	var ot, side string
	err := r.Scan(&p.Underlying, &p.Expiration, &ot, &p.Strike, &side, &p.Symbol,
		&p.Quantity, &p.AvgPrice, &p.Bid, &p.Ask, &p.Last, &p.Delta, &p.IV, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.OptionType = models.OptionType(ot)
	p.Side = models.PositionSide(side)
	return &p, nil
}
