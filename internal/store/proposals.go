package store

import (
	"context"
	"database/sql"
	"fmt"

	"spreadtrader/internal/models"
)

const proposalCols = `id, symbol, expiration, short_strike, long_strike, width, strategy,
	target_price, quantity, score, status, created_at`

// SaveProposal inserts an upstream proposal row.
func (s *SQLiteStore) SaveProposal(ctx context.Context, p *models.Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (`+proposalCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Expiration, p.ShortStrike, p.LongStrike, p.Width,
		string(p.Strategy), p.TargetPrice, p.Quantity, p.Score, string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving proposal %s: %w", p.ID, err)
	}
	return nil
}

// GetLatestReadyProposal returns the newest READY proposal, or nil when the
// queue is empty.
func (s *SQLiteStore) GetLatestReadyProposal(ctx context.Context) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalCols+` FROM proposals
		WHERE status = ? ORDER BY created_at DESC LIMIT 1`,
		string(models.ProposalReady))
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UpdateProposalStatus marks a proposal CONSUMED, INVALIDATED or EXPIRED.
func (s *SQLiteStore) UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating proposal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s not found", id)
	}
	return nil
}

func scanProposal(r rowScanner) (*models.Proposal, error) {
	var p models.Proposal
	var strategy, status string
	err := r.Scan(&p.ID, &p.Symbol, &p.Expiration, &p.ShortStrike, &p.LongStrike,
		&p.Width, &strategy, &p.TargetPrice, &p.Quantity, &p.Score, &status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Strategy = models.Strategy(strategy)
	p.Status = models.ProposalStatus(status)
	return &p, nil
}
