// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"spreadtrader/internal/models"
)

// DataStore defines the interface for data persistence. Trade and Order rows
// are owned by the engine, portfolio_positions rows exclusively by the
// reconciliation pass, and the risk_state table by the risk gate.
type DataStore interface {
	// Trades
	SaveTrade(ctx context.Context, trade *models.Trade) error
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	GetActiveTrades(ctx context.Context) ([]models.Trade, error)
	GetOpenTrades(ctx context.Context) ([]models.Trade, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)

	// Orders
	SaveOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*models.Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*models.Order, error)
	GetPendingOrders(ctx context.Context) ([]models.Order, error)

	// Portfolio mirror
	ReplacePositions(ctx context.Context, positions []models.PortfolioPosition) error
	GetPositions(ctx context.Context) ([]models.PortfolioPosition, error)
	FindPosition(ctx context.Context, underlying string, expiration time.Time, ot models.OptionType, strike float64, side models.PositionSide) (*models.PortfolioPosition, error)

	// Proposals
	SaveProposal(ctx context.Context, p *models.Proposal) error
	GetLatestReadyProposal(ctx context.Context) (*models.Proposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error

	// Settings and risk flags
	Settings() *SettingsStore
	Risk() *RiskStateStore

	Close() error
}

// TradeFilter narrows trade queries.
type TradeFilter struct {
	Statuses     []models.TradeStatus
	Symbol       string
	CreatedSince time.Time
	ClosedSince  time.Time
	Limit        int
}
