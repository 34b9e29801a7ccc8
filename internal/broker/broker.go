// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"spreadtrader/internal/models"
)

// Broker defines the gateway to the brokerage. Every call may fail or time
// out; callers must treat a missing response as unknown/pending, never as
// success.
type Broker interface {
	// Market data
	GetUnderlyingQuote(ctx context.Context, symbol string) (*models.Quote, error)
	GetOptionChain(ctx context.Context, symbol string, expiration time.Time) (*models.OptionChain, error)

	// Account state (source of truth)
	GetPositions(ctx context.Context) ([]models.PortfolioPosition, error)
	GetBalances(ctx context.Context) (*models.Balances, error)
	GetGainLoss(ctx context.Context, from, to time.Time) ([]models.GainLoss, error)

	// Orders
	PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*OrderState, error)
	GetOpenOrders(ctx context.Context) ([]OrderState, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// SpreadOrderRequest describes a two-leg limit order.
type SpreadOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.OrderSide
	Strategy      models.Strategy
	LimitPrice    float64 // net per-contract price for the spread
	Quantity      int
	Legs          [2]models.OrderLeg // [short leg, long leg]
	Tag           string
}

// OrderResult is the acknowledgement of an order placement.
type OrderResult struct {
	BrokerOrderID string
	Status        models.OrderStatus
	Message       string
}

// OrderState is the broker's view of an order.
type OrderState struct {
	BrokerOrderID string
	Status        models.OrderStatus
	AvgFillPrice  float64 // net per-contract fill for the spread
	FilledQty     int
	RemainingQty  int
	Tag           string
	UpdatedAt     time.Time
}
