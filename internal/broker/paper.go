package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "spreadtrader/internal/errors"
	"spreadtrader/internal/models"
)

// FillBehavior scripts how the paper broker treats a placed order.
type FillBehavior int

const (
	// FillAfterPolls fills the order once GetOrder has been called
	// FillDelay times.
	FillAfterPolls FillBehavior = iota
	// NeverFill leaves the order working until cancelled.
	NeverFill
	// RejectOrder rejects the order on placement acknowledgement.
	RejectOrder
)

// PaperBroker implements the Broker interface in memory with deterministic,
// scriptable behavior. It backs paper mode and the engine tests.
type PaperBroker struct {
	mu sync.RWMutex

	quotes    map[string]models.Quote
	chains    map[string]*models.OptionChain // keyed by symbol|yyyy-mm-dd
	positions map[string]models.PortfolioPosition
	orders    map[string]*paperOrder
	balances  models.Balances
	gainLoss  []models.GainLoss

	Behavior  FillBehavior
	FillDelay int     // polls before a fill when Behavior == FillAfterPolls
	FillPrice float64 // net fill price; 0 means fill at the order's limit

	orderSeq int

	failures map[string]error // op name -> scripted failure
}

// NewPaperBroker creates an empty paper broker with immediate fills.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		quotes:    make(map[string]models.Quote),
		chains:    make(map[string]*models.OptionChain),
		positions: make(map[string]models.PortfolioPosition),
		orders:    make(map[string]*paperOrder),
		failures:  make(map[string]error),
		balances: models.Balances{
			TotalEquity:       100000,
			Cash:              100000,
			OptionBuyingPower: 100000,
		},
	}
}

type paperOrder struct {
	req      SpreadOrderRequest
	id       string
	status   models.OrderStatus
	fill     float64
	filled   int
	polls    int
	placedAt time.Time
}

func chainKey(symbol string, expiration time.Time) string {
	return symbol + "|" + expiration.Format("2006-01-02")
}

// SetQuote scripts the underlying quote.
func (p *PaperBroker) SetQuote(q models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
}

// SetChain scripts an option chain.
func (p *PaperBroker) SetChain(c *models.OptionChain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chainKey(c.Symbol, c.Expiration)] = c
}

// SetBalances scripts the account balances.
func (p *PaperBroker) SetBalances(b models.Balances) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances = b
}

// SetPositions replaces the simulated broker positions.
func (p *PaperBroker) SetPositions(positions []models.PortfolioPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = make(map[string]models.PortfolioPosition, len(positions))
	for _, pos := range positions {
		p.positions[pos.Key()] = pos
	}
}

// FailOn scripts an error for a named operation (quote, chain, positions,
// balances, place, get_order, open_orders, cancel, gainloss).
func (p *PaperBroker) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
	} else {
		p.failures[op] = err
	}
}

func (p *PaperBroker) failure(op string) error {
	return p.failures[op]
}

// GetUnderlyingQuote returns the scripted quote.
func (p *PaperBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failure("quote"); err != nil {
		return nil, err
	}
	q, ok := p.quotes[symbol]
	if !ok {
		return nil, apperrors.ErrQuoteUnavailable
	}
	return &q, nil
}

// GetOptionChain returns the scripted chain.
func (p *PaperBroker) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) (*models.OptionChain, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failure("chain"); err != nil {
		return nil, err
	}
	c, ok := p.chains[chainKey(symbol, expiration)]
	if !ok {
		return nil, fmt.Errorf("no chain for %s %s", symbol, expiration.Format("2006-01-02"))
	}
	return c, nil
}

// GetPositions returns the simulated positions.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.PortfolioPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failure("positions"); err != nil {
		return nil, err
	}
	out := make([]models.PortfolioPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// GetBalances returns the scripted balances.
func (p *PaperBroker) GetBalances(ctx context.Context) (*models.Balances, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failure("balances"); err != nil {
		return nil, err
	}
	b := p.balances
	return &b, nil
}

// GetGainLoss returns scripted realized results.
func (p *PaperBroker) GetGainLoss(ctx context.Context, from, to time.Time) ([]models.GainLoss, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failure("gainloss"); err != nil {
		return nil, err
	}
	var out []models.GainLoss
	for _, gl := range p.gainLoss {
		if !gl.CloseDate.Before(from) && !gl.CloseDate.After(to) {
			out = append(out, gl)
		}
	}
	return out, nil
}

// PlaceSpreadOrder records the order and applies the scripted behavior.
func (p *PaperBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("place"); err != nil {
		return nil, err
	}

	p.orderSeq++
	id := fmt.Sprintf("PAPER-%06d", p.orderSeq)

	o := &paperOrder{
		req:      req,
		id:       id,
		status:   models.OrderPlaced,
		placedAt: time.Now(),
	}
	if p.Behavior == RejectOrder {
		o.status = models.OrderRejected
	}
	p.orders[id] = o

	return &OrderResult{
		BrokerOrderID: id,
		Status:        o.status,
		Message:       "paper order accepted",
	}, nil
}

// GetOrder returns the order state, advancing scripted fills.
func (p *PaperBroker) GetOrder(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("get_order"); err != nil {
		return nil, err
	}

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}

	if o.status == models.OrderPlaced && p.Behavior == FillAfterPolls {
		o.polls++
		if o.polls > p.FillDelay {
			o.status = models.OrderFilled
			o.fill = p.FillPrice
			if o.fill == 0 {
				o.fill = o.req.LimitPrice
			}
			o.filled = o.req.Quantity
			p.applyFill(o)
		}
	}

	return &OrderState{
		BrokerOrderID: o.id,
		Status:        o.status,
		AvgFillPrice:  o.fill,
		FilledQty:     o.filled,
		RemainingQty:  o.req.Quantity - o.filled,
		Tag:           o.req.Tag,
		UpdatedAt:     time.Now(),
	}, nil
}

// applyFill moves the simulated positions the way the broker would.
func (p *PaperBroker) applyFill(o *paperOrder) {
	for _, leg := range o.req.Legs {
		delta := leg.Quantity
		if leg.Side == models.LegSell {
			delta = -delta
		}
		side := models.PositionLong
		if delta < 0 {
			side = models.PositionShort
		}
		pos := models.PortfolioPosition{
			Symbol:     leg.Symbol,
			Underlying: leg.Underlying,
			Expiration: leg.Expiration,
			OptionType: leg.OptionType,
			Strike:     leg.Strike,
			Side:       side,
			Quantity:   delta,
			AvgPrice:   leg.Limit,
			UpdatedAt:  time.Now(),
		}
		// Exits cancel entries leg for leg: merge on the opposite side first.
		opp := models.PortfolioPosition{
			Underlying: leg.Underlying, Expiration: leg.Expiration,
			OptionType: leg.OptionType, Strike: leg.Strike, Side: oppositeSide(side),
		}
		oppKey := opp.Key()
		if existing, ok := p.positions[oppKey]; ok {
			existing.Quantity += delta
			if existing.Quantity == 0 {
				delete(p.positions, oppKey)
			} else {
				p.positions[oppKey] = existing
			}
			continue
		}
		key := pos.Key()
		if existing, ok := p.positions[key]; ok {
			existing.Quantity += delta
			if existing.Quantity == 0 {
				delete(p.positions, key)
			} else {
				p.positions[key] = existing
			}
		} else {
			p.positions[key] = pos
		}
	}
}

func oppositeSide(s models.PositionSide) models.PositionSide {
	if s == models.PositionLong {
		return models.PositionShort
	}
	return models.PositionLong
}

// GetOpenOrders returns non-terminal paper orders.
func (p *PaperBroker) GetOpenOrders(ctx context.Context) ([]OrderState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.failure("open_orders"); err != nil {
		return nil, err
	}
	var out []OrderState
	for _, o := range p.orders {
		if o.status.Terminal() {
			continue
		}
		out = append(out, OrderState{
			BrokerOrderID: o.id,
			Status:        o.status,
			FilledQty:     o.filled,
			RemainingQty:  o.req.Quantity - o.filled,
			Tag:           o.req.Tag,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

// CancelOrder cancels a working paper order.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure("cancel"); err != nil {
		return err
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("order %s already %s", brokerOrderID, o.status)
	}
	o.status = models.OrderCancelled
	return nil
}
