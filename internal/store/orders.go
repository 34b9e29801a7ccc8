package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"spreadtrader/internal/models"
)

const orderCols = `client_order_id, broker_order_id, proposal_id, trade_id, symbol, side,
	strategy, legs, limit_price, quantity, status, fill_price, filled_qty, remaining_qty,
	tag, placed_at, updated_at`

// SaveOrder inserts a new order row keyed by its idempotency key. A second
// insert with the same client_order_id fails, which is the backstop against
// duplicate submission on overlapping cycles.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *models.Order) error {
	legs, err := json.Marshal(o.Legs)
	if err != nil {
		return fmt.Errorf("encoding order legs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.BrokerOrderID, o.ProposalID, o.TradeID, o.Symbol,
		string(o.Side), string(o.Strategy), string(legs), o.LimitPrice, o.Quantity,
		string(o.Status), o.FillPrice, o.FilledQty, o.RemainingQty, o.Tag,
		o.PlacedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// UpdateOrder rewrites an order row. Status regressions are rejected here as
// a second line of defense; callers should gate with CanAdvanceTo first.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	existing, err := s.GetOrder(ctx, o.ClientOrderID)
	if err != nil {
		return err
	}
	if existing.Status != o.Status && !existing.Status.CanAdvanceTo(o.Status) {
		return fmt.Errorf("order %s: status cannot move %s -> %s",
			o.ClientOrderID, existing.Status, o.Status)
	}
	legs, err := json.Marshal(o.Legs)
	if err != nil {
		return fmt.Errorf("encoding order legs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE orders SET broker_order_id=?, proposal_id=?, trade_id=?, symbol=?, side=?,
			strategy=?, legs=?, limit_price=?, quantity=?, status=?, fill_price=?,
			filled_qty=?, remaining_qty=?, tag=?, updated_at=?
		WHERE client_order_id=?`,
		o.BrokerOrderID, o.ProposalID, o.TradeID, o.Symbol, string(o.Side),
		string(o.Strategy), string(legs), o.LimitPrice, o.Quantity, string(o.Status),
		o.FillPrice, o.FilledQty, o.RemainingQty, o.Tag, o.UpdatedAt, o.ClientOrderID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder fetches an order by its idempotency key.
func (s *SQLiteStore) GetOrder(ctx context.Context, clientOrderID string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s not found", clientOrderID)
	}
	return o, err
}

// GetOrderByBrokerID fetches an order by the broker-assigned id.
func (s *SQLiteStore) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order with broker id %s not found", brokerOrderID)
	}
	return o, err
}

// GetPendingOrders returns orders not yet in a terminal status.
func (s *SQLiteStore) GetPendingOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status IN (?, ?, ?) ORDER BY placed_at`,
		string(models.OrderPending), string(models.OrderPlaced), string(models.OrderPartial))
	if err != nil {
		return nil, fmt.Errorf("querying pending orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(r rowScanner) (*models.Order, error) {
	var o models.Order
	var side, strategy, status, legs string

	err := r.Scan(&o.ClientOrderID, &o.BrokerOrderID, &o.ProposalID, &o.TradeID,
		&o.Symbol, &side, &strategy, &legs, &o.LimitPrice, &o.Quantity, &status,
		&o.FillPrice, &o.FilledQty, &o.RemainingQty, &o.Tag, &o.PlacedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = models.OrderSide(side)
	o.Strategy = models.Strategy(strategy)
	o.Status = models.OrderStatus(status)
	if err := json.Unmarshal([]byte(legs), &o.Legs); err != nil {
		return nil, fmt.Errorf("decoding order legs: %w", err)
	}
	return &o, nil
}
