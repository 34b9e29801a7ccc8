package models

import "time"

// OrderSide distinguishes entry orders from exit orders at the trade level.
type OrderSide string

const (
	OrderEntry OrderSide = "ENTRY"
	OrderExit  OrderSide = "EXIT"
)

// LegSide is the broker-level transaction side for one option leg.
type LegSide string

const (
	LegBuy  LegSide = "BUY"
	LegSell LegSide = "SELL"
)

// Inverse returns the opposite transaction side.
func (s LegSide) Inverse() LegSide {
	if s == LegBuy {
		return LegSell
	}
	return LegBuy
}

// OrderStatus tracks an order toward a terminal state. Status only advances;
// it never moves backward.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPlaced    OrderStatus = "PLACED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further updates.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

var orderRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderPlaced:    1,
	OrderPartial:   2,
	OrderFilled:    3,
	OrderCancelled: 3,
	OrderRejected:  3,
}

// CanAdvanceTo reports whether moving from s to next respects the
// forward-only progression.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	return orderRank[next] >= orderRank[s]
}

// OrderLeg is one option contract within a spread order.
type OrderLeg struct {
	Symbol     string // full option symbol
	Underlying string
	Expiration time.Time
	OptionType OptionType
	Strike     float64
	Side       LegSide
	Quantity   int
	Limit      float64 // per-leg limit price; legs sum to the spread's net
}

// Order is a request sent to the broker, addressable by a locally generated
// idempotency key and, once acknowledged, by the broker's own id.
type Order struct {
	ClientOrderID string // locally generated, unique per attempt
	BrokerOrderID string // empty until acknowledged
	ProposalID    string
	TradeID       string
	Symbol        string
	Side          OrderSide
	Strategy      Strategy
	Legs          [2]OrderLeg
	LimitPrice    float64
	Quantity      int
	Status        OrderStatus
	FillPrice     float64
	FilledQty     int
	RemainingQty  int
	Tag           string
	PlacedAt      time.Time
	UpdatedAt     time.Time
}
