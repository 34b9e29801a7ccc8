package models

import (
	"fmt"
	"math"
	"time"
)

// TradeStatus represents the lifecycle state of a spread trade.
type TradeStatus string

const (
	TradeEntryPending   TradeStatus = "ENTRY_PENDING"
	TradeOpen           TradeStatus = "OPEN"
	TradeClosingPending TradeStatus = "CLOSING_PENDING"
	TradeClosed         TradeStatus = "CLOSED"
	TradeCancelled      TradeStatus = "CANCELLED"
	TradeExitError      TradeStatus = "EXIT_ERROR"
)

// Terminal reports whether the status admits no further transitions.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeCancelled, TradeExitError:
		return true
	}
	return false
}

// ExitReason records what triggered the close of a trade.
type ExitReason string

const (
	ExitNone           ExitReason = "NONE"
	ExitProfitTarget   ExitReason = "PROFIT_TARGET"
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTrailback      ExitReason = "TRAILBACK"
	ExitDTECutoff      ExitReason = "DTE_CUTOFF"
	ExitLowValue       ExitReason = "LOW_VALUE"
	ExitWideSpread     ExitReason = "WIDE_SPREAD"
	ExitUnderlyingMove ExitReason = "UNDERLYING_MOVE"
	ExitIVCrush        ExitReason = "IV_CRUSH"
	ExitEmergency      ExitReason = "EMERGENCY"
	ExitManual         ExitReason = "MANUAL"
	ExitEntryTimeout   ExitReason = "ENTRY_TIMEOUT"
	ExitEntryRejected  ExitReason = "ENTRY_REJECTED"
	ExitRecovered      ExitReason = "RECOVERED"
)

// Trade represents one spread position tracked locally. The broker remains
// the source of truth for the live legs; a Trade is the record of intent.
type Trade struct {
	ID           string
	ProposalID   string
	Symbol       string
	Expiration   time.Time
	ShortStrike  float64
	LongStrike   float64
	Width        float64
	Quantity     int
	Strategy     Strategy
	EntryPrice   *float64
	ExitPrice    *float64
	MaxProfit    *float64
	MaxLoss      *float64
	Status       TradeStatus
	ExitReason   ExitReason
	EntryOrderID string
	ExitOrderID  string
	PeakProfit   float64
	EntryIV      float64
	Flagged      bool // set when reconciliation wants human eyes on it
	OpenedAt     *time.Time
	ClosedAt     *time.Time
	RealizedPnL  *float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewTrade builds an ENTRY_PENDING trade from an accepted proposal. The
// width invariant is enforced here and on every load.
func NewTrade(id string, p *Proposal, entryOrderID string) (*Trade, error) {
	if p == nil {
		return nil, fmt.Errorf("nil proposal")
	}
	if !p.Strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy: %s", p.Strategy)
	}
	if !p.Strategy.ValidStrikes(p.ShortStrike, p.LongStrike) {
		return nil, fmt.Errorf("strikes %v/%v violate %s leg convention",
			p.ShortStrike, p.LongStrike, p.Strategy)
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", p.Quantity)
	}
	now := time.Now().UTC()
	t := &Trade{
		ID:           id,
		ProposalID:   p.ID,
		Symbol:       p.Symbol,
		Expiration:   p.Expiration,
		ShortStrike:  p.ShortStrike,
		LongStrike:   p.LongStrike,
		Width:        p.Strategy.Width(p.ShortStrike, p.LongStrike),
		Quantity:     p.Quantity,
		Strategy:     p.Strategy,
		Status:       TradeEntryPending,
		ExitReason:   ExitNone,
		EntryOrderID: entryOrderID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.CheckWidth(); err != nil {
		return nil, err
	}
	return t, nil
}

// CheckWidth verifies the stored width against the strikes.
func (t *Trade) CheckWidth() error {
	want := math.Abs(t.ShortStrike - t.LongStrike)
	if math.Abs(t.Width-want) > 1e-9 {
		return fmt.Errorf("trade %s: width %v does not match |%v-%v|",
			t.ID, t.Width, t.ShortStrike, t.LongStrike)
	}
	return nil
}

// DTE returns whole days until expiration, floored at zero.
func (t *Trade) DTE(now time.Time) int {
	d := int(t.Expiration.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// MarkOpen transitions ENTRY_PENDING → OPEN on a confirmed entry fill,
// deriving max profit/loss from the fill at this instant.
func (t *Trade) MarkOpen(fillPrice float64, at time.Time) error {
	if t.Status != TradeEntryPending {
		return fmt.Errorf("trade %s: cannot open from %s", t.ID, t.Status)
	}
	if fillPrice <= 0 {
		return fmt.Errorf("trade %s: entry fill price must be positive, got %v", t.ID, fillPrice)
	}
	mp := t.Strategy.MaxProfit(fillPrice, t.Width, t.Quantity)
	ml := t.Strategy.MaxLoss(fillPrice, t.Width, t.Quantity)
	t.EntryPrice = &fillPrice
	t.MaxProfit = &mp
	t.MaxLoss = &ml
	t.Status = TradeOpen
	t.OpenedAt = &at
	t.UpdatedAt = at
	return nil
}

// MarkCancelled transitions ENTRY_PENDING → CANCELLED (entry never filled).
func (t *Trade) MarkCancelled(reason ExitReason, at time.Time) error {
	if t.Status != TradeEntryPending {
		return fmt.Errorf("trade %s: cannot cancel from %s", t.ID, t.Status)
	}
	t.Status = TradeCancelled
	t.ExitReason = reason
	t.ClosedAt = &at
	t.UpdatedAt = at
	return nil
}

// MarkClosing transitions OPEN → CLOSING_PENDING once an exit order is live.
func (t *Trade) MarkClosing(exitOrderID string, reason ExitReason, at time.Time) error {
	if t.Status != TradeOpen {
		return fmt.Errorf("trade %s: cannot start closing from %s", t.ID, t.Status)
	}
	t.Status = TradeClosingPending
	t.ExitOrderID = exitOrderID
	t.ExitReason = reason
	t.UpdatedAt = at
	return nil
}

// RevertClosing returns a CLOSING_PENDING trade to OPEN after its exit order
// terminated without a fill. The exit reason is kept for the audit trail.
func (t *Trade) RevertClosing(at time.Time) error {
	if t.Status != TradeClosingPending {
		return fmt.Errorf("trade %s: cannot revert from %s", t.ID, t.Status)
	}
	t.Status = TradeOpen
	t.ExitOrderID = ""
	t.Flagged = true
	t.UpdatedAt = at
	return nil
}

// MarkClosed finalizes CLOSING_PENDING → CLOSED with a confirmed exit fill,
// computing realized PnL with the strategy's sign convention.
func (t *Trade) MarkClosed(exitFill float64, at time.Time) error {
	if t.Status != TradeClosingPending {
		return fmt.Errorf("trade %s: cannot close from %s", t.ID, t.Status)
	}
	if t.EntryPrice == nil {
		return fmt.Errorf("trade %s: closing without a known entry price", t.ID)
	}
	pnl := t.Strategy.RealizedPnL(*t.EntryPrice, exitFill, t.Quantity)
	t.ExitPrice = &exitFill
	t.RealizedPnL = &pnl
	t.Status = TradeClosed
	t.ClosedAt = &at
	t.UpdatedAt = at
	return nil
}

// Quarantine moves a phantom trade to EXIT_ERROR. Never auto-recovered.
func (t *Trade) Quarantine(at time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("trade %s: cannot quarantine terminal status %s", t.ID, t.Status)
	}
	t.Status = TradeExitError
	t.UpdatedAt = at
	return nil
}

// IsPhantom reports whether a non-terminal trade carries no evidence of
// having been opened at the broker: no positive entry price and no broker
// entry order id.
func (t *Trade) IsPhantom() bool {
	if t.Status.Terminal() {
		return false
	}
	hasPrice := t.EntryPrice != nil && *t.EntryPrice > 0
	return !hasPrice && t.EntryOrderID == ""
}
