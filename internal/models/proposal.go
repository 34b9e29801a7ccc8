package models

import "time"

// ProposalStatus tracks the consumption of an upstream spread proposal.
type ProposalStatus string

const (
	ProposalReady       ProposalStatus = "READY"
	ProposalConsumed    ProposalStatus = "CONSUMED"
	ProposalInvalidated ProposalStatus = "INVALIDATED"
	ProposalExpired     ProposalStatus = "EXPIRED"
)

// Proposal is a read-only upstream record describing a candidate spread.
// The engine consumes it exactly once and marks the outcome.
type Proposal struct {
	ID          string
	Symbol      string
	Expiration  time.Time
	ShortStrike float64
	LongStrike  float64
	Width       float64
	Strategy    Strategy
	TargetPrice float64 // expected credit received or debit paid, per contract
	Quantity    int
	Score       float64
	Status      ProposalStatus
	CreatedAt   time.Time
}

// Age returns how long ago the proposal was generated.
func (p *Proposal) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
