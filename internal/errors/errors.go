// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrMarketClosed      = errors.New("market is closed")
	ErrHardStop          = errors.New("system is in HARD_STOP mode")
	ErrRiskDenied        = errors.New("risk gate denied")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderNotFound     = errors.New("order not found")
	ErrTradeNotFound     = errors.New("trade not found")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrProposalStale     = errors.New("proposal is stale")
	ErrPositionNotFound  = errors.New("position not found")
	ErrQuoteUnavailable  = errors.New("quote unavailable")
	ErrFillTimeout       = errors.New("order fill timed out")
	ErrRateLimited       = errors.New("rate limited")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDatabaseError     = errors.New("database error")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Op      string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Op, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(op, message string, err error) *BrokerError {
	return &BrokerError{Op: op, Message: message, Err: err}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	ClientOrderID string
	Symbol        string
	Action        string
	Reason        string
	Err           error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.ClientOrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.ClientOrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(clientOrderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Action:        action,
		Reason:        reason,
		Err:           err,
	}
}

// ValidationError represents a structural or configuration validation error.
// It rejects the specific operation, never the cycle.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// ConsistencyError represents a divergence between local records and the
// broker that must not be auto-resolved toward a financial assumption.
type ConsistencyError struct {
	TradeID string
	Detail  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error [trade %s]: %s", e.TradeID, e.Detail)
}

// NewConsistencyError creates a new ConsistencyError.
func NewConsistencyError(tradeID, detail string) *ConsistencyError {
	return &ConsistencyError{TradeID: tradeID, Detail: detail}
}

// IsRetryable reports whether the error is a transient broker failure that
// the bounded fill-polling loop may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout)
}
