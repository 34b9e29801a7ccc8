package utils

import (
	"context"
	"time"
)

// PollOutcome is the result of a bounded polling loop.
type PollOutcome int

const (
	// PollDone means the condition function returned done.
	PollDone PollOutcome = iota
	// PollTimeout means the deadline elapsed without the condition holding.
	PollTimeout
	// PollCancelled means the context was cancelled.
	PollCancelled
)

// PollUntil repeatedly invokes fn at the given interval until it reports
// done, the total timeout elapses, or ctx is cancelled. This is the single
// bounded busy-wait primitive in the system; callers own what happens on
// timeout (typically: cancel the broker order, then update local state).
//
// fn errors are returned to the caller only when fn reports done; transient
// errors during polling are for fn itself to swallow or surface via done.
func PollUntil(ctx context.Context, interval, timeout time.Duration, fn func() (done bool, err error)) (PollOutcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	// First probe happens immediately, not after one interval.
	if done, err := fn(); done {
		return PollDone, err
	}

	for {
		select {
		case <-ctx.Done():
			return PollCancelled, ctx.Err()
		case <-deadline.C:
			return PollTimeout, nil
		case <-tick.C:
			if done, err := fn(); done {
				return PollDone, err
			}
		}
	}
}
