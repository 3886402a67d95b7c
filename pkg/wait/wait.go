// Package wait provides the bounded polling loop behind every element lookup
// and page-state wait.
package wait

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Until when the condition never held.
var ErrTimeout = errors.New("condition not met before timeout")

// Condition is checked once per tick. Returning done ends the wait; a
// non-nil error ends it immediately with that error.
type Condition func(ctx context.Context) (done bool, err error)

// Until checks cond immediately and then every interval until it reports
// done, returns an error, ctx is canceled or timeout elapses. The condition
// is always checked at least once at or after the deadline, so a timeout is
// never reported before timeout has elapsed and at most one interval (plus
// the cost of one check) after it.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		next := interval
		if remaining < next {
			next = remaining
		}
		timer.Reset(next)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
