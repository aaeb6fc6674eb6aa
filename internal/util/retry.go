package util

import (
	"context"
	"errors"
	"time"
)

// Backoff configures RetryWithBackoff. A zero Initial disables sleeping
// between attempts.
type Backoff struct {
	MaxTries int
	Initial  time.Duration
	Max      time.Duration
}

func (b Backoff) delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial << attempt
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	return d
}

// RetryWithBackoff calls fn up to b.MaxTries times (at least once) until it
// succeeds, waiting an exponentially growing delay between attempts. It
// reports how many attempts were made. A done ctx or a context error
// returned by fn stops the loop immediately; otherwise the last error is
// returned.
func RetryWithBackoff[T any](ctx context.Context, b Backoff, fn func(context.Context) (T, error)) (T, int, error) {
	maxTries := b.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	attempts := 0
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, attempts, ctx.Err()
		}
		attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, attempts, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, attempts, err
		}
		lastErr = err

		if i == maxTries-1 {
			break
		}
		if d := b.delay(i); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, attempts, ctx.Err()
			case <-t.C:
			}
		}
	}
	return zero, attempts, lastErr
}
