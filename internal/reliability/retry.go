package reliability

import (
	"context"
	"time"
)

// Retry runs fn until it succeeds, reports a non-retryable error, or the
// attempt budget is spent. Backoff between attempts is exponential from
// base, capped at max.
func Retry(ctx context.Context, attempts int, base, max time.Duration, fn func(context.Context) (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		retryable, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ExponentialBackoff(attempt, base, max)):
		}
	}
	return lastErr
}
