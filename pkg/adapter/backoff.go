package adapter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Reconnect policy shared by the networked adapters.
const maxReconnectAttempts = 5

// Delay bounds are variables so tests can shrink them.
var (
	baseReconnectDelay = 250 * time.Millisecond
	maxReconnectDelay  = 8 * time.Second
)

// Reconnect retries connect with exponential backoff and jitter until it
// succeeds, the attempt budget is spent, or ctx is cancelled. Exhausting
// the budget returns [ErrFatal] wrapping the last connect error.
func Reconnect(ctx context.Context, connect func(context.Context) error) error {
	var lastErr error
	for attempt := range maxReconnectAttempts {
		if attempt > 0 {
			delay := baseReconnectDelay << (attempt - 1)
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			// Full jitter keeps concurrent reconnecting sessions spread out.
			delay = time.Duration(rand.Int64N(int64(delay))) + delay/2

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = connect(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %d reconnect attempts failed: %w", ErrFatal, maxReconnectAttempts, lastErr)
}
