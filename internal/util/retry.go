package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry runs fn up to maxAttempts times. Failed attempts are separated by
// an exponentially growing, lightly jittered delay starting at baseDelay.
// It returns nil on the first success, ctx.Err() if the context ends
// mid-wait, and otherwise the last error.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		delay := baseDelay << (attempt - 1)
		delay += rand.N(delay/4 + 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
