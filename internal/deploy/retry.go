package deploy

import (
	"context"
	"time"

	"holt.is/bulwark/internal/backend"
)

// retryTransient runs fn, retrying transient adapter errors with bounded
// exponential backoff. Any other error returns immediately.
func retryTransient(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !backend.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
