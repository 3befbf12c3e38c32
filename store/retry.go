package store

import (
	"context"
	"log/slog"
	"time"
)

// retrySchedule is the fixed backoff ladder for transient database errors.
// Five attempts total: 0.2s, 0.4s, 0.8s, 1.6s, 3.2s between them.
var retrySchedule = []time.Duration{
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
	3200 * time.Millisecond,
}

// maxAttempts caps retries for transient errors.
const maxAttempts = 5

// WithRetry exposes the transient retry ladder to packages that run their
// own queries on the shared pool.
func WithRetry(ctx context.Context, logger *slog.Logger, name string, op func() error) error {
	return withRetry(ctx, logger, name, op)
}

// withRetry runs op, retrying on TransientIOError with exponential backoff.
// Non-transient errors propagate immediately.
func withRetry(ctx context.Context, logger *slog.Logger, name string, op func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retrySchedule[attempt-1]
			logger.Debug("Retrying store operation",
				"op", name,
				"attempt", attempt+1,
				"backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientIO(err) {
			return err
		}
		lastErr = err
	}

	logger.Warn("Store operation exhausted retries", "op", name, "error", lastErr)
	return lastErr
}
