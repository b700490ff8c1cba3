package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Client-side enqueue retry defaults. This loop is separate from the
// queue's own delivery retry: it only covers transient unavailability of
// the queue at insert time, so a producer does not silently lose a job.
const (
	// EnqueueRetryAttempts bounds the client-side retry loop.
	EnqueueRetryAttempts = 3

	// EnqueueRetryUnit is the linear backoff unit: the wait after attempt
	// n is n times this value.
	EnqueueRetryUnit = 500 * time.Millisecond
)

// EnqueueWithRetry wraps Enqueue in a bounded retry loop with linear
// backoff. It returns nil as soon as one attempt succeeds, the context's
// error if it is canceled while waiting, and the last enqueue error once
// all attempts are spent.
func EnqueueWithRetry(
	ctx context.Context,
	enq Enqueuer,
	name string,
	payload any,
	opts Options,
	log *slog.Logger,
) error {
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= EnqueueRetryAttempts; attempt++ {
		lastErr = enq.Enqueue(ctx, name, payload, opts)
		if lastErr == nil {
			if attempt > 1 {
				log.Info("enqueue succeeded after retry",
					"job_name", name,
					"attempt", attempt)
			}
			return nil
		}

		log.Warn("enqueue attempt failed",
			"job_name", name,
			"attempt", attempt,
			"max_attempts", EnqueueRetryAttempts,
			"error", lastErr)

		if attempt == EnqueueRetryAttempts {
			break
		}

		wait := time.Duration(attempt) * EnqueueRetryUnit
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("enqueue %q failed after %d attempts: %w",
		name, EnqueueRetryAttempts, lastErr)
}
