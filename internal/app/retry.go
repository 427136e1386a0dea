package app

import (
	"context"
	"log/slog"
	"time"

	gh "github.com/rancher/git-uploader/internal/github"
)

const apiAttempts = 3

// apiRetryDelay is the first backoff between attempts; it doubles each time.
var apiRetryDelay = time.Second

// retryAPI calls fn until it succeeds, fails with an error GitHub marks as
// permanent, or runs out of attempts.
func retryAPI[T any](ctx context.Context, log *slog.Logger, op string, fn func() (T, error)) (T, error) {
	delay := apiRetryDelay
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !gh.IsRetryable(err) || attempt == apiAttempts {
			return v, err
		}

		if log != nil {
			log.Warn("retrying github request", "op", op, "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
