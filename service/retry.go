package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/layer-3/walletauth/core"
)

// retryIdempotent runs fn until it succeeds, fails with a non-transient error,
// the context ends or the attempt limit is reached. Only idempotent steps go through here.
func (s *AuthService) retryIdempotent(ctx context.Context, step, attemptID string, fn func() error) error {
	var lastErr error

	transientOnly := func(attempt uint) bool {
		if attempt == 0 {
			return true
		}
		if ctx.Err() != nil || !core.IsTransient(lastErr) {
			return false
		}
		slog.Warn("Retrying step",
			"step", step,
			"attempt_id", attemptID,
			"attempt", attempt+1,
			"error", lastErr,
			"timeout", core.IsTimeout(lastErr))
		return true
	}

	return retry.Retry(
		func(uint) error {
			lastErr = fn()
			return lastErr
		},
		strategy.Limit(s.opts.RetryAttempts),
		transientOnly,
		backoffWithContext(ctx, backoff.Exponential(s.opts.RetryBackoff/2, 2)),
	)
}

// backoffWithContext waits algorithm(attempt) before every retry, giving up
// as soon as ctx ends
func backoffWithContext(ctx context.Context, algorithm backoff.Algorithm) strategy.Strategy {
	return func(attempt uint) bool {
		if attempt == 0 {
			return true
		}

		timer := time.NewTimer(algorithm(attempt))
		defer timer.Stop()

		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
}
