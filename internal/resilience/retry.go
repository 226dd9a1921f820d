package resilience

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math/rand/v2"
	"time"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
)

// IsTransient reports whether err is worth retrying. Cancellation and an open
// breaker end the retry loop.
func IsTransient(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, ErrOpen) {
		return false
	}
	return apperrors.IsRetryable(err)
}

// Retry executes fn with exponential backoff and returns the last error if all
// attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoffDelay doubles BaseDelay per attempt up to MaxDelay, then applies
// jitter of ±JitterFactor/2.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(attempt, 6)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}
