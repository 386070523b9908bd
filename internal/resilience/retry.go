package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned by [Retry] after the last attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig is a fixed retry schedule.
type RetryConfig struct {
	// MaxAttempts bounds the number of calls. Default: 3.
	MaxAttempts int

	// Backoff is the delay before each attempt; attempt i waits
	// Backoff[min(i, len(Backoff)-1)]. Empty means no delay.
	Backoff []time.Duration

	// OnAttempt, if set, is called after every attempt with its 1-based
	// number and result.
	OnAttempt func(attempt int, err error)
}

// Retry calls fn until it succeeds, ctx is done, or MaxAttempts calls have
// failed. The wait before each attempt (including the first) follows the
// Backoff schedule. Cancellation during a wait returns ctx.Err() without
// calling fn again.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := wait(ctx, delayFor(cfg.Backoff, attempt-1)); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, lastErr)
		}
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, cfg.MaxAttempts, lastErr)
}

func delayFor(backoff []time.Duration, i int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	return backoff[min(i, len(backoff)-1)]
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
