package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/modelrelay/relay/core"
)

// RetryConfig tunes the adapter-local retry loop. The loop is independent of
// the circuit breaker; both observe the same classified errors.
type RetryConfig struct {
	// MaxAttempts counts the first try. Default 4.
	MaxAttempts int
	// BaseDelay is the first backoff; each subsequent one doubles.
	// Default 500ms, so the ladder is 0.5, 1, 2 seconds between the
	// four attempts.
	BaseDelay time.Duration
	Logger    core.Logger
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// retryJitter spreads a backoff by up to ±20%. Replaced in tests.
var retryJitter = func(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*span)-span)
}

// Retry runs fn up to MaxAttempts times with exponential backoff and jitter.
// Only classified transient errors are retried; everything else returns
// immediately. The caller guarantees fn issues an identical request on every
// attempt.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	cfg.applyDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !core.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := retryJitter(delay)
		cfg.Logger.Warn("transient failure, backing off", map[string]interface{}{
			"operation": "retry_backoff",
			"op":        op,
			"attempt":   attempt,
			"wait":      wait.String(),
			"error":     lastErr.Error(),
		})
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%s: %w", op, core.ErrTimeout)
			}
			return fmt.Errorf("%s: %w", op, core.ErrContextCanceled)
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrMaxRetriesExceeded, lastErr)
}
