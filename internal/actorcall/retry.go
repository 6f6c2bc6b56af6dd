package actorcall

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 250 * time.Millisecond
	DefaultMaxBackoff  = 5 * time.Second
)

// Config controls the retry loop. The zero value is usable; defaults fill
// anything unset.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Jitter returns a multiplier in [0.5, 1.5). Fixed values make backoff
	// deterministic in tests.
	Jitter func() float64
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Jitter == nil {
		c.Jitter = func() float64 { return 0.5 + rand.Float64() }
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

// BackoffDelay is the sleep taken after failed attempt number attempt
// (0-based): min(MaxBackoff, BaseBackoff*2^attempt) scaled by jitter.
func (c Config) BackoffDelay(attempt int, jitter float64) time.Duration {
	c = c.withDefaults()
	delay := c.BaseBackoff << uint(attempt)
	if delay > c.MaxBackoff || delay <= 0 {
		delay = c.MaxBackoff
	}
	return time.Duration(float64(delay) * jitter)
}

// Call runs op against a handle freshly resolved for every attempt. The
// actor may have moved or been evicted between attempts, so a handle is
// never reused. Errors not flagged retryable abort immediately; otherwise
// the loop sleeps with exponential backoff and jitter and tries again, up to
// MaxAttempts resolver/operation calls and MaxAttempts-1 sleeps.
func Call[H any, T any](
	ctx context.Context,
	cfg Config,
	label string,
	resolve func(ctx context.Context) (H, error),
	op func(ctx context.Context, handle H) (T, error),
) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := cfg.Sleep(ctx, cfg.BackoffDelay(attempt-1, cfg.Jitter())); err != nil {
				return zero, fmt.Errorf("%s: %w", label, err)
			}
		}

		handle, err := resolve(ctx)
		if err != nil {
			lastErr = err
			if !Retryable(err) {
				return zero, fmt.Errorf("%s: resolve handle: %w", label, err)
			}
			logf(cfg.Logger, "actor call retry label=%s attempt=%d stage=resolve err=%v", label, attempt+1, err)
			continue
		}

		out, err := op(ctx, handle)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !Retryable(err) {
			return zero, fmt.Errorf("%s: %w", label, err)
		}
		logf(cfg.Logger, "actor call retry label=%s attempt=%d err=%v", label, attempt+1, err)
	}

	return zero, fmt.Errorf("%s: retries exhausted after %d attempts: %w", label, cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
