// Package retry runs startup operations, such as opening a database pool,
// with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff wait. Optional.
	OnRetry func(attempt int, wait time.Duration, err error)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx is done
// or MaxAttempts is reached. Non-retryable errors are returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := backoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, lastErr)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"eof",
	"timeout",
	"no such host",
	"temporary failure",
	"too many connections",
	"the database system is starting up",
	"the database system is shutting down",
}

// IsRetryable reports whether err looks like a transient connectivity
// failure. Context errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// backoff returns base * 2^(attempt-1), capped at maxWait, scaled by a
// random factor in [0.5, 1.0).
func backoff(base, maxWait time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > maxWait {
		d = maxWait
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
