// Package retry re-runs operations that failed on transient conditions: writes that hit
// a column cache made stale by another process, serialization failures, and connections
// that are not up yet.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor spreads each delay by up to +/- the given fraction (0.0-1.0).
	JitterFactor float64
	// OnRetry, when set, is called before waiting for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns the defaults for datastore writes: 3 retries starting at 50ms,
// doubling up to 2s, with 20% jitter so that competing writers spread out.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// ConnectConfig returns the defaults for establishing connections at startup.
func ConnectConfig() *Config {
	return &Config{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Delay returns the wait before retry number attempt (starting at 1), without jitter.
func (c *Config) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

func (c *Config) jittered(attempt int) time.Duration {
	delay := c.Delay(attempt)
	if c.JitterFactor <= 0 || delay <= 0 {
		return delay
	}
	jitter := float64(delay) * c.JitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do runs fn until it succeeds, returns an error IsRetryable rejects, or the retries are
// used up. The last error is returned. Waiting stops early when ctx is done.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	return DoIf(ctx, cfg, IsRetryable, fn)
}

// DoIf is Do with a caller-supplied retry decision.
func DoIf(ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, shouldRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is DoIf for functions that return a value. On failure the result of the
// last attempt is returned with its error.
func DoWithResult[T any](ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil || attempt >= cfg.MaxRetries || !shouldRetry(err) {
			return result, err
		}

		delay := cfg.jittered(attempt + 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}
}

// RetryableError is implemented by errors that declare their own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable reports whether err is worth retrying. Errors that declare retryability
// (such as *apperrors.Error) decide for themselves; otherwise PostgreSQL failures that
// pgconn marks safe to retry, refused or reset connections and network timeouts are
// retryable. Context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperrors.IsRetryable(apperrors.ClassifyPgError(pgErr))
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
