// Package retry implements the Retry Manager (spec §4.10): exponential
// backoff with jitter around a fallible attempt, producing either the
// eventual success, a recovered error result, or MaxRetriesExceeded.
//
// Same Config shape (MaxAttempts/InitialBackoff/MaxBackoff/
// BackoffMultiplier/Jitter) and exponential-with-jitter formula as a
// conventional Go retry helper, adapted to a design note in spec §9 that
// retryability must be modelled as a result flag, not a raised exception
// class.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type (
	// Config configures backoff behavior for the Retry Manager.
	Config struct {
		// MaxAttempts is the maximum number of attempts, including the
		// first. Zero or negative is treated as 1 (no retries).
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration
		// BackoffMultiplier multiplies the delay after each retry. Values
		// below 1 are treated as 1 (constant backoff).
		BackoffMultiplier float64
		// Jitter adds proportional randomness to the backoff, in [0,1).
		// 0.1 means up to 10% jitter in either direction.
		Jitter float64
	}

	// Outcome is the result of a single attempt, modelling retryability as a
	// flag rather than an exception class (spec §9 design note).
	Outcome struct {
		// Err is nil on success.
		Err error
		// Retryable is consulted only when Err is non-nil: true means the
		// Retry Manager should attempt again (subject to MaxAttempts).
		Retryable bool
	}

	// Attempt is a single fallible unit of work the Retry Manager drives.
	Attempt func(ctx context.Context) Outcome

	// MaxRetriesExceeded is returned when every attempt failed and the
	// attempt budget is exhausted. It is mapped by callers to a terminal
	// FAILED outcome (spec §4.10, §7 tier 3).
	MaxRetriesExceeded struct {
		Attempts      int
		TotalDuration time.Duration
		LastErr       error
	}
)

// Error implements the error interface.
func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastErr)
}

// Unwrap returns the last attempt's error for errors.Is/As.
func (e *MaxRetriesExceeded) Unwrap() error { return e.LastErr }

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Do executes fn, retrying while the returned Outcome is both an error and
// marked Retryable, up to cfg.MaxAttempts total attempts. A non-retryable
// error is returned immediately (spec §4.10: "Non-retryable exceptions
// propagate immediately"). Exhaustion returns *MaxRetriesExceeded.
func Do(ctx context.Context, cfg Config, fn Attempt) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		outcome := fn(ctx)
		if outcome.Err == nil {
			return nil
		}
		lastErr = outcome.Err

		if !outcome.Retryable {
			return outcome.Err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		backoff := calculateBackoff(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return &MaxRetriesExceeded{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastErr:       lastErr,
	}
}

// calculateBackoff computes the jittered exponential delay for the given
// (1-indexed) attempt number that just failed.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// ErrNotRetryable is a convenience sentinel callers may wrap to make an
// error's non-retryability explicit without constructing an Outcome inline.
var ErrNotRetryable = errors.New("not retryable")
