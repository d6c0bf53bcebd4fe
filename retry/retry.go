// Package retry provides bounded retry with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes how many times an operation runs and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts int           // Total attempts including the first, values below 1 mean 1
	BaseDelay   time.Duration // Wait before the second attempt
	MaxDelay    time.Duration // Cap for a single wait, 0 means uncapped
	Multiplier  float64       // Growth factor per attempt, values below 1 mean 2
	Jitter      float64       // Random extra wait as a fraction of the delay (0-1)
}

// Backoff returns the wait after the given zero-based attempt failed.
// Formula: min(base * multiplier^attempt + jitter, maxDelay)
func (p Policy) Backoff(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1.0 {
		multiplier = 2.0
	}

	backoff := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		backoff *= multiplier
	}

	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * rand.Float64()
	}

	if p.MaxDelay > 0 && time.Duration(backoff) > p.MaxDelay {
		backoff = float64(p.MaxDelay)
	}

	return time.Duration(backoff)
}

// MaxElapsed bounds the time Do can take when every attempt runs for at most
// perAttempt, assuming the largest jitter on each wait.
func (p Policy) MaxElapsed(perAttempt time.Duration) time.Duration {
	n := p.attempts()
	steady := p
	steady.Jitter = 0
	total := time.Duration(n) * perAttempt
	for attempt := 0; attempt < n-1; attempt++ {
		wait := time.Duration(float64(steady.Backoff(attempt)) * (1 + p.Jitter))
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		total += wait
	}
	return total
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, returns an error retryable rejects, or the
// policy runs out of attempts. onRetry, when non-nil, is called before each
// wait with the zero-based attempt that failed. The last error is returned
// unchanged so callers can inspect it with errors.Is and errors.As.
func Do[T any](
	ctx context.Context,
	p Policy,
	retryable func(error) bool,
	op func(ctx context.Context) (T, error),
	onRetry func(attempt int, err error, wait time.Duration),
) (T, error) {
	var zero T
	var lastErr error

	attempts := p.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transient is implemented by errors that know whether a retry may succeed.
type transient interface {
	Transient() bool
}

// IsTransient reports whether any error in the chain is marked transient.
func IsTransient(err error) bool {
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
