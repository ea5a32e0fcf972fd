// Package retry re-runs transient failures with capped exponential backoff.
//
// Chain reads and webhook deliveries both use it. Only transport failures
// are worth retrying: a revert or a rejected payload fails the same way
// every time. Callers mark those with Permanent, or wrap fn with Only to do
// it by predicate.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Only wraps fn so that errors for which retryable returns false are
// permanent.
func Only(retryable func(error) bool, fn func() error) func() error {
	return func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return Permanent(err)
		}
		return err
	}
}

// Policy describes one retry schedule. The zero value makes a single
// attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero leaves growth uncapped.
	MaxDelay time.Duration
	// OnRetry, if set, runs before each wait with the failed attempt
	// number (1-based), its error and the chosen wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn up to maxAttempts times, doubling baseDelay between tries.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

// Do runs fn under the policy. It stops early on success, on a
// *PermanentError (returning the wrapped error), or when ctx is done.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Backoff returns the wait after the given failed attempt: BaseDelay
// doubled attempt-1 times, capped at MaxDelay, with +-25% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := int64(d / 4)
	if jitter == 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
