// Package retry runs an operation under an exponential-backoff policy with
// optional jitter, an error classifier, and a one-shot fallback.
//
// The delay before attempt N (N >= 2) is BaseDelay * Multiplier^(N-2),
// bounded by MaxDelay. Waits honor context cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls how often and how fast an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values <= 0 mean a single attempt (no retries).
	MaxAttempts int

	// BaseDelay is the wait before the first retry. Default 500ms.
	BaseDelay time.Duration

	// Multiplier grows the delay between consecutive retries. Default 2.
	Multiplier float64

	// MaxDelay caps the per-retry wait. 0 means uncapped.
	MaxDelay time.Duration

	// Jitter spreads delays by +/- the given fraction (0.2 = 20%).
	// 0 disables jitter, which keeps tests deterministic.
	Jitter float64

	// RetryIf decides whether an error is worth another attempt.
	// nil retries everything except Permanent-marked and context errors.
	RetryIf func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// delay returns the wait before the given attempt (attempt >= 2).
func (p Policy) delay(attempt int, rng *rand.Rand) time.Duration {
	d := float64(p.BaseDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d *= 1 + r
	}
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return true
}

// Permanent marks err as not worth retrying. Do/DoValue stop immediately and
// return the wrapped error without the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Do runs fn under the policy and returns the last error once attempts are
// exhausted (or immediately for non-retryable errors).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		// Strip the marker so callers match the underlying error.
		var pe permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
		lastErr = err

		if attempt >= p.MaxAttempts || !p.retryable(err) {
			break
		}

		d := p.delay(attempt+1, rng)
		if d <= 0 {
			continue
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// DoValueFallback runs primary under the policy; once attempts are exhausted
// it invokes fallback exactly once. A successful fallback hides the primary
// failure. A failed fallback propagates the PRIMARY's last error as the wrap
// target, with the fallback's failure attached as context.
//
// The fallback is not consulted when ctx is already done.
func DoValueFallback[T any](ctx context.Context, p Policy, primary, fallback func(ctx context.Context) (T, error)) (T, error) {
	v, err := DoValue(ctx, p, primary)
	if err == nil {
		return v, nil
	}
	if ctx != nil && ctx.Err() != nil {
		return v, err
	}
	if fallback == nil {
		return v, err
	}
	fv, ferr := fallback(ctx)
	if ferr != nil {
		return v, fmt.Errorf("%w (fallback: %v)", err, ferr)
	}
	return fv, nil
}
