// Package retry re-runs an operation with exponential backoff and jitter.
// It paces broker reconnects, startup queue resolution and send retries.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls the backoff between attempts.
type Policy struct {
	// MaxRetries caps the retries after the first attempt. Zero retries until ctx is done.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Factor multiplies the backoff after each retry.
	Factor float64
	// Jitter adds rand(0, backoff) to every wait.
	Jitter bool
}

// DefaultPolicy retries forever, one second up to thirty.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Factor:         2.0,
		Jitter:         true,
	}
}

// Backoff yields successive wait durations for a Policy.
type Backoff struct {
	policy  Policy
	current time.Duration
}

// NewBackoff creates a backoff sequence, filling zero fields with defaults.
func NewBackoff(p Policy) *Backoff {
	if p.Factor <= 1 {
		p.Factor = 2.0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return &Backoff{policy: p, current: p.InitialBackoff}
}

// Next returns the next wait and advances the sequence.
func (b *Backoff) Next() time.Duration {
	wait := b.current
	if b.policy.Jitter && wait > 0 {
		wait += time.Duration(rand.Int63n(int64(wait)))
	}
	b.current = time.Duration(float64(b.current) * b.policy.Factor)
	if b.current > b.policy.MaxBackoff {
		b.current = b.policy.MaxBackoff
	}
	return wait
}

// Reset starts the sequence over, after an operation recovered.
func (b *Backoff) Reset() {
	b.current = b.policy.InitialBackoff
}

// IsRetryableFunc reports whether err should trigger another attempt.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each wait. attempt is 1-indexed.
type OnRetryFunc func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx is done.
func Do[T any](ctx context.Context, p Policy, isRetryable IsRetryableFunc, onRetry OnRetryFunc, fn func() (T, error)) (T, error) {
	var zero T
	backoff := NewBackoff(p)

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return zero, err
		}
		if p.MaxRetries > 0 && attempt >= p.MaxRetries {
			return zero, fmt.Errorf("operation failed after %d retries: %w", p.MaxRetries, err)
		}

		wait := backoff.Next()
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled while retrying: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
