// Package retry wraps operations against external resources with bounded
// retries, exponential backoff with jitter, retryable-vs-fatal error
// classification and an optional pre-attempt reset of the owning connection
// handle.
package retry

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy parameterises a Retrier.
type Policy struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Exponential selects delay(n) = min(base * 2^(n-1), max); otherwise the
	// delay is constant at base.
	Exponential bool
	// Jitter multiplies each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// Delay returns the pre-jitter delay before attempt n+1 (n starts at 1).
func (p Policy) Delay(n int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Classifier reports whether an error is recoverable by replay.
type Classifier func(error) bool

// ResetFunc rebuilds a stale connection handle before an attempt. A reset
// failure is fatal for the wrapped call.
type ResetFunc func(ctx context.Context) error

// Retrier executes operations under a Policy. The zero value is not usable;
// construct with New.
type Retrier struct {
	policy    Policy
	retryable Classifier
	reset     ResetFunc
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithReset installs a pre-attempt reset hook.
func WithReset(f ResetFunc) Option {
	return func(r *Retrier) { r.reset = f }
}

// New constructs a Retrier. A nil classifier treats every error as retryable.
func New(p Policy, retryable Classifier, opts ...Option) *Retrier {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	r := &Retrier{policy: p, retryable: retryable}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Retrier) backOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.policy.BaseDelay
	expo.MaxInterval = r.policy.MaxDelay
	expo.MaxElapsedTime = 0
	if r.policy.Exponential {
		expo.Multiplier = 2
	} else {
		expo.Multiplier = 1
	}
	if r.policy.Jitter {
		expo.RandomizationFactor = 0.5
	} else {
		expo.RandomizationFactor = 0
	}
	expo.Reset()
	var b backoff.BackOff = expo
	b = backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1))
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, a fatal error occurs, or the attempt budget
// is exhausted. Fatal errors are returned immediately without sleeping; on
// exhaustion the last observed error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := func() error {
		if r.reset != nil {
			if err := r.reset(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("reset handle: %w", err))
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if r.retryable != nil && !r.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(attempt, r.backOff(ctx))
}
