package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 5 * time.Second
	defaultRetryMaxDelay = time.Minute
)

// RetryPolicy bounds the exponential backoff applied to processor calls.
// Only errors classified by IsRetryable are retried.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
	Notify   func(err error, attempt int)
}

// DefaultRetryPolicy returns five attempts doubling from 5s, capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: defaultRetryAttempts,
		Delay:    defaultRetryDelay,
		MaxDelay: defaultRetryMaxDelay,
		Clock:    clock.WallClock,
	}
}

// Budget is the worst-case wall time of a call whose attempts each take at most callTimeout.
func (policy RetryPolicy) Budget(callTimeout time.Duration) time.Duration {
	policy = policy.normalized()
	total := time.Duration(policy.Attempts) * callTimeout
	delay := policy.Delay
	for gap := 1; gap < policy.Attempts; gap++ {
		total += delay
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return total
}

func (policy RetryPolicy) normalized() RetryPolicy {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = defaultRetryDelay
	}
	if policy.MaxDelay < policy.Delay {
		policy.MaxDelay = policy.Delay
	}
	if policy.Clock == nil {
		policy.Clock = clock.WallClock
	}
	if policy.Notify == nil {
		policy.Notify = func(error, int) {}
	}
	return policy
}

// call runs fn until it succeeds, fails with a non-retryable error, exhausts its attempts, or ctx ends.
// The returned error is always the last error produced by fn, or a ctx error wrapped as unavailable.
func (policy RetryPolicy) call(ctx context.Context, fn func() error) error {
	policy = policy.normalized()
	if policy.Attempts == 1 {
		return fn()
	}
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsRetryable(err)
		},
		NotifyFunc:  policy.Notify,
		Attempts:    policy.Attempts,
		Delay:       policy.Delay,
		MaxDelay:    policy.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       policy.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err), retry.IsDurationExceeded(err):
		return retry.LastError(err)
	case retry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrProcessorUnavailable, ctxErr)
		}
		return fmt.Errorf("%w: retry stopped", ErrProcessorUnavailable)
	default:
		return err
	}
}
