// Package retry holds the single backoff policy used by every component that
// owns a retry budget (wake coordinator, sleep path, route sync, redis connect).
// Adapters never retry on their own.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	InitialInterval time.Duration // first wait between attempts (ex: 250ms)
	MaxInterval     time.Duration // cap on a single wait (ex: 5s)
	MaxAttempts     int           // total attempts, 0 = unbounded (MaxElapsed or ctx must bound it)
	MaxElapsed      time.Duration // total budget, 0 = unbounded
	AttemptTimeout  time.Duration // per-attempt context timeout, 0 = inherit ctx

	// Notify, when set, is called after each failed attempt that will be retried.
	Notify func(err error, attempt int, next time.Duration)
}

// Default is used when a component is built without an explicit policy.
var Default = Policy{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxAttempts:     5,
}

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, or the policy is exhausted.
// The error of the last attempt is returned, even when ctx ended the loop.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(p.InitialInterval, Default.InitialInterval)
	b.MaxInterval = orDefault(p.MaxInterval, Default.MaxInterval)
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		actx, cancel := p.attemptContext(ctx)
		defer cancel()
		lastErr = op(actx)
		return lastErr
	}

	var notify backoff.Notify
	if p.Notify != nil {
		notify = func(err error, next time.Duration) { p.Notify(err, attempt, next) }
	}

	err := backoff.RetryNotify(operation, bo, notify)
	if err == nil {
		return nil
	}
	if lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		var perm *backoff.PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		return lastErr
	}
	return err
}

func (p Policy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.AttemptTimeout)
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
