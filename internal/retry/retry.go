// Package retry runs read-modify-write operations under a bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the wait before the second attempt; each following wait doubles.
	Base time.Duration
	// Retryable reports whether an error may be retried. Nil retries everything.
	Retryable func(error) bool
	// Notify observes every failed attempt that will be retried.
	Notify func(err error, wait time.Duration)
}

// Default is the policy used for shared document updates: five attempts
// waiting 100ms, 200ms, 400ms then 800ms.
var Default = Policy{Attempts: 5, Base: 100 * time.Millisecond}

// Do invokes op until it succeeds, returns a non-retryable error, the
// context ends or the attempt budget is spent.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Duration(1<<uint(attempts)) * policy.Base
	exp.MaxElapsedTime = 0
	exp.Reset()

	var last error
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if policy.Retryable != nil && !policy.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if policy.Notify != nil {
		notify = func(err error, wait time.Duration) { policy.Notify(err, wait) }
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	if policy.Retryable != nil && !policy.Retryable(last) {
		return last
	}
	return errors.Join(ErrExhausted, last)
}
