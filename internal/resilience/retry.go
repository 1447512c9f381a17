// Package resilience provides the retry and circuit breaking primitives shared
// by the synthesis gateway and the batch pipeline.
//
// [Do] is a generic retry combinator: a fixed number of attempts separated by
// a fixed delay, with a caller-supplied predicate deciding which errors are
// worth another attempt. The attempt number is passed to the operation so a
// caller can vary what each attempt does (the gateway's failover uses attempt
// 2 to address a different provider).
//
// [CircuitBreaker] is a classic three-state breaker that stops hammering a
// provider which keeps failing.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// Op is one attempt of a fallible operation. attempt starts at 1.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds, retryIf rejects its error, the policy's
// attempts are exhausted, or ctx is done. The context is checked before every
// attempt and during every delay; a cancelled context ends the loop with
// ctx.Err() unless an attempt has already produced an error, in which case
// that error is returned.
//
// retryIf may be nil, in which case every error is retried.
//
// Do returns the last result and error, together with the number of attempts
// actually made.
func Do[T any](ctx context.Context, p Policy, op Op[T], retryIf func(error) bool) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return result, attempt - 1, err
		}

		result, err = op(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		if attempt == maxAttempts || (retryIf != nil && !retryIf(err)) {
			return result, attempt, err
		}
		if !Sleep(ctx, p.Delay) {
			return result, attempt, err
		}
	}
	return result, maxAttempts, err
}

// Sleep pauses for d or until ctx is done, whichever comes first. It reports
// whether the full delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
