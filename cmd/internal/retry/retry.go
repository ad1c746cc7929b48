// Package retry runs bounded, jittered exponential-backoff retries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts includes the first call. Values < 1 are treated as 1.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout time-boxes each call when > 0.
	AttemptTimeout time.Duration
}

// Result reports how a retry loop ended.
type Result struct {
	Attempts int
}

// Do calls op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. A nil retryable retries every error.
//
// The returned error is the last error from op (or the context error).
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op func(ctx context.Context, attempt int) error) (Result, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++

		callCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}

		err := op(callCtx, attempts)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if retryable != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.maxAttempts())),
	)
	return Result{Attempts: attempts}, err
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseBackoff > 0 {
		b.InitialInterval = p.BaseBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.Reset()
	return b
}

// IsContextError reports whether err came from a canceled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
