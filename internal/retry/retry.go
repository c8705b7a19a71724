// Package retry wraps github.com/cenkalti/backoff/v4 so callers supply a
// plain func() error instead of touching the backoff library's clock and
// retry-notify plumbing directly. It backs the Session Supervisor's
// transient spawn retries; the Durable Task Store does not retry its
// writes.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures a Do call.
type Options struct {
	// MaxElapsedTime bounds total retry time. Zero means use the
	// default of 10 seconds.
	MaxElapsedTime time.Duration

	// MaxAttempts bounds the number of calls to fn. Zero means
	// unbounded (subject to MaxElapsedTime).
	MaxAttempts int

	// IsRetryable decides whether an error should be retried. Nil
	// means every non-nil error is retried until the budget runs out.
	IsRetryable func(error) bool

	// Logger receives one debug line per retried attempt. May be nil.
	Logger *slog.Logger
}

// Do runs fn until it returns nil, a non-retryable error, the attempt
// budget is exhausted, or ctx is cancelled — whichever happens first.
func Do(ctx context.Context, fn func() error, opts Options) error {
	maxElapsed := opts.MaxElapsedTime
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	var b backoff.BackOff = bo
	if opts.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(bo, uint64(opts.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if opts.IsRetryable != nil && !opts.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if opts.Logger != nil {
			opts.Logger.Debug("retrying after error", "attempt", attempt, "wait", wait, "error", err)
		}
	}

	return backoff.RetryNotify(op, b, notify)
}
