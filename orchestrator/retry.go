package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/warp/conflict-engine/conflict"
)

// RetryPolicy bounds per-chunk retries.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// retry runs op until it succeeds, fails permanently or runs out of attempts.
// Configuration errors are never retried. onRetry sees each failed attempt
// that will be retried.
func retry[T any](ctx context.Context, p RetryPolicy, op func(attempt int) (T, error), onRetry func(attempt int, err error, wait time.Duration)) (T, int, error) {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	tries := p.MaxAttempts
	if tries < 1 {
		tries = 1
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(attempt)
		if err != nil && conflict.IsFatal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(attempt, err, wait)
			}
		}),
	)
	return res, attempt, err
}
