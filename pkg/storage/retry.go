package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOnConflict executes fn until it completes without ErrWriteConflict.
// fn must be a side-effect-free catalog read that rebuilds its result from
// scratch on every attempt; partial results are never carried across
// attempts. Non-conflict errors propagate immediately, and the context is
// checked on every iteration so an interrupted operation aborts without
// retrying.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Millisecond
	policy.MaxInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = 0 // retried until the operation is interrupted

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrWriteConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
