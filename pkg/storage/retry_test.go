package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryOnConflictSucceedsAfterConflicts(t *testing.T) {
	attempts := 0
	err := RetryOnConflict(context.Background(), func() error {
		attempts++
		if attempts < 4 {
			return ErrWriteConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 4, attempts)
}

func TestRetryOnConflictStopsOnPermanentError(t *testing.T) {
	errBoom := errors.New("boom")

	attempts := 0
	err := RetryOnConflict(context.Background(), func() error {
		attempts++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, attempts)
}

func TestRetryOnConflictWrappedConflict(t *testing.T) {
	attempts := 0
	err := RetryOnConflict(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return errors.Join(errors.New("stale snapshot"), ErrWriteConflict)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryOnConflictContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := RetryOnConflict(ctx, func() error {
		attempts++
		return ErrWriteConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, attempts)
}

func TestRetryOnConflictCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := RetryOnConflict(ctx, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return ErrWriteConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	require.LessOrEqual(t, attempts, 3)
}
