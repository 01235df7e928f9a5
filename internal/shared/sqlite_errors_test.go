package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	require.False(t, IsSQLiteConflictError(nil))
	require.True(t, IsSQLiteConflictError(errors.New("exec: database is locked (5) (SQLITE_BUSY)")))
	require.True(t, IsSQLiteConflictError(errors.New("database is locked")))
	require.False(t, IsSQLiteConflictError(errors.New("no such table: sessions")))
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	var delays []time.Duration
	err := RetryOnConflict(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	}, func(_ int, d time.Duration, _ error) { delays = append(delays, d) })
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)

	calls = 0
	err = RetryOnConflict(context.Background(), policy, func() error {
		calls++
		return errors.New("constraint failed")
	}, nil)
	require.EqualError(t, err, "constraint failed")
	require.Equal(t, 1, calls)

	calls = 0
	err = RetryOnConflict(context.Background(), policy, func() error {
		calls++
		return errors.New("database is locked")
	}, nil)
	require.True(t, IsSQLiteLockedError(err))
	require.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RetryOnConflict(ctx, RetryPolicy{Attempts: 3, BaseDelay: time.Hour}, func() error {
		return errors.New("SQLITE_BUSY")
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
