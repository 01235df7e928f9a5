package effects

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunsEnqueuedEffects(t *testing.T) {
	r := New(3, 10, nil)

	var ran atomic.Int32
	for range 5 {
		require.True(t, r.Enqueue("count", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, r.Close(context.Background()))

	require.EqualValues(t, 5, ran.Load())
	st := r.Stats()
	require.EqualValues(t, 5, st.Enqueued)
	require.EqualValues(t, 5, st.Completed)
	require.Zero(t, st.Failed)
	require.Zero(t, st.Depth)
	require.Equal(t, 3, st.Workers)
	require.Equal(t, 10, st.Capacity)
}

func TestFullQueueDrops(t *testing.T) {
	r := New(1, 1, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, r.Enqueue("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.True(t, r.Enqueue("queued", func(context.Context) error { return nil }))
	require.Equal(t, 1, r.Depth())
	require.False(t, r.Enqueue("overflow", func(context.Context) error { return nil }))

	close(release)
	require.NoError(t, r.Close(context.Background()))
	st := r.Stats()
	require.EqualValues(t, 2, st.Completed)
	require.EqualValues(t, 1, st.Dropped)
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	r := New(1, 4, nil)

	require.True(t, r.Enqueue("error", func(context.Context) error { return errors.New("db down") }))
	require.True(t, r.Enqueue("panic", func(context.Context) error { panic("boom") }))
	require.True(t, r.Enqueue("ok", func(context.Context) error { return nil }))
	require.NoError(t, r.Close(context.Background()))

	st := r.Stats()
	require.EqualValues(t, 2, st.Failed)
	require.EqualValues(t, 1, st.Completed)
}

func TestEnqueueAfterClose(t *testing.T) {
	r := New(1, 1, nil)
	require.NoError(t, r.Close(context.Background()))

	require.False(t, r.Enqueue("late", func(context.Context) error { return nil }))
	require.ErrorIs(t, r.Close(context.Background()), ErrClosed)
	require.EqualValues(t, 1, r.Stats().Dropped)
}

func TestCloseTimeoutCancelsRunningEffects(t *testing.T) {
	r := New(1, 4, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.True(t, r.Enqueue("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	var skipped atomic.Bool
	require.True(t, r.Enqueue("never", func(context.Context) error {
		skipped.Store(true)
		return nil
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)

	<-cancelled
	require.Eventually(t, func() bool { return r.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, skipped.Load())
}
