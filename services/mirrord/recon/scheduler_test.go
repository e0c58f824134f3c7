package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agrichain/services/mirrord/storage"
)

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := time.Second
	require.Equal(t, base, backoff(base, ceiling, 1))
	require.Equal(t, 200*time.Millisecond, backoff(base, ceiling, 2))
	require.Equal(t, 800*time.Millisecond, backoff(base, ceiling, 4))
	require.Equal(t, ceiling, backoff(base, ceiling, 5))
	require.Equal(t, ceiling, backoff(base, ceiling, 500))
}

func TestTriggerCoalesces(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Trigger())
	require.False(t, s.Trigger())
	require.True(t, s.RequestResync())
	require.False(t, s.RequestResync())
}

func TestSchedulerRetriesUnavailableLedger(t *testing.T) {
	l := newFlakyLedger()
	seedLedger(t, l)
	l.failNext(2, 3)
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)
	s := NewScheduler(SchedulerConfig{
		Reconciler: r,
		Interval:   time.Hour,
		RetryBase:  time.Millisecond,
		RetryMax:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, func() bool {
		count, err := store.Count(context.Background(), storage.Filter{})
		return err == nil && count == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.False(t, s.Halted())
}

func TestSchedulerTriggerRunsPass(t *testing.T) {
	l := newFlakyLedger()
	store := openTestStore(t)
	r := newTestReconciler(t, l, store, nil)
	s := NewScheduler(SchedulerConfig{Reconciler: r, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, func() bool {
		last, err := r.LastResult()
		return err == nil && last != nil
	}, 5*time.Second, 5*time.Millisecond)

	seedLedger(t, l)
	s.Trigger()
	require.Eventually(t, func() bool {
		count, err := store.Count(context.Background(), storage.Filter{})
		return err == nil && count == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSchedulerHaltsOnIntegrityFailure(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	store := openTestStore(t)
	require.NoError(t, store.SetCursor(ctx, CursorName, 4))
	r := newTestReconciler(t, l, store, nil)
	s := NewScheduler(SchedulerConfig{Reconciler: r, Interval: 5 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Start(runCtx)

	require.Eventually(t, s.Halted, 5*time.Second, 5*time.Millisecond)

	seedLedger(t, l)
	seedLedger(t, l)
	s.RequestResync()
	require.Eventually(t, func() bool { return !s.Halted() }, 5*time.Second, 5*time.Millisecond)
}

func TestSchedulerRetriesFailedResyncWhileHalted(t *testing.T) {
	ctx := context.Background()
	l := newFlakyLedger()
	store := openTestStore(t)
	require.NoError(t, store.SetCursor(ctx, CursorName, 4))
	r := newTestReconciler(t, l, store, nil)
	s := NewScheduler(SchedulerConfig{
		Reconciler: r,
		Interval:   time.Hour,
		RetryBase:  time.Millisecond,
		RetryMax:   5 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Start(runCtx)
	require.Eventually(t, s.Halted, 5*time.Second, 5*time.Millisecond)

	seedLedger(t, l)
	seedLedger(t, l)
	l.failNext(5, 2)
	require.True(t, s.RequestResync())

	require.Eventually(t, func() bool {
		count, err := store.Count(ctx, storage.Filter{})
		return err == nil && count == 6 && !s.Halted()
	}, 5*time.Second, 5*time.Millisecond)
	cursor, err := store.Cursor(ctx, CursorName)
	require.NoError(t, err)
	require.Equal(t, uint64(6), cursor)
}
