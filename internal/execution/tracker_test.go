package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/execution/memory"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("exec-%d", g.n), nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestTracker(t *testing.T) (*Tracker, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return New(store, &seqIDs{}, clock, zap.NewNop()), store, clock
}

func TestTrackerHappyPath(t *testing.T) {
	t.Parallel()

	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreatePending(ctx, "crawler-1", clock.now)
	require.NoError(t, err)

	ex, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawljob.ExecutionPending, ex.Status)
	require.Nil(t, ex.StartedAt)

	require.NoError(t, tracker.Start(ctx, id))
	ex, err = tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawljob.ExecutionRunning, ex.Status)
	require.NotNil(t, ex.StartedAt)

	require.NoError(t, tracker.Complete(ctx, id, crawljob.ExecutionMetadata{
		RowsProcessed: 7,
		DurationMs:    450,
	}))
	ex, err = tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawljob.ExecutionCompleted, ex.Status)
	require.Equal(t, 7, ex.Metadata.RowsProcessed)
	require.NotNil(t, ex.CompletedAt)
	require.Zero(t, ex.RetryCount)
}

func TestTrackerRetrySeriesUpdatesSameRecord(t *testing.T) {
	t.Parallel()

	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreatePending(ctx, "crawler-1", clock.now)
	require.NoError(t, err)

	// Two failed attempts, then success on the third.
	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, tracker.Start(ctx, id))
		require.NoError(t, tracker.AwaitRetry(ctx, id, "sheet unavailable"))
	}
	require.NoError(t, tracker.Start(ctx, id))
	require.NoError(t, tracker.Complete(ctx, id, crawljob.ExecutionMetadata{RowsProcessed: 3}))

	ex, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawljob.ExecutionCompleted, ex.Status)
	require.Equal(t, 2, ex.RetryCount)
	require.Empty(t, ex.ErrorMessage)
}

func TestTrackerFailureRetainsLastError(t *testing.T) {
	t.Parallel()

	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreatePending(ctx, "crawler-1", clock.now)
	require.NoError(t, err)

	require.NoError(t, tracker.Start(ctx, id))
	require.NoError(t, tracker.AwaitRetry(ctx, id, "first failure"))
	require.NoError(t, tracker.Start(ctx, id))
	require.NoError(t, tracker.Fail(ctx, id, "second failure"))

	ex, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawljob.ExecutionFailed, ex.Status)
	require.Equal(t, "second failure", ex.ErrorMessage)
	require.Equal(t, 1, ex.RetryCount)
}

func TestTrackerTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreatePending(ctx, "crawler-1", clock.now)
	require.NoError(t, err)
	require.NoError(t, tracker.Start(ctx, id))
	require.NoError(t, tracker.Fail(ctx, id, "fatal"))

	require.Error(t, tracker.Start(ctx, id))
	require.Error(t, tracker.Complete(ctx, id, crawljob.ExecutionMetadata{}))
	require.Error(t, tracker.AwaitRetry(ctx, id, "nope"))
}

func TestTrackerRejectsSkippedTransitions(t *testing.T) {
	t.Parallel()

	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreatePending(ctx, "crawler-1", clock.now)
	require.NoError(t, err)

	// PENDING cannot jump straight to terminal.
	require.Error(t, tracker.Complete(ctx, id, crawljob.ExecutionMetadata{}))
	require.Error(t, tracker.Fail(ctx, id, "nope"))
}

func TestTrackerHistoryPagination(t *testing.T) {
	t.Parallel()

	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tracker.CreatePending(ctx, "crawler-1", clock.now.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	_, err := tracker.CreatePending(ctx, "crawler-2", clock.now)
	require.NoError(t, err)

	first, err := tracker.History(ctx, "crawler-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, first[0].ScheduledAt.After(first[1].ScheduledAt))

	rest, err := tracker.History(ctx, "crawler-1", 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 3)
}
