package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

type fakeExecutions struct {
	mu      sync.Mutex
	created int
	err     error
}

func (f *fakeExecutions) CreatePending(_ context.Context, _ string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created++
	return fmt.Sprintf("exec-%d", f.created), nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("entry-%d", g.n), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(cfg Config) (*Queue, *fakeExecutions, *fakeClock) {
	execs := &fakeExecutions{}
	clock := &fakeClock{now: time.Date(2026, 8, 29, 6, 0, 0, 0, time.UTC)}
	return NewQueue(execs, &seqIDs{}, clock, cfg), execs, clock
}

func payloadFor(crawlerID string) crawljob.JobPayload {
	return crawljob.JobPayload{
		CrawlerID:  crawlerID,
		UserID:     "user-1",
		Platform:   crawljob.PlatformGoogleAds,
		AccountIDs: []string{"acc-1"},
		Destination: crawljob.Destination{
			SpreadsheetID: "sheet-1",
			SheetName:     "data",
		},
	}
}

func TestEnqueueAndDequeue(t *testing.T) {
	t.Parallel()

	q, execs, _ := newTestQueue(Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, execs.created)

	entry, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, entry.ID)
	require.Equal(t, crawljob.EntryStateActive, entry.State)
	require.Equal(t, "exec-1", entry.ExecutionID)

	// The claimed crawler is excluded until its entry reaches a terminal state.
	_, err = q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.NoError(t, err)
	_, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueueRejectsDuplicateJobID(t *testing.T) {
	t.Parallel()

	q, execs, _ := newTestQueue(Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	_, err = q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{JobID: "job-1"})
	require.ErrorContains(t, err, "already exists")
	require.True(t, crawljob.IsKind(err, crawljob.KindQueue))
	// The first entry is untouched and no second execution was opened.
	entry, ok := q.Entry("job-1")
	require.True(t, ok)
	require.Equal(t, "exec-1", entry.ExecutionID)
	require.Equal(t, 1, execs.created)
}

func TestDelayedEntryNotReadyUntilDue(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	_, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRetryBackoffDoubles(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(Config{MaxAttempts: 3, BaseDelay: 5 * time.Second})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.NoError(t, err)

	sinkErr := crawljob.Errorf(crawljob.KindSinkWrite, "sheet unavailable")

	// First failure: 5s backoff.
	_, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.ReportOutcome(ctx, id, false, sinkErr))

	entry, found := q.Entry(id)
	require.True(t, found)
	require.Equal(t, crawljob.EntryStateDelayed, entry.State)
	require.Equal(t, 1, entry.AttemptCount)
	require.Equal(t, clock.Now().Add(5*time.Second), entry.NextAttemptAt)

	// Second failure: 10s backoff.
	clock.Advance(6 * time.Second)
	_, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.ReportOutcome(ctx, id, false, sinkErr))

	entry, _ = q.Entry(id)
	require.Equal(t, 2, entry.AttemptCount)
	require.Equal(t, clock.Now().Add(10*time.Second), entry.NextAttemptAt)

	// Third failure exhausts the attempt cap.
	clock.Advance(11 * time.Second)
	_, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.ReportOutcome(ctx, id, false, sinkErr))

	entry, _ = q.Entry(id)
	require.Equal(t, crawljob.EntryStateFailed, entry.State)
	require.Equal(t, 3, entry.AttemptCount)
	require.LessOrEqual(t, entry.AttemptCount, entry.MaxAttempts)

	// No further attempts.
	clock.Advance(time.Hour)
	_, ok, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfigurationErrorsAreTerminal(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{MaxAttempts: 3})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.NoError(t, err)

	_, _, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ReportOutcome(ctx, id, false, crawljob.Errorf(crawljob.KindConfiguration, "no adapter")))

	entry, _ := q.Entry(id)
	require.Equal(t, crawljob.EntryStateFailed, entry.State)
}

func TestRegisterRecurringReplacesAtomically(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{})
	ctx := context.Background()

	require.NoError(t, q.RegisterRecurring(ctx, "crawler-1", payloadFor("crawler-1"), "0 7 * * *", "Asia/Tokyo"))
	require.NoError(t, q.RegisterRecurring(ctx, "crawler-1", payloadFor("crawler-1"), "30 * * * *", "Asia/Tokyo"))

	expr, ok := q.TriggerExpr("crawler-1")
	require.True(t, ok)
	require.Equal(t, "30 * * * *", expr)
}

func TestFireDueMaterializesAndAdvances(t *testing.T) {
	t.Parallel()

	q, execs, clock := newTestQueue(Config{})
	ctx := context.Background()

	require.NoError(t, q.RegisterRecurring(ctx, "crawler-1", payloadFor("crawler-1"), "0 7 * * *", "UTC"))

	// Not yet due.
	require.NoError(t, q.FireDue(ctx))
	require.Equal(t, 0, execs.created)

	clock.Advance(2 * time.Hour) // past 07:00 UTC
	require.NoError(t, q.FireDue(ctx))
	require.Equal(t, 1, execs.created)

	// Firing again without time passing is a no-op.
	require.NoError(t, q.FireDue(ctx))
	require.Equal(t, 1, execs.created)

	entry, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC).Unix(), entry.Payload.ScheduledAt.Unix())
}

func TestDeregisterCancelsPendingRetries(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(Config{MaxAttempts: 3, BaseDelay: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, q.RegisterRecurring(ctx, "crawler-1", payloadFor("crawler-1"), "0 * * * *", "UTC"))
	id, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.NoError(t, err)

	_, _, err = q.DequeueReady(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ReportOutcome(ctx, id, false, errors.New("boom")))

	// Mid-backoff deactivation removes the pending retry and the trigger.
	require.NoError(t, q.DeregisterRecurring(ctx, "crawler-1"))
	require.False(t, q.HasTrigger("crawler-1"))

	clock.Advance(time.Hour)
	_, ok, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountsByState(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payloadFor("crawler-2"), crawljob.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, crawljob.QueueCounts{Waiting: 1, Delayed: 1}, counts)
}

func TestEnqueuePropagatesExecutionFailure(t *testing.T) {
	t.Parallel()

	q, execs, _ := newTestQueue(Config{})
	execs.err = errors.New("store unreachable")

	_, err := q.Enqueue(context.Background(), payloadFor("crawler-1"), crawljob.EnqueueOptions{})
	require.Error(t, err)
	require.True(t, crawljob.IsKind(err, crawljob.KindQueue))
}
