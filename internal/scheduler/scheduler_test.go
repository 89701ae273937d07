package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
	queuememory "github.com/adsheet/crawlerd/internal/queue/memory"
)

type fakeConfigs struct {
	mu       sync.Mutex
	crawlers map[string]crawljob.CrawlerConfig
	getErr   error
}

func (f *fakeConfigs) GetCrawler(_ context.Context, id string) (crawljob.CrawlerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return crawljob.CrawlerConfig{}, f.getErr
	}
	cfg, ok := f.crawlers[id]
	if !ok {
		return crawljob.CrawlerConfig{}, errors.New("crawler not found")
	}
	return cfg, nil
}

func (f *fakeConfigs) ListActive(_ context.Context) ([]crawljob.CrawlerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []crawljob.CrawlerConfig
	for _, cfg := range f.crawlers {
		if cfg.Status == crawljob.CrawlerActive {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeConfigs) TouchLastExecuted(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type fakeExecutions struct {
	mu sync.Mutex
	n  int
}

func (f *fakeExecutions) CreatePending(_ context.Context, _ string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("exec-%d", f.n), nil
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

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func activeCrawler(id string) crawljob.CrawlerConfig {
	return crawljob.CrawlerConfig{
		ID:         id,
		UserID:     "user-1",
		Name:       "Daily spend report",
		Platform:   crawljob.PlatformGoogleAds,
		Status:     crawljob.CrawlerActive,
		AccountIDs: []string{"acc-1", "acc-2"},
		Report: crawljob.ReportParameters{
			DateRangeType: "LAST_7_DAYS",
			Dimensions:    []string{"date", "campaign_name"},
			Metrics:       []string{"impressions", "clicks", "spend"},
		},
		Schedule: crawljob.ScheduleConfig{
			Frequency:     "daily",
			ExecutionTime: "07:00",
			Timezone:      "Asia/Tokyo",
		},
		Destination: crawljob.Destination{SpreadsheetID: "sheet-1", SheetName: "data"},
	}
}

func newTestScheduler(t *testing.T, configs *fakeConfigs) (*Scheduler, *queuememory.Queue) {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 8, 29, 6, 0, 0, 0, time.UTC)}
	q := queuememory.NewQueue(&fakeExecutions{}, &seqIDs{}, clock, queuememory.Config{})
	s, err := New(q, configs, clock, zap.NewNop())
	require.NoError(t, err)
	return s, q
}

func TestActivateRegistersTrigger(t *testing.T) {
	t.Parallel()

	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{
		"crawler-1": activeCrawler("crawler-1"),
	}}
	s, q := newTestScheduler(t, configs)

	require.NoError(t, s.Activate(context.Background(), "crawler-1"))

	expr, ok := q.TriggerExpr("crawler-1")
	require.True(t, ok)
	require.Equal(t, "0 7 * * *", expr)
}

func TestActivateIsIdempotent(t *testing.T) {
	t.Parallel()

	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{
		"crawler-1": activeCrawler("crawler-1"),
	}}
	s, q := newTestScheduler(t, configs)

	require.NoError(t, s.Activate(context.Background(), "crawler-1"))
	require.NoError(t, s.Activate(context.Background(), "crawler-1"))
	require.True(t, q.HasTrigger("crawler-1"))
}

func TestActivateRejectsInactiveCrawler(t *testing.T) {
	t.Parallel()

	inactive := activeCrawler("crawler-1")
	inactive.Status = crawljob.CrawlerInactive
	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{"crawler-1": inactive}}
	s, q := newTestScheduler(t, configs)

	err := s.Activate(context.Background(), "crawler-1")
	require.Error(t, err)
	require.True(t, crawljob.IsKind(err, crawljob.KindConfiguration))
	require.False(t, q.HasTrigger("crawler-1"))
}

func TestActivateSurfacesInvalidSchedule(t *testing.T) {
	t.Parallel()

	bad := activeCrawler("crawler-1")
	bad.Schedule.ExecutionTime = "25:99"
	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{"crawler-1": bad}}
	s, q := newTestScheduler(t, configs)

	err := s.Activate(context.Background(), "crawler-1")
	require.Error(t, err)
	require.True(t, crawljob.IsKind(err, crawljob.KindConfiguration))
	require.False(t, q.HasTrigger("crawler-1"))
}

func TestRescheduleReplacesTrigger(t *testing.T) {
	t.Parallel()

	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{
		"crawler-1": activeCrawler("crawler-1"),
	}}
	s, q := newTestScheduler(t, configs)

	require.NoError(t, s.Activate(context.Background(), "crawler-1"))

	edited := activeCrawler("crawler-1")
	edited.Schedule = crawljob.ScheduleConfig{Frequency: "hourly", Timezone: "UTC"}
	configs.mu.Lock()
	configs.crawlers["crawler-1"] = edited
	configs.mu.Unlock()

	require.NoError(t, s.Reschedule(context.Background(), "crawler-1"))

	expr, ok := q.TriggerExpr("crawler-1")
	require.True(t, ok)
	require.Equal(t, "0 * * * *", expr)
}

func TestDeactivateRemovesTriggerAndIsIdempotent(t *testing.T) {
	t.Parallel()

	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{
		"crawler-1": activeCrawler("crawler-1"),
	}}
	s, q := newTestScheduler(t, configs)

	require.NoError(t, s.Activate(context.Background(), "crawler-1"))
	require.NoError(t, s.Deactivate(context.Background(), "crawler-1"))
	require.False(t, q.HasTrigger("crawler-1"))

	// Deactivating again is a no-op.
	require.NoError(t, s.Deactivate(context.Background(), "crawler-1"))
}

func TestSyncAllSkipsBrokenConfigs(t *testing.T) {
	t.Parallel()

	bad := activeCrawler("crawler-bad")
	bad.Schedule.Frequency = "fortnightly"
	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{
		"crawler-1":   activeCrawler("crawler-1"),
		"crawler-2":   activeCrawler("crawler-2"),
		"crawler-bad": bad,
	}}
	s, q := newTestScheduler(t, configs)

	registered, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, registered)
	require.True(t, q.HasTrigger("crawler-1"))
	require.True(t, q.HasTrigger("crawler-2"))
	require.False(t, q.HasTrigger("crawler-bad"))
}

func TestTestRunEnqueuesImmediateTestJob(t *testing.T) {
	t.Parallel()

	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{
		"crawler-1": activeCrawler("crawler-1"),
	}}
	s, q := newTestScheduler(t, configs)

	entryID, err := s.TestRun(context.Background(), "crawler-1")
	require.NoError(t, err)

	entry, ok := q.Entry(entryID)
	require.True(t, ok)
	require.Equal(t, crawljob.EntryStateWaiting, entry.State)
	require.True(t, entry.Payload.IsTest)
	require.Equal(t, []string{"acc-1", "acc-2"}, entry.Payload.AccountIDs)
}

func TestTestRunUnknownCrawler(t *testing.T) {
	t.Parallel()

	configs := &fakeConfigs{crawlers: map[string]crawljob.CrawlerConfig{}}
	s, _ := newTestScheduler(t, configs)

	_, err := s.TestRun(context.Background(), "missing")
	require.Error(t, err)
}
