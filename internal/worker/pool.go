// Package worker executes crawl jobs claimed from the queue. A Pool runs a
// fixed number of worker loops; all loops share one dequeue rate limiter, so
// slot count and dequeue throughput are tuned independently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/metrics"
	"github.com/adsheet/crawlerd/internal/ratelimit"
)

const (
	// DefaultConcurrency is the number of jobs processed in parallel.
	DefaultConcurrency = 5
	// DefaultDequeueRate caps queue claims per second across all slots.
	DefaultDequeueRate = rate.Limit(10)

	defaultPollInterval   = 500 * time.Millisecond
	defaultAttemptTimeout = 10 * time.Minute
)

// Config controls Pool behavior.
type Config struct {
	// Concurrency is the number of worker slots. Defaults to 5.
	Concurrency int
	// DequeueRate is the global claim rate limit. Defaults to 10/s.
	DequeueRate rate.Limit
	// PollInterval is how long an idle slot waits before polling again.
	PollInterval time.Duration
	// PlatformRPS caps adapter fetches per second per platform. Zero means
	// unlimited.
	PlatformRPS float64
	// AttemptTimeout bounds a single job attempt, including the outcome
	// bookkeeping. Defaults to 10m. A claimed job runs to completion even
	// during shutdown; this is the only thing that cancels it.
	AttemptTimeout time.Duration
	// EventTopic, when set, receives execution lifecycle events.
	EventTopic string
}

// Tracker is the execution state machine the pool reports into.
type Tracker interface {
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, meta crawljob.ExecutionMetadata) error
	AwaitRetry(ctx context.Context, id, errMsg string) error
	Fail(ctx context.Context, id, errMsg string) error
}

// CredentialResolver hands out access tokens ready for immediate use.
type CredentialResolver interface {
	AccessToken(ctx context.Context, userID string, platform crawljob.Platform) (string, error)
}

// AttemptResult is the typed outcome of one job attempt. Err is nil on
// success; the retry decision is derived from it, never from panics or
// sentinel strings.
type AttemptResult struct {
	Rows     int
	Duration time.Duration
	Err      error
}

// Pool consumes queue entries and runs the report pipeline for each.
type Pool struct {
	queue     crawljob.Queue
	tracker   Tracker
	creds     CredentialResolver
	adapters  crawljob.AdapterRegistry
	demo      crawljob.Adapter
	sink      crawljob.SinkWriter
	configs   crawljob.ConfigStore
	publisher crawljob.Publisher
	clock     crawljob.Clock
	limiter   *rate.Limiter
	platforms *ratelimit.Limiter
	cfg       Config
	logger    *zap.Logger
}

// NewPool constructs a Pool. The demo adapter serves test-run jobs and may be
// nil, in which case test runs go through the platform adapter like any other
// job. Publisher is optional.
func NewPool(
	queue crawljob.Queue,
	tracker Tracker,
	creds CredentialResolver,
	adapters crawljob.AdapterRegistry,
	demo crawljob.Adapter,
	sink crawljob.SinkWriter,
	configs crawljob.ConfigStore,
	publisher crawljob.Publisher,
	clock crawljob.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Pool, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential resolver is required")
	}
	if adapters == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if configs == nil {
		return nil, fmt.Errorf("config store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DequeueRate <= 0 {
		cfg.DequeueRate = DefaultDequeueRate
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	return &Pool{
		queue:     queue,
		tracker:   tracker,
		creds:     creds,
		adapters:  adapters,
		demo:      demo,
		sink:      sink,
		configs:   configs,
		publisher: publisher,
		clock:     clock,
		limiter:   rate.NewLimiter(cfg.DequeueRate, 1),
		platforms: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.PlatformRPS}),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run starts all worker slots and blocks until the context finishes and
// in-flight jobs have drained.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Float64("dequeue_rate", float64(p.cfg.DequeueRate)))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	logger := p.logger.With(zap.Int("slot", slot))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		entry, ok, err := p.queue.DequeueReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		// Once an entry is claimed it must reach a recorded outcome, so the
		// attempt runs detached from the shutdown signal. The queue would
		// otherwise hold the entry active forever. AttemptTimeout is the
		// backstop for hung adapters.
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AttemptTimeout)
		p.processEntry(jobCtx, entry, logger)
		cancel()
	}
}

func (p *Pool) processEntry(ctx context.Context, entry crawljob.QueueEntry, logger *zap.Logger) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger = logger.With(
		zap.String("entry_id", entry.ID),
		zap.String("execution_id", entry.ExecutionID),
		zap.String("crawler_id", entry.Payload.CrawlerID),
	)
	logger.Debug("entry claimed", zap.Int("attempt", entry.AttemptCount+1))

	if err := p.tracker.Start(ctx, entry.ExecutionID); err != nil {
		// The audit trail is best effort; the job still runs.
		logger.Warn("mark execution running failed", zap.Error(err))
	}

	res := p.attempt(ctx, entry.Payload)
	platform := string(entry.Payload.Platform)
	metrics.ObserveAttemptDuration(platform, res.Duration)

	if res.Err == nil {
		p.finishSuccess(ctx, entry, res, logger)
		return
	}

	// Final when the attempt cap is exhausted or the error cannot be retried.
	final := entry.AttemptCount+1 >= entry.MaxAttempts || !crawljob.Retryable(res.Err)

	if err := p.queue.ReportOutcome(ctx, entry.ID, false, res.Err); err != nil {
		logger.Error("report failure outcome", zap.Error(err))
	}

	if final {
		if err := p.tracker.Fail(ctx, entry.ExecutionID, res.Err.Error()); err != nil {
			logger.Error("mark execution failed", zap.Error(err))
		}
		metrics.ObserveExecution(platform, "failed")
		p.publishEvent(ctx, entry, "failed", res)
		logger.Error("job failed",
			zap.Int("attempts", entry.AttemptCount+1),
			zap.String("error_kind", string(crawljob.KindOf(res.Err))),
			zap.Error(res.Err))
		return
	}

	if err := p.tracker.AwaitRetry(ctx, entry.ExecutionID, res.Err.Error()); err != nil {
		logger.Error("mark execution awaiting retry", zap.Error(err))
	}
	metrics.ObserveRetry()
	logger.Warn("attempt failed, retry scheduled",
		zap.Int("attempt", entry.AttemptCount+1),
		zap.Error(res.Err))
}

func (p *Pool) finishSuccess(ctx context.Context, entry crawljob.QueueEntry, res AttemptResult, logger *zap.Logger) {
	if err := p.queue.ReportOutcome(ctx, entry.ID, true, nil); err != nil {
		logger.Error("report success outcome", zap.Error(err))
	}

	meta := crawljob.ExecutionMetadata{
		RowsProcessed: res.Rows,
		DurationMs:    res.Duration.Milliseconds(),
		IsTest:        entry.Payload.IsTest,
	}
	if err := p.tracker.Complete(ctx, entry.ExecutionID, meta); err != nil {
		logger.Error("mark execution completed", zap.Error(err))
	}

	if !entry.Payload.IsTest {
		if err := p.configs.TouchLastExecuted(ctx, entry.Payload.CrawlerID, p.clock.Now()); err != nil {
			logger.Warn("touch last executed failed", zap.Error(err))
		}
	}

	platform := string(entry.Payload.Platform)
	metrics.ObserveExecution(platform, "completed")
	metrics.ObserveRows(platform, res.Rows)
	p.publishEvent(ctx, entry, "completed", res)
	logger.Info("job completed",
		zap.Int("rows", res.Rows),
		zap.Duration("duration", res.Duration))
}

// attempt runs the report pipeline once: resolve credentials, fetch every
// account, filter, and overwrite the destination sheet.
func (p *Pool) attempt(ctx context.Context, payload crawljob.JobPayload) AttemptResult {
	started := p.clock.Now()
	result := func(rows int, err error) AttemptResult {
		return AttemptResult{Rows: rows, Duration: p.clock.Now().Sub(started), Err: err}
	}

	adapter, err := p.resolveAdapter(payload)
	if err != nil {
		return result(0, err)
	}

	token := ""
	if !payload.IsTest {
		token, err = p.creds.AccessToken(ctx, payload.UserID, payload.Platform)
		if err != nil {
			return result(0, err)
		}
	}

	var rows []crawljob.Row
	for _, accountID := range payload.AccountIDs {
		if err := p.platforms.Wait(ctx, string(payload.Platform)); err != nil {
			return result(0, crawljob.WrapError(crawljob.KindUpstream, err))
		}
		accountRows, err := adapter.Fetch(ctx, token, accountID, payload.Report)
		if err != nil {
			// One bad account never sinks the job; its data is just absent
			// from this run.
			p.logger.Warn("account fetch failed, continuing",
				zap.String("crawler_id", payload.CrawlerID),
				zap.String("account_id", accountID),
				zap.Error(err))
			continue
		}
		rows = append(rows, accountRows...)
	}

	rows = crawljob.FilterRows(payload.Report, rows)
	if payload.IsTest && len(rows) == 0 {
		// A test run only verifies access; with nothing fetched it leaves the
		// destination alone. Regular runs fall through to the overwrite so an
		// empty result clears stale rows from the previous run.
		return result(0, nil)
	}

	columns := crawljob.Columns(payload.Report)
	if err := p.sink.Write(ctx, payload.Destination, columns, rows); err != nil {
		var typed *crawljob.Error
		if !errors.As(err, &typed) {
			err = crawljob.WrapError(crawljob.KindSinkWrite, err)
		}
		return result(0, err)
	}
	return result(len(rows), nil)
}

func (p *Pool) resolveAdapter(payload crawljob.JobPayload) (crawljob.Adapter, error) {
	if payload.IsTest && p.demo != nil {
		return p.demo, nil
	}
	adapter, ok := p.adapters.Lookup(payload.Platform)
	if !ok {
		return nil, crawljob.Errorf(crawljob.KindConfiguration,
			"no adapter registered for platform %s", payload.Platform)
	}
	return adapter, nil
}

func (p *Pool) publishEvent(ctx context.Context, entry crawljob.QueueEntry, status string, res AttemptResult) {
	if p.publisher == nil || p.cfg.EventTopic == "" {
		return
	}
	event := map[string]any{
		"execution_id": entry.ExecutionID,
		"crawler_id":   entry.Payload.CrawlerID,
		"platform":     string(entry.Payload.Platform),
		"status":       status,
		"rows":         res.Rows,
		"duration_ms":  res.Duration.Milliseconds(),
		"is_test":      entry.Payload.IsTest,
		"timestamp":    p.clock.Now().Format(time.RFC3339),
	}
	if res.Err != nil {
		event["error"] = res.Err.Error()
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.EventTopic, event); err != nil {
		p.logger.Warn("publish execution event failed",
			zap.String("execution_id", entry.ExecutionID), zap.Error(err))
	}
}
