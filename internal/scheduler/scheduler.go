// Package scheduler translates crawler configurations into recurring queue
// triggers. It owns no state of its own: the configuration store is the source
// of truth and the queue holds the triggers, so every operation re-reads the
// config and re-derives the trigger from it.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/schedule"
)

// Scheduler manages recurring trigger registration for crawlers.
type Scheduler struct {
	queue   crawljob.Queue
	configs crawljob.ConfigStore
	clock   crawljob.Clock
	logger  *zap.Logger
}

// New wires a Scheduler. All dependencies are required except logger, which
// falls back to a no-op logger.
func New(queue crawljob.Queue, configs crawljob.ConfigStore, clock crawljob.Clock, logger *zap.Logger) (*Scheduler, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
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
	return &Scheduler{queue: queue, configs: configs, clock: clock, logger: logger}, nil
}

// Activate registers the recurring trigger for a crawler from its current
// configuration. Registering an already-registered crawler replaces its
// trigger in place, so repeated activation is harmless. Invalid schedules
// surface as configuration errors here, before anything reaches the queue.
func (s *Scheduler) Activate(ctx context.Context, crawlerID string) error {
	cfg, err := s.configs.GetCrawler(ctx, crawlerID)
	if err != nil {
		return fmt.Errorf("load crawler %s: %w", crawlerID, err)
	}
	if cfg.Status != crawljob.CrawlerActive {
		return crawljob.Errorf(crawljob.KindConfiguration, "crawler %s is %s, not ACTIVE", crawlerID, cfg.Status)
	}

	spec, err := schedule.FromConfig(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("crawler %s: %w", crawlerID, err)
	}

	payload := s.snapshot(cfg, false)
	if err := s.queue.RegisterRecurring(ctx, cfg.ID, payload, spec.Expr(), spec.Timezone); err != nil {
		return fmt.Errorf("register trigger for %s: %w", crawlerID, err)
	}
	s.logger.Info("crawler activated",
		zap.String("crawler_id", cfg.ID),
		zap.String("cron", spec.Expr()),
		zap.String("timezone", spec.Timezone))
	return nil
}

// Deactivate removes the crawler's trigger and any pending retry entries.
// Deactivating a crawler with no trigger is a no-op.
func (s *Scheduler) Deactivate(ctx context.Context, crawlerID string) error {
	if err := s.queue.DeregisterRecurring(ctx, crawlerID); err != nil {
		return fmt.Errorf("deregister trigger for %s: %w", crawlerID, err)
	}
	s.logger.Info("crawler deactivated", zap.String("crawler_id", crawlerID))
	return nil
}

// Reschedule re-derives the trigger from the crawler's current configuration.
// Registration is an atomic replace, so the old trigger is never observable
// alongside the new one.
func (s *Scheduler) Reschedule(ctx context.Context, crawlerID string) error {
	return s.Activate(ctx, crawlerID)
}

// SyncAll registers triggers for every ACTIVE crawler. Per-crawler failures
// are logged and skipped so one bad configuration cannot block startup. The
// returned count is the number of crawlers successfully registered.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	crawlers, err := s.configs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active crawlers: %w", err)
	}

	registered := 0
	for _, cfg := range crawlers {
		if err := s.Activate(ctx, cfg.ID); err != nil {
			s.logger.Warn("skipping crawler during schedule sync",
				zap.String("crawler_id", cfg.ID), zap.Error(err))
			continue
		}
		registered++
	}
	s.logger.Info("schedule sync finished",
		zap.Int("registered", registered), zap.Int("total", len(crawlers)))
	return registered, nil
}

// TestRun enqueues an immediate one-shot test job for the crawler and returns
// the queue entry ID. Test jobs run through the normal pipeline but are marked
// so adapters can serve demo data.
func (s *Scheduler) TestRun(ctx context.Context, crawlerID string) (string, error) {
	cfg, err := s.configs.GetCrawler(ctx, crawlerID)
	if err != nil {
		return "", fmt.Errorf("load crawler %s: %w", crawlerID, err)
	}

	payload := s.snapshot(cfg, true)
	entryID, err := s.queue.Enqueue(ctx, payload, crawljob.EnqueueOptions{})
	if err != nil {
		return "", fmt.Errorf("enqueue test run for %s: %w", crawlerID, err)
	}
	s.logger.Info("test run enqueued",
		zap.String("crawler_id", crawlerID), zap.String("entry_id", entryID))
	return entryID, nil
}

// snapshot copies the crawler configuration into an immutable job payload.
// Later config edits never affect entries already in the queue.
func (s *Scheduler) snapshot(cfg crawljob.CrawlerConfig, isTest bool) crawljob.JobPayload {
	accounts := make([]string, len(cfg.AccountIDs))
	copy(accounts, cfg.AccountIDs)
	return crawljob.JobPayload{
		CrawlerID:   cfg.ID,
		UserID:      cfg.UserID,
		Platform:    cfg.Platform,
		AccountIDs:  accounts,
		Report:      cfg.Report,
		Destination: cfg.Destination,
		IsTest:      isTest,
		ScheduledAt: s.clock.Now(),
	}
}
