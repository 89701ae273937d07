package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/schedule"
)

// RunTriggerLoop polls for due recurring triggers until ctx is cancelled.
func (q *Queue) RunTriggerLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("trigger loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("trigger loop stopped")
			return
		case <-ticker.C:
			if err := q.FireDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("fire due triggers", zap.Error(err))
			}
		}
	}
}

type dueTrigger struct {
	key        string
	payload    []byte
	cronExpr   string
	timezone   string
	nextFireAt time.Time
}

const selectDueSQL = `
SELECT key, payload, cron_expr, timezone, next_fire_at
FROM recurring_triggers
WHERE next_fire_at <= $1
ORDER BY next_fire_at`

const advanceTriggerSQL = `
UPDATE recurring_triggers
SET next_fire_at = $2, updated_at = $3
WHERE key = $1 AND next_fire_at = $4`

// FireDue materializes an entry for every trigger whose fire time has passed
// and advances it to its next fire time. Advancing is a compare-and-set on the
// stored fire time, so concurrent pollers fire each trigger at most once.
func (q *Queue) FireDue(ctx context.Context) error {
	now := q.clock.Now()

	rows, err := q.pool.Query(ctx, selectDueSQL, now)
	if err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("select due triggers: %w", err))
	}
	var due []dueTrigger
	for rows.Next() {
		var t dueTrigger
		if err := rows.Scan(&t.key, &t.payload, &t.cronExpr, &t.timezone, &t.nextFireAt); err != nil {
			rows.Close()
			return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("scan trigger: %w", err))
		}
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("select due triggers: %w", err))
	}

	for _, t := range due {
		next, err := schedule.NextFromExpr(t.cronExpr, t.timezone, now)
		if err != nil {
			q.logger.Error("trigger has invalid schedule, skipping",
				zap.String("key", t.key), zap.String("expr", t.cronExpr), zap.Error(err))
			continue
		}

		tag, err := q.pool.Exec(ctx, advanceTriggerSQL, t.key, next, now, t.nextFireAt)
		if err != nil {
			return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("advance trigger %s: %w", t.key, err))
		}
		if tag.RowsAffected() == 0 {
			// Another poller claimed this firing.
			continue
		}

		var payload crawljob.JobPayload
		if err := json.Unmarshal(t.payload, &payload); err != nil {
			q.logger.Error("trigger payload is corrupt, skipping",
				zap.String("key", t.key), zap.Error(err))
			continue
		}
		payload.ScheduledAt = t.nextFireAt

		if _, err := q.Enqueue(ctx, payload, crawljob.EnqueueOptions{}); err != nil {
			q.logger.Error("enqueue fired trigger",
				zap.String("key", t.key), zap.Error(err))
			continue
		}
		q.logger.Info("recurring trigger fired",
			zap.String("key", t.key),
			zap.Time("fired_for", t.nextFireAt),
			zap.Time("next_fire_at", next))
	}
	return nil
}

const reclaimStaleSQL = `
UPDATE queue_entries
SET state = 'waiting', next_attempt_at = $1, updated_at = $1
WHERE state = 'active' AND updated_at < $2`

// ReclaimStale hands entries back to the queue when they have been active
// longer than the visibility timeout. That only happens when the claiming
// process died before reporting an outcome; without the reclaim the entry
// would block its crawler forever. The interrupted attempt does not count
// against the attempt cap.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	now := q.clock.Now()
	tag, err := q.pool.Exec(ctx, reclaimStaleSQL, now, now.Add(-q.cfg.VisibilityTimeout))
	if err != nil {
		return 0, crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("reclaim stale entries: %w", err))
	}
	return tag.RowsAffected(), nil
}

// RunReclaimLoop re-queues orphaned active entries on an interval until ctx
// is cancelled. The first pass runs immediately so entries stranded by a
// previous process are recovered at startup.
func (q *Queue) RunReclaimLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := q.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("reclaim stale entries", zap.Error(err))
		} else if n > 0 {
			q.logger.Warn("requeued orphaned active entries", zap.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunPruneLoop trims terminal entries on an interval until ctx is cancelled.
func (q *Queue) RunPruneLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Prune(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("prune queue entries", zap.Error(err))
			}
		}
	}
}

const pruneByAgeSQL = `
DELETE FROM queue_entries WHERE state = $1 AND updated_at < $2`

const pruneByCountSQL = `
DELETE FROM queue_entries
WHERE id IN (
    SELECT id FROM queue_entries
    WHERE state = $1
    ORDER BY updated_at DESC
    OFFSET $2
)`

// Prune deletes completed and failed entries past their retention windows,
// keeping at most the configured number of most recent entries per state.
func (q *Queue) Prune(ctx context.Context) error {
	now := q.clock.Now()

	policies := []struct {
		state crawljob.EntryState
		keep  int
		age   time.Duration
	}{
		{crawljob.EntryStateCompleted, q.cfg.CompletedKeepCount, q.cfg.CompletedKeepAge},
		{crawljob.EntryStateFailed, q.cfg.FailedKeepCount, q.cfg.FailedKeepAge},
	}
	for _, p := range policies {
		if _, err := q.pool.Exec(ctx, pruneByAgeSQL, string(p.state), now.Add(-p.age)); err != nil {
			return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("prune %s by age: %w", p.state, err))
		}
		if _, err := q.pool.Exec(ctx, pruneByCountSQL, string(p.state), p.keep); err != nil {
			return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("prune %s by count: %w", p.state, err))
		}
	}
	return nil
}
