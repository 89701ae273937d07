// Package postgres provides the Postgres-backed durable job queue. Entries
// and recurring triggers live in two tables; claiming uses SKIP LOCKED so
// multiple workers (or processes) can poll the same queue safely.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/schedule"
)

// Pool is the subset of pgxpool.Pool the queue needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 5 * time.Second

	defaultCompletedKeep = 100
	defaultCompletedAge  = 24 * time.Hour
	defaultFailedKeep    = 500
	defaultFailedAge     = 7 * 24 * time.Hour

	defaultVisibilityTimeout = 15 * time.Minute
)

// Config tunes the retry policy and retention windows.
type Config struct {
	// MaxAttempts caps delivery attempts per entry. Defaults to 3.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff. Defaults to 5s.
	BaseDelay time.Duration
	// CompletedKeepCount and CompletedKeepAge bound retained completed entries.
	CompletedKeepCount int
	CompletedKeepAge   time.Duration
	// FailedKeepCount and FailedKeepAge bound retained failed entries.
	FailedKeepCount int
	FailedKeepAge   time.Duration
	// VisibilityTimeout is how long an entry may sit active before it is
	// presumed orphaned by a dead worker and handed back to the queue. Must
	// exceed the worker's attempt timeout. Defaults to 15m.
	VisibilityTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.CompletedKeepCount <= 0 {
		c.CompletedKeepCount = defaultCompletedKeep
	}
	if c.CompletedKeepAge <= 0 {
		c.CompletedKeepAge = defaultCompletedAge
	}
	if c.FailedKeepCount <= 0 {
		c.FailedKeepCount = defaultFailedKeep
	}
	if c.FailedKeepAge <= 0 {
		c.FailedKeepAge = defaultFailedAge
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
}

// Queue is the Postgres implementation of the job queue.
type Queue struct {
	pool       Pool
	executions crawljob.ExecutionCreator
	ids        crawljob.IDGenerator
	clock      crawljob.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewQueue constructs a queue over a connection pool. The pool is shared with
// the other Postgres stores; the queue does not close it.
func NewQueue(pool Pool, executions crawljob.ExecutionCreator, ids crawljob.IDGenerator, clock crawljob.Clock, cfg Config, logger *zap.Logger) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if executions == nil {
		return nil, fmt.Errorf("execution creator is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Queue{
		pool:       pool,
		executions: executions,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Expected schema:
//
// CREATE TABLE queue_entries (
//
//	id TEXT PRIMARY KEY,
//	crawler_id TEXT NOT NULL,
//	execution_id TEXT NOT NULL,
//	payload JSONB NOT NULL,
//	state TEXT NOT NULL,
//	attempt_count INT NOT NULL DEFAULT 0,
//	max_attempts INT NOT NULL,
//	next_attempt_at TIMESTAMPTZ NOT NULL,
//	last_error TEXT NOT NULL DEFAULT '',
//	created_at TIMESTAMPTZ NOT NULL,
//	updated_at TIMESTAMPTZ NOT NULL
//
// );
// CREATE INDEX queue_entries_ready ON queue_entries (next_attempt_at) WHERE state IN ('waiting', 'delayed');
//
// CREATE TABLE recurring_triggers (
//
//	key TEXT PRIMARY KEY,
//	payload JSONB NOT NULL,
//	cron_expr TEXT NOT NULL,
//	timezone TEXT NOT NULL,
//	next_fire_at TIMESTAMPTZ NOT NULL,
//	updated_at TIMESTAMPTZ NOT NULL
//
// );
const insertEntrySQL = `
INSERT INTO queue_entries
    (id, crawler_id, execution_id, payload, state, attempt_count, max_attempts, next_attempt_at, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7, '', $8, $8)`

// Enqueue opens a PENDING execution record, then materializes the entry. The
// entry starts waiting, or delayed when opts.Delay is set.
func (q *Queue) Enqueue(ctx context.Context, payload crawljob.JobPayload, opts crawljob.EnqueueOptions) (string, error) {
	now := q.clock.Now()
	if payload.ScheduledAt.IsZero() {
		payload.ScheduledAt = now
	}

	// Checked before the execution record is opened so a rejected duplicate
	// leaves no orphaned PENDING execution behind.
	if opts.JobID != "" {
		var exists bool
		if err := q.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM queue_entries WHERE id = $1)`, opts.JobID).Scan(&exists); err != nil {
			return "", crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("check entry id: %w", err))
		}
		if exists {
			return "", crawljob.Errorf(crawljob.KindQueue, "entry %s already exists", opts.JobID)
		}
	}

	execID, err := q.executions.CreatePending(ctx, payload.CrawlerID, payload.ScheduledAt)
	if err != nil {
		return "", crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("create execution: %w", err))
	}

	entryID := opts.JobID
	if entryID == "" {
		entryID, err = q.ids.NewID()
		if err != nil {
			return "", crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("generate entry id: %w", err))
		}
	}

	state := crawljob.EntryStateWaiting
	nextAt := now
	if opts.Delay > 0 {
		state = crawljob.EntryStateDelayed
		nextAt = now.Add(opts.Delay)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("encode payload: %w", err))
	}

	_, err = q.pool.Exec(ctx, insertEntrySQL,
		entryID, payload.CrawlerID, execID, body, string(state), q.cfg.MaxAttempts, nextAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return "", crawljob.Errorf(crawljob.KindQueue, "entry %s already exists", entryID)
		}
		return "", crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("insert entry: %w", err))
	}
	return entryID, nil
}

const upsertTriggerSQL = `
INSERT INTO recurring_triggers (key, payload, cron_expr, timezone, next_fire_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET payload = EXCLUDED.payload,
    cron_expr = EXCLUDED.cron_expr,
    timezone = EXCLUDED.timezone,
    next_fire_at = EXCLUDED.next_fire_at,
    updated_at = EXCLUDED.updated_at`

// RegisterRecurring installs or replaces the trigger for key in one upsert.
func (q *Queue) RegisterRecurring(ctx context.Context, key string, payload crawljob.JobPayload, cronExpr, timezone string) error {
	now := q.clock.Now()
	next, err := schedule.NextFromExpr(cronExpr, timezone, now)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("encode payload: %w", err))
	}
	_, err = q.pool.Exec(ctx, upsertTriggerSQL, key, body, cronExpr, timezone, next, now)
	if err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("upsert trigger: %w", err))
	}
	return nil
}

// DeregisterRecurring removes the trigger for key and clears any entries still
// waiting or delayed for that crawler, cancelling in-flight retries.
func (q *Queue) DeregisterRecurring(ctx context.Context, key string) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM recurring_triggers WHERE key = $1`, key); err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("delete trigger: %w", err))
	}
	_, err := q.pool.Exec(ctx,
		`DELETE FROM queue_entries WHERE crawler_id = $1 AND state IN ('waiting', 'delayed')`, key)
	if err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("delete pending entries: %w", err))
	}
	return nil
}

// Only the head of each crawler's ready set is claimable. Concurrent
// claimers therefore always target the same row per crawler: the loser of
// the row lock skips it and finds no second claimable entry for that
// crawler, so two workers can never hold entries of one crawler at once.
const claimEntrySQL = `
WITH ready AS (
    SELECT e.id
    FROM queue_entries e
    WHERE e.state IN ('waiting', 'delayed')
      AND e.next_attempt_at <= $1
      AND NOT EXISTS (
          SELECT 1 FROM queue_entries a
          WHERE a.crawler_id = e.crawler_id AND a.state = 'active'
      )
      AND NOT EXISTS (
          SELECT 1 FROM queue_entries h
          WHERE h.crawler_id = e.crawler_id
            AND h.state IN ('waiting', 'delayed')
            AND h.next_attempt_at <= $1
            AND (h.next_attempt_at, h.id) < (e.next_attempt_at, e.id)
      )
    ORDER BY e.next_attempt_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE queue_entries q
SET state = 'active', updated_at = $1
FROM ready
WHERE q.id = ready.id
RETURNING q.id, q.crawler_id, q.execution_id, q.payload, q.attempt_count, q.max_attempts, q.next_attempt_at, q.last_error`

// DequeueReady claims the oldest ready entry. Crawlers that already have an
// active entry are skipped so a crawler never runs concurrently with itself.
func (q *Queue) DequeueReady(ctx context.Context) (crawljob.QueueEntry, bool, error) {
	row := q.pool.QueryRow(ctx, claimEntrySQL, q.clock.Now())

	var (
		entry     crawljob.QueueEntry
		crawlerID string
		body      []byte
	)
	err := row.Scan(&entry.ID, &crawlerID, &entry.ExecutionID, &body,
		&entry.AttemptCount, &entry.MaxAttempts, &entry.NextAttemptAt, &entry.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawljob.QueueEntry{}, false, nil
	}
	if err != nil {
		return crawljob.QueueEntry{}, false, crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("claim entry: %w", err))
	}
	if err := json.Unmarshal(body, &entry.Payload); err != nil {
		return crawljob.QueueEntry{}, false, crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("decode payload for %s: %w", entry.ID, err))
	}
	entry.State = crawljob.EntryStateActive
	return entry, true, nil
}

// ReportOutcome records the result of an attempt on an active entry. Failures
// back off exponentially (base << attempts) until the attempt cap is reached
// or the error is not retryable, at which point the entry is failed.
func (q *Queue) ReportOutcome(ctx context.Context, entryID string, success bool, attemptErr error) error {
	now := q.clock.Now()

	if success {
		tag, err := q.pool.Exec(ctx,
			`UPDATE queue_entries SET state = 'completed', updated_at = $2 WHERE id = $1 AND state = 'active'`,
			entryID, now)
		if err != nil {
			return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("complete entry: %w", err))
		}
		if tag.RowsAffected() == 0 {
			return crawljob.Errorf(crawljob.KindQueue, "entry %s is not active", entryID)
		}
		return nil
	}

	var attempts, maxAttempts int
	err := q.pool.QueryRow(ctx,
		`SELECT attempt_count, max_attempts FROM queue_entries WHERE id = $1 AND state = 'active'`,
		entryID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawljob.Errorf(crawljob.KindQueue, "entry %s is not active", entryID)
	}
	if err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("load entry %s: %w", entryID, err))
	}

	lastError := ""
	if attemptErr != nil {
		lastError = attemptErr.Error()
	}

	backoff := q.cfg.BaseDelay << attempts
	attempts++

	state := crawljob.EntryStateDelayed
	nextAt := now.Add(backoff)
	if attempts >= maxAttempts || !crawljob.Retryable(attemptErr) {
		state = crawljob.EntryStateFailed
		nextAt = now
	}

	_, err = q.pool.Exec(ctx,
		`UPDATE queue_entries SET state = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, updated_at = $6 WHERE id = $1`,
		entryID, string(state), attempts, nextAt, lastError, now)
	if err != nil {
		return crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("record failure: %w", err))
	}
	return nil
}

// Counts summarizes entries by state.
func (q *Queue) Counts(ctx context.Context) (crawljob.QueueCounts, error) {
	rows, err := q.pool.Query(ctx, `SELECT state, COUNT(*) FROM queue_entries GROUP BY state`)
	if err != nil {
		return crawljob.QueueCounts{}, crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("count entries: %w", err))
	}
	defer rows.Close()

	var counts crawljob.QueueCounts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return crawljob.QueueCounts{}, crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("scan count: %w", err))
		}
		switch crawljob.EntryState(state) {
		case crawljob.EntryStateWaiting:
			counts.Waiting = n
		case crawljob.EntryStateDelayed:
			counts.Delayed = n
		case crawljob.EntryStateActive:
			counts.Active = n
		case crawljob.EntryStateCompleted:
			counts.Completed = n
		case crawljob.EntryStateFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return crawljob.QueueCounts{}, crawljob.WrapError(crawljob.KindQueue, fmt.Errorf("count entries: %w", err))
	}
	return counts, nil
}
