// Package memory provides an in-memory job queue implementing the full
// durable-queue contract, for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/schedule"
)

// Config tunes retry behavior.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type trigger struct {
	key        string
	payload    crawljob.JobPayload
	expr       string
	timezone   string
	nextFireAt time.Time
}

// Queue keeps entries and recurring triggers in memory.
type Queue struct {
	mu         sync.Mutex
	entries    map[string]*crawljob.QueueEntry
	triggers   map[string]*trigger
	executions crawljob.ExecutionCreator
	ids        crawljob.IDGenerator
	clock      crawljob.Clock
	cfg        Config
}

// NewQueue constructs a Queue.
func NewQueue(executions crawljob.ExecutionCreator, ids crawljob.IDGenerator, clock crawljob.Clock, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	return &Queue{
		entries:    make(map[string]*crawljob.QueueEntry),
		triggers:   make(map[string]*trigger),
		executions: executions,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
	}
}

// Enqueue materializes a one-shot entry.
func (q *Queue) Enqueue(ctx context.Context, payload crawljob.JobPayload, opts crawljob.EnqueueOptions) (string, error) {
	now := q.clock.Now()
	if payload.ScheduledAt.IsZero() {
		payload.ScheduledAt = now
	}

	if opts.JobID != "" {
		q.mu.Lock()
		_, taken := q.entries[opts.JobID]
		q.mu.Unlock()
		if taken {
			return "", crawljob.Errorf(crawljob.KindQueue, "entry %s already exists", opts.JobID)
		}
	}

	execID, err := q.executions.CreatePending(ctx, payload.CrawlerID, payload.ScheduledAt)
	if err != nil {
		return "", crawljob.WrapError(crawljob.KindQueue, err)
	}

	id := opts.JobID
	if id == "" {
		id, err = q.ids.NewID()
		if err != nil {
			return "", crawljob.WrapError(crawljob.KindQueue, err)
		}
	}

	state := crawljob.EntryStateWaiting
	if opts.Delay > 0 {
		state = crawljob.EntryStateDelayed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, taken := q.entries[id]; taken {
		// Lost a race with a concurrent enqueue using the same forced ID.
		return "", crawljob.Errorf(crawljob.KindQueue, "entry %s already exists", id)
	}
	q.entries[id] = &crawljob.QueueEntry{
		ID:            id,
		ExecutionID:   execID,
		Payload:       payload,
		State:         state,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: now.Add(opts.Delay),
	}
	return id, nil
}

// RegisterRecurring installs or atomically replaces the trigger for key.
func (q *Queue) RegisterRecurring(_ context.Context, key string, payload crawljob.JobPayload, cronExpr, timezone string) error {
	next, err := schedule.NextFromExpr(cronExpr, timezone, q.clock.Now())
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.triggers[key] = &trigger{
		key:        key,
		payload:    payload,
		expr:       cronExpr,
		timezone:   timezone,
		nextFireAt: next,
	}
	return nil
}

// DeregisterRecurring removes the trigger and cancels pending entries for the
// key. Absent keys are a no-op.
func (q *Queue) DeregisterRecurring(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.triggers, key)
	for id, entry := range q.entries {
		if entry.Payload.CrawlerID != key {
			continue
		}
		if entry.State == crawljob.EntryStateWaiting || entry.State == crawljob.EntryStateDelayed {
			delete(q.entries, id)
		}
	}
	return nil
}

// FireDue materializes an entry for every trigger whose fire time has passed
// and advances it to its next fire instant.
func (q *Queue) FireDue(ctx context.Context) error {
	now := q.clock.Now()

	q.mu.Lock()
	var due []*trigger
	for _, tr := range q.triggers {
		if !tr.nextFireAt.After(now) {
			due = append(due, tr)
		}
	}
	q.mu.Unlock()

	for _, tr := range due {
		payload := tr.payload
		payload.ScheduledAt = tr.nextFireAt
		if _, err := q.Enqueue(ctx, payload, crawljob.EnqueueOptions{}); err != nil {
			return err
		}
		next, err := schedule.NextFromExpr(tr.expr, tr.timezone, now)
		if err != nil {
			return err
		}
		q.mu.Lock()
		tr.nextFireAt = next
		q.mu.Unlock()
	}
	return nil
}

// DequeueReady claims the oldest ready entry whose crawler has no active
// entry. Returns false when nothing is ready.
func (q *Queue) DequeueReady(_ context.Context) (crawljob.QueueEntry, bool, error) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	active := make(map[string]bool)
	for _, entry := range q.entries {
		if entry.State == crawljob.EntryStateActive {
			active[entry.Payload.CrawlerID] = true
		}
	}

	var ready []*crawljob.QueueEntry
	for _, entry := range q.entries {
		if entry.State != crawljob.EntryStateWaiting && entry.State != crawljob.EntryStateDelayed {
			continue
		}
		if entry.NextAttemptAt.After(now) || active[entry.Payload.CrawlerID] {
			continue
		}
		ready = append(ready, entry)
	}
	if len(ready) == 0 {
		return crawljob.QueueEntry{}, false, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})

	claimed := ready[0]
	claimed.State = crawljob.EntryStateActive
	return *claimed, true, nil
}

// ReportOutcome applies the retry policy to a finished attempt.
func (q *Queue) ReportOutcome(_ context.Context, entryID string, success bool, attemptErr error) error {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[entryID]
	if !ok {
		return crawljob.Errorf(crawljob.KindQueue, "entry %s not found", entryID)
	}
	if entry.State != crawljob.EntryStateActive {
		return crawljob.Errorf(crawljob.KindQueue, "entry %s is %s, not active", entryID, entry.State)
	}

	if success {
		entry.State = crawljob.EntryStateCompleted
		entry.LastError = ""
		return nil
	}

	if attemptErr != nil {
		entry.LastError = attemptErr.Error()
	}
	backoff := q.cfg.BaseDelay * (1 << entry.AttemptCount)
	entry.AttemptCount++
	if entry.AttemptCount >= entry.MaxAttempts || !crawljob.Retryable(attemptErr) {
		entry.State = crawljob.EntryStateFailed
		return nil
	}
	entry.State = crawljob.EntryStateDelayed
	entry.NextAttemptAt = now.Add(backoff)
	return nil
}

// Counts summarizes entries by state.
func (q *Queue) Counts(_ context.Context) (crawljob.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c crawljob.QueueCounts
	for _, entry := range q.entries {
		switch entry.State {
		case crawljob.EntryStateWaiting:
			c.Waiting++
		case crawljob.EntryStateDelayed:
			c.Delayed++
		case crawljob.EntryStateActive:
			c.Active++
		case crawljob.EntryStateCompleted:
			c.Completed++
		case crawljob.EntryStateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Entry returns a snapshot of one entry, for inspection in tests.
func (q *Queue) Entry(id string) (crawljob.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return crawljob.QueueEntry{}, false
	}
	return *entry, true
}

// HasTrigger reports whether a recurring trigger is registered for key.
func (q *Queue) HasTrigger(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.triggers[key]
	return ok
}

// TriggerExpr returns the registered cron expression for key.
func (q *Queue) TriggerExpr(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tr, ok := q.triggers[key]
	if !ok {
		return "", false
	}
	return tr.expr, true
}
