// Package execution owns the execution audit records and their state machine.
// Every status mutation goes through the Tracker; other components read
// history through it but never write records directly.
package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// Tracker applies the PENDING -> RUNNING -> COMPLETED|FAILED state machine to
// a backing store. One record tracks a whole attempt-series: a non-final
// failed attempt moves the record back to PENDING with retryCount advanced,
// and terminal states are never exited.
type Tracker struct {
	store  crawljob.ExecutionStore
	ids    crawljob.IDGenerator
	clock  crawljob.Clock
	logger *zap.Logger
}

// New constructs a Tracker.
func New(store crawljob.ExecutionStore, ids crawljob.IDGenerator, clock crawljob.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, ids: ids, clock: clock, logger: logger}
}

// CreatePending opens a new PENDING record for a scheduled firing.
func (t *Tracker) CreatePending(ctx context.Context, crawlerID string, scheduledAt time.Time) (string, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	ex := crawljob.Execution{
		ID:          id,
		CrawlerID:   crawlerID,
		Status:      crawljob.ExecutionPending,
		ScheduledAt: scheduledAt,
	}
	if err := t.store.Create(ctx, ex); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	t.logger.Debug("execution created",
		zap.String("execution_id", id),
		zap.String("crawler_id", crawlerID),
	)
	return id, nil
}

// Start marks a claimed execution RUNNING. StartedAt is set on the first
// attempt only, so retries keep the original start of the series.
func (t *Tracker) Start(ctx context.Context, id string) error {
	return t.transition(ctx, id, crawljob.ExecutionRunning, func(ex *crawljob.Execution) {
		if ex.StartedAt == nil {
			now := t.clock.Now()
			ex.StartedAt = &now
		}
	})
}

// Complete finalizes a successful attempt.
func (t *Tracker) Complete(ctx context.Context, id string, meta crawljob.ExecutionMetadata) error {
	return t.transition(ctx, id, crawljob.ExecutionCompleted, func(ex *crawljob.Execution) {
		now := t.clock.Now()
		ex.CompletedAt = &now
		ex.ErrorMessage = ""
		ex.Metadata = meta
	})
}

// AwaitRetry records a failed attempt that will be retried: the record moves
// back to PENDING with retryCount advanced and the last error retained.
func (t *Tracker) AwaitRetry(ctx context.Context, id, errMsg string) error {
	return t.transition(ctx, id, crawljob.ExecutionPending, func(ex *crawljob.Execution) {
		ex.RetryCount++
		ex.ErrorMessage = errMsg
	})
}

// Fail finalizes the series after its last attempt failed. The last error
// message is retained verbatim for operator diagnosis.
func (t *Tracker) Fail(ctx context.Context, id, errMsg string) error {
	return t.transition(ctx, id, crawljob.ExecutionFailed, func(ex *crawljob.Execution) {
		now := t.clock.Now()
		ex.CompletedAt = &now
		ex.ErrorMessage = errMsg
	})
}

// Get returns one execution record.
func (t *Tracker) Get(ctx context.Context, id string) (crawljob.Execution, error) {
	return t.store.Get(ctx, id)
}

// History pages through a crawler's execution records, newest first.
func (t *Tracker) History(ctx context.Context, crawlerID string, limit, offset int) ([]crawljob.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.store.ListByCrawler(ctx, crawlerID, limit, offset)
}

// Recent returns the newest execution records across all crawlers.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]crawljob.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.store.ListRecent(ctx, limit)
}

func (t *Tracker) transition(
	ctx context.Context,
	id string,
	to crawljob.ExecutionStatus,
	mutate func(*crawljob.Execution),
) error {
	ex, err := t.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", id, err)
	}
	if !validTransition(ex.Status, to) {
		return fmt.Errorf("invalid execution transition %s -> %s for %s", ex.Status, to, id)
	}
	ex.Status = to
	mutate(&ex)
	if err := t.store.Update(ctx, ex); err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	t.logger.Debug("execution transition",
		zap.String("execution_id", id),
		zap.String("status", string(to)),
		zap.Int("retry_count", ex.RetryCount),
	)
	return nil
}

func validTransition(from, to crawljob.ExecutionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case crawljob.ExecutionPending:
		return to == crawljob.ExecutionRunning
	case crawljob.ExecutionRunning:
		return to == crawljob.ExecutionCompleted ||
			to == crawljob.ExecutionFailed ||
			to == crawljob.ExecutionPending
	default:
		return false
	}
}
