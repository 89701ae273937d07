package crawljob

import (
	"context"
	"time"
)

// EnqueueOptions tunes a one-shot enqueue.
type EnqueueOptions struct {
	// Delay defers the first attempt by the given duration.
	Delay time.Duration
	// JobID forces a specific entry ID instead of a generated one.
	JobID string
}

// Queue is the durable job queue contract. Re-registering a recurring key
// atomically replaces the prior trigger; it never duplicates and never errors.
type Queue interface {
	// Enqueue materializes a one-shot entry and returns its ID.
	Enqueue(ctx context.Context, payload JobPayload, opts EnqueueOptions) (string, error)
	// RegisterRecurring installs or replaces the recurring trigger for key.
	RegisterRecurring(ctx context.Context, key string, payload JobPayload, cronExpr, timezone string) error
	// DeregisterRecurring removes the trigger for key along with any pending
	// retry entries. Removing an absent key is a no-op.
	DeregisterRecurring(ctx context.Context, key string) error
	// DequeueReady claims the next ready entry, skipping crawlers that already
	// have an active entry. The second return is false when nothing is ready.
	DequeueReady(ctx context.Context) (QueueEntry, bool, error)
	// ReportOutcome records an attempt result and applies the retry policy.
	ReportOutcome(ctx context.Context, entryID string, success bool, attemptErr error) error
	// Counts summarizes entries by state.
	Counts(ctx context.Context) (QueueCounts, error)
}

// ExecutionCreator opens a PENDING execution record at enqueue time. It is the
// only execution mutation the queue performs; everything else goes through the
// tracker.
type ExecutionCreator interface {
	CreatePending(ctx context.Context, crawlerID string, scheduledAt time.Time) (string, error)
}

// ExecutionStore persists execution audit records.
type ExecutionStore interface {
	Create(ctx context.Context, ex Execution) error
	Get(ctx context.Context, id string) (Execution, error)
	Update(ctx context.Context, ex Execution) error
	ListByCrawler(ctx context.Context, crawlerID string, limit, offset int) ([]Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
}

// ConfigStore reads crawler configuration. It is owned by the request-serving
// tier; this process only reads it and touches the last-executed timestamp.
type ConfigStore interface {
	GetCrawler(ctx context.Context, id string) (CrawlerConfig, error)
	ListActive(ctx context.Context) ([]CrawlerConfig, error)
	TouchLastExecuted(ctx context.Context, id string, at time.Time) error
}

// CredentialStore persists encrypted OAuth credentials per (user, platform).
type CredentialStore interface {
	Get(ctx context.Context, userID string, platform Platform) (Credentials, error)
	Put(ctx context.Context, userID string, platform Platform, creds Credentials) error
}

// TokenRefresher exchanges a refresh token for a fresh token set.
type TokenRefresher interface {
	Refresh(ctx context.Context, platform Platform, creds Credentials) (Credentials, error)
}

// Adapter fetches report rows from one ad platform. Invoked once per account
// ID within a job.
type Adapter interface {
	Fetch(ctx context.Context, accessToken, accountID string, params ReportParameters) ([]Row, error)
}

// AdapterRegistry resolves the adapter registered for a platform.
type AdapterRegistry interface {
	Lookup(platform Platform) (Adapter, bool)
}

// SinkWriter replaces the destination sheet's contents with the given rows.
// Write semantics are full overwrite, never append.
type SinkWriter interface {
	Write(ctx context.Context, dest Destination, columns []string, rows []Row) error
}

// Publisher pushes execution lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entry and execution IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
