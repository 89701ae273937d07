package crawljob

import (
	"time"
)

// Platform identifies an ad platform served by a registered adapter.
type Platform string

// Platforms with first-class adapter support.
const (
	PlatformGoogleAds Platform = "GOOGLE_ADS"
	PlatformMetaAds   Platform = "META_ADS"
	PlatformTikTokAds Platform = "TIKTOK_ADS"
	PlatformXAds      Platform = "X_ADS"
	PlatformLineAds   Platform = "LINE_ADS"
)

// Row is one flattened report row keyed by dimension/metric name.
type Row map[string]any

// ReportParameters describes what measurement data a crawler pulls.
type ReportParameters struct {
	DateRangeType   string   `json:"date_range_type"`
	DateRangeStart  string   `json:"date_range_start,omitempty"`
	DateRangeEnd    string   `json:"date_range_end,omitempty"`
	LookbackDays    int      `json:"lookback_days,omitempty"`
	LookbackMonths  int      `json:"lookback_months,omitempty"`
	Dimensions      []string `json:"dimensions"`
	Metrics         []string `json:"metrics"`
	ExcludeZeroCost bool     `json:"exclude_zero_cost"`
}

// Destination addresses the output sheet a job writes into.
type Destination struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetName     string `json:"sheet_name"`
}

// JobPayload is the immutable description of one execution attempt. A retry
// re-submits an equivalent payload rather than mutating a shared object.
type JobPayload struct {
	CrawlerID   string           `json:"crawler_id"`
	UserID      string           `json:"user_id"`
	Platform    Platform         `json:"platform"`
	AccountIDs  []string         `json:"account_ids"`
	Report      ReportParameters `json:"report"`
	Destination Destination      `json:"destination"`
	IsTest      bool             `json:"is_test,omitempty"`
	ScheduledAt time.Time        `json:"scheduled_at"`
}

// EntryState is the lifecycle state of a queue entry.
type EntryState string

// Queue entry states.
const (
	EntryStateWaiting   EntryState = "waiting"
	EntryStateDelayed   EntryState = "delayed"
	EntryStateActive    EntryState = "active"
	EntryStateCompleted EntryState = "completed"
	EntryStateFailed    EntryState = "failed"
)

// QueueEntry is one addressable unit of work held by the job queue.
type QueueEntry struct {
	ID            string     `json:"id"`
	ExecutionID   string     `json:"execution_id"`
	Payload       JobPayload `json:"payload"`
	State         EntryState `json:"state"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
}

// QueueCounts summarizes the queue's entries by state.
type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

// Execution statuses persisted in the history store.
const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// IsTerminal reports whether the status is COMPLETED or FAILED.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ExecutionMetadata carries per-run measurements recorded on success.
type ExecutionMetadata struct {
	RowsProcessed int   `json:"rows_processed"`
	DurationMs    int64 `json:"duration_ms"`
	IsTest        bool  `json:"is_test,omitempty"`
}

// Execution is the durable audit record for one attempt-series. One record is
// created per scheduled firing and updated in place across retries.
type Execution struct {
	ID           string            `json:"id"`
	CrawlerID    string            `json:"crawler_id"`
	Status       ExecutionStatus   `json:"status"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
	Metadata     ExecutionMetadata `json:"metadata"`
}

// CrawlerStatus is the activation state of a crawler configuration.
type CrawlerStatus string

// Crawler statuses as persisted by the configuration store.
const (
	CrawlerActive   CrawlerStatus = "ACTIVE"
	CrawlerInactive CrawlerStatus = "INACTIVE"
)

// ScheduleConfig is the user-facing recurrence configuration of a crawler.
type ScheduleConfig struct {
	Frequency     string `json:"frequency" mapstructure:"frequency"`
	ExecutionTime string `json:"execution_time,omitempty" mapstructure:"execution_time"`
	ExecutionDay  int    `json:"execution_day,omitempty" mapstructure:"execution_day"`
	Timezone      string `json:"timezone" mapstructure:"timezone"`
}

// CrawlerConfig is the crawler configuration as read from the configuration
// store. The store is the source of truth; this struct is never cached across
// scheduler calls.
type CrawlerConfig struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Name           string           `json:"name"`
	Platform       Platform         `json:"platform"`
	Status         CrawlerStatus    `json:"status"`
	AccountIDs     []string         `json:"account_ids"`
	Report         ReportParameters `json:"report"`
	Schedule       ScheduleConfig   `json:"schedule"`
	Destination    Destination      `json:"destination"`
	LastExecutedAt *time.Time       `json:"last_executed_at,omitempty"`
}

// Credentials carries a decrypted OAuth token set for one (user, platform).
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // epoch milliseconds
}

// ExpiresWithin reports whether the token expires before now+margin. A zero
// ExpiresAt means the token never expires.
func (c Credentials) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return c.ExpiresAt < now.Add(margin).UnixMilli()
}
