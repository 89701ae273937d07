// Package postgres provides the Postgres-backed execution store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists execution records in Postgres.
type Store struct {
	pool Pool
}

// NewStore constructs a Store over a connection pool shared with the other
// Postgres-backed components.
func NewStore(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Create inserts a new execution row.
func (s *Store) Create(ctx context.Context, ex crawljob.Execution) error {
	meta, err := json.Marshal(ex.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO executions (
	id, crawler_id, status, scheduled_at, started_at, completed_at,
	error_message, retry_count, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ex.ID, ex.CrawlerID, string(ex.Status), ex.ScheduledAt,
		ex.StartedAt, ex.CompletedAt, ex.ErrorMessage, ex.RetryCount, meta,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Get loads one execution row.
func (s *Store) Get(ctx context.Context, id string) (crawljob.Execution, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, crawler_id, status, scheduled_at, started_at, completed_at,
	error_message, retry_count, metadata
FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

// Update rewrites a row in place.
func (s *Store) Update(ctx context.Context, ex crawljob.Execution) error {
	meta, err := json.Marshal(ex.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE executions SET
	status = $2, started_at = $3, completed_at = $4,
	error_message = $5, retry_count = $6, metadata = $7
WHERE id = $1`,
		ex.ID, string(ex.Status), ex.StartedAt, ex.CompletedAt,
		ex.ErrorMessage, ex.RetryCount, meta,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", ex.ID, crawljob.ErrNotFound)
	}
	return nil
}

// ListByCrawler pages a crawler's history, newest first.
func (s *Store) ListByCrawler(ctx context.Context, crawlerID string, limit, offset int) ([]crawljob.Execution, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, crawler_id, status, scheduled_at, started_at, completed_at,
	error_message, retry_count, metadata
FROM executions
WHERE crawler_id = $1
ORDER BY scheduled_at DESC
LIMIT $2 OFFSET $3`, crawlerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// ListRecent returns the newest rows across all crawlers.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]crawljob.Execution, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, crawler_id, status, scheduled_at, started_at, completed_at,
	error_message, retry_count, metadata
FROM executions
ORDER BY scheduled_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (crawljob.Execution, error) {
	var (
		ex     crawljob.Execution
		status string
		meta   []byte
	)
	err := row.Scan(
		&ex.ID, &ex.CrawlerID, &status, &ex.ScheduledAt,
		&ex.StartedAt, &ex.CompletedAt, &ex.ErrorMessage, &ex.RetryCount, &meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawljob.Execution{}, fmt.Errorf("execution %w", crawljob.ErrNotFound)
	}
	if err != nil {
		return crawljob.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	ex.Status = crawljob.ExecutionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ex.Metadata); err != nil {
			return crawljob.Execution{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return ex, nil
}

func scanExecutions(rows pgx.Rows) ([]crawljob.Execution, error) {
	var out []crawljob.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}
