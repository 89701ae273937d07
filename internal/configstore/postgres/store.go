// Package postgres reads crawler configurations from the shared Postgres
// database. The request-serving tier owns writes to this table; this process
// only reads configurations and touches the last-executed timestamp.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// ErrNotFound is returned when no crawler exists for an ID.
var ErrNotFound = fmt.Errorf("crawler %w", crawljob.ErrNotFound)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads crawler configurations from Postgres.
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

const selectCrawlerSQL = `
SELECT id, user_id, name, platform, status, account_ids, report, schedule, destination, last_executed_at
FROM crawlers`

// GetCrawler returns the configuration for id.
func (s *Store) GetCrawler(ctx context.Context, id string) (crawljob.CrawlerConfig, error) {
	row := s.pool.QueryRow(ctx, selectCrawlerSQL+` WHERE id = $1`, id)
	cfg, err := scanCrawler(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawljob.CrawlerConfig{}, fmt.Errorf("crawler %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return crawljob.CrawlerConfig{}, fmt.Errorf("load crawler %s: %w", id, err)
	}
	return cfg, nil
}

// ListActive returns every crawler whose status is ACTIVE.
func (s *Store) ListActive(ctx context.Context) ([]crawljob.CrawlerConfig, error) {
	rows, err := s.pool.Query(ctx, selectCrawlerSQL+` WHERE status = $1 ORDER BY id`, string(crawljob.CrawlerActive))
	if err != nil {
		return nil, fmt.Errorf("list active crawlers: %w", err)
	}
	defer rows.Close()

	var out []crawljob.CrawlerConfig
	for rows.Next() {
		cfg, err := scanCrawler(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawler: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active crawlers: %w", err)
	}
	return out, nil
}

// TouchLastExecuted records the crawler's most recent successful run.
func (s *Store) TouchLastExecuted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawlers SET last_executed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch crawler %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crawler %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanCrawler(row pgx.Row) (crawljob.CrawlerConfig, error) {
	var (
		cfg         crawljob.CrawlerConfig
		platform    string
		status      string
		accountIDs  []byte
		report      []byte
		schedule    []byte
		destination []byte
	)
	err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.Name, &platform, &status,
		&accountIDs, &report, &schedule, &destination, &cfg.LastExecutedAt)
	if err != nil {
		return crawljob.CrawlerConfig{}, err
	}
	cfg.Platform = crawljob.Platform(platform)
	cfg.Status = crawljob.CrawlerStatus(status)
	if err := json.Unmarshal(accountIDs, &cfg.AccountIDs); err != nil {
		return crawljob.CrawlerConfig{}, fmt.Errorf("decode account ids: %w", err)
	}
	if err := json.Unmarshal(report, &cfg.Report); err != nil {
		return crawljob.CrawlerConfig{}, fmt.Errorf("decode report: %w", err)
	}
	if err := json.Unmarshal(schedule, &cfg.Schedule); err != nil {
		return crawljob.CrawlerConfig{}, fmt.Errorf("decode schedule: %w", err)
	}
	if err := json.Unmarshal(destination, &cfg.Destination); err != nil {
		return crawljob.CrawlerConfig{}, fmt.Errorf("decode destination: %w", err)
	}
	return cfg, nil
}
