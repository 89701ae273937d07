// Package memory provides an in-memory crawler configuration store for tests
// and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// ErrNotFound is returned when no crawler exists for an ID.
var ErrNotFound = fmt.Errorf("crawler %w", crawljob.ErrNotFound)

// Store holds crawler configurations in memory.
type Store struct {
	mu       sync.RWMutex
	crawlers map[string]crawljob.CrawlerConfig
}

// NewStore creates a Store seeded with the given crawlers.
func NewStore(crawlers ...crawljob.CrawlerConfig) *Store {
	s := &Store{crawlers: make(map[string]crawljob.CrawlerConfig, len(crawlers))}
	for _, c := range crawlers {
		s.crawlers[c.ID] = c
	}
	return s
}

// Put inserts or replaces a crawler configuration.
func (s *Store) Put(cfg crawljob.CrawlerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawlers[cfg.ID] = cfg
}

// GetCrawler returns the configuration for id.
func (s *Store) GetCrawler(_ context.Context, id string) (crawljob.CrawlerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.crawlers[id]
	if !ok {
		return crawljob.CrawlerConfig{}, fmt.Errorf("crawler %s: %w", id, ErrNotFound)
	}
	return cfg, nil
}

// ListActive returns every crawler whose status is ACTIVE.
func (s *Store) ListActive(_ context.Context) ([]crawljob.CrawlerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawljob.CrawlerConfig
	for _, cfg := range s.crawlers {
		if cfg.Status == crawljob.CrawlerActive {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// TouchLastExecuted records the crawler's most recent successful run.
func (s *Store) TouchLastExecuted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.crawlers[id]
	if !ok {
		return fmt.Errorf("crawler %s: %w", id, ErrNotFound)
	}
	cfg.LastExecutedAt = &at
	s.crawlers[id] = cfg
	return nil
}
