// Package memory provides an in-memory execution store for development and
// testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// ErrNotFound is returned when no record exists for an ID.
var ErrNotFound = fmt.Errorf("execution %w", crawljob.ErrNotFound)

// Store keeps execution records in memory.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]crawljob.Execution
	order []string
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]crawljob.Execution)}
}

// Create stores a new record.
func (s *Store) Create(_ context.Context, ex crawljob.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[ex.ID]; exists {
		return errors.New("execution already exists")
	}
	s.byID[ex.ID] = ex
	s.order = append(s.order, ex.ID)
	return nil
}

// Get fetches a record by ID.
func (s *Store) Get(_ context.Context, id string) (crawljob.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.byID[id]
	if !ok {
		return crawljob.Execution{}, ErrNotFound
	}
	return ex, nil
}

// Update replaces a record in place.
func (s *Store) Update(_ context.Context, ex crawljob.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ex.ID]; !ok {
		return ErrNotFound
	}
	s.byID[ex.ID] = ex
	return nil
}

// ListByCrawler returns a crawler's records newest first.
func (s *Store) ListByCrawler(_ context.Context, crawlerID string, limit, offset int) ([]crawljob.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]crawljob.Execution, 0)
	for _, id := range s.order {
		if ex := s.byID[id]; ex.CrawlerID == crawlerID {
			all = append(all, ex)
		}
	}
	sortNewestFirst(all)
	return page(all, limit, offset), nil
}

// ListRecent returns the newest records across all crawlers.
func (s *Store) ListRecent(_ context.Context, limit int) ([]crawljob.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]crawljob.Execution, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.byID[id])
	}
	sortNewestFirst(all)
	return page(all, limit, 0), nil
}

func sortNewestFirst(list []crawljob.Execution) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ScheduledAt.After(list[j].ScheduledAt)
	})
}

func page(list []crawljob.Execution, limit, offset int) []crawljob.Execution {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	out := make([]crawljob.Execution, len(list))
	copy(out, list)
	return out
}
