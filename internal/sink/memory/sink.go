// Package memory implements an in-memory sink for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// Sheet is the recorded contents of one destination after the latest write.
type Sheet struct {
	Columns []string
	Rows    []crawljob.Row
	Writes  int
}

// Sink records the last write per destination. Each write replaces the prior
// contents entirely, matching the overwrite semantics of the real sheet sink.
type Sink struct {
	mu     sync.RWMutex
	sheets map[string]Sheet
	err    error
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{sheets: make(map[string]Sheet)}
}

func sheetKey(dest crawljob.Destination) string {
	return dest.SpreadsheetID + "|" + dest.SheetName
}

// Write replaces the destination's contents with the given rows.
func (s *Sink) Write(_ context.Context, dest crawljob.Destination, columns []string, rows []crawljob.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}

	prior := s.sheets[sheetKey(dest)]
	cols := make([]string, len(columns))
	copy(cols, columns)
	copied := make([]crawljob.Row, len(rows))
	copy(copied, rows)
	s.sheets[sheetKey(dest)] = Sheet{
		Columns: cols,
		Rows:    copied,
		Writes:  prior.Writes + 1,
	}
	return nil
}

// Sheet returns the recorded contents for a destination.
func (s *Sink) Sheet(dest crawljob.Destination) (Sheet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sheet, ok := s.sheets[sheetKey(dest)]
	return sheet, ok
}

// FailWith makes every subsequent Write return err; nil restores normal
// operation. Used to exercise retry paths in tests.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
