// Package csv implements a filesystem sink that renders each destination
// sheet as a CSV file. It stands in for the real spreadsheet backend in
// development: a write replaces the whole file, never appends.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// Config captures the parameters for the CSV sink.
type Config struct {
	// BaseDir is the root directory where sheet files are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Sink writes sheets as CSV files under a base directory.
type Sink struct {
	baseDir string
}

// New creates a CSV sink, creating the base directory if needed.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Sink{baseDir: cfg.BaseDir}, nil
}

// Write renders columns and rows to <base>/<spreadsheet>/<sheet>.csv,
// replacing any existing file. The write goes through a temp file and rename
// so a crash never leaves a half-written sheet.
func (s *Sink) Write(_ context.Context, dest crawljob.Destination, columns []string, rows []crawljob.Row) error {
	if dest.SpreadsheetID == "" || dest.SheetName == "" {
		return crawljob.Errorf(crawljob.KindSinkWrite, "destination spreadsheet and sheet are required")
	}

	dir := filepath.Join(s.baseDir, sanitize(dest.SpreadsheetID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("create sheet directory: %w", err))
	}
	target := filepath.Join(dir, sanitize(dest.SheetName)+".csv")

	tmp, err := os.CreateTemp(dir, ".sheet-*.csv")
	if err != nil {
		return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("create temp sheet: %w", err))
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(columns); err != nil {
		tmp.Close()
		return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("write header: %w", err))
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = crawljob.FormatCell(row[col])
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("write row: %w", err))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("flush sheet: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("close temp sheet: %w", err))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return crawljob.WrapError(crawljob.KindSinkWrite, fmt.Errorf("replace sheet: %w", err))
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
