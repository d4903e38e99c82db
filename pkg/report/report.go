// Package report writes the outcome of an ingestion run. The JSON generator
// produces one self-contained document per run; the SQLite generator appends
// the run and its records to a database that accumulates across runs.
package report

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"faceingest/pkg/config"
	"faceingest/pkg/ingest"
	"faceingest/pkg/logger"
	"faceingest/pkg/metrics"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Generator writes a report for one run
type Generator interface {
	Generate(ctx context.Context, records []ingest.EnrichedRecord, snapshot metrics.Snapshot) error
}

// Run identifies the run a report belongs to
type Run struct {
	ID          string
	InputFile   string
	Completed   bool
	GeneratedAt time.Time
}

// NewRun creates a Run with a fresh id
func NewRun(inputFile string, completed bool) Run {
	return Run{
		ID:          uuid.NewString(),
		InputFile:   inputFile,
		Completed:   completed,
		GeneratedAt: time.Now().UTC(),
	}
}

// Multi runs every generator and joins their errors
type Multi []Generator

// Generate implements Generator
func (m Multi) Generate(ctx context.Context, records []ingest.EnrichedRecord, snapshot metrics.Snapshot) error {
	var failed []error
	for _, g := range m {
		if err := g.Generate(ctx, records, snapshot); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// New builds the generators named by cfg.Report.Formats. The JSON report is
// written through fs; the SQLite database always lives on the OS filesystem.
func New(cfg *config.Config, fs afero.Fs, run Run, log logger.Logger) (Generator, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	var gens Multi
	for _, format := range cfg.Report.Formats {
		switch strings.ToLower(strings.TrimSpace(format)) {
		case "json":
			gens = append(gens, NewJSON(fs, cfg.ReportsPath(), run, log))
		case "sqlite":
			gens = append(gens, NewSQLite(filepath.Join(cfg.ReportsPath(), cfg.Report.SQLiteFile), run, log))
		case "", "none":
		default:
			return nil, fmt.Errorf("unknown report format: %s", format)
		}
	}
	return gens, nil
}
