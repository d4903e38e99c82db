package report

import (
	"context"
	"fmt"
	"path/filepath"

	"faceingest/pkg/ingest"
	"faceingest/pkg/logger"
	"faceingest/pkg/metrics"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is the JSON report layout
type Document struct {
	RunID       string                  `json:"run_id"`
	InputFile   string                  `json:"input_file"`
	Completed   bool                    `json:"completed"`
	GeneratedAt string                  `json:"generated_at"`
	Metrics     metrics.Snapshot        `json:"metrics"`
	SuccessRate float64                 `json:"success_rate"`
	Records     []ingest.EnrichedRecord `json:"records"`
}

// JSONGenerator writes reports/report_<run id>.json
type JSONGenerator struct {
	fs  afero.Fs
	dir string
	run Run
	log logger.Logger
}

// NewJSON creates a JSONGenerator writing into dir
func NewJSON(fs afero.Fs, dir string, run Run, log logger.Logger) *JSONGenerator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &JSONGenerator{fs: fs, dir: dir, run: run, log: log}
}

// Path is the file the report is written to
func (g *JSONGenerator) Path() string {
	return filepath.Join(g.dir, "report_"+g.run.ID+".json")
}

// Generate implements Generator
func (g *JSONGenerator) Generate(ctx context.Context, records []ingest.EnrichedRecord, snapshot metrics.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []ingest.EnrichedRecord{}
	}

	doc := Document{
		RunID:       g.run.ID,
		InputFile:   g.run.InputFile,
		Completed:   g.run.Completed,
		GeneratedAt: g.run.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"),
		Metrics:     snapshot,
		SuccessRate: snapshot.SuccessRate(),
		Records:     records,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if err := g.fs.MkdirAll(g.dir, 0755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}
	path := g.Path()
	tmp := path + ".tmp"
	if err := afero.WriteFile(g.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := g.fs.Rename(tmp, path); err != nil {
		g.fs.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}

	g.log.InfoWithFields("JSON report written", map[string]interface{}{
		"path":    path,
		"records": len(records),
		"size":    humanize.Bytes(uint64(len(data))),
	})
	return nil
}
