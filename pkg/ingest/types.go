package ingest

import (
	"context"
	"errors"
	"time"

	"faceingest/pkg/fetcher"
	"faceingest/pkg/metrics"
	"faceingest/pkg/parser"
	"faceingest/pkg/resources"
)

// ErrInterrupted is returned with a partial Result when the run was cancelled
var ErrInterrupted = errors.New("ingestion interrupted")

// Phase is a step of the ingestion state machine
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseResume        Phase = "resume"
	PhaseStreaming     Phase = "streaming"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCompleting    Phase = "completing"
	PhaseDone          Phase = "done"
)

// Options selects the input and the resume behaviour of one run
type Options struct {
	InputPath string
	// Resume continues from a valid checkpoint when one exists
	Resume bool
}

// EnrichedRecord is a parsed record joined with its image outcome. Image is
// nil when the record has no URL or the fetch failed.
type EnrichedRecord struct {
	parser.Record
	Image         *fetcher.Asset `json:"image,omitempty"`
	ImageHash     string         `json:"image_hash,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// Result is the outcome of a run. It is returned for interrupted runs too.
type Result struct {
	Metrics     metrics.Snapshot
	Records     []EnrichedRecord
	Completed   bool
	Resumed     bool
	StartOffset int64
	EndOffset   int64
	Batches     int
	BatchSize   int
}

// ImageFetcher acquires the images of one batch. Results keep the order of
// urls and never carry an error outside their Failure.
type ImageFetcher interface {
	FetchAll(ctx context.Context, urls []string, concurrency int) []fetcher.Result
}

// Trimmer releases part of an in-memory cache under pressure
type Trimmer interface {
	Trim(fraction float64) int64
}

// metricsWriter is implemented by fetchers that persist per-image metrics
type metricsWriter interface {
	WriteMetrics() error
}

// Progress describes the run right after a batch commit
type Progress struct {
	Batch       int
	Lines       int
	Records     int
	Elapsed     time.Duration
	BatchSize   int
	Concurrency int
	Offset      int64
	Level       resources.Level
	Sample      resources.Sample
	Metrics     metrics.Snapshot
}

// Observer receives run events on the ingestion goroutine. Implementations
// must not block.
type Observer interface {
	PhaseChanged(phase Phase)
	BatchCommitted(p Progress)
}
