package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	// MetricsFile and SummaryFile are written into the image cache directory
	MetricsFile = "image_metrics.json"
	SummaryFile = "image_summary.json"

	// DefaultMaxEntries bounds the per-image list kept in memory
	DefaultMaxEntries = 100000
)

// ImageMetric describes one fetch-and-process attempt for a URL
type ImageMetric struct {
	URL              string    `json:"url"`
	Hash             string    `json:"hash"`
	DownloadTimeMS   float64   `json:"download_time_ms"`
	ProcessingTimeMS float64   `json:"processing_time_ms"`
	SizeKB           float64   `json:"size_kb"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	AspectRatio      string    `json:"aspect_ratio,omitempty"`
	Attempts         int       `json:"attempts"`
	Cached           bool      `json:"is_cached"`
	CacheTier        string    `json:"cache_tier,omitempty"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Summary aggregates every metric recorded so far
type Summary struct {
	TotalImages              int64       `json:"total_images"`
	Successful               int64       `json:"successful"`
	Failed                   int64       `json:"failed"`
	SuccessRate              float64     `json:"success_rate"`
	CachedImages             int64       `json:"cached_images"`
	TotalDownloadTimeSeconds float64     `json:"total_download_time_seconds"`
	AvgDownloadTimeMS        float64     `json:"avg_download_time_ms"`
	AvgImageSizeKB           float64     `json:"avg_image_size_kb"`
	MemoryCacheStats         interface{} `json:"memory_cache_stats,omitempty"`
	Timestamp                time.Time   `json:"timestamp"`
}

// Recorder collects image metrics. Aggregates cover every metric; the
// per-image list keeps only the most recent maxEntries.
type Recorder struct {
	fs         afero.Fs
	dir        string
	maxEntries int

	mu          sync.Mutex
	entries     []ImageMetric
	total       int64
	successful  int64
	cached      int64
	downloadMS  float64
	successSize float64
}

// NewRecorder creates a Recorder that writes into dir on fs
func NewRecorder(fs afero.Fs, dir string, maxEntries int) *Recorder {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Recorder{fs: fs, dir: dir, maxEntries: maxEntries}
}

// Record adds one metric
func (r *Recorder) Record(m ImageMetric) {
	if len(m.URL) > 100 {
		m.URL = m.URL[:100] + "..."
	}
	if m.AspectRatio == "" && m.Width > 0 {
		m.AspectRatio = AspectRatio(m.Width, m.Height)
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if m.Cached {
		r.cached++
	}
	if m.Success {
		r.successful++
		r.downloadMS += m.DownloadTimeMS
		r.successSize += m.SizeKB
	}

	if len(r.entries) >= r.maxEntries {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.entries = append(r.entries, m)
}

// Entries returns a copy of the retained per-image metrics
func (r *Recorder) Entries() []ImageMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ImageMetric, len(r.entries))
	copy(out, r.entries)
	return out
}

// Summary computes the aggregate view
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		TotalImages:              r.total,
		Successful:               r.successful,
		Failed:                   r.total - r.successful,
		CachedImages:             r.cached,
		TotalDownloadTimeSeconds: r.downloadMS / 1000,
		Timestamp:                time.Now(),
	}
	if r.total > 0 {
		s.SuccessRate = float64(r.successful) / float64(r.total) * 100
	}
	if r.successful > 0 {
		s.AvgDownloadTimeMS = r.downloadMS / float64(r.successful)
		s.AvgImageSizeKB = r.successSize / float64(r.successful)
	}
	return s
}

// Save writes image_metrics.json and image_summary.json. cacheStats is
// embedded in the summary as-is.
func (r *Recorder) Save(cacheStats interface{}) error {
	if err := r.fs.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	if err := r.writeJSON(MetricsFile, r.Entries()); err != nil {
		return err
	}

	summary := r.Summary()
	summary.MemoryCacheStats = cacheStats
	return r.writeJSON(SummaryFile, summary)
}

func (r *Recorder) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(r.dir, name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := r.fs.Rename(tmp, path); err != nil {
		r.fs.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// AspectRatio returns the common name of the ratio, or "w.xx:1"
func AspectRatio(width, height int) string {
	if height == 0 {
		return "unknown"
	}

	ratio := float64(width) / float64(height)

	switch {
	case ratio > 1.7 && ratio < 1.8:
		return "16:9"
	case ratio > 1.3 && ratio < 1.4:
		return "4:3"
	case ratio > 0.9 && ratio < 1.1:
		return "1:1"
	case ratio > 0.55 && ratio < 0.57:
		return "9:16"
	case ratio > 0.74 && ratio < 0.76:
		return "3:4"
	default:
		return fmt.Sprintf("%.2f:1", ratio)
	}
}
