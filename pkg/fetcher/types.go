package fetcher

import (
	"time"

	errs "faceingest/pkg/errors"
	"faceingest/pkg/imagecache"
)

// Asset is a successfully acquired image
type Asset struct {
	Path          string          `json:"path"`
	Thumbnail     string          `json:"thumbnail"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	StoredBytes   int64           `json:"stored_bytes"`
	OriginalBytes int64           `json:"original_bytes"`
	Tier          imagecache.Tier `json:"tier"`
	DownloadTime  time.Duration   `json:"download_time"`
	ProcessTime   time.Duration   `json:"process_time"`
}

// Cached reports whether the asset was served from a cache tier
func (a *Asset) Cached() bool {
	return a.Tier == imagecache.TierMemory || a.Tier == imagecache.TierDisk
}

// Diagnostic records one download attempt
type Diagnostic struct {
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	BytesRead  int64         `json:"bytes_read"`
	Duration   time.Duration `json:"duration"`
	Err        string        `json:"error,omitempty"`
}

// Failure describes why an image could not be acquired
type Failure struct {
	Reason      string         `json:"reason"`
	Kind        errs.ErrorType `json:"kind"`
	Attempts    int            `json:"attempts"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
}

// Result is the outcome of one FetchAndProcess call. Exactly one of Asset
// and Failure is set.
type Result struct {
	URL     string   `json:"url"`
	Hash    string   `json:"hash,omitempty"`
	Asset   *Asset   `json:"asset,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// OK reports whether the fetch produced an asset
func (r Result) OK() bool {
	return r.Asset != nil
}
