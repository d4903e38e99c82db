package fetcher

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"faceingest/internal/workerpool"
	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/imagecache"
	"faceingest/pkg/limiter"
	"faceingest/pkg/logger"
	"faceingest/pkg/metadata"
	"faceingest/pkg/retry"
	"faceingest/pkg/storage"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options carries the collaborators of a Fetcher. Cache and Store are
// required; the rest fall back to defaults built from the FetchConfig.
type Options struct {
	Cache   *imagecache.Cache
	Store   *storage.Manager
	Limiter limiter.Limiter
	Pool    *workerpool.WorkerPool
	Metrics *metadata.Recorder
	Client  *http.Client
	Logger  logger.Logger
}

// Fetcher acquires images for one run
type Fetcher struct {
	cfg     config.FetchConfig
	client  *http.Client
	cache   *imagecache.Cache
	store   *storage.Manager
	limiter limiter.Limiter
	pool    *workerpool.WorkerPool
	metrics *metadata.Recorder
	backoff retry.BackoffStrategy
	log     logger.Logger
	group   singleflight.Group
	now     func() time.Time
}

// New creates a Fetcher
func New(cfg config.FetchConfig, opts Options) (*Fetcher, error) {
	if opts.Cache == nil {
		return nil, errors.New("fetcher: image cache is required")
	}
	if opts.Store == nil {
		return nil, errors.New("fetcher: storage manager is required")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 120
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	f := &Fetcher{
		cfg:     cfg,
		client:  opts.Client,
		cache:   opts.Cache,
		store:   opts.Store,
		limiter: opts.Limiter,
		pool:    opts.Pool,
		metrics: opts.Metrics,
		log:     log.WithField("component", "fetcher"),
		now:     time.Now,
		backoff: &retry.ExponentialBackoff{
			BaseDelay:    cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2.0,
			JitterSpread: cfg.RetryJitter,
		},
	}
	if f.client == nil {
		f.client = newHTTPClient(cfg)
	}
	if f.limiter == nil {
		f.limiter = limiter.New(cfg.MaxConnections, cfg.MaxPerHost)
	}
	return f, nil
}

// HashURL returns the md5 hex digest used to name every file derived from url
func HashURL(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// FetchAndProcess acquires the image at url. It never panics and never
// returns an error; failures are reported in the Result.
func (f *Fetcher) FetchAndProcess(ctx context.Context, url string) Result {
	if url == "" || !strings.Contains(strings.ToLower(url), "http") {
		res := Result{URL: url, Failure: &Failure{Reason: "Invalid URL", Kind: errs.ErrorTypeMalformedInput}}
		f.record(res, 0, 0)
		return res
	}

	hash := HashURL(url)
	v, _, _ := f.group.Do(hash, func() (interface{}, error) {
		return f.fetch(ctx, url, hash), nil
	})
	return v.(Result)
}

// FetchAll fetches urls with at most concurrency in flight. Results keep the
// order of urls.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, concurrency int) []Result {
	results := make([]Result, len(urls))
	if concurrency < 1 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, url := range urls {
		g.Go(func() error {
			results[i] = f.FetchAndProcess(ctx, url)
			return nil
		})
	}
	g.Wait()
	return results
}

func (f *Fetcher) fetch(ctx context.Context, url, hash string) (res Result) {
	res = Result{URL: url, Hash: hash}
	var (
		attempts int
		started  = time.Now()
	)

	defer func() {
		if r := recover(); r != nil {
			f.log.ErrorWithFields("Recovered panic while fetching image", map[string]interface{}{
				"url":   url,
				"panic": fmt.Sprint(r),
			})
			res.Asset = nil
			res.Failure = &Failure{
				Reason:   fmt.Sprintf("unexpected failure: %v", r),
				Kind:     errs.ErrorTypeFatal,
				Attempts: attempts,
			}
		}
		f.record(res, attempts, time.Since(started))
	}()

	if data, tier, ok := f.cache.Get(hash); ok {
		asset, err := f.process(ctx, hash, data, tier)
		if err == nil {
			res.Asset = asset
			return res
		}
		f.log.DebugWithFields("Cached image unusable, downloading", map[string]interface{}{
			"hash":  hash,
			"tier":  string(tier),
			"error": err.Error(),
		})
	}

	dlStart := time.Now()
	data, n, diags, err := f.download(ctx, url)
	attempts = n
	if err != nil {
		res.Failure = failureFrom(err, attempts, diags)
		if ctx.Err() != nil {
			res.Failure.Kind = errs.ErrorTypeCanceled
		}
		logger.LogImageFailure(f.log, url, res.Failure.Reason, attempts)
		return res
	}
	dlTime := time.Since(dlStart)

	f.cache.Put(hash, data)

	asset, err := f.process(ctx, hash, data, imagecache.TierNone)
	if err != nil {
		res.Failure = &Failure{
			Reason:      fmt.Sprintf("failed to process image data: %v", err),
			Kind:        errs.ErrorTypeInvalidImage,
			Attempts:    attempts,
			Diagnostics: diags,
		}
		logger.LogImageFailure(f.log, url, res.Failure.Reason, attempts)
		return res
	}
	asset.DownloadTime = dlTime
	res.Asset = asset
	return res
}

// process renders data and stores the full image. A cache hit reuses the
// stored full image when one exists. Downloads and memory hits also write the
// disk-tier copy for images small enough.
func (f *Fetcher) process(ctx context.Context, hash string, data []byte, tier imagecache.Tier) (*Asset, error) {
	start := time.Now()
	var asset *Asset
	err := f.onPool(ctx, func() error {
		r, err := render(data, f.renderOptions())
		if err != nil {
			return err
		}

		var (
			path   string
			stored int64
			found  bool
		)
		if tier != imagecache.TierNone {
			if path, found = f.store.Lookup(hash); found {
				stored, _ = f.store.Size(path)
			}
		}
		if !found {
			path, stored, err = f.store.SaveImage(bytes.NewReader(r.full), hash, f.now())
			if err != nil {
				return fmt.Errorf("store image: %w", err)
			}
		}

		if tier != imagecache.TierDisk && (f.cfg.CacheDimension <= 0 || (r.width <= f.cfg.CacheDimension && r.height <= f.cfg.CacheDimension)) {
			if err := f.cache.Persist(hash, r.full); err != nil {
				f.log.WarnWithFields("Failed to write disk cache", map[string]interface{}{
					"hash":  hash,
					"error": err.Error(),
				})
			}
		}

		asset = &Asset{
			Path:          path,
			Thumbnail:     r.thumbnail,
			Width:         r.width,
			Height:        r.height,
			StoredBytes:   stored,
			OriginalBytes: int64(len(data)),
			Tier:          tier,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	asset.ProcessTime = time.Since(start)
	return asset, nil
}

func (f *Fetcher) renderOptions() renderOptions {
	return renderOptions{
		maxPixels: f.cfg.MaxPixels,
		maxDim:    f.cfg.MaxDimension,
		thumbSize: f.cfg.ThumbnailSize,
		quality:   f.cfg.JPEGQuality,
	}
}

func (f *Fetcher) onPool(ctx context.Context, task workerpool.Task) error {
	if f.pool == nil {
		return task()
	}
	return f.pool.Do(ctx, task)
}

func (f *Fetcher) record(res Result, attempts int, elapsed time.Duration) {
	if f.metrics == nil {
		return
	}
	m := metadata.ImageMetric{
		URL:      res.URL,
		Hash:     res.Hash,
		Attempts: attempts,
	}
	if a := res.Asset; a != nil {
		m.Success = true
		m.DownloadTimeMS = float64(a.DownloadTime.Microseconds()) / 1000
		m.ProcessingTimeMS = float64(a.ProcessTime.Microseconds()) / 1000
		m.SizeKB = float64(a.StoredBytes) / 1024
		m.Width = a.Width
		m.Height = a.Height
		m.Cached = a.Cached()
		m.CacheTier = string(a.Tier)
	} else if res.Failure != nil {
		m.ErrorMessage = res.Failure.Reason
		m.ProcessingTimeMS = float64(elapsed.Microseconds()) / 1000
	}
	f.metrics.Record(m)
}

// Statistics summarizes every fetch recorded so far
func (f *Fetcher) Statistics() metadata.Summary {
	if f.metrics == nil {
		return metadata.Summary{Timestamp: f.now()}
	}
	s := f.metrics.Summary()
	if mem := f.cache.Memory(); mem != nil {
		s.MemoryCacheStats = mem.Stats()
	}
	return s
}

// WriteMetrics writes image_metrics.json and image_summary.json
func (f *Fetcher) WriteMetrics() error {
	if f.metrics == nil {
		return nil
	}
	var stats interface{}
	if mem := f.cache.Memory(); mem != nil {
		stats = mem.Stats()
	}
	if err := f.metrics.Save(stats); err != nil {
		return fmt.Errorf("failed to write image metrics: %w", err)
	}
	return nil
}

// Close releases idle connections
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}
