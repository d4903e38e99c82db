package ingest

import (
	"fmt"

	"faceingest/internal/workerpool"
	"faceingest/pkg/checkpoint"
	"faceingest/pkg/config"
	"faceingest/pkg/fetcher"
	"faceingest/pkg/imagecache"
	"faceingest/pkg/limiter"
	"faceingest/pkg/logger"
	"faceingest/pkg/metadata"
	"faceingest/pkg/parser"
	"faceingest/pkg/resources"
	"faceingest/pkg/storage"

	"github.com/spf13/afero"
)

// Build wires the production collaborators for cfg on fs. A nil sampler reads
// the host through gopsutil. Callers must Close the engine.
func Build(cfg *config.Config, fs afero.Fs, sampler resources.Sampler, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	cache := imagecache.New(
		imagecache.NewMemory(cfg.Cache.MemoryBytes, cfg.Cache.AdmissionRatio),
		imagecache.NewDisk(fs, cfg.CachePath()),
	)

	store, err := storage.NewManager(fs, cfg.PhotosPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}

	pool := workerpool.New(workerpool.Size(cfg.Fetch.ProcessWorkers), log)
	pool.Start()

	f, err := fetcher.New(cfg.Fetch, fetcher.Options{
		Cache:   cache,
		Store:   store,
		Limiter: limiter.New(cfg.Fetch.MaxConnections, cfg.Fetch.MaxPerHost),
		Pool:    pool,
		Metrics: metadata.NewRecorder(fs, cfg.CachePath(), metadata.DefaultMaxEntries),
		Logger:  log,
	})
	if err != nil {
		pool.Stop()
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	e, err := New(cfg, fs, Deps{
		Parser:      parser.New(cfg.Parser, log),
		Fetcher:     f,
		Checkpoints: checkpoint.NewStore(fs, cfg.CheckpointPath(), cfg.Checkpoint, log),
		Monitor:     resources.NewMonitor(cfg.Resources, sampler, log),
		Trimmer:     cache,
	}, log)
	if err != nil {
		f.Close()
		pool.Stop()
		return nil, err
	}
	e.closers = append(e.closers, pool.Stop, f.Close)
	return e, nil
}
