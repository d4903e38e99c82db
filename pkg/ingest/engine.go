package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"faceingest/pkg/checkpoint"
	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/fetcher"
	"faceingest/pkg/logger"
	"faceingest/pkg/metadata"
	"faceingest/pkg/metrics"
	"faceingest/pkg/parser"
	"faceingest/pkg/resources"
	"faceingest/pkg/retry"

	"github.com/spf13/afero"
)

const readBuffer = 1 << 20

// Deps are the collaborators of an Engine. Parser, Fetcher and Checkpoints
// are required.
type Deps struct {
	Parser      *parser.Parser
	Fetcher     ImageFetcher
	Checkpoints *checkpoint.Store
	Monitor     *resources.Monitor
	Trimmer     Trimmer
}

// Engine streams one input file through parsing, image acquisition and
// checkpointing
type Engine struct {
	cfg     *config.Config
	fs      afero.Fs
	parser  *parser.Parser
	fetcher ImageFetcher
	ckpt    *checkpoint.Store
	monitor *resources.Monitor
	trimmer Trimmer
	log     logger.Logger

	phase    atomic.Value
	observer Observer
	closers  []func()
}

// New creates an Engine from explicit collaborators
func New(cfg *config.Config, fs afero.Fs, deps Deps, log logger.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("ingest: config is required")
	}
	if deps.Parser == nil || deps.Fetcher == nil || deps.Checkpoints == nil {
		return nil, errors.New("ingest: parser, fetcher and checkpoint store are required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = resources.NewMonitor(cfg.Resources, nil, log)
	}

	e := &Engine{
		cfg:     cfg,
		fs:      fs,
		parser:  deps.Parser,
		fetcher: deps.Fetcher,
		ckpt:    deps.Checkpoints,
		monitor: monitor,
		trimmer: deps.Trimmer,
		log:     log.WithField("component", "ingest"),
	}
	e.phase.Store(PhaseInit)
	return e, nil
}

// Phase is the current state of the engine
func (e *Engine) Phase() Phase {
	return e.phase.Load().(Phase)
}

// SetObserver registers o for phase and batch events. Call before Run.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(p)
	e.log.DebugWithFields("Phase changed", map[string]interface{}{"phase": string(p)})
	if e.observer != nil {
		e.observer.PhaseChanged(p)
	}
}

// Close releases the collaborators wired by Build
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// run is the mutable state of one Run call
type run struct {
	opts        Options
	fileName    string
	m           *metrics.RunMetrics
	seen        metrics.Set
	offset      int64
	start       int64
	ctrl        *Controller
	concurrency int
	records     []EnrichedRecord
	batches     int
	resumed     bool
}

func (r *run) result(completed bool) *Result {
	return &Result{
		Metrics:     r.m.Snapshot(),
		Records:     r.records,
		Completed:   completed,
		Resumed:     r.resumed,
		StartOffset: r.start,
		EndOffset:   r.offset,
		Batches:     r.batches,
		BatchSize:   r.ctrl.Size(),
	}
}

// pending holds the lines read since the last commit
type pending struct {
	lines []string
	fps   []string
	set   metrics.Set
	dups  int64
	end   int64
}

func newPending(offset int64) *pending {
	return &pending{set: make(metrics.Set), end: offset}
}

func (p *pending) add(line, fp string) {
	p.lines = append(p.lines, line)
	p.fps = append(p.fps, fp)
	p.set.Add(fp)
}

func (p *pending) size() int {
	return len(p.lines) + int(p.dups)
}

// Run processes opts.InputPath. On cancellation it returns the partial
// Result together with ErrInterrupted.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	e.setPhase(PhaseInit)

	total, err := CountLines(e.fs, opts.InputPath)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeFatal, "count input lines", err)
	}
	if err := e.prepareDirs(); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeFatal, "prepare output directories", err)
	}

	r := &run{
		opts:     opts,
		fileName: filepath.Base(opts.InputPath),
		m:        metrics.New(),
		seen:     make(metrics.Set),
		ctrl:     NewController(e.cfg.Batch),
	}
	r.m.TotalLines = total
	r.concurrency = r.ctrl.Concurrency(0)

	if opts.Resume {
		e.setPhase(PhaseResume)
		r.resumed = e.resume(r)
	} else if n, err := e.ckpt.Clear(); err != nil {
		e.log.WithError(err).Warn("Failed to clear stale checkpoint")
	} else if n > 0 {
		e.log.InfoWithFields("Cleared stale checkpoint", map[string]interface{}{"files": n})
	}
	r.start = r.offset

	logger.LogComponentStart(e.log, "ingest", map[string]interface{}{
		"input":       opts.InputPath,
		"total_lines": total,
		"offset":      r.offset,
		"batch_size":  r.ctrl.Size(),
		"resumed":     r.resumed,
	})

	e.setPhase(PhaseStreaming)
	err = e.stream(ctx, r)
	switch {
	case errors.Is(err, ErrInterrupted):
		e.setPhase(PhaseCheckpointing)
		if serr := e.save(r); serr != nil {
			e.log.WithError(serr).Error("Failed to save checkpoint after interrupt")
		}
		e.setPhase(PhaseDone)
		e.log.InfoWithFields("Ingestion interrupted", map[string]interface{}{
			"processed": r.m.ProcessedLines,
			"offset":    r.offset,
		})
		return r.result(false), ErrInterrupted
	case err != nil:
		e.setPhase(PhaseCheckpointing)
		if serr := e.save(r); serr != nil {
			e.log.WithError(serr).Error("Failed to save checkpoint after fatal error")
		}
		e.setPhase(PhaseDone)
		return r.result(false), err
	}

	e.setPhase(PhaseCompleting)
	if err := e.save(r); err != nil {
		e.log.WithError(err).Warn("Failed to save final checkpoint")
	}
	if _, err := e.ckpt.Clear(); err != nil {
		e.log.WithError(err).Warn("Failed to clear checkpoint")
	}
	if w, ok := e.fetcher.(metricsWriter); ok {
		if err := w.WriteMetrics(); err != nil {
			e.log.WithError(err).Warn("Failed to write image metrics")
		}
	}
	e.setPhase(PhaseDone)

	snap := r.m.Snapshot()
	e.log.InfoWithFields("Ingestion complete", map[string]interface{}{
		"processed":    snap.ProcessedLines,
		"records":      snap.ParsedRecords,
		"valid_images": snap.ValidImages,
		"failed":       snap.FailedImages,
		"duplicates":   snap.DuplicateRecords,
		"json_errors":  snap.JSONErrors,
		"batches":      r.batches,
	})
	return r.result(true), nil
}

// ImageStatistics summarizes image acquisition when the fetcher records it
func (e *Engine) ImageStatistics() (metadata.Summary, bool) {
	s, ok := e.fetcher.(interface{ Statistics() metadata.Summary })
	if !ok {
		return metadata.Summary{}, false
	}
	return s.Statistics(), true
}

func (e *Engine) prepareDirs() error {
	for _, dir := range []string{e.cfg.PhotosPath(), e.cfg.ReportsPath(), e.cfg.CachePath(), e.cfg.TempPath()} {
		if err := e.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// resume seeds r from a valid checkpoint and reports whether it did
func (e *Engine) resume(r *run) bool {
	st, err := e.ckpt.Load()
	if err != nil {
		e.log.WithError(err).Warn("Checkpoint unusable, starting fresh")
		return false
	}
	if st == nil {
		e.log.Info("No checkpoint found, starting fresh")
		return false
	}
	if err := e.ckpt.Validate(st, r.opts.InputPath); err != nil {
		e.log.WithError(err).Warn("Checkpoint rejected, starting fresh")
		return false
	}

	m := r.m
	m.ProcessedLines = st.ProcessedLines
	m.ValidImages = st.ValidImages
	m.FailedImages = st.FailedImages
	m.JSONErrors = st.JSONErrors
	m.CachedImages = st.CachedImages
	m.NetworkErrors = st.NetworkErrors
	m.TimeoutErrors = st.TimeoutErrors
	m.DuplicateRecords = st.DuplicateRecords
	// every processed line is a duplicate, a parsed record or a json error
	m.ParsedRecords = max(st.ProcessedLines-st.DuplicateRecords-st.JSONErrors, 0)
	m.Users = metrics.SetOf(st.UniqueUsers)
	m.Devices = metrics.SetOf(st.UniqueDevices)
	m.Companies = metrics.SetOf(st.UniqueCompanies)
	m.IPs = metrics.SetOf(st.UniqueIPs)
	if m.TotalLines < m.ProcessedLines {
		m.TotalLines = m.ProcessedLines
	}

	r.seen = metrics.SetOf(st.RecordsProcessed)
	r.offset = st.LastPosition
	r.ctrl.SetSize(st.BatchSize)

	e.log.InfoWithFields("Resuming from checkpoint", map[string]interface{}{
		"processed":  st.ProcessedLines,
		"offset":     st.LastPosition,
		"progress":   fmt.Sprintf("%.1f%%", st.Progress()),
		"batch_size": r.ctrl.Size(),
	})
	return true
}

func (e *Engine) stream(ctx context.Context, r *run) error {
	f, err := e.fs.Open(r.opts.InputPath)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeFatal, "open input", err)
	}
	defer f.Close()

	if r.offset > 0 {
		if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
			return errs.Wrap(errs.ErrorTypeFatal, "seek input", err)
		}
	}

	reader := bufio.NewReaderSize(f, readBuffer)
	pos := r.offset
	p := newPending(pos)

	for {
		if ctx.Err() != nil {
			return ErrInterrupted
		}

		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			pos += int64(len(line))
			p.end = pos

			if !isBlank(line) {
				fp := parser.Fingerprint(line)
				if r.seen.Has(fp) || p.set.Has(fp) {
					p.dups++
				} else {
					p.add(line, fp)
				}
			}

			if p.size() >= r.ctrl.Size() {
				if err := e.commit(ctx, r, p); err != nil {
					return err
				}
				p = newPending(pos)
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return errs.Wrap(errs.ErrorTypeFatal, "read input", readErr)
		}
	}

	if p.end > r.offset {
		return e.commit(ctx, r, p)
	}
	return nil
}

// commit parses and fetches a pending batch and merges it into r. Nothing in
// r changes unless the whole batch is merged.
func (e *Engine) commit(ctx context.Context, r *run, p *pending) error {
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if p.size() == 0 {
		r.offset = p.end
		return nil
	}

	start := time.Now()
	outcomes, err := e.parser.ParseBatch(p.lines)
	if err != nil && e.cfg.Parser.StrictMode {
		return errs.Wrap(errs.ErrorTypeFatal, "parse batch", err)
	}

	var (
		recs    []*parser.Record
		urls    []string
		urlOf   []int
		badJSON int64
	)
	for _, out := range outcomes {
		if !out.OK() {
			badJSON++
			continue
		}
		idx := -1
		if out.Record.ImageURL != "" {
			idx = len(urls)
			urls = append(urls, out.Record.ImageURL)
		}
		recs = append(recs, out.Record)
		urlOf = append(urlOf, idx)
	}

	var results []fetcher.Result
	if len(urls) > 0 {
		// in-flight downloads finish on their own timeouts
		results = e.fetcher.FetchAll(context.WithoutCancel(ctx), urls, r.concurrency)
	}

	enriched := make([]EnrichedRecord, 0, len(recs))
	m := r.m
	for i, rec := range recs {
		er := EnrichedRecord{Record: *rec}
		if idx := urlOf[i]; idx >= 0 && idx < len(results) {
			res := results[idx]
			er.ImageHash = res.Hash
			if res.OK() {
				er.Image = res.Asset
				m.ValidImages++
				if res.Asset.Cached() {
					m.CachedImages++
				}
			} else {
				m.FailedImages++
				if res.Failure != nil {
					er.FailureReason = res.Failure.Reason
					switch res.Failure.Kind {
					case errs.ErrorTypeTimeout:
						m.TimeoutErrors++
					case errs.ErrorTypeNetwork, errs.ErrorTypeHTTPStatus:
						m.NetworkErrors++
					}
				}
			}
		}
		addKnown(m.Users, rec.UserName)
		addKnown(m.Devices, rec.DeviceID)
		addKnown(m.Companies, rec.CompanyID)
		addKnown(m.IPs, rec.IPAddress)
		enriched = append(enriched, er)
	}

	m.ParsedRecords += int64(len(recs))
	m.JSONErrors += badJSON
	m.DuplicateRecords += p.dups
	m.ProcessedLines += int64(len(p.lines)) + p.dups
	if m.TotalLines < m.ProcessedLines {
		m.TotalLines = m.ProcessedLines
	}
	for _, fp := range p.fps {
		r.seen.Add(fp)
	}
	r.offset = p.end
	r.records = append(r.records, enriched...)
	r.batches++

	e.afterBatch(ctx, r, time.Since(start), p.size(), len(recs))
	return nil
}

func addKnown(s metrics.Set, v string) {
	if v != "" && v != parser.NotAvailable {
		s.Add(v)
	}
}

// afterBatch reacts to resource pressure, resizes the next batch and saves a
// checkpoint when one is due
func (e *Engine) afterBatch(ctx context.Context, r *run, elapsed time.Duration, lines, records int) {
	sample, level := e.monitor.Check(ctx)
	if delay := e.monitor.Delay(level); delay > 0 {
		if e.trimmer != nil {
			freed := e.trimmer.Trim(e.cfg.Resources.TrimFraction)
			e.log.DebugWithFields("Trimmed image cache", map[string]interface{}{"freed_bytes": freed})
		}
		if level == resources.LevelCritical {
			e.parser.ClearCache()
		}
		// a cancelled wait is observed at the next line boundary
		_ = retry.Wait(ctx, delay)
	}

	prev := r.ctrl.Size()
	size := r.ctrl.Observe(elapsed, level)
	r.concurrency = r.ctrl.Concurrency(sample.AvailableBytes)
	if size != prev {
		e.log.DebugWithFields("Batch size adjusted", map[string]interface{}{
			"from":        prev,
			"to":          size,
			"level":       level.String(),
			"avg_elapsed": r.ctrl.AverageDuration(),
			"concurrency": r.concurrency,
		})
	}

	logger.LogBatch(e.log, r.batches, lines, records, elapsed, r.offset)
	logger.LogProgress(e.log, r.m.ProcessedLines, r.m.TotalLines, r.offset)
	if e.observer != nil {
		e.observer.BatchCommitted(Progress{
			Batch:       r.batches,
			Lines:       lines,
			Records:     records,
			Elapsed:     elapsed,
			BatchSize:   size,
			Concurrency: r.concurrency,
			Offset:      r.offset,
			Level:       level,
			Sample:      sample,
			Metrics:     r.m.Snapshot(),
		})
	}

	if e.ckpt.ShouldSave(r.m.ProcessedLines, false) {
		e.setPhase(PhaseCheckpointing)
		if err := e.save(r); err != nil {
			e.log.WithError(err).Warn("Failed to save checkpoint, will retry")
		}
		e.setPhase(PhaseStreaming)
	}
}

// save writes the committed state of r
func (e *Engine) save(r *run) error {
	m := r.m
	st := &checkpoint.State{
		FileName:         r.fileName,
		TotalLines:       max(m.TotalLines, m.ProcessedLines),
		ProcessedLines:   m.ProcessedLines,
		ValidImages:      m.ValidImages,
		FailedImages:     m.FailedImages,
		JSONErrors:       m.JSONErrors,
		CachedImages:     m.CachedImages,
		NetworkErrors:    m.NetworkErrors,
		TimeoutErrors:    m.TimeoutErrors,
		DuplicateRecords: m.DuplicateRecords,
		LastPosition:     r.offset,
		BatchSize:        r.ctrl.Size(),
		RecordsProcessed: r.seen.Sorted(),
		UniqueUsers:      m.Users.Sorted(),
		UniqueDevices:    m.Devices.Sorted(),
		UniqueCompanies:  m.Companies.Sorted(),
		UniqueIPs:        m.IPs.Sorted(),
	}
	return e.ckpt.Save(st)
}
