// Package workerpool runs CPU-bound tasks on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"faceingest/pkg/logger"
)

// ErrStopped is returned when submitting to a pool that is shutting down
var ErrStopped = errors.New("worker pool is shutting down")

// Task is a unit of work run by a worker
type Task func() error

type job struct {
	task Task
	done chan error
}

// Stats is a snapshot of pool counters
type Stats struct {
	Workers   int           `json:"workers"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Busy      time.Duration `json:"busy"`
}

// WorkerPool manages a fixed number of workers fed from a bounded queue
type WorkerPool struct {
	numWorkers int
	jobQueue   chan job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     logger.Logger
	startOnce  sync.Once
	stopOnce   sync.Once
	queueMu    sync.RWMutex

	completed atomic.Int64
	failed    atomic.Int64
	busy      atomic.Int64
}

// Size returns min(NumCPU, limit), at least 1
func Size(limit int) int {
	n := runtime.NumCPU()
	if limit > 0 && limit < n {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// New creates a pool with numWorkers workers. Call Start before submitting.
func New(numWorkers int, log logger.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		numWorkers: numWorkers,
		jobQueue:   make(chan job, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.WithField("component", "workerpool"),
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.logger.DebugWithFields("Starting worker pool", map[string]interface{}{
			"num_workers": wp.numWorkers,
		})
		for i := 0; i < wp.numWorkers; i++ {
			wp.wg.Add(1)
			go wp.worker(i)
		}
	})
}

// Stop lets queued tasks finish, then shuts the workers down
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		wp.queueMu.Lock()
		close(wp.jobQueue)
		wp.queueMu.Unlock()
		wp.wg.Wait()
		wp.logger.Debug("Worker pool stopped")
	})
}

// Submit queues task and returns a channel that receives its result
func (wp *WorkerPool) Submit(ctx context.Context, task Task) (<-chan error, error) {
	wp.queueMu.RLock()
	defer wp.queueMu.RUnlock()
	if wp.ctx.Err() != nil {
		return nil, ErrStopped
	}
	j := job{task: task, done: make(chan error, 1)}
	select {
	case wp.jobQueue <- j:
		return j.done, nil
	case <-wp.ctx.Done():
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs task on the pool and waits for it
func (wp *WorkerPool) Do(ctx context.Context, task Task) error {
	done, err := wp.Submit(ctx, task)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   wp.numWorkers,
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Busy:      time.Duration(wp.busy.Load()),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for j := range wp.jobQueue {
		start := time.Now()
		err := run(j.task)
		wp.busy.Add(int64(time.Since(start)))

		if err != nil {
			wp.failed.Add(1)
			wp.logger.DebugWithFields("Task failed", map[string]interface{}{
				"worker_id": id,
				"error":     err.Error(),
			})
		} else {
			wp.completed.Add(1)
		}
		j.done <- err
	}
}

func run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task()
}
