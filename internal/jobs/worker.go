package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler runs one job. The returned result is stored as JSON.
type Handler interface {
	Handle(ctx context.Context, job Job) (any, error)
}

type HandlerFunc func(ctx context.Context, job Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job Job) (any, error) {
	return f(ctx, job)
}

// WorkerPool processes queued jobs using a pool of goroutines.
type WorkerPool struct {
	store    *Store
	handlers map[string]Handler
	// retryable decides whether a handler error is worth another attempt.
	retryable func(error) bool
	cfg       Config
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewWorkerPool(store *Store, cfg Config, retryable func(error) bool, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &WorkerPool{
		store:     store,
		handlers:  map[string]Handler{},
		retryable: retryable,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Register binds a handler to a job type. Call before Run.
func (wp *WorkerPool) Register(jobType string, h Handler) {
	wp.handlers[jobType] = h
}

// Run spawns the workers and the stuck job cleanup loop, blocks until ctx
// is cancelled, then waits for in-flight jobs.
func (wp *WorkerPool) Run(ctx context.Context) {
	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	if wp.cfg.StuckTimeout > 0 {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			wp.cleanupLoop(ctx)
		}()
	}
	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil {
				ran, err := wp.RunOnce(ctx, workerID)
				if err != nil {
					wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// claimed; handler failures are recorded on the job, not returned.
func (wp *WorkerPool) RunOnce(ctx context.Context, workerID int) (bool, error) {
	job, err := wp.store.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	log := wp.logger.With("workerID", workerID, "jobID", job.ID, "type", job.Type, "attempt", job.AttemptCount)
	log.Info("processing job")

	// Job bookkeeping must land even when the pool is shutting down.
	bookCtx := context.WithoutCancel(ctx)

	h, ok := wp.handlers[job.Type]
	if !ok {
		msg := "no handler for job type " + job.Type
		log.Error(msg)
		if _, err := wp.store.Fail(bookCtx, job.ID, msg, false, wp.cfg.MaxRetries); err != nil {
			log.Error("failed to mark job as failed", "error", err)
		}
		return true, nil
	}

	started := time.Now()
	result, err := h.Handle(ctx, *job)
	if err != nil {
		retry := wp.retryable(err)
		state, ferr := wp.store.Fail(bookCtx, job.ID, err.Error(), retry, wp.cfg.MaxRetries)
		if ferr != nil {
			log.Error("failed to mark job as failed", "error", ferr)
			return true, nil
		}
		log.Error("job failed", "error", err, "retryable", retry, "state", state)
		return true, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(result)))
	}
	if err := wp.store.Complete(bookCtx, job.ID, string(data)); err != nil {
		log.Error("failed to mark job as complete", "error", err)
		return true, nil
	}
	log.Info("job completed", "duration", time.Since(started).String())
	return true, nil
}

func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	interval := wp.cfg.StuckTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.StuckTimeout)
			if err != nil {
				wp.logger.Error("failed to cleanup stuck jobs", "error", err)
			} else if recovered > 0 {
				wp.logger.Info("recovered stuck jobs", "count", recovered)
			}
		}
	}
}
