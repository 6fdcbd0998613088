// Package queue drives the three named job queues (session:run,
// capability:execute, agent:analyze) atop agendo.Store's at-least-once
// ClaimJob primitive. It owns only dispatch and concurrency capping;
// handlers are supplied by internal/runner.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	agendo "github.com/agendo/core"
)

// Handler processes one claimed job. A returned error fails the job
// (Store.FailJob); nil completes it (Store.CompleteJob). Handlers must be
// idempotent: the at-least-once contract means the same job id may be
// handed to a handler more than once after a worker crash, and the
// handler is expected to short-circuit on an already-terminal target row.
type Handler func(ctx context.Context, job agendo.Job) error

// Worker polls one queue at a fixed interval, running claimed jobs under a
// bounded concurrency semaphore.
type Worker struct {
	store        agendo.Store
	queue        agendo.JobQueue
	handler      Handler
	pollInterval time.Duration
	sem          *semaphore.Weighted
	logger       *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewWorker creates a Worker for one queue. maxConcurrent bounds the
// number of jobs from this queue in flight at once.
func NewWorker(store agendo.Store, queue agendo.JobQueue, maxConcurrent int, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		store:        store,
		queue:        queue,
		pollInterval: pollInterval,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		logger:       logger.With("queue", queue),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run registers the handler and begins polling.
// Run blocks until ctx is cancelled or Stop is called; the caller
// typically invokes it in its own goroutine.
func (w *Worker) Run(ctx context.Context, handler Handler) {
	w.handler = handler
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and dispatches jobs until either the queue is empty or the
// concurrency semaphore is saturated.
func (w *Worker) drain(ctx context.Context) {
	for {
		if !w.sem.TryAcquire(1) {
			return
		}
		job, ok, err := w.store.ClaimJob(ctx, w.queue)
		if err != nil {
			w.logger.Error("claim job failed", "error", err)
			w.sem.Release(1)
			return
		}
		if !ok {
			w.sem.Release(1)
			return
		}
		go func(job agendo.Job) {
			defer w.sem.Release(1)
			w.runOne(ctx, job)
		}(job)
	}
}

func (w *Worker) runOne(ctx context.Context, job agendo.Job) {
	err := w.handler(ctx, job)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown in progress; leave the job claimed so
			// RequeueOrphanedJobs picks it back up once its claim ages out.
			return
		}
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.Error("fail job bookkeeping failed", "job_id", job.ID, "error", ferr)
		}
		return
	}
	if cerr := w.store.CompleteJob(ctx, job.ID); cerr != nil {
		w.logger.Error("complete job bookkeeping failed", "job_id", job.ID, "error", cerr)
	}
}

// Stop signals Run to return and blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RequeueStaleLoop periodically requeues jobs on queue whose claim is
// older than staleAfter, reclaiming work orphaned by a crashed worker.
// Runs until ctx is cancelled.
func RequeueStaleLoop(ctx context.Context, store agendo.Store, queue agendo.JobQueue, staleAfter, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := agendo.NowUnix() - int64(staleAfter.Seconds())
			n, err := store.RequeueOrphanedJobs(ctx, queue, cutoff)
			if err != nil {
				logger.Error("requeue orphaned jobs failed", "queue", queue, "error", err)
				continue
			}
			if n > 0 {
				logger.Info("requeued orphaned jobs", "queue", queue, "count", n)
			}
		}
	}
}
