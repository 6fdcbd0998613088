// Package heartbeat runs the worker liveness loop and the stale-execution
// reaper. Both are periodic background loops in the style of the teacher's
// sessionManager TTL-eviction goroutine (cmd/sandbox/session.go), adapted
// from evicting idle workspace directories to upserting this worker's
// heartbeat row and reclaiming executions orphaned by a crashed worker.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	agendo "github.com/agendo/core"
)

// Beater periodically upserts this worker's liveness row.
type Beater struct {
	store    agendo.Store
	workerID string
	interval time.Duration
	inFlight func() int
	maxJobs  int
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBeater creates a Beater. inFlight is polled on every tick to report
// current load; maxJobs is the worker's configured concurrency cap.
func NewBeater(store agendo.Store, workerID string, interval time.Duration, maxJobs int, inFlight func() int, logger *slog.Logger) *Beater {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Beater{
		store: store, workerID: workerID, interval: interval, maxJobs: maxJobs,
		inFlight: inFlight, logger: logger,
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// Start launches the background beat loop. It performs one synchronous
// beat immediately so a freshly-started worker is visible before the
// first tick elapses.
func (b *Beater) Start(ctx context.Context) {
	b.beat(ctx)
	go b.run(ctx)
}

func (b *Beater) run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.beat(ctx)
		}
	}
}

func (b *Beater) beat(ctx context.Context) {
	hb := agendo.WorkerHeartbeat{
		WorkerID:          b.workerID,
		UpdatedAt:         agendo.NowUnix(),
		MaxConcurrentJobs: b.maxJobs,
		InFlight:          b.inFlight(),
	}
	if err := b.store.UpsertHeartbeat(ctx, hb); err != nil {
		b.logger.Error("heartbeat upsert failed", "error", err)
	}
}

// Stop signals the beat loop to exit and blocks until it has.
func (b *Beater) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// ReapStaleExecutions periodically lists executions whose updated_at is
// older than staleAfter and finalizes each as failed, on the assumption
// that the worker that owned it died without reaching a terminal state.
// Runs until ctx is cancelled.
func ReapStaleExecutions(ctx context.Context, store agendo.Store, staleAfter, interval time.Duration, logger *slog.Logger) {
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
			stale, err := store.ListStaleExecutions(ctx, cutoff)
			if err != nil {
				logger.Error("list stale executions failed", "error", err)
				continue
			}
			for _, e := range stale {
				if _, err := store.FinalizeExecution(ctx, e.ID, agendo.ExecFailed, nil, agendo.NowUnix()); err != nil {
					logger.Error("reap stale execution failed", "execution_id", e.ID, "error", err)
				}
			}
			if len(stale) > 0 {
				logger.Info("reaped stale executions", "count", len(stale))
			}
		}
	}
}
