package main

import (
	"context"
	"sync/atomic"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/runner"
)

// loadCounter tracks the worker's current in-flight job count for the
// health/metrics surface and the shutdown drain loop.
type loadCounter struct {
	n atomic.Int64
}

func newLoadCounter() *loadCounter { return &loadCounter{} }

func (c *loadCounter) Get() int { return int(c.n.Load()) }

func (c *loadCounter) inc() { c.n.Add(1) }
func (c *loadCounter) dec() { c.n.Add(-1) }

// SessionRunnerHandle adapts *runner.SessionRunner to queue.Handler while
// tracking in-flight load.
type SessionRunnerHandle struct {
	inner    *runner.SessionRunner
	inFlight *loadCounter
}

func (h *SessionRunnerHandle) Handle(ctx context.Context, job agendo.Job) error {
	h.inFlight.inc()
	defer h.inFlight.dec()
	return h.inner.Handle(ctx, job)
}

// ExecutionRunnerHandle adapts *runner.ExecutionRunner to queue.Handler
// while tracking in-flight load.
type ExecutionRunnerHandle struct {
	inner    *runner.ExecutionRunner
	inFlight *loadCounter
}

func (h *ExecutionRunnerHandle) Handle(ctx context.Context, job agendo.Job) error {
	h.inFlight.inc()
	defer h.inFlight.dec()
	return h.inner.Handle(ctx, job)
}
