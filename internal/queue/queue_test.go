package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	agendo "github.com/agendo/core"
)

type fakeStore struct {
	agendo.Store
	mu        sync.Mutex
	pending   []agendo.Job
	completed []string
	failed    map[string]string
	requeued  int
}

func (f *fakeStore) ClaimJob(ctx context.Context, queue agendo.JobQueue) (agendo.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return agendo.Job{}, false, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	return job, true, nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) FailJob(ctx context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = reason
	return nil
}

func (f *fakeStore) RequeueOrphanedJobs(ctx context.Context, queue agendo.JobQueue, claimedBefore int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued++
	return 0, nil
}

func TestWorkerCompletesSuccessfulJobs(t *testing.T) {
	store := &fakeStore{pending: []agendo.Job{{ID: "j1", Queue: agendo.QueueSessionRun}}}
	w := NewWorker(store, agendo.QueueSessionRun, 2, 5*time.Millisecond, nil)

	var handled = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx, func(ctx context.Context, job agendo.Job) error {
		close(handled)
		return nil
	})

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("job was never handled")
	}
	cancel()
	w.Stop()

	// Give the completion bookkeeping a moment to land (it runs in the
	// per-job goroutine, which may finish a tick after the handler does).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.completed)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.completed) != 1 || store.completed[0] != "j1" {
		t.Fatalf("expected j1 completed, got %+v", store.completed)
	}
}

func TestWorkerFailsErroringJobs(t *testing.T) {
	store := &fakeStore{pending: []agendo.Job{{ID: "j2", Queue: agendo.QueueCapabilityExecute}}}
	w := NewWorker(store, agendo.QueueCapabilityExecute, 1, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx, func(ctx context.Context, job agendo.Job) error {
		return errors.New("boom")
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		_, failed := store.failed["j2"]
		store.mu.Unlock()
		if failed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	w.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failed["j2"] != "boom" {
		t.Fatalf("expected j2 failed with reason boom, got %+v", store.failed)
	}
}

func TestWorkerLeavesCancelledJobClaimedForRequeue(t *testing.T) {
	store := &fakeStore{pending: []agendo.Job{{ID: "j3", Queue: agendo.QueueSessionRun}}}
	w := NewWorker(store, agendo.QueueSessionRun, 1, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go w.Run(ctx, func(ctx context.Context, job agendo.Job) error {
		close(started)
		return context.Canceled
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job was never handled")
	}
	cancel()
	w.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.completed) != 0 {
		t.Fatalf("cancelled job should not be marked complete, got %+v", store.completed)
	}
	if len(store.failed) != 0 {
		t.Fatalf("cancelled job should not be marked failed, got %+v", store.failed)
	}
}
