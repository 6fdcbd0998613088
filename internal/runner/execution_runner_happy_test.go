package runner

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/safety"
)

type execHappyStore struct {
	agendo.Store

	mu   sync.Mutex
	exec agendo.Execution
}

func (s *execHappyStore) GetExecution(ctx context.Context, id string) (agendo.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec, nil
}

func (s *execHappyStore) SetExecutionRunning(ctx context.Context, id string, pid int, logPath string, startedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.Status = agendo.ExecRunning
	s.exec.PID = pid
	return nil
}

func (s *execHappyStore) UpdateExecutionCounts(ctx context.Context, id string, byteCount, lineCount int64) error {
	return nil
}

func (s *execHappyStore) FinalizeExecution(ctx context.Context, id string, status agendo.ExecutionStatus, exitCode *int, endedAt int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.Status = status
	s.exec.ExitCode = exitCode
	return 1, nil
}

func (s *execHappyStore) snapshot() agendo.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

// TestExecutionRunnerDirectPathSucceeds drives the real os/exec-based
// runDirect path (no sandbox, no mocked process) with a capability
// invoking /bin/echo, asserting the execution finalizes succeeded with
// exit_code 0 — the one-shot analog of S1 for capability:execute jobs.
func TestExecutionRunnerDirectPathSucceeds(t *testing.T) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("/bin/echo not available in this environment")
	}

	store := &execHappyStore{exec: agendo.Execution{ID: "e1", Status: agendo.ExecQueued}}
	workDir := t.TempDir()

	r := &ExecutionRunner{
		Store: store,
		Catalog: happyCatalog{
			agent: agendo.AgentSpec{ID: "agent-1", Kind: agendo.AgentClaude},
			cap:   agendo.CapabilitySpec{ID: "cap-1", CommandTokens: []string{"/bin/echo", "hello"}, TimeoutSec: 5},
		},
		Tasks:  happyTasks{tc: TaskContext{WorkingDir: workDir}},
		Gate:   safety.New([]string{os.TempDir()}, nil, nil),
		LogDir: t.TempDir(),
	}

	payload, _ := json.Marshal(agendo.CapabilityExecutePayload{ExecutionID: "e1"})
	if err := r.Handle(context.Background(), agendo.Job{Payload: payload}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := store.snapshot()
	if got.Status != agendo.ExecSucceeded {
		t.Fatalf("expected succeeded, got %v", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected exit_code 0, got %v", got.ExitCode)
	}
}

// TestExecutionRunnerDirectPathTimesOut exercises the SIGTERM/SIGKILL
// escalation path: a capability invoking `sleep 5` with a 1s timeout
// must be killed and finalize as timed_out.
func TestExecutionRunnerDirectPathTimesOut(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("/bin/sleep not available in this environment")
	}

	store := &execHappyStore{exec: agendo.Execution{ID: "e2", Status: agendo.ExecQueued}}
	workDir := t.TempDir()

	r := &ExecutionRunner{
		Store: store,
		Catalog: happyCatalog{
			agent: agendo.AgentSpec{ID: "agent-1", Kind: agendo.AgentClaude},
			cap:   agendo.CapabilitySpec{ID: "cap-1", CommandTokens: []string{"/bin/sleep", "5"}, TimeoutSec: 1},
		},
		Tasks:  happyTasks{tc: TaskContext{WorkingDir: workDir}},
		Gate:   safety.New([]string{os.TempDir()}, nil, nil),
		LogDir: t.TempDir(),
	}

	payload, _ := json.Marshal(agendo.CapabilityExecutePayload{ExecutionID: "e2"})
	if err := r.Handle(context.Background(), agendo.Job{Payload: payload}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := store.snapshot()
	if got.Status != agendo.ExecTimedOut {
		t.Fatalf("expected timed_out, got %v", got.Status)
	}
}
