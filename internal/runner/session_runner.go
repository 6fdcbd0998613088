package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
	"github.com/agendo/core/internal/logwriter"
	"github.com/agendo/core/internal/safety"
	sessionpkg "github.com/agendo/core/internal/session"
)

// interruptGrace is how long the session runner waits for an adapter to
// exit on its own after Interrupt before escalating to a direct signal,
// per spec §5's cancellation semantics.
var interruptGrace = map[agendo.AgentKind]time.Duration{
	agendo.AgentClaude: 3 * time.Second,
	agendo.AgentGemini: 2 * time.Second,
	agendo.AgentCodex:  5 * time.Second,
}

const killGrace = 5 * time.Second

// cancelPollInterval governs how often the session runner checks for an
// external cancel request (status flipped to cancelling by an API layer)
// while a session's turn is in flight.
const cancelPollInterval = 250 * time.Millisecond

// SessionRunner handles session:run jobs: one turn-cycle of a persistent
// agent conversation, per spec §4.5.
type SessionRunner struct {
	Store    agendo.Store
	Catalog  Catalog
	Tasks    TaskResolver
	Adapters *adapter.Registry
	Gate     *safety.Gate
	Events   sessionpkg.EventSink
	Control  sessionpkg.ControlSource
	LogDir   string
	WorkerID string
	Logger   *slog.Logger
}

func (r *SessionRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// Handle is the queue.Handler for the session:run queue.
func (r *SessionRunner) Handle(ctx context.Context, job agendo.Job) error {
	var payload agendo.SessionRunPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("session runner: decode payload: %w", err)
	}

	sess, err := r.Store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("session runner: load session %s: %w", payload.SessionID, err)
	}
	if sess.Status == agendo.SessionEnded {
		// Duplicate delivery of an already-finished session's turn; at-least-
		// once redelivery is expected, the terminal guard makes it a no-op.
		return nil
	}

	agent, err := r.Catalog.GetAgent(ctx, sess.AgentID)
	if err != nil {
		return fmt.Errorf("session runner: load agent %s: %w", sess.AgentID, err)
	}
	capability, err := r.Catalog.GetCapability(ctx, sess.CapabilityID)
	if err != nil {
		return fmt.Errorf("session runner: load capability %s: %w", sess.CapabilityID, err)
	}
	task, err := r.Tasks.ResolveTask(ctx, sess.TaskID)
	if err != nil {
		return fmt.Errorf("session runner: resolve task %s: %w", sess.TaskID, err)
	}

	workingDir, err := r.Gate.ValidateWorkingDir(task.WorkingDir)
	if err != nil {
		return r.failStart(ctx, sess.ID, err)
	}
	env := r.Gate.BuildChildEnv(capability.EnvAllowlist)

	prompt := task.Prompt
	if prompt == "" && capability.PromptTemplate != "" {
		prompt = r.Gate.InterpolatePrompt(capability.PromptTemplate, task.Args)
	}

	ad, err := r.Adapters.New(agent)
	if err != nil {
		return r.failStart(ctx, sess.ID, err)
	}

	execID := agendo.NewID()
	exec := agendo.Execution{
		ID:           execID,
		SessionID:    sess.ID,
		TaskID:       sess.TaskID,
		AgentID:      sess.AgentID,
		CapabilityID: sess.CapabilityID,
		Status:       agendo.ExecQueued,
		WorkerID:     r.WorkerID,
	}
	if err := r.Store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("session runner: create execution: %w", err)
	}

	logPath := filepath.Join(r.LogDir, execID+".log")
	lw, err := logwriter.Open(logPath)
	if err != nil {
		return fmt.Errorf("session runner: open log: %w", err)
	}
	defer lw.Close()

	sink := &loggingEventSink{inner: r.Events, lw: lw}
	proc := sessionpkg.New(sess, ad, r.Store, sink, r.Control, r.logger())

	resumeRef := payload.ResumeRef
	if resumeRef == "" {
		resumeRef = sess.SessionRef
	}

	if err := proc.Start(ctx, prompt, resumeRef, workingDir, env); err != nil {
		_, _ = r.Store.FinalizeExecution(ctx, execID, agendo.ExecFailed, nil, agendo.NowUnix())
		return fmt.Errorf("session runner: start adapter: %w", err)
	}
	if err := r.Store.SetExecutionRunning(ctx, execID, proc.PID(), logPath, agendo.NowUnix()); err != nil {
		r.logger().Warn("persist execution running failed", "error", err, "execution_id", execID)
	}

	cancelCtx, stopCancelWatch := context.WithCancel(ctx)
	defer stopCancelWatch()
	go r.watchForCancel(cancelCtx, execID, proc, agent.Kind)

	exitCode, waitErr := proc.WaitForExit(ctx)
	stopCancelWatch()
	if waitErr != nil && ctx.Err() != nil {
		// Worker is shutting down mid-turn; leave the execution running so
		// RequeueOrphanedJobs/the stale-execution reaper can reclaim it,
		// matching internal/queue's context.Canceled contract.
		return waitErr
	}

	bytes, lines := lw.Counts()
	if err := r.Store.UpdateExecutionCounts(ctx, execID, bytes, lines); err != nil {
		r.logger().Warn("persist execution counts failed", "error", err, "execution_id", execID)
	}

	status := sessionFinalStatus(exitCode, proc.Status())
	code := exitCode
	if _, err := r.Store.FinalizeExecution(ctx, execID, status, &code, agendo.NowUnix()); err != nil {
		r.logger().Warn("finalize execution failed", "error", err, "execution_id", execID)
	}
	return nil
}

// sessionFinalStatus implements spec §4.5: succeeded if the adapter
// exited cleanly or the session settled into idle/awaiting_input (an
// idle-timeout interrupt is normal suspension, not failure); failed
// otherwise.
func sessionFinalStatus(exitCode int, postStatus agendo.SessionStatus) agendo.ExecutionStatus {
	if exitCode == 0 || postStatus == agendo.SessionIdle || postStatus == agendo.SessionAwaitingInput {
		return agendo.ExecSucceeded
	}
	return agendo.ExecFailed
}

// watchForCancel polls the execution row for an externally requested
// cancel (status flipped to cancelling), then escalates from adapter
// interrupt to a direct process-group kill per spec §5's grace windows.
func (r *SessionRunner) watchForCancel(ctx context.Context, execID string, proc *sessionpkg.Process, kind agendo.AgentKind) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exec, err := r.Store.GetExecution(ctx, execID)
			if err != nil || exec.Status != agendo.ExecCancelling {
				continue
			}
			r.escalateCancel(ctx, proc, kind)
			return
		}
	}
}

func (r *SessionRunner) escalateCancel(ctx context.Context, proc *sessionpkg.Process, kind agendo.AgentKind) {
	if err := proc.Interrupt(ctx); err != nil {
		r.logger().Warn("cancel interrupt failed", "error", err)
	}
	grace := interruptGrace[kind]
	if grace == 0 {
		grace = 3 * time.Second
	}
	if waitExit(proc, grace) {
		return
	}
	_ = proc.Kill(15) // SIGTERM
	if waitExit(proc, killGrace) {
		return
	}
	_ = proc.Kill(9) // SIGKILL
}

// waitExit reports whether proc exits within d, without propagating the
// parent job context's cancellation into the wait itself.
func waitExit(proc *sessionpkg.Process, d time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, err := proc.WaitForExit(waitCtx)
	return err == nil
}

func (r *SessionRunner) failStart(ctx context.Context, sessionID string, cause error) error {
	if _, err := r.Store.UpdateSessionStatus(ctx, sessionID, agendo.SessionEnded, "", agendo.NowUnix()); err != nil {
		r.logger().Warn("persist failed-start status failed", "error", err)
	}
	return fmt.Errorf("session runner: %w", cause)
}

// loggingEventSink mirrors every published event into the execution's log
// file before forwarding to the real notify sink, so the log file is a
// complete, independently-readable record of the turn.
type loggingEventSink struct {
	inner sessionpkg.EventSink
	lw    *logwriter.Writer
}

func (s *loggingEventSink) Publish(ctx context.Context, sessionID string, ev agendo.Event) error {
	if line, err := json.Marshal(ev); err == nil {
		_, _ = s.lw.WriteLine(logwriter.KindSystem, string(line))
	}
	return s.inner.Publish(ctx, sessionID, ev)
}
