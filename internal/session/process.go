// Package session implements the per-session state machine: it owns one
// adapter, multiplexes adapter events and control-channel input, persists
// and publishes every observable occurrence, runs the tool-approval
// pipeline, and exposes a single-fire exit Future. Grounded on the deleted
// suspend.go's ErrSuspended (idle-as-suspension, TTL-guarded resume) and
// the deleted handle.go's AgentHandle (atomic state plus a single
// happens-before exit barrier), both generalized from one agent turn to a
// whole session's lifetime.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
)

// deltaBatchWindow coalesces agent:text-delta chunks before publishing,
// matching spec §4.3's ~200ms batching window.
const deltaBatchWindow = 200 * time.Millisecond

// EventSink publishes a session event to the notify bus. Implemented by
// internal/notify; kept as an interface here so internal/session never
// imports a store driver.
type EventSink interface {
	Publish(ctx context.Context, sessionID string, ev agendo.Event) error
}

// ControlSource delivers control-channel envelopes addressed to one
// session. unsubscribe must be safe to call more than once.
type ControlSource interface {
	Subscribe(ctx context.Context, sessionID string) (ch <-chan agendo.ControlEnvelope, unsubscribe func(), err error)
}

// Process is one running (or idle-pending-resume) session's state machine.
type Process struct {
	id          string
	store       agendo.Store
	adapter     adapter.Adapter
	events      EventSink
	control     ControlSource
	idleTimeout time.Duration
	logger      *slog.Logger

	mu               sync.Mutex
	status           agendo.SessionStatus
	sessionRef       string
	permissionMode   agendo.PermissionMode
	proc             adapter.ManagedProcess
	pendingApprovals map[string]chan agendo.ApprovalResult
	idleTimer        *time.Timer
	unsubscribe      func()

	deltaMu    sync.Mutex
	deltaBuf   strings.Builder
	deltaTimer *time.Timer

	exitOnce sync.Once
	exitCh   chan struct{}
	exitCode int
	exitErr  error
}

// New constructs a Process for an already-loaded session row.
func New(sess agendo.Session, ad adapter.Adapter, store agendo.Store, events EventSink, control ControlSource, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var idleTimeout time.Duration
	if sess.IdleTimeoutSec != nil {
		idleTimeout = time.Duration(*sess.IdleTimeoutSec) * time.Second
	}
	return &Process{
		id:               sess.ID,
		store:            store,
		adapter:          ad,
		events:           events,
		control:          control,
		idleTimeout:      idleTimeout,
		logger:           logger.With("session_id", sess.ID),
		status:           sess.Status,
		sessionRef:       sess.SessionRef,
		permissionMode:   sess.PermissionMode,
		pendingApprovals: make(map[string]chan agendo.ApprovalResult),
		exitCh:           make(chan struct{}),
	}
}

// Start spawns (or resumes) the adapter and begins the session's run loop.
// It blocks only long enough to issue the spawn; control/event handling
// continues on background goroutines until WaitForExit unblocks.
func (p *Process) Start(ctx context.Context, prompt, resumeRef, workingDir string, env map[string]string) error {
	p.adapter.SetApprovalHandler(p.handleApproval)
	p.adapter.OnSessionRef(p.handleSessionRef)

	opts := adapter.SpawnOptions{WorkingDir: workingDir, Env: env, PermissionMode: p.permissionMode}

	var proc adapter.ManagedProcess
	var err error
	if resumeRef != "" {
		proc, err = p.adapter.Resume(ctx, resumeRef, prompt, opts)
	} else {
		proc, err = p.adapter.Spawn(ctx, prompt, opts)
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.proc = proc
	p.status = agendo.SessionActive
	p.mu.Unlock()
	if _, err := p.store.UpdateSessionStatus(ctx, p.id, agendo.SessionActive, "", agendo.NowUnix()); err != nil {
		p.logger.Warn("persist active status failed", "error", err)
	}

	proc.OnData(func(ev agendo.Event) { p.handleAdapterEvent(ctx, ev) })
	proc.OnExit(func(code int, err error) { p.handleExit(ctx, code, err) })

	ch, unsubscribe, err := p.control.Subscribe(ctx, p.id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	go p.controlLoop(ctx, ch)
	return nil
}

func (p *Process) controlLoop(ctx context.Context, ch <-chan agendo.ControlEnvelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			p.handleControl(ctx, env)
		case <-p.exitCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// WaitForExit blocks until the adapter's process has exited, returning the
// exit code. A single exitOnce guard (see handleExit) makes this safe to
// call once the process has already finished.
func (p *Process) WaitForExit(ctx context.Context) (int, error) {
	select {
	case <-p.exitCh:
		p.mu.Lock()
		code, err := p.exitCode, p.exitErr
		p.mu.Unlock()
		return code, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// PID returns the live child's process id, or 0 before Start completes.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return 0
	}
	return p.proc.PID()
}

// Interrupt asks the adapter to stop the in-flight turn gracefully. The
// session runner calls this on an external cancel request, escalating to
// Kill if the process has not exited within the per-adapter grace window.
func (p *Process) Interrupt(ctx context.Context) error {
	return p.adapter.Interrupt(ctx)
}

// Kill signals the child's process group directly, bypassing the adapter.
// Used by the session runner once Interrupt's grace window has elapsed.
func (p *Process) Kill(signal int) error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill(signal)
}

// Status reports the session's current live status.
func (p *Process) Status() agendo.SessionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SessionRef reports the adapter-owned conversation ref, once captured.
func (p *Process) SessionRef() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionRef
}

func (p *Process) handleSessionRef(ref string) {
	p.mu.Lock()
	p.sessionRef = ref
	p.mu.Unlock()
}

// --- adapter event handling ---

func (p *Process) handleAdapterEvent(ctx context.Context, ev agendo.Event) {
	if ev.Type == agendo.EventAgentTextDelta {
		p.bufferDelta(ctx, ev)
		return
	}

	ev.SessionID = p.id
	ev.CreatedAt = agendo.NowUnix()
	seq, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		p.logger.Error("append event failed", "error", err, "type", ev.Type)
		return
	}
	ev.ID = ""
	ev.Seq = seq

	if err := p.events.Publish(ctx, p.id, ev); err != nil {
		p.logger.Warn("publish event failed", "error", err, "type", ev.Type)
	}

	switch ev.Type {
	case agendo.EventSessionInit:
		var payload struct {
			SessionRef string `json:"sessionRef"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		if payload.SessionRef != "" {
			if _, err := p.store.UpdateSessionStatus(ctx, p.id, agendo.SessionActive, payload.SessionRef, agendo.NowUnix()); err != nil {
				p.logger.Warn("persist session ref failed", "error", err)
			}
		}

	case agendo.EventAgentResult:
		var payload struct {
			Turns      int     `json:"turns"`
			DurationMs int64   `json:"durationMs"`
			CostUsd    float64 `json:"costUsd"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		if err := p.store.AccumulateSessionUsage(ctx, p.id, payload.CostUsd, payload.Turns, payload.DurationMs); err != nil {
			p.logger.Warn("accumulate usage failed", "error", err)
		}
		p.transitionTo(ctx, agendo.SessionAwaitingInput)
		p.armIdleTimer(ctx)
	}
}

func (p *Process) bufferDelta(ctx context.Context, ev agendo.Event) {
	var payload struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(ev.Payload, &payload)

	p.deltaMu.Lock()
	p.deltaBuf.WriteString(payload.Text)
	if p.deltaTimer == nil {
		p.deltaTimer = time.AfterFunc(deltaBatchWindow, func() { p.flushDelta(ctx) })
	}
	p.deltaMu.Unlock()
}

func (p *Process) flushDelta(ctx context.Context) {
	p.deltaMu.Lock()
	text := p.deltaBuf.String()
	p.deltaBuf.Reset()
	p.deltaTimer = nil
	p.deltaMu.Unlock()
	if text == "" {
		return
	}
	payload, _ := json.Marshal(map[string]any{"text": text})
	ev := agendo.Event{SessionID: p.id, Type: agendo.EventAgentTextDelta, Payload: payload, CreatedAt: agendo.NowUnix()}
	if err := p.events.Publish(ctx, p.id, ev); err != nil {
		p.logger.Warn("publish delta failed", "error", err)
	}
}

func (p *Process) transitionTo(ctx context.Context, status agendo.SessionStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	if _, err := p.store.UpdateSessionStatus(ctx, p.id, status, "", agendo.NowUnix()); err != nil {
		p.logger.Warn("persist status transition failed", "error", err, "status", status)
	}
	payload, _ := json.Marshal(map[string]any{"status": status})
	_ = p.events.Publish(ctx, p.id, agendo.Event{SessionID: p.id, Type: agendo.EventSessionState, Payload: payload, CreatedAt: agendo.NowUnix()})
}

// armIdleTimer starts a single timer that fires an interrupt when the
// session has sat in awaiting_input for idle_timeout_sec. A stop-before-
// rearm guard keeps exactly one timer live per spec §4.3.
func (p *Process) armIdleTimer(ctx context.Context) {
	if p.idleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.onIdleFire(ctx) })
	p.mu.Unlock()
}

func (p *Process) onIdleFire(ctx context.Context) {
	p.logger.Info("idle timeout fired, interrupting")
	if err := p.adapter.Interrupt(ctx); err != nil {
		p.logger.Warn("idle interrupt failed", "error", err)
	}
}

// --- control channel ---

func (p *Process) handleControl(ctx context.Context, env agendo.ControlEnvelope) {
	switch env.Type {
	case agendo.ControlMessage:
		p.mu.Lock()
		status := p.status
		p.mu.Unlock()
		if status != agendo.SessionActive && status != agendo.SessionAwaitingInput {
			return // idle/ended: the API layer performs cold-resume instead
		}
		var payload agendo.ControlMessagePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		if status == agendo.SessionAwaitingInput {
			p.stopIdleTimer()
			p.transitionTo(ctx, agendo.SessionActive)
		}
		var image []byte
		if payload.Image != "" {
			image = []byte(payload.Image)
		}
		if err := p.adapter.SendMessage(ctx, payload.Text, image); err != nil {
			p.logger.Warn("send message failed", "error", err)
		}

	case agendo.ControlToolResult:
		var payload agendo.ControlToolResultPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		if err := p.adapter.SendToolResult(ctx, payload.ID, payload.Content); err != nil {
			p.logger.Warn("send tool result failed", "error", err)
		}

	case agendo.ControlApprovalDecide:
		var payload agendo.ControlApprovalPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		p.resolveApproval(ctx, payload)

	case agendo.ControlInterrupt:
		if err := p.adapter.Interrupt(ctx); err != nil {
			p.logger.Warn("interrupt failed", "error", err)
		}

	case agendo.ControlSetPermission:
		var payload agendo.ControlPermissionPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		p.mu.Lock()
		p.permissionMode = payload.Mode
		status := p.status
		p.mu.Unlock()
		if err := p.store.UpdateSessionPermissionMode(ctx, p.id, payload.Mode); err != nil {
			p.logger.Warn("persist permission mode failed", "error", err)
		}
		if status == agendo.SessionActive || status == agendo.SessionAwaitingInput {
			if err := p.adapter.SetPermissionMode(ctx, payload.Mode); err != nil {
				p.logger.Warn("adapter set permission mode failed", "error", err)
			}
		}

	case agendo.ControlSetModel:
		var payload agendo.ControlModelPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		if err := p.store.UpdateSessionModel(ctx, p.id, payload.Model); err != nil {
			p.logger.Warn("persist model failed", "error", err)
		}
		if err := p.adapter.SetModel(ctx, payload.Model); err != nil {
			p.logger.Warn("adapter set model failed", "error", err)
		}
	}
}

func (p *Process) stopIdleTimer() {
	p.mu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()
}

// --- tool approval pipeline ---

func (p *Process) handleApproval(ctx context.Context, approvalID, toolName string, input json.RawMessage) agendo.ApprovalResult {
	ch := make(chan agendo.ApprovalResult, 1)
	p.mu.Lock()
	p.pendingApprovals[approvalID] = ch
	p.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"approvalId": approvalID, "toolName": toolName, "toolInput": input, "dangerLevel": agendo.DangerLow,
	})
	if err := p.events.Publish(ctx, p.id, agendo.Event{SessionID: p.id, Type: agendo.EventAgentApproval, Payload: payload, CreatedAt: agendo.NowUnix()}); err != nil {
		p.logger.Warn("publish approval request failed", "error", err)
	}

	select {
	case result := <-ch:
		return result
	case <-p.exitCh:
		return agendo.ApprovalResult{Decision: agendo.DecisionDeny}
	case <-ctx.Done():
		return agendo.ApprovalResult{Decision: agendo.DecisionDeny}
	}
}

func (p *Process) resolveApproval(ctx context.Context, decision agendo.ControlApprovalPayload) {
	p.mu.Lock()
	ch, ok := p.pendingApprovals[decision.ApprovalID]
	if ok {
		delete(p.pendingApprovals, decision.ApprovalID)
	}
	mode := decision.PostApprovalMode
	p.mu.Unlock()
	if !ok {
		return
	}

	if mode != "" {
		p.mu.Lock()
		p.permissionMode = mode
		p.mu.Unlock()
		if err := p.store.UpdateSessionPermissionMode(ctx, p.id, mode); err != nil {
			p.logger.Warn("persist post-approval mode failed", "error", err)
		}
	}

	ch <- agendo.ApprovalResult{
		Decision:            decision.Decision,
		UpdatedInput:        decision.UpdatedInput,
		PostApprovalMode:    mode,
		PostApprovalCompact: decision.PostApprovalCompact,
		ClearContextRestart: decision.ClearContextRestart,
	}
}

func (p *Process) denyAllPendingApprovals() {
	p.mu.Lock()
	pending := p.pendingApprovals
	p.pendingApprovals = make(map[string]chan agendo.ApprovalResult)
	p.mu.Unlock()
	for _, ch := range pending {
		ch <- agendo.ApprovalResult{Decision: agendo.DecisionDeny}
	}
}

// --- exit ---

// handleExit is the adapter's single onExit callback. It decides the
// post-exit session status (idle if a session ref was ever captured,
// otherwise ended), persists it, resolves any in-flight approvals as deny,
// and fires the exit Future exactly once.
func (p *Process) handleExit(ctx context.Context, code int, err error) {
	p.exitOnce.Do(func() {
		p.stopIdleTimer()
		p.denyAllPendingApprovals()

		p.mu.Lock()
		ref := p.sessionRef
		unsubscribe := p.unsubscribe
		p.mu.Unlock()

		nextStatus := agendo.SessionEnded
		if ref != "" {
			nextStatus = agendo.SessionIdle
		}
		p.mu.Lock()
		p.status = nextStatus
		p.exitCode = code
		p.exitErr = err
		p.mu.Unlock()

		if _, serr := p.store.UpdateSessionStatus(ctx, p.id, nextStatus, "", agendo.NowUnix()); serr != nil {
			p.logger.Warn("persist post-exit status failed", "error", serr)
		}
		payload, _ := json.Marshal(map[string]any{"status": nextStatus})
		_ = p.events.Publish(ctx, p.id, agendo.Event{SessionID: p.id, Type: agendo.EventSessionState, Payload: payload, CreatedAt: agendo.NowUnix()})

		if unsubscribe != nil {
			unsubscribe()
		}
		close(p.exitCh)
	})
}
