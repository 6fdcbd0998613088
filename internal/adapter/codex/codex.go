// Package codex implements the Codex CLI wire protocol: unlike Claude,
// Codex accepts no stdin messages on a long-lived process — every turn
// spawns a fresh `codex exec` subprocess. This package presents that as a
// single virtual adapter.ManagedProcess whose callback tables are stable
// across child replacement, grounded on the deleted handle.go's
// AgentHandle (stable atomic state plus a registered-callback table
// surviving the underlying resource being replaced), here applied to a
// process handle instead of an agent-turn future.
package codex

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
	"github.com/agendo/core/internal/adapter/procutil"
)

// interruptGrace is how long Interrupt waits after SIGINT before
// escalating to SIGTERM on the current turn's child.
const interruptGrace = 5 * time.Second

// priorTurnKillGrace is how long runTurn waits after SIGTERM before
// escalating to SIGKILL against a still-live child from the previous turn.
const priorTurnKillGrace = 2 * time.Second

// itemKindsAsActivity are item.completed types with no dedicated event in
// the uniform taxonomy; they are surfaced as agent:activity so nothing
// from the item stream is silently dropped.
var itemKindsAsActivity = map[string]bool{
	"command_execution": true, "file_change": true, "mcp_tool_call": true,
	"web_search": true, "todo_list": true,
}

// Adapter drives Codex's per-turn subprocess model behind one stable
// virtual process.
type Adapter struct {
	binaryPath string
	Logger     *slog.Logger

	mu           sync.Mutex
	threadID     string
	proc         *procutil.Process
	liveTurn     bool
	killed       bool
	permission   agendo.PermissionMode
	model        string
	workingDir   string
	env          []string
	thinking     bool
	reasoningBuf map[string]string

	dataCBs      []func(agendo.Event)
	exitCBs      []func(int, error)
	thinkingCBs  []func(bool)
	sessionRefCB func(string)
	approval     adapter.ApprovalHandler

	exitOnce sync.Once
}

// New constructs a codex Adapter bound to the given binary path. logger may
// be nil, in which case a discard logger is used.
func New(binaryPath string, logger *slog.Logger) *Adapter {
	return &Adapter{binaryPath: binaryPath, Logger: logger, reasoningBuf: make(map[string]string)}
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	a.mu.Lock()
	a.permission = opts.PermissionMode
	a.model = opts.Model
	a.workingDir = opts.WorkingDir
	a.env = envSlice(opts.Env)
	a.mu.Unlock()

	if err := a.runTurn(ctx, prompt, ""); err != nil {
		return nil, err
	}
	return &managedProcess{a: a}, nil
}

func (a *Adapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	a.mu.Lock()
	a.threadID = sessionRef
	a.permission = opts.PermissionMode
	a.model = opts.Model
	a.workingDir = opts.WorkingDir
	a.env = envSlice(opts.Env)
	a.mu.Unlock()

	if err := a.runTurn(ctx, prompt, sessionRef); err != nil {
		return nil, err
	}
	return &managedProcess{a: a}, nil
}

// SendMessage spawns a fresh child for the next turn, since Codex accepts
// no new input on a running process's stdin.
func (a *Adapter) SendMessage(ctx context.Context, text string, image []byte) error {
	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()
	return a.runTurn(ctx, text, threadID)
}

// SendToolResult is unsupported: Codex resolves tool approvals through CLI
// flags chosen at spawn time (full-auto / bypass), not a runtime control
// message, so there is nothing to answer here.
func (a *Adapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	return nil
}

func (a *Adapter) runTurn(ctx context.Context, prompt, resumeThreadID string) error {
	a.mu.Lock()
	if a.killed {
		a.mu.Unlock()
		return &agendo.ErrProcessLifecycle{Op: "spawn", Reason: "adapter-killed"}
	}
	args := []string{"exec"}
	if resumeThreadID != "" {
		args = append(args, "resume", resumeThreadID)
	}
	args = append(args, prompt, "--json")
	args = append(args, permissionFlags(a.permission, resumeThreadID != "")...)
	if resumeThreadID == "" && a.workingDir != "" {
		args = append(args, "--cd", a.workingDir)
	}
	workingDir := a.workingDir
	env := a.env
	a.mu.Unlock()

	a.killLingeringChild()

	proc, err := procutil.Spawn(ctx, a.binaryPath, args, workingDir, env, a.onLine, 64*1024)
	if err != nil {
		return &agendo.ErrProcessLifecycle{Op: "spawn", Reason: err.Error()}
	}

	a.mu.Lock()
	a.proc = proc
	a.liveTurn = true
	a.mu.Unlock()

	proc.SetOnExit(a.handleTurnExit)
	return nil
}

// killLingeringChild terminates any still-live child left over from the
// previous turn before a new one is spawned. runTurn's own handleTurnExit
// marks liveTurn false on ordinary turn completion, so this only ever fires
// when the prior child is slow to exit or never produced a terminal frame.
func (a *Adapter) killLingeringChild() {
	a.mu.Lock()
	proc := a.proc
	live := a.liveTurn
	a.mu.Unlock()
	if !live || proc == nil {
		return
	}
	a.logger().Warn("killing lingering child from previous turn")
	if err := proc.Kill(15); err != nil { // SIGTERM
		a.logger().Warn("terminate lingering turn child failed", "error", err)
	}
	time.Sleep(priorTurnKillGrace)
	a.mu.Lock()
	stillLive := a.liveTurn
	a.mu.Unlock()
	if stillLive {
		if err := proc.Kill(9); err != nil { // SIGKILL
			a.logger().Warn("sigkill lingering turn child failed", "error", err)
		}
	}
}

// permissionFlags maps a permission mode to Codex CLI flags. A resume
// invocation may only pass --full-auto or
// --dangerously-bypass-approvals-and-sandbox, never --cd/--sandbox.
func permissionFlags(mode agendo.PermissionMode, resuming bool) []string {
	switch mode {
	case agendo.PermissionBypassPermissions:
		return []string{"--dangerously-bypass-approvals-and-sandbox"}
	case agendo.PermissionAcceptEdits, agendo.PermissionDontAsk:
		return []string{"--full-auto"}
	default:
		if resuming {
			return nil
		}
		return []string{"--sandbox", "workspace-write"}
	}
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// handleTurnExit is called when one turn's child process exits. A normal
// exit (code 0) after turn.completed/turn.failed is NOT a session exit —
// the virtual process stays alive for the next SendMessage. Only an
// abnormal exit (the child died without producing a terminal frame) or an
// explicit Kill surfaces through the stable exit callbacks.
func (a *Adapter) handleTurnExit(code int, err error) {
	a.mu.Lock()
	a.liveTurn = false
	killed := a.killed
	a.mu.Unlock()

	if killed {
		a.fireExit(code, err)
		return
	}
	if code != 0 {
		a.fireExit(code, err)
	}
}

func (a *Adapter) fireExit(code int, err error) {
	a.exitOnce.Do(func() {
		a.mu.Lock()
		cbs := append([]func(int, error){}, a.exitCBs...)
		a.mu.Unlock()
		for _, cb := range cbs {
			cb(code, err)
		}
	})
}

func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	live := a.liveTurn
	a.mu.Unlock()
	if !live || proc == nil {
		return nil
	}
	if err := proc.Kill(2); err != nil { // SIGINT
		return err
	}
	select {
	case <-time.After(interruptGrace):
		a.mu.Lock()
		stillLive := a.liveTurn
		a.mu.Unlock()
		if stillLive {
			return proc.Kill(15) // SIGTERM
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	return nil
}

// SetPermissionMode stores the mode for the next turn's CLI flags; Codex
// has no mid-turn permission change, only fresh/resume flag selection.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode agendo.PermissionMode) error {
	a.mu.Lock()
	a.permission = mode
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveTurn && !a.killed
}

func (a *Adapter) OnThinkingChange(cb func(bool)) {
	a.mu.Lock()
	a.thinkingCBs = append(a.thinkingCBs, cb)
	a.mu.Unlock()
}

func (a *Adapter) SetApprovalHandler(h adapter.ApprovalHandler) {
	a.mu.Lock()
	a.approval = h
	a.mu.Unlock()
}

func (a *Adapter) OnSessionRef(cb func(string)) {
	a.mu.Lock()
	a.sessionRefCB = cb
	a.mu.Unlock()
}

func (a *Adapter) ExtractSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func (a *Adapter) setThinking(v bool) {
	a.mu.Lock()
	if a.thinking == v {
		a.mu.Unlock()
		return
	}
	a.thinking = v
	cbs := append([]func(bool){}, a.thinkingCBs...)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(v)
	}
}

func (a *Adapter) emit(ev agendo.Event) {
	a.mu.Lock()
	cbs := append([]func(agendo.Event){}, a.dataCBs...)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// --- item stream frames ---

type itemFrame struct {
	Type       string          `json:"type"`
	ThreadID   string          `json:"thread_id,omitempty"`
	Cost       float64         `json:"total_cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	Item       json.RawMessage `json:"item,omitempty"`
}

// item's Text field is read from item.text, the field name spec.md
// documents. Some CLI releases instead carry reasoning content under a
// "delta" field on intermediate item.updated frames rather than a final
// item.text; reasoningBuf accumulates those deltas per item id so
// item.completed can flush them when Text arrives empty.
type item struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`
}

func (a *Adapter) onLine(line string) {
	var frame itemFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		a.logger().Warn("malformed stdout line", "error", err)
		return
	}

	switch frame.Type {
	case "thread.started":
		a.mu.Lock()
		firstCapture := a.threadID == ""
		if firstCapture {
			a.threadID = frame.ThreadID
		}
		cb := a.sessionRefCB
		a.mu.Unlock()
		if firstCapture && cb != nil {
			cb(frame.ThreadID)
		}
		if firstCapture {
			payload, _ := json.Marshal(map[string]any{"sessionRef": frame.ThreadID})
			a.emit(agendo.Event{Type: agendo.EventSessionInit, Payload: payload})
		}

	case "turn.started":
		a.setThinking(true)

	case "turn.completed", "turn.failed":
		a.setThinking(false)
		payload, _ := json.Marshal(map[string]any{
			"turns": frame.NumTurns, "durationMs": frame.DurationMs, "costUsd": frame.Cost,
		})
		a.emit(agendo.Event{Type: agendo.EventAgentResult, Payload: payload})

	case "item.updated":
		var it item
		if err := json.Unmarshal(frame.Item, &it); err != nil {
			a.logger().Warn("malformed item.updated frame", "error", err)
			return
		}
		if it.Type == "reasoning" && it.Delta != "" {
			a.mu.Lock()
			a.reasoningBuf[it.ID] += it.Delta
			a.mu.Unlock()
		}

	case "item.completed":
		var it item
		if err := json.Unmarshal(frame.Item, &it); err != nil {
			a.logger().Warn("malformed item.completed frame", "error", err)
			return
		}
		switch it.Type {
		case "agent_message":
			payload, _ := json.Marshal(map[string]any{"text": it.Text})
			a.emit(agendo.Event{Type: agendo.EventAgentText, Payload: payload})
		case "reasoning":
			text := it.Text
			if text == "" {
				a.mu.Lock()
				text = a.reasoningBuf[it.ID]
				delete(a.reasoningBuf, it.ID)
				a.mu.Unlock()
			}
			payload, _ := json.Marshal(map[string]any{"text": text})
			a.emit(agendo.Event{Type: agendo.EventAgentThinking, Payload: payload})
		default:
			if itemKindsAsActivity[it.Type] {
				payload, _ := json.Marshal(map[string]any{"itemType": it.Type, "item": frame.Item})
				a.emit(agendo.Event{Type: agendo.EventAgentActivity, Payload: payload})
			} else {
				a.logger().Warn("unrecognized item.completed type", "itemType", it.Type)
			}
		}

	default:
		a.logger().Warn("unrecognized frame type", "type", frame.Type)
	}
}

// managedProcess presents the virtual, turn-surviving process handle.
type managedProcess struct {
	a *Adapter
}

func (m *managedProcess) PID() int {
	m.a.mu.Lock()
	defer m.a.mu.Unlock()
	if m.a.proc == nil {
		return 0
	}
	return m.a.proc.PID()
}

func (m *managedProcess) OnData(cb func(agendo.Event)) {
	m.a.mu.Lock()
	m.a.dataCBs = append(m.a.dataCBs, cb)
	m.a.mu.Unlock()
}

func (m *managedProcess) OnExit(cb func(int, error)) {
	m.a.mu.Lock()
	m.a.exitCBs = append(m.a.exitCBs, cb)
	m.a.mu.Unlock()
}

// Kill marks the virtual process killed and terminates the current turn's
// child, if any; this is the only path (besides an abnormal child crash)
// that fires the stable exit callbacks.
func (m *managedProcess) Kill(signal int) error {
	m.a.mu.Lock()
	m.a.killed = true
	proc := m.a.proc
	live := m.a.liveTurn
	m.a.mu.Unlock()
	if proc == nil {
		m.a.fireExit(0, nil)
		return nil
	}
	if !live {
		m.a.fireExit(0, nil)
		return nil
	}
	return proc.Kill(signal)
}

// Factory constructs a codex Adapter for the given agent spec, matching
// internal/adapter.Factory.
func Factory(agent agendo.AgentSpec) (adapter.Adapter, error) {
	if agent.BinaryPath == "" {
		return nil, &agendo.ErrValidation{Field: "binaryPath", Reason: "missing-required"}
	}
	return New(agent.BinaryPath, nil), nil
}
