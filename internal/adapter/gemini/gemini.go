// Package gemini implements the Gemini CLI wire protocol: ACP JSON-RPC 2.0
// over stdin/stdout. Grounded on code/subprocess.go's scan-dispatch-reply
// loop, generalized from a line-oriented custom protocol to numeric-id
// JSON-RPC request/response correlation with a pending-request table, the
// shape spec §4.2.3 describes.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
	"github.com/agendo/core/internal/adapter/procutil"
)

// interruptGrace is how long Interrupt waits after cancelRequest before
// killing the process group.
const interruptGrace = 2 * time.Second

// Adapter drives one `gemini --experimental-acp` process for the lifetime
// of a session.
type Adapter struct {
	binaryPath string
	Logger     *slog.Logger

	mu        sync.Mutex
	proc      *procutil.Process
	sessionID string
	nextID    int64
	pending   map[int64]chan rpcMessage
	thinking  bool

	dataCBs      []func(agendo.Event)
	exitCBs      []func(int, error)
	thinkingCBs  []func(bool)
	sessionRefCB func(string)
	approval     adapter.ApprovalHandler

	exitOnce sync.Once
}

// New constructs a gemini Adapter bound to the given binary path. logger may
// be nil, in which case a discard logger is used.
func New(binaryPath string, logger *slog.Logger) *Adapter {
	return &Adapter{binaryPath: binaryPath, Logger: logger, pending: make(map[int64]chan rpcMessage)}
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	return a.spawnAndHandshake(ctx, prompt, opts)
}

// Resume is identical to Spawn for Gemini: ACP has no resume verb distinct
// from session/new in this contract, so a caller wanting the same
// conversation must keep its own process alive; a fresh handshake here
// starts a new ACP session.
func (a *Adapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	return a.spawnAndHandshake(ctx, prompt, opts)
}

func (a *Adapter) spawnAndHandshake(ctx context.Context, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	env := envSlice(opts.Env)
	proc, err := procutil.Spawn(ctx, a.binaryPath, []string{"--experimental-acp"}, opts.WorkingDir, env, a.onLine, 64*1024)
	if err != nil {
		return nil, &agendo.ErrProcessLifecycle{Op: "spawn", Reason: err.Error()}
	}

	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()
	proc.SetOnExit(a.handleExit)

	if _, err := a.call(ctx, "initialize", map[string]any{"protocolVersion": 1}); err != nil {
		return nil, err
	}
	newResp, err := a.call(ctx, "session/new", map[string]any{"cwd": opts.WorkingDir, "mcpServers": []any{}})
	if err != nil {
		return nil, err
	}
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	if len(newResp) > 0 {
		_ = json.Unmarshal(newResp, &newResult)
	}

	a.mu.Lock()
	a.sessionID = newResult.SessionID
	cb := a.sessionRefCB
	a.mu.Unlock()
	if cb != nil {
		cb(newResult.SessionID)
	}
	payload, _ := json.Marshal(map[string]any{"sessionRef": newResult.SessionID})
	a.emit(agendo.Event{Type: agendo.EventSessionInit, Payload: payload})

	if prompt != "" {
		if err := a.SendMessage(ctx, prompt, nil); err != nil {
			return nil, err
		}
	}

	return &managedProcess{a: a}, nil
}

// SendMessage issues a session/prompt request. Per ACP, the call does not
// return until the turn completes, so it is dispatched on its own
// goroutine; completion surfaces through the usual session/update
// notifications and the eventual agent:result event.
func (a *Adapter) SendMessage(ctx context.Context, text string, image []byte) error {
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()

	blocks := []map[string]any{{"type": "text", "text": text}}
	if len(image) > 0 {
		blocks = append(blocks, map[string]any{"type": "image", "data": image})
	}
	a.setThinking(true)
	go func() {
		_, _ = a.call(ctx, "session/prompt", map[string]any{"sessionId": sid, "prompt": blocks})
		a.setThinking(false)
		payload, _ := json.Marshal(map[string]any{})
		a.emit(agendo.Event{Type: agendo.EventAgentResult, Payload: payload})
	}()
	return nil
}

// SendToolResult has no ACP analogue: tool permission outcomes are
// answered inline by SetApprovalHandler's response to
// session/request_permission, not by a separate follow-up call.
func (a *Adapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	return nil
}

// Interrupt cancels every pending request, waits interruptGrace, then
// sends SIGTERM to the process group.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	pendingIDs := make([]int64, 0, len(a.pending))
	for id := range a.pending {
		pendingIDs = append(pendingIDs, id)
	}
	a.mu.Unlock()
	if proc == nil {
		return nil
	}

	for _, id := range pendingIDs {
		_ = a.notify(ctx, "cancelRequest", map[string]any{"requestId": id})
	}

	select {
	case <-time.After(interruptGrace):
		return proc.Kill(15) // SIGTERM
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SetModel(ctx context.Context, model string) error {
	return nil // ACP has no model-change verb in this contract
}

// SetPermissionMode is a no-op: ACP permission decisions are made per
// request via session/request_permission, not a persistent session mode.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode agendo.PermissionMode) error {
	return nil
}

func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proc != nil
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
	return a.sessionID
}

// --- JSON-RPC plumbing ---

type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	proc := a.proc
	id := atomic.AddInt64(&a.nextID, 1)
	ch := make(chan rpcMessage, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	rawParams, _ := json.Marshal(params)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": json.RawMessage(rawParams)}
	data, _ := json.Marshal(req)
	if err := proc.WriteLine(string(data)); err != nil {
		a.removePending(id)
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, &agendo.ErrAdapterProtocol{Adapter: "gemini", Line: msg.Error.Message}
		}
		return msg.Result, nil
	case <-ctx.Done():
		a.removePending(id)
		return nil, ctx.Err()
	}
}

func (a *Adapter) notify(ctx context.Context, method string, params any) error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}
	rawParams, _ := json.Marshal(params)
	req := map[string]any{"jsonrpc": "2.0", "method": method, "params": json.RawMessage(rawParams)}
	data, _ := json.Marshal(req)
	return proc.WriteLine(string(data))
}

func (a *Adapter) removePending(id int64) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// onLine dispatches one ACP JSON-RPC line: a response (id + result/error)
// resolves a pending call; a server-initiated request (id + method) is
// session/request_permission; a notification (no id) is session/update.
func (a *Adapter) onLine(line string) {
	var msg rpcMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		a.logger().Warn("malformed stdout line", "error", err)
		return
	}

	if msg.ID != nil && msg.Method == "" {
		a.mu.Lock()
		ch, ok := a.pending[*msg.ID]
		if ok {
			delete(a.pending, *msg.ID)
		}
		a.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	if msg.ID != nil && msg.Method != "" {
		a.handleServerRequest(*msg.ID, msg.Method, msg.Params)
		return
	}

	if msg.Method == "session/update" {
		a.handleSessionUpdate(msg.Params)
		return
	}

	a.logger().Warn("unrecognized notification method", "method", msg.Method)
}

func (a *Adapter) handleServerRequest(id int64, method string, params json.RawMessage) {
	if method != "session/request_permission" {
		a.logger().Warn("unrecognized server request method", "method", method)
		return
	}
	var req struct {
		ToolCall struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"toolCall"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		a.logger().Warn("malformed request_permission params", "error", err)
	}

	a.mu.Lock()
	handler := a.approval
	proc := a.proc
	a.mu.Unlock()
	if handler == nil || proc == nil {
		a.logger().Warn("request_permission with no approval handler or live process")
		return
	}

	go func() {
		approvalID := fmt.Sprintf("gemini-%d", id)
		result := handler(context.Background(), approvalID, req.ToolCall.Name, req.ToolCall.Input)
		optionID := "decline"
		if result.Decision == agendo.DecisionAllow {
			optionID = "proceed_once"
		}
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": optionID}},
		}
		data, _ := json.Marshal(resp)
		_ = proc.WriteLine(string(data))

		// ACP has no /compact or /clear analogue in this contract; Codex and
		// Gemini leave PostApprovalCompact/ClearContextRestart unconsumed,
		// only Claude's slash commands act on them.
		if result.PostApprovalCompact || result.ClearContextRestart {
			a.logger().Warn("post-approval compact/clear-restart requested but unsupported by this adapter")
		}
	}()
}

type sessionUpdatePayload struct {
	Update struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"update"`
}

func (a *Adapter) handleSessionUpdate(params json.RawMessage) {
	var p sessionUpdatePayload
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger().Warn("malformed session/update params", "error", err)
		return
	}
	if p.Update.Content.Type != "text" {
		a.logger().Warn("unrecognized session/update content type", "sessionUpdate", p.Update.SessionUpdate, "contentType", p.Update.Content.Type)
		return
	}
	switch p.Update.SessionUpdate {
	case "agent_message_chunk":
		payload, _ := json.Marshal(map[string]any{"text": p.Update.Content.Text})
		a.emit(agendo.Event{Type: agendo.EventAgentTextDelta, Payload: payload})
	case "agent_thought_chunk":
		payload, _ := json.Marshal(map[string]any{"text": p.Update.Content.Text})
		a.emit(agendo.Event{Type: agendo.EventAgentThinking, Payload: payload})
	default:
		a.logger().Warn("unrecognized session/update kind", "sessionUpdate", p.Update.SessionUpdate)
	}
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

func (a *Adapter) handleExit(code int, err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]chan rpcMessage)
	a.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcMessage{Error: &rpcError{Code: -1, Message: "process exited"}}
	}

	a.exitOnce.Do(func() {
		a.mu.Lock()
		cbs := append([]func(int, error){}, a.exitCBs...)
		a.mu.Unlock()
		for _, cb := range cbs {
			cb(code, err)
		}
	})
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

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

func (m *managedProcess) Kill(signal int) error {
	m.a.mu.Lock()
	proc := m.a.proc
	m.a.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill(signal)
}

// Factory constructs a gemini Adapter for the given agent spec, matching
// internal/adapter.Factory.
func Factory(agent agendo.AgentSpec) (adapter.Adapter, error) {
	if agent.BinaryPath == "" {
		return nil, &agendo.ErrValidation{Field: "binaryPath", Reason: "missing-required"}
	}
	return New(agent.BinaryPath, nil), nil
}
