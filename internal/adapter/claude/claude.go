// Package claude implements the Claude Code CLI wire protocol: one
// long-lived process speaking line-delimited JSON over stdin/stdout,
// framed the same way spec §4.2.1 describes and grounded on
// code/subprocess.go's protocol loop (scan stdout, dispatch by a `type`
// discriminator, write JSON replies back to stdin) generalized from a
// one-shot tool-call bridge to a multi-turn conversation.
package claude

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
	"github.com/agendo/core/internal/adapter/procutil"
)

// interruptGrace is how long the adapter waits for a result frame after
// sending an interrupt control_request before escalating to SIGTERM.
const interruptGrace = 3 * time.Second

// knownSlashCommands is written as raw terminal lines, never wrapped in
// NDJSON. Every other `/...` prefixed message goes through the normal
// stream-json user-message envelope.
var knownSlashCommands = map[string]bool{
	"compact": true, "clear": true, "cost": true, "memory": true, "mcp": true,
	"permissions": true, "status": true, "doctor": true, "model": true,
	"review": true, "init": true, "bug": true, "help": true, "vim": true,
	"terminal": true, "login": true, "logout": true, "release-notes": true,
	"pr_comments": true, "exit": true,
}

// Adapter drives one claude process for the lifetime of a session.
type Adapter struct {
	binaryPath string
	Logger     *slog.Logger

	mu          sync.Mutex
	proc        *procutil.Process
	sessionRef  string
	permission  agendo.PermissionMode
	model       string
	thinking    bool
	pendingCtrl map[string]chan controlResponseMsg

	dataCBs      []func(agendo.Event)
	exitCBs      []func(int, error)
	thinkingCBs  []func(bool)
	sessionRefCB func(string)
	approval     adapter.ApprovalHandler

	exitOnce sync.Once
}

// New constructs a claude Adapter bound to the given binary path. logger may
// be nil, in which case a discard logger is used.
func New(binaryPath string, logger *slog.Logger) *Adapter {
	return &Adapter{binaryPath: binaryPath, Logger: logger, pendingCtrl: make(map[string]chan controlResponseMsg)}
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	return a.spawn(ctx, prompt, "", opts)
}

func (a *Adapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	return a.spawn(ctx, prompt, sessionRef, opts)
}

func (a *Adapter) spawn(ctx context.Context, prompt, resumeRef string, opts adapter.SpawnOptions) (adapter.ManagedProcess, error) {
	args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--verbose", "--permission-mode", string(opts.PermissionMode)}
	if resumeRef != "" {
		args = append(args, "--resume", resumeRef)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	a.mu.Lock()
	a.permission = opts.PermissionMode
	a.model = opts.Model
	a.mu.Unlock()

	proc, err := procutil.Spawn(ctx, a.binaryPath, args, opts.WorkingDir, env, a.onLine, 64*1024)
	if err != nil {
		return nil, &agendo.ErrProcessLifecycle{Op: "spawn", Reason: err.Error()}
	}

	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()

	proc.SetOnExit(a.handleExit)

	if prompt != "" {
		if err := a.SendMessage(ctx, prompt, nil); err != nil {
			return nil, err
		}
	}

	return &managedProcess{a: a, proc: proc}, nil
}

// SendMessage writes an outbound stream-json user message, or a raw
// terminal line for the known-slash-command set.
func (a *Adapter) SendMessage(ctx context.Context, text string, image []byte) error {
	a.mu.Lock()
	proc := a.proc
	ref := a.sessionRef
	a.mu.Unlock()
	if proc == nil {
		return &agendo.ErrProcessLifecycle{Op: "send", Reason: "no-process"}
	}

	if cmd, ok := parseKnownSlashCommand(text); ok {
		return proc.WriteLine(cmd)
	}

	var content any
	if len(image) == 0 {
		content = text
	} else {
		content = []map[string]any{
			{"type": "text", "text": text},
			{"type": "image", "source": map[string]any{
				"type":       "base64",
				"media_type": "image/png",
				"data":       base64.StdEncoding.EncodeToString(image),
			}},
		}
	}

	line := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
		"session_id":         ref,
		"parent_tool_use_id": nil,
	}
	return writeJSONLine(proc, line)
}

func parseKnownSlashCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.TrimPrefix(text, "/")
	if idx := strings.IndexAny(name, " \t"); idx >= 0 {
		name = name[:idx]
	}
	if knownSlashCommands[name] {
		return text, true
	}
	return "", false
}

// SendToolResult answers a tool_use_id with content.
func (a *Adapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	a.mu.Lock()
	proc := a.proc
	ref := a.sessionRef
	a.mu.Unlock()
	if proc == nil {
		return &agendo.ErrProcessLifecycle{Op: "send", Reason: "no-process"}
	}
	line := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "tool_result", "tool_use_id": toolUseID, "content": content},
			},
		},
		"session_id":         ref,
		"parent_tool_use_id": nil,
	}
	return writeJSONLine(proc, line)
}

// Interrupt sends a control_request{subtype:"interrupt"} and waits for the
// next result frame (which the onLine dispatcher signals by delivering an
// ack on the pending channel registered here); if no ack arrives within
// interruptGrace, it sends SIGTERM to the process group itself.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}

	ch := a.registerPending("interrupt-ack")
	line := map[string]any{
		"type": "control_request",
		"request": map[string]any{
			"subtype": "interrupt",
		},
	}
	if err := writeJSONLine(proc, line); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(interruptGrace):
		return proc.Kill(15) // SIGTERM
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	a.model = model
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}
	return a.SendMessage(ctx, "/model "+model, nil)
}

// SetPermissionMode persists the mode and sends /permissions so a live
// process picks it up on its next turn; Claude has no dedicated control
// frame for this, so the known slash command carries it instead.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode agendo.PermissionMode) error {
	a.mu.Lock()
	a.permission = mode
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.WriteLine("/permissions")
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
	return a.sessionRef
}

func (a *Adapter) registerPending(key string) chan controlResponseMsg {
	ch := make(chan controlResponseMsg, 1)
	a.mu.Lock()
	a.pendingCtrl[key] = ch
	a.mu.Unlock()
	return ch
}

func (a *Adapter) resolvePending(key string, msg controlResponseMsg) {
	a.mu.Lock()
	ch, ok := a.pendingCtrl[key]
	if ok {
		delete(a.pendingCtrl, key)
	}
	a.mu.Unlock()
	if ok {
		ch <- msg
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
	a.exitOnce.Do(func() {
		a.mu.Lock()
		a.proc = nil
		cbs := append([]func(int, error){}, a.exitCBs...)
		a.mu.Unlock()
		for _, cb := range cbs {
			cb(code, err)
		}
	})
}

// --- inbound frame types ---

type inboundFrame struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Request json.RawMessage `json:"request,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Cost      float64       `json:"total_cost_usd,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
	NumTurns   int          `json:"num_turns,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	ToolUseID string        `json:"tool_use_id,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type controlRequestFrame struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type controlResponseMsg struct{}

var seqCounter int64

func nextSeq() int64 { return atomic.AddInt64(&seqCounter, 1) }

// onLine dispatches one line of Claude's stdout NDJSON stream, mapping it
// to zero or more agendo.Event values per spec §4.4, preserving ordering
// within a turn.
func (a *Adapter) onLine(line string) {
	var frame inboundFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		a.logger().Warn("malformed stdout line", "error", err)
		return
	}

	switch frame.Type {
	case "system":
		if frame.Subtype == "init" {
			a.mu.Lock()
			a.sessionRef = frame.SessionID
			cb := a.sessionRefCB
			a.mu.Unlock()
			if cb != nil {
				cb(frame.SessionID)
			}
			payload, _ := json.Marshal(map[string]any{"sessionRef": frame.SessionID})
			a.emit(agendo.Event{Type: agendo.EventSessionInit, Payload: payload})
		} else {
			payload, _ := json.Marshal(map[string]any{"message": line})
			a.emit(agendo.Event{Type: agendo.EventSystemInfo, Payload: payload})
		}

	case "assistant":
		a.setThinking(true)
		var am assistantMessage
		if err := json.Unmarshal(frame.Message, &am); err != nil {
			a.logger().Warn("malformed assistant message", "error", err)
		}
		for _, block := range am.Content {
			switch block.Type {
			case "text":
				payload, _ := json.Marshal(map[string]any{"text": block.Text})
				a.emit(agendo.Event{Type: agendo.EventAgentText, Payload: payload})
			case "tool_use":
				payload, _ := json.Marshal(map[string]any{
					"toolUseId": block.ID, "toolName": block.Name, "input": block.Input,
				})
				a.emit(agendo.Event{Type: agendo.EventAgentToolStart, Payload: payload})
			}
		}

	case "user":
		var um assistantMessage
		if err := json.Unmarshal(frame.Message, &um); err != nil {
			a.logger().Warn("malformed user message", "error", err)
		}
		for _, block := range um.Content {
			if block.Type == "tool_result" {
				payload, _ := json.Marshal(map[string]any{
					"toolUseId": block.ToolUseID, "content": block.Content, "isError": block.IsError,
				})
				a.emit(agendo.Event{Type: agendo.EventAgentToolEnd, Payload: payload})
			}
		}

	case "result":
		a.setThinking(false)
		payload, _ := json.Marshal(map[string]any{
			"turns": frame.NumTurns, "durationMs": frame.DurationMs, "costUsd": frame.Cost,
		})
		a.emit(agendo.Event{Type: agendo.EventAgentResult, Payload: payload})
		a.resolvePending("interrupt-ack", controlResponseMsg{})

	case "control_request":
		var req controlRequestFrame
		_ = json.Unmarshal(frame.Request, &req)
		if req.Subtype != "can_use_tool" {
			a.logger().Warn("unhandled control_request subtype", "subtype", req.Subtype)
			return
		}
		a.mu.Lock()
		handler := a.approval
		proc := a.proc
		a.mu.Unlock()
		if handler == nil || proc == nil {
			a.logger().Warn("can_use_tool control_request with no approval handler or live process")
			return
		}
		approvalID := frame.RequestID
		if approvalID == "" {
			approvalID = strconv.FormatInt(nextSeq(), 10)
		}
		go func() {
			result := handler(context.Background(), approvalID, req.ToolName, req.Input)
			resp := map[string]any{
				"type":       "control_response",
				"request_id": frame.RequestID,
				"response": map[string]any{
					"subtype":      decisionSubtype(result.Decision),
					"updatedInput": result.UpdatedInput,
				},
			}
			_ = writeJSONLine(proc, resp)
			a.applyPostApproval(context.Background(), result)
		}()

	default:
		a.logger().Warn("unrecognized frame type", "type", frame.Type)
	}
}

// applyPostApproval issues the compact/clear-restart side effects an
// approval decision may carry, per the approval-decision contract. Claude
// is the only agent CLI with native /compact and /clear slash commands, so
// only its adapter acts on these fields; Codex/Gemini leave them unused.
func (a *Adapter) applyPostApproval(ctx context.Context, result agendo.ApprovalResult) {
	if result.ClearContextRestart {
		if err := a.SendMessage(ctx, "/clear", nil); err != nil {
			a.logger().Warn("post-approval /clear failed", "error", err)
		}
		return
	}
	if result.PostApprovalCompact {
		if err := a.SendMessage(ctx, "/compact", nil); err != nil {
			a.logger().Warn("post-approval /compact failed", "error", err)
		}
	}
}

func decisionSubtype(d agendo.ApprovalDecision) string {
	if d == agendo.DecisionAllow {
		return "allow"
	}
	return "deny"
}

func writeJSONLine(proc *procutil.Process, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return proc.WriteLine(string(data))
}

// managedProcess adapts procutil.Process + Adapter callback registration
// into the adapter.ManagedProcess contract.
type managedProcess struct {
	a    *Adapter
	proc *procutil.Process
}

func (m *managedProcess) PID() int { return m.proc.PID() }

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

func (m *managedProcess) Kill(signal int) error { return m.proc.Kill(signal) }

// Factory constructs a claude Adapter for the given agent spec, matching
// internal/adapter.Factory.
func Factory(agent agendo.AgentSpec) (adapter.Adapter, error) {
	if agent.BinaryPath == "" {
		return nil, &agendo.ErrValidation{Field: "binaryPath", Reason: "missing-required"}
	}
	return New(agent.BinaryPath, nil), nil
}
