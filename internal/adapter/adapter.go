// Package adapter defines the single contract behind which the three
// agent-CLI wire protocols (Claude NDJSON, Codex per-turn JSONL, Gemini
// ACP JSON-RPC) are hidden. internal/session drives every adapter through
// this contract alone; protocol differences never leak past it.
package adapter

import (
	"context"

	agendo "github.com/agendo/core"
)

// SpawnOptions configures a fresh adapter process.
type SpawnOptions struct {
	WorkingDir     string
	Env            map[string]string
	PermissionMode agendo.PermissionMode
	Model          string
}

// ApprovalHandler is invoked when the adapter needs a tool-use decision
// from the session process. It blocks until the decision is available.
type ApprovalHandler func(ctx context.Context, approvalID, toolName string, input []byte) agendo.ApprovalResult

// ManagedProcess is the handle an adapter returns from Spawn/Resume. It
// always represents a detached child in its own process group; Kill
// targets the group, never a single pid.
type ManagedProcess interface {
	// PID returns the process id of the (currently) live child. For
	// Codex's virtual process this changes across turns.
	PID() int
	// OnData registers a callback invoked with every mapped Event. May be
	// called multiple times; callbacks fire in registration order.
	OnData(cb func(agendo.Event))
	// OnExit registers a callback invoked exactly once when the process
	// (or, for Codex, the last live child tied to this session) exits.
	OnExit(cb func(exitCode int, err error))
	// Kill sends signal to the process group.
	Kill(signal int) error
}

// Adapter is the polymorphic contract every agent CLI wire protocol
// implements.
type Adapter interface {
	// Spawn starts a fresh conversation.
	Spawn(ctx context.Context, prompt string, opts SpawnOptions) (ManagedProcess, error)
	// Resume continues a conversation identified by a previously captured
	// session ref.
	Resume(ctx context.Context, sessionRef, prompt string, opts SpawnOptions) (ManagedProcess, error)
	// SendMessage delivers a hot-path user message to the running process.
	SendMessage(ctx context.Context, text string, image []byte) error
	// SendToolResult answers an adapter-issued tool call.
	SendToolResult(ctx context.Context, toolUseID, content string) error
	// Interrupt asks the adapter to stop the in-flight turn gracefully.
	Interrupt(ctx context.Context) error
	// SetModel changes the active model. An adapter that cannot hot-swap
	// models mid-session either stores the value for the next spawn/resume
	// or ignores it (the Gemini adapter ignores it).
	SetModel(ctx context.Context, model string) error
	// SetPermissionMode changes the active permission mode. An adapter that
	// cannot hot-swap mode mid-turn either stores the value for the next
	// spawn/resume or ignores it, as with SetModel (the Gemini adapter
	// ignores it).
	SetPermissionMode(ctx context.Context, mode agendo.PermissionMode) error
	// IsAlive reports whether a child process is currently live.
	IsAlive() bool
	// OnThinkingChange registers a callback fired whenever the adapter's
	// thinking state flips (true at turn start, false at turn end).
	OnThinkingChange(cb func(thinking bool))
	// SetApprovalHandler registers the callback used to resolve
	// can-use-tool / session/request_permission requests.
	SetApprovalHandler(h ApprovalHandler)
	// OnSessionRef registers a callback fired once the adapter has
	// latched a session ref (thread id / Claude session_id / ACP
	// sessionId) for the live conversation.
	OnSessionRef(cb func(ref string))
	// ExtractSessionID returns the adapter-owned session ref for the
	// current conversation, or "" if none has been captured yet.
	ExtractSessionID() string
}

// Factory constructs an Adapter for a given agent spec. Kept as a function
// type so a registry can hold factories without every package importing
// every adapter implementation. The Registry keys factories on AgentKind
// alone; a capability's InteractionMode is not part of the lookup.
type Factory func(agent agendo.AgentSpec) (Adapter, error)

// Registry resolves an agent spec to its adapter factory.
type Registry struct {
	factories map[agendo.AgentKind]Factory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[agendo.AgentKind]Factory)}
}

// Register associates an AgentKind with its Factory.
func (r *Registry) Register(kind agendo.AgentKind, f Factory) {
	r.factories[kind] = f
}

// New constructs an Adapter for the given agent spec.
func (r *Registry) New(agent agendo.AgentSpec) (Adapter, error) {
	f, ok := r.factories[agent.Kind]
	if !ok {
		return nil, &agendo.ErrValidation{Field: "agent.kind", Reason: "no adapter registered for " + string(agent.Kind)}
	}
	return f(agent)
}
