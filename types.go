package agendo

import "encoding/json"

// --- Session ---

// SessionStatus is the durable lifecycle status of a Session.
type SessionStatus string

const (
	SessionIdle          SessionStatus = "idle"
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionEnded         SessionStatus = "ended"
)

// PermissionMode controls how much autonomy the agent CLI has over tool use.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
	PermissionDontAsk           PermissionMode = "dontAsk"
)

// Session is the durable conversation record. It survives process restarts
// via SessionRef, the adapter-owned handle used to resume the same
// conversation after a process exit.
type Session struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	AgentID        string         `json:"agent_id"`
	CapabilityID   string         `json:"capability_id"`
	Status         SessionStatus  `json:"status"`
	PermissionMode PermissionMode `json:"permission_mode"`
	Model          string         `json:"model,omitempty"`
	SessionRef     string         `json:"session_ref,omitempty"`
	IdleTimeoutSec *int           `json:"idle_timeout_sec,omitempty"`
	LastActiveAt   int64          `json:"last_active_at"`
	CostUSD        float64        `json:"cost_usd"`
	Turns          int            `json:"turns"`
	DurationMs     int64          `json:"duration_ms"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// --- Execution ---

// ExecutionStatus is the durable lifecycle status of an Execution.
type ExecutionStatus string

const (
	ExecQueued     ExecutionStatus = "queued"
	ExecRunning    ExecutionStatus = "running"
	ExecCancelling ExecutionStatus = "cancelling"
	ExecCancelled  ExecutionStatus = "cancelled"
	ExecSucceeded  ExecutionStatus = "succeeded"
	ExecFailed     ExecutionStatus = "failed"
	ExecTimedOut   ExecutionStatus = "timed_out"
)

// IsTerminal reports whether status is one of the four terminal execution
// states. An execution in a terminal state never transitions again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecCancelled, ExecSucceeded, ExecFailed, ExecTimedOut:
		return true
	default:
		return false
	}
}

// Execution is one unit of work submitted to the queue: either a one-shot
// template execution (SessionID empty) or one turn-cycle of a session.
type Execution struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id,omitempty"`
	TaskID         string            `json:"task_id"`
	AgentID        string            `json:"agent_id"`
	CapabilityID   string            `json:"capability_id"`
	Status         ExecutionStatus   `json:"status"`
	PID            int               `json:"pid,omitempty"`
	LogPath        string            `json:"log_path,omitempty"`
	ByteCount      int64             `json:"byte_count"`
	LineCount      int64             `json:"line_count"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	PromptOverride string            `json:"prompt_override,omitempty"`
	CLIFlags       map[string]string `json:"cli_flags,omitempty"`
	WorkerID       string            `json:"worker_id,omitempty"`
	StartedAt      int64             `json:"started_at,omitempty"`
	EndedAt        int64             `json:"ended_at,omitempty"`
}

// --- Event ---

// EventType is one of the finite, open taxonomy of event kinds a session
// process publishes. New adapter-specific detail lives in the payload, not
// in new event types.
type EventType string

const (
	EventSessionInit     EventType = "session:init"
	EventSessionState    EventType = "session:state"
	EventUserMessage     EventType = "user:message"
	EventAgentText       EventType = "agent:text"
	EventAgentTextDelta  EventType = "agent:text-delta"
	EventAgentThinking   EventType = "agent:thinking"
	EventAgentToolStart  EventType = "agent:tool-start"
	EventAgentToolEnd    EventType = "agent:tool-end"
	EventAgentApproval   EventType = "agent:tool-approval"
	EventAgentResult     EventType = "agent:result"
	EventAgentActivity   EventType = "agent:activity"
	EventSystemInfo      EventType = "system:info"
	EventSystemError     EventType = "system:error"
	EventTeamMessage     EventType = "team:message"
)

// Ephemeral reports whether events of this type are never persisted
// (streaming deltas) and therefore may occupy sequence gaps in the live
// notify stream.
func (t EventType) Ephemeral() bool {
	return t == EventAgentTextDelta
}

// Event is a single observable occurrence in a session's lifetime, assigned
// a per-session monotonic Seq before being persisted and published.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// --- ToolState (derived/transient, not persisted as its own row) ---

// ToolState tracks one tool invocation within a session's live transcript,
// created on agent:tool-start and mutated on agent:tool-end.
type ToolState struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// --- ApprovalRequest (transient with ack) ---

// ApprovalDecision is the client's answer to an ApprovalRequest.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
)

// DangerLevel classifies how destructive a pending tool call may be.
type DangerLevel string

const (
	DangerLow    DangerLevel = "low"
	DangerMedium DangerLevel = "medium"
	DangerHigh   DangerLevel = "high"
)

// ApprovalRequest is created when the adapter emits a can-use-tool control
// request or ACP session/request_permission, and terminated on decision
// from a client or on session exit (which resolves it as deny).
type ApprovalRequest struct {
	ApprovalID  string          `json:"approval_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	DangerLevel DangerLevel     `json:"danger_level"`
}

// ApprovalResult is the resolved outcome of an ApprovalRequest, passed back
// into the adapter's approval callback.
type ApprovalResult struct {
	Decision            ApprovalDecision `json:"decision"`
	UpdatedInput        json.RawMessage  `json:"updated_input,omitempty"`
	PostApprovalMode    PermissionMode   `json:"post_approval_mode,omitempty"`
	PostApprovalCompact bool             `json:"post_approval_compact,omitempty"`
	ClearContextRestart bool             `json:"clear_context_restart,omitempty"`
}

// --- Control channel payloads ---

// ControlType discriminates the payloads a session process accepts on its
// control channel.
type ControlType string

const (
	ControlMessage         ControlType = "message"
	ControlToolResult      ControlType = "tool-result"
	ControlApprovalDecide  ControlType = "approval-decision"
	ControlInterrupt       ControlType = "interrupt"
	ControlSetPermission   ControlType = "set-permission-mode"
	ControlSetModel        ControlType = "set-model"
)

// ControlMessagePayload is the payload for ControlMessage.
type ControlMessagePayload struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// ControlToolResultPayload is the payload for ControlToolResult.
type ControlToolResultPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// ControlApprovalPayload is the payload for ControlApprovalDecide.
type ControlApprovalPayload struct {
	ApprovalID          string           `json:"approvalId"`
	Decision            ApprovalDecision `json:"decision"`
	UpdatedInput        json.RawMessage  `json:"updatedInput,omitempty"`
	PostApprovalMode    PermissionMode   `json:"postApprovalMode,omitempty"`
	PostApprovalCompact bool             `json:"postApprovalCompact,omitempty"`
	ClearContextRestart bool             `json:"clearContextRestart,omitempty"`
}

// ControlPermissionPayload is the payload for ControlSetPermission.
type ControlPermissionPayload struct {
	Mode PermissionMode `json:"mode"`
}

// ControlModelPayload is the payload for ControlSetModel.
type ControlModelPayload struct {
	Model string `json:"model"`
}

// ControlEnvelope is the discriminated union published on a session's
// control_<sid> channel.
type ControlEnvelope struct {
	Type    ControlType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// --- Job ---

// JobQueue names the three named channels the queue dispatches on.
type JobQueue string

const (
	QueueSessionRun        JobQueue = "session:run"
	QueueCapabilityExecute JobQueue = "capability:execute"
	QueueAgentAnalyze      JobQueue = "agent:analyze"
)

// JobStatus is the durable lifecycle status of a queued Job row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a durable, at-least-once-delivered unit of queue work.
type Job struct {
	ID        string          `json:"id"`
	Queue     JobQueue        `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	CreatedAt int64           `json:"created_at"`
	ClaimedAt int64           `json:"claimed_at,omitempty"`
}

// SessionRunPayload is the payload of a QueueSessionRun job.
type SessionRunPayload struct {
	SessionID  string `json:"sessionId"`
	ResumeRef  string `json:"resumeRef,omitempty"`
}

// CapabilityExecutePayload is the payload of a QueueCapabilityExecute job.
type CapabilityExecutePayload struct {
	ExecutionID string `json:"executionId"`
}

// AgentAnalyzePayload is the payload of a QueueAgentAnalyze job.
type AgentAnalyzePayload struct {
	AgentID    string `json:"agentId"`
	BinaryPath string `json:"binaryPath"`
	ToolName   string `json:"toolName"`
}

// AgentAnalyzeResult is the result an agent:analyze job handler returns.
type AgentAnalyzeResult struct {
	Suggestions []string `json:"suggestions"`
}

// --- Agent / Capability (read-only collaborator records) ---

// InteractionMode selects whether a Capability runs as a persistent
// conversational session or a one-shot templated command.
type InteractionMode string

const (
	InteractionPrompt   InteractionMode = "prompt"
	InteractionTemplate InteractionMode = "template"
)

// AgentKind identifies which wire protocol / CLI an AgentSpec drives.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
)

// AgentSpec is the minimal read-only view of an agent record the session
// runner needs. The agent CRUD surface that owns writes is out of scope.
type AgentSpec struct {
	ID         string    `json:"id"`
	Kind       AgentKind `json:"kind"`
	BinaryPath string    `json:"binary_path"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

// ArgSpec describes one templated argument a Capability accepts.
type ArgSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Pattern  string `json:"pattern,omitempty"`
}

// CapabilitySpec is the minimal read-only view of a capability record.
type CapabilitySpec struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	InteractionMode InteractionMode `json:"interaction_mode"`
	CommandTokens   []string        `json:"command_tokens,omitempty"`
	PromptTemplate  string          `json:"prompt_template,omitempty"`
	ArgSchema       []ArgSpec       `json:"arg_schema,omitempty"`
	TimeoutSec      int             `json:"timeout_sec"`
	MaxOutputBytes  int64           `json:"max_output_bytes"`
	DangerLevel     DangerLevel     `json:"danger_level,omitempty"`
	EnvAllowlist    []string        `json:"env_allowlist,omitempty"`
	Sandbox         string          `json:"sandbox,omitempty"` // "" or "docker"
}

// --- Heartbeat ---

// WorkerHeartbeat records a worker's liveness and in-flight load.
type WorkerHeartbeat struct {
	WorkerID          string `json:"worker_id"`
	UpdatedAt         int64  `json:"updated_at"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	InFlight          int    `json:"in_flight"`
}
