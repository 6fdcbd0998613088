package agendo

import "context"

// Store abstracts durable persistence for sessions, executions, events,
// the job queue, and worker heartbeats. Implementations additionally
// provide the notify-bus primitives (see internal/notify) on top of the
// same underlying connection where the backend supports LISTEN/NOTIFY.
type Store interface {
	// --- Sessions ---
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSessionStatus performs a targeted column update of status,
	// last_active_at and session_ref (session_ref is left unchanged when
	// empty, since it is monotonic once set). Returns the row count
	// actually changed so callers can detect a lost race.
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, sessionRef string, lastActiveAt int64) (int64, error)
	UpdateSessionPermissionMode(ctx context.Context, id string, mode PermissionMode) error
	UpdateSessionModel(ctx context.Context, id string, model string) error
	AccumulateSessionUsage(ctx context.Context, id string, costUSD float64, turns int, durationMs int64) error

	// --- Executions ---
	CreateExecution(ctx context.Context, e Execution) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	// FinalizeExecution performs the conditional `WHERE status='running'`
	// update described in the state-machine spec. Returns rows changed;
	// 0 means a concurrent cancel (or other terminal transition) won.
	FinalizeExecution(ctx context.Context, id string, status ExecutionStatus, exitCode *int, endedAt int64) (int64, error)
	SetExecutionCancelling(ctx context.Context, id string) (int64, error)
	SetExecutionRunning(ctx context.Context, id string, pid int, logPath string, startedAt int64) error
	UpdateExecutionCounts(ctx context.Context, id string, byteCount, lineCount int64) error
	// ListStaleExecutions returns running executions whose last touch
	// (tracked via updated_at on the row) is older than olderThan.
	ListStaleExecutions(ctx context.Context, olderThan int64) ([]Execution, error)

	// --- Events ---
	// AppendEvent assigns the next per-session sequence number and
	// persists the event in the same operation, returning the assigned
	// sequence. Ephemeral event types should not be passed here.
	AppendEvent(ctx context.Context, e Event) (int64, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]Event, error)

	// --- Job queue ---
	EnqueueJob(ctx context.Context, queue JobQueue, payload []byte) (string, error)
	// ClaimJob atomically marks one pending job on queue as running and
	// returns it. Returns (Job{}, false, nil) if no job is available.
	ClaimJob(ctx context.Context, queue JobQueue) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, reason string) error
	RequeueOrphanedJobs(ctx context.Context, queue JobQueue, claimedBefore int64) (int, error)

	// --- Heartbeats ---
	UpsertHeartbeat(ctx context.Context, hb WorkerHeartbeat) error
	ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]WorkerHeartbeat, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
