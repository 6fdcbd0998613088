package agendo

import "fmt"

// ErrValidation is returned by the safety gate: path not in allowlist,
// binary not executable, a missing required arg, or a disallowed
// character in an argument. Surfaced at session-runner start; flips the
// execution to failed with Reason as the human-readable message. Never
// retried.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ErrAdapterProtocol is a malformed JSON frame or an unknown frame type
// from an adapter's wire protocol. Swallowed inside event mapping with a
// single warn log; does not abort the session.
type ErrAdapterProtocol struct {
	Adapter string
	Line    string
}

func (e *ErrAdapterProtocol) Error() string {
	return fmt.Sprintf("adapter protocol (%s): malformed frame: %s", e.Adapter, e.Line)
}

// ErrProcessLifecycle covers adapter spawn failure, stdin closed
// unexpectedly, or non-zero exit. Flips the execution to failed unless
// the session's post-exit status is idle or awaiting_input, in which case
// the execution is succeeded (idle-kill is success).
type ErrProcessLifecycle struct {
	Op     string
	Reason string
}

func (e *ErrProcessLifecycle) Error() string {
	return fmt.Sprintf("process lifecycle: %s: %s", e.Op, e.Reason)
}

// ErrTimeout is returned when exit_code is still nil at cap expiry;
// the execution is flipped to timed_out.
type ErrTimeout struct {
	CapSec int
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("timeout: exceeded %ds cap", e.CapSec)
}

// ErrCancelled marks an external cancelling->cancelled transition.
type ErrCancelled struct {
	ExecutionID string
}

func (e *ErrCancelled) Error() string {
	return fmt.Sprintf("cancelled: execution %s", e.ExecutionID)
}

// ErrQueueRetry is a no-op signal: a job was redelivered after a worker
// crash and the terminal-state guard found the target row already
// terminal, so the handler returned without doing work.
type ErrQueueRetry struct {
	JobID string
}

func (e *ErrQueueRetry) Error() string {
	return fmt.Sprintf("queue retry: job %s observed terminal state, no-op", e.JobID)
}

// ErrBusOverflow marks a notify payload that exceeded the byte budget and
// was truncated to a ref stub; consumers must refetch by id.
type ErrBusOverflow struct {
	Channel string
	Bytes   int
}

func (e *ErrBusOverflow) Error() string {
	return fmt.Sprintf("bus overflow: channel %s payload %d bytes, truncated to ref", e.Channel, e.Bytes)
}
