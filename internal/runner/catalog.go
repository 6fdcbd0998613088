// Package runner implements the two job-queue handlers that drive the
// core's actual work: the session runner (one turn-cycle of a persistent
// agent conversation) and the execution runner (a one-shot templated
// capability). Both are grounded on internal/session's Process and
// internal/safety's Gate; agents/capabilities/tasks are read through the
// small Catalog/TaskResolver seams below, since those records are owned
// by a collaborator service, not the core.
package runner

import (
	"context"

	agendo "github.com/agendo/core"
)

// Catalog resolves the read-only agent and capability records a runner
// needs. Implemented by whatever service owns the agent/capability CRUD
// surface; kept as a narrow interface here so internal/runner never
// depends on that service's storage.
type Catalog interface {
	GetAgent(ctx context.Context, id string) (agendo.AgentSpec, error)
	GetCapability(ctx context.Context, id string) (agendo.CapabilitySpec, error)
}

// TaskContext is the slice of a task record a runner needs to resolve a
// capability into a concrete invocation: where it runs, what prompt or
// argument values fill its template.
type TaskContext struct {
	WorkingDir string
	Prompt     string
	Args       map[string]any
}

// TaskResolver loads the TaskContext for a task id. Implemented by the
// collaborator service that owns projects/tasks (see spec §6.4).
type TaskResolver interface {
	ResolveTask(ctx context.Context, taskID string) (TaskContext, error)
}
