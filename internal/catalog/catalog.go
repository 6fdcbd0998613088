// Package catalog implements internal/runner's Catalog and TaskResolver
// seams by reading the collaborator-owned agents/capabilities/tasks
// tables directly off the shared Postgres pool, using the same pgx query
// style as store/postgres. The core never writes these tables — only the
// read paths a running worker needs to resolve a job into a concrete
// invocation.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/runner"
)

// PG reads agent/capability/task records from Postgres.
type PG struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. It shares the pool with store/postgres
// rather than opening a second connection set.
func New(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

var _ runner.Catalog = (*PG)(nil)
var _ runner.TaskResolver = (*PG)(nil)

func (c *PG) GetAgent(ctx context.Context, id string) (agendo.AgentSpec, error) {
	var a agendo.AgentSpec
	err := c.pool.QueryRow(ctx,
		`SELECT id, kind, binary_path, COALESCE(max_concurrent, 0) FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Kind, &a.BinaryPath, &a.MaxConcurrent)
	if err == pgx.ErrNoRows {
		return agendo.AgentSpec{}, fmt.Errorf("catalog: agent %s not found", id)
	}
	return a, err
}

func (c *PG) GetCapability(ctx context.Context, id string) (agendo.CapabilitySpec, error) {
	var spec agendo.CapabilitySpec
	var argSchema []byte
	var envAllowlist []string
	err := c.pool.QueryRow(ctx,
		`SELECT id, agent_id, interaction_mode, command_tokens, prompt_template,
		        arg_schema, timeout_sec, max_output_bytes, COALESCE(danger_level, ''),
		        env_allowlist, COALESCE(sandbox, '')
		 FROM capabilities WHERE id = $1`, id,
	).Scan(&spec.ID, &spec.AgentID, &spec.InteractionMode, &spec.CommandTokens, &spec.PromptTemplate,
		&argSchema, &spec.TimeoutSec, &spec.MaxOutputBytes, &spec.DangerLevel,
		&envAllowlist, &spec.Sandbox)
	if err == pgx.ErrNoRows {
		return agendo.CapabilitySpec{}, fmt.Errorf("catalog: capability %s not found", id)
	}
	if err != nil {
		return agendo.CapabilitySpec{}, err
	}
	spec.EnvAllowlist = envAllowlist
	if len(argSchema) > 0 {
		if err := json.Unmarshal(argSchema, &spec.ArgSchema); err != nil {
			return agendo.CapabilitySpec{}, fmt.Errorf("catalog: decode arg_schema for %s: %w", id, err)
		}
	}
	return spec, nil
}

func (c *PG) ResolveTask(ctx context.Context, taskID string) (runner.TaskContext, error) {
	var tc runner.TaskContext
	var argsRaw []byte
	err := c.pool.QueryRow(ctx,
		`SELECT working_dir, COALESCE(prompt, ''), args FROM tasks WHERE id = $1`, taskID,
	).Scan(&tc.WorkingDir, &tc.Prompt, &argsRaw)
	if err == pgx.ErrNoRows {
		return runner.TaskContext{}, fmt.Errorf("catalog: task %s not found", taskID)
	}
	if err != nil {
		return runner.TaskContext{}, err
	}
	if len(argsRaw) > 0 {
		if err := json.Unmarshal(argsRaw, &tc.Args); err != nil {
			return runner.TaskContext{}, fmt.Errorf("catalog: decode args for task %s: %w", taskID, err)
		}
	}
	return tc, nil
}

// ProjectRoots returns every distinct task working directory, the
// database-backed allowlist fallback internal/safety.Gate consults when a
// path isn't under one of the worker's static allowed roots.
func (c *PG) ProjectRoots(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT DISTINCT working_dir FROM tasks WHERE working_dir IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roots []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		roots = append(roots, dir)
	}
	return roots, rows.Err()
}
