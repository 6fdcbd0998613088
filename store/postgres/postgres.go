// Package postgres implements agendo.Store on PostgreSQL via pgx/v5. It
// keeps the teacher's connection-lifecycle conventions (an externally-owned
// *pgxpool.Pool, ON CONFLICT upserts, Begin/Rollback/Commit transactions,
// idempotent CREATE TABLE IF NOT EXISTS statements) and adds the one thing
// the teacher never needed: per-session sequence assignment serialized
// with a Postgres advisory transaction lock, and conditional `WHERE
// status=...` updates as the sole concurrency guard for terminal-state
// transitions (no distributed lock anywhere in this package).
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	agendo "github.com/agendo/core"
)

// Store implements agendo.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ agendo.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool so internal/notify can acquire a
// dedicated LISTEN connection from the same pool this Store writes
// through.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Init creates all tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			status TEXT NOT NULL,
			permission_mode TEXT NOT NULL DEFAULT 'default',
			model TEXT NOT NULL DEFAULT '',
			session_ref TEXT NOT NULL DEFAULT '',
			idle_timeout_sec INTEGER,
			last_active_at BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_task_idx ON sessions(task_id)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			log_path TEXT NOT NULL DEFAULT '',
			byte_count BIGINT NOT NULL DEFAULT 0,
			line_count BIGINT NOT NULL DEFAULT 0,
			exit_code INTEGER,
			prompt_override TEXT NOT NULL DEFAULT '',
			cli_flags JSONB,
			worker_id TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL DEFAULT 0,
			ended_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS executions_session_idx ON executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions(status)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB,
			created_at BIGINT NOT NULL,
			UNIQUE(session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS events_session_seq_idx ON events(session_id, seq)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload JSONB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			claimed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_queue_status_idx ON jobs(queue, status, created_at)`,

		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			updated_at BIGINT NOT NULL,
			max_concurrent_jobs INTEGER NOT NULL,
			in_flight INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, sess agendo.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, task_id, agent_id, capability_id, status, permission_mode, model,
		   session_ref, idle_timeout_sec, last_active_at, cost_usd, turns, duration_ms, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		sess.ID, sess.TaskID, sess.AgentID, sess.CapabilityID, sess.Status, sess.PermissionMode, sess.Model,
		sess.SessionRef, sess.IdleTimeoutSec, sess.LastActiveAt, sess.CostUSD, sess.Turns, sess.DurationMs, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (agendo.Session, error) {
	var sess agendo.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, agent_id, capability_id, status, permission_mode, model, session_ref,
		        idle_timeout_sec, last_active_at, cost_usd, turns, duration_ms, created_at, updated_at
		 FROM sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.TaskID, &sess.AgentID, &sess.CapabilityID, &sess.Status, &sess.PermissionMode,
			&sess.Model, &sess.SessionRef, &sess.IdleTimeoutSec, &sess.LastActiveAt, &sess.CostUSD,
			&sess.Turns, &sess.DurationMs, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return agendo.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status agendo.SessionStatus, sessionRef string, lastActiveAt int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status=$2, last_active_at=$3, updated_at=$3,
		   session_ref = CASE WHEN $4 <> '' THEN $4 ELSE session_ref END
		 WHERE id=$1`,
		id, status, lastActiveAt, sessionRef)
	if err != nil {
		return 0, fmt.Errorf("postgres: update session status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UpdateSessionPermissionMode(ctx context.Context, id string, mode agendo.PermissionMode) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET permission_mode=$2 WHERE id=$1`, id, mode)
	if err != nil {
		return fmt.Errorf("postgres: update permission mode: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionModel(ctx context.Context, id string, model string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET model=$2 WHERE id=$1`, id, model)
	if err != nil {
		return fmt.Errorf("postgres: update model: %w", err)
	}
	return nil
}

func (s *Store) AccumulateSessionUsage(ctx context.Context, id string, costUSD float64, turns int, durationMs int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET cost_usd = cost_usd + $2, turns = turns + $3, duration_ms = duration_ms + $4 WHERE id=$1`,
		id, costUSD, turns, durationMs)
	if err != nil {
		return fmt.Errorf("postgres: accumulate usage: %w", err)
	}
	return nil
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, e agendo.Execution) error {
	flags, _ := json.Marshal(e.CLIFlags)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, session_id, task_id, agent_id, capability_id, status, pid, log_path,
		   byte_count, line_count, exit_code, prompt_override, cli_flags, worker_id, started_at, ended_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::jsonb,$14,$15,$16,$15)`,
		e.ID, e.SessionID, e.TaskID, e.AgentID, e.CapabilityID, e.Status, e.PID, e.LogPath,
		e.ByteCount, e.LineCount, e.ExitCode, e.PromptOverride, string(flags), e.WorkerID, e.StartedAt, e.EndedAt)
	if err != nil {
		return fmt.Errorf("postgres: create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (agendo.Execution, error) {
	var e agendo.Execution
	var flags []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, task_id, agent_id, capability_id, status, pid, log_path, byte_count, line_count,
		        exit_code, prompt_override, cli_flags, worker_id, started_at, ended_at
		 FROM executions WHERE id=$1`, id).
		Scan(&e.ID, &e.SessionID, &e.TaskID, &e.AgentID, &e.CapabilityID, &e.Status, &e.PID, &e.LogPath,
			&e.ByteCount, &e.LineCount, &e.ExitCode, &e.PromptOverride, &flags, &e.WorkerID, &e.StartedAt, &e.EndedAt)
	if err != nil {
		return agendo.Execution{}, fmt.Errorf("postgres: get execution: %w", err)
	}
	if len(flags) > 0 {
		_ = json.Unmarshal(flags, &e.CLIFlags)
	}
	return e, nil
}

// FinalizeExecution is the conditional terminal-state transition: it only
// takes effect while the row is still running, so a concurrent cancel and
// a natural finalize can never both win.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status agendo.ExecutionStatus, exitCode *int, endedAt int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status=$2, exit_code=$3, ended_at=$4, updated_at=$4
		 WHERE id=$1 AND status='running'`,
		id, status, exitCode, endedAt)
	if err != nil {
		return 0, fmt.Errorf("postgres: finalize execution: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SetExecutionCancelling(ctx context.Context, id string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status='cancelling' WHERE id=$1 AND status='running'`, id)
	if err != nil {
		return 0, fmt.Errorf("postgres: set cancelling: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SetExecutionRunning(ctx context.Context, id string, pid int, logPath string, startedAt int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE executions SET status='running', pid=$2, log_path=$3, started_at=$4, updated_at=$4 WHERE id=$1`,
		id, pid, logPath, startedAt)
	if err != nil {
		return fmt.Errorf("postgres: set running: %w", err)
	}
	return nil
}

func (s *Store) UpdateExecutionCounts(ctx context.Context, id string, byteCount, lineCount int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE executions SET byte_count=$2, line_count=$3, updated_at=updated_at WHERE id=$1`,
		id, byteCount, lineCount)
	if err != nil {
		return fmt.Errorf("postgres: update execution counts: %w", err)
	}
	return nil
}

func (s *Store) ListStaleExecutions(ctx context.Context, olderThan int64) ([]agendo.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, task_id, agent_id, capability_id, status, pid, log_path, byte_count, line_count,
		        exit_code, prompt_override, cli_flags, worker_id, started_at, ended_at
		 FROM executions WHERE status='running' AND updated_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale executions: %w", err)
	}
	defer rows.Close()

	var out []agendo.Execution
	for rows.Next() {
		var e agendo.Execution
		var flags []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.AgentID, &e.CapabilityID, &e.Status, &e.PID,
			&e.LogPath, &e.ByteCount, &e.LineCount, &e.ExitCode, &e.PromptOverride, &flags, &e.WorkerID,
			&e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stale execution: %w", err)
		}
		if len(flags) > 0 {
			_ = json.Unmarshal(flags, &e.CLIFlags)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-session sequence number inside a
// transaction guarded by a session-keyed advisory lock, so concurrent
// appends for the same session never race on MAX(seq)+1 — the one place
// this package reaches past the teacher's own pgx usage, since nothing in
// the teacher needed a serialized per-key counter.
func (s *Store) AppendEvent(ctx context.Context, e agendo.Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.SessionID); err != nil {
		return 0, fmt.Errorf("postgres: acquire sequence lock: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id=$1`, e.SessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: next sequence: %w", err)
	}

	id := e.ID
	if id == "" {
		id = agendo.NewID()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO events (id, session_id, seq, type, payload, created_at) VALUES ($1,$2,$3,$4,$5::jsonb,$6)`,
		id, e.SessionID, seq, e.Type, string(e.Payload), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return seq, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (agendo.Event, error) {
	var e agendo.Event
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, seq, type, payload, created_at FROM events WHERE id=$1`, id).
		Scan(&e.ID, &e.SessionID, &e.Seq, &e.Type, &e.Payload, &e.CreatedAt)
	if err != nil {
		return agendo.Event{}, fmt.Errorf("postgres: get event: %w", err)
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]agendo.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, type, payload, created_at FROM events
		 WHERE session_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`, sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []agendo.Event
	for rows.Next() {
		var e agendo.Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Job queue ---

func (s *Store) EnqueueJob(ctx context.Context, queue agendo.JobQueue, payload []byte) (string, error) {
	id := agendo.NewID()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, queue, payload, status, attempts, created_at) VALUES ($1,$2,$3::jsonb,'pending',0,$4)`,
		id, queue, string(payload), agendo.NowUnix())
	if err != nil {
		return "", fmt.Errorf("postgres: enqueue job: %w", err)
	}
	return id, nil
}

// ClaimJob atomically marks the oldest pending job on queue as running
// using SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers never
// claim the same row.
func (s *Store) ClaimJob(ctx context.Context, queue agendo.JobQueue) (agendo.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return agendo.Job{}, false, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var job agendo.Job
	err = tx.QueryRow(ctx,
		`SELECT id, queue, payload, status, attempts, created_at, claimed_at FROM jobs
		 WHERE queue=$1 AND status='pending' ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, queue).
		Scan(&job.ID, &job.Queue, &job.Payload, &job.Status, &job.Attempts, &job.CreatedAt, &job.ClaimedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return agendo.Job{}, false, nil
		}
		return agendo.Job{}, false, fmt.Errorf("postgres: claim job query: %w", err)
	}

	claimedAt := agendo.NowUnix()
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status='running', attempts=attempts+1, claimed_at=$2 WHERE id=$1`, job.ID, claimedAt); err != nil {
		return agendo.Job{}, false, fmt.Errorf("postgres: claim job update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return agendo.Job{}, false, fmt.Errorf("postgres: commit tx: %w", err)
	}

	job.Status = agendo.JobRunning
	job.Attempts++
	job.ClaimedAt = claimedAt
	return job, true, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status='done' WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status='failed', fail_reason=$2 WHERE id=$1`, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	return nil
}

func (s *Store) RequeueOrphanedJobs(ctx context.Context, queue agendo.JobQueue, claimedBefore int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status='pending', claimed_at=0 WHERE queue=$1 AND status='running' AND claimed_at < $2`,
		queue, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("postgres: requeue orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Heartbeats ---

func (s *Store) UpsertHeartbeat(ctx context.Context, hb agendo.WorkerHeartbeat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worker_heartbeats (worker_id, updated_at, max_concurrent_jobs, in_flight)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (worker_id) DO UPDATE SET
		   updated_at = EXCLUDED.updated_at,
		   max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
		   in_flight = EXCLUDED.in_flight`,
		hb.WorkerID, hb.UpdatedAt, hb.MaxConcurrentJobs, hb.InFlight)
	if err != nil {
		return fmt.Errorf("postgres: upsert heartbeat: %w", err)
	}
	return nil
}

func (s *Store) ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]agendo.WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker_id, updated_at, max_concurrent_jobs, in_flight FROM worker_heartbeats WHERE updated_at < $1`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale heartbeats: %w", err)
	}
	defer rows.Close()

	var out []agendo.WorkerHeartbeat
	for rows.Next() {
		var hb agendo.WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.UpdatedAt, &hb.MaxConcurrentJobs, &hb.InFlight); err != nil {
			return nil, fmt.Errorf("postgres: scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
