// Package sqlite implements agendo.Store using pure-Go SQLite (no CGO) as
// the single-worker fallback backend — no LISTEN/NOTIFY support, so a
// worker running against this backend cannot serve internal/notify and
// must poll instead.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	agendo "github.com/agendo/core"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agendo.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// seqMu serializes AppendEvent's read-then-insert sequence assignment.
	// SQLite has no advisory lock primitive, so the in-process mutex plays
	// the same role the postgres backend gives pg_advisory_xact_lock.
	seqMu sync.Mutex
}

var _ agendo.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
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
			last_active_at INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
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
			byte_count INTEGER NOT NULL DEFAULT 0,
			line_count INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			prompt_override TEXT NOT NULL DEFAULT '',
			cli_flags TEXT,
			worker_id TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL DEFAULT 0,
			ended_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS executions_session_idx ON executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions(status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS events_session_seq_idx ON events(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			claimed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_queue_status_idx ON jobs(queue, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			max_concurrent_jobs INTEGER NOT NULL,
			in_flight INTEGER NOT NULL
		)`,
	}

	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: init complete", "elapsed", time.Since(start))
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need it directly
// (migrations, diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, sess agendo.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, task_id, agent_id, capability_id, status, permission_mode, model,
		   session_ref, idle_timeout_sec, last_active_at, cost_usd, turns, duration_ms, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.TaskID, sess.AgentID, sess.CapabilityID, sess.Status, sess.PermissionMode, sess.Model,
		sess.SessionRef, sess.IdleTimeoutSec, sess.LastActiveAt, sess.CostUSD, sess.Turns, sess.DurationMs,
		sess.CreatedAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (agendo.Session, error) {
	var sess agendo.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, agent_id, capability_id, status, permission_mode, model, session_ref,
		        idle_timeout_sec, last_active_at, cost_usd, turns, duration_ms, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.TaskID, &sess.AgentID, &sess.CapabilityID, &sess.Status, &sess.PermissionMode,
			&sess.Model, &sess.SessionRef, &sess.IdleTimeoutSec, &sess.LastActiveAt, &sess.CostUSD,
			&sess.Turns, &sess.DurationMs, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return agendo.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status agendo.SessionStatus, sessionRef string, lastActiveAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_active_at = ?, updated_at = ?,
		   session_ref = CASE WHEN ? <> '' THEN ? ELSE session_ref END
		 WHERE id = ?`,
		status, lastActiveAt, lastActiveAt, sessionRef, sessionRef, id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update session status: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) UpdateSessionPermissionMode(ctx context.Context, id string, mode agendo.PermissionMode) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET permission_mode = ? WHERE id = ?`, mode, id)
	if err != nil {
		return fmt.Errorf("sqlite: update permission mode: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionModel(ctx context.Context, id string, model string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET model = ? WHERE id = ?`, model, id)
	if err != nil {
		return fmt.Errorf("sqlite: update model: %w", err)
	}
	return nil
}

func (s *Store) AccumulateSessionUsage(ctx context.Context, id string, costUSD float64, turns int, durationMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET cost_usd = cost_usd + ?, turns = turns + ?, duration_ms = duration_ms + ? WHERE id = ?`,
		costUSD, turns, durationMs, id)
	if err != nil {
		return fmt.Errorf("sqlite: accumulate usage: %w", err)
	}
	return nil
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, e agendo.Execution) error {
	flags, _ := json.Marshal(e.CLIFlags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, session_id, task_id, agent_id, capability_id, status, pid, log_path,
		   byte_count, line_count, exit_code, prompt_override, cli_flags, worker_id, started_at, ended_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, e.TaskID, e.AgentID, e.CapabilityID, e.Status, e.PID, e.LogPath,
		e.ByteCount, e.LineCount, e.ExitCode, e.PromptOverride, string(flags), e.WorkerID, e.StartedAt,
		e.EndedAt, e.StartedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (agendo.Execution, error) {
	var e agendo.Execution
	var flags sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, task_id, agent_id, capability_id, status, pid, log_path, byte_count, line_count,
		        exit_code, prompt_override, cli_flags, worker_id, started_at, ended_at
		 FROM executions WHERE id = ?`, id).
		Scan(&e.ID, &e.SessionID, &e.TaskID, &e.AgentID, &e.CapabilityID, &e.Status, &e.PID, &e.LogPath,
			&e.ByteCount, &e.LineCount, &e.ExitCode, &e.PromptOverride, &flags, &e.WorkerID, &e.StartedAt, &e.EndedAt)
	if err != nil {
		return agendo.Execution{}, fmt.Errorf("sqlite: get execution: %w", err)
	}
	if flags.Valid && flags.String != "" {
		_ = json.Unmarshal([]byte(flags.String), &e.CLIFlags)
	}
	return e, nil
}

func (s *Store) FinalizeExecution(ctx context.Context, id string, status agendo.ExecutionStatus, exitCode *int, endedAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, exit_code = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, exitCode, endedAt, endedAt, id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: finalize execution: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SetExecutionCancelling(ctx context.Context, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = 'cancelling' WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: set cancelling: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SetExecutionRunning(ctx context.Context, id string, pid int, logPath string, startedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = 'running', pid = ?, log_path = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		pid, logPath, startedAt, startedAt, id)
	if err != nil {
		return fmt.Errorf("sqlite: set running: %w", err)
	}
	return nil
}

func (s *Store) UpdateExecutionCounts(ctx context.Context, id string, byteCount, lineCount int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET byte_count = ?, line_count = ? WHERE id = ?`, byteCount, lineCount, id)
	if err != nil {
		return fmt.Errorf("sqlite: update execution counts: %w", err)
	}
	return nil
}

func (s *Store) ListStaleExecutions(ctx context.Context, olderThan int64) ([]agendo.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, task_id, agent_id, capability_id, status, pid, log_path, byte_count, line_count,
		        exit_code, prompt_override, cli_flags, worker_id, started_at, ended_at
		 FROM executions WHERE status = 'running' AND updated_at < ?`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale executions: %w", err)
	}
	defer rows.Close()

	var out []agendo.Execution
	for rows.Next() {
		var e agendo.Execution
		var flags sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.AgentID, &e.CapabilityID, &e.Status, &e.PID,
			&e.LogPath, &e.ByteCount, &e.LineCount, &e.ExitCode, &e.PromptOverride, &flags, &e.WorkerID,
			&e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan stale execution: %w", err)
		}
		if flags.Valid && flags.String != "" {
			_ = json.Unmarshal([]byte(flags.String), &e.CLIFlags)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, e agendo.Event) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`, e.SessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next sequence: %w", err)
	}

	id := e.ID
	if id == "" {
		id = agendo.NewID()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, seq, type, payload, created_at) VALUES (?,?,?,?,?,?)`,
		id, e.SessionID, seq, e.Type, string(e.Payload), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return seq, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (agendo.Event, error) {
	var e agendo.Event
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, seq, type, payload, created_at FROM events WHERE id = ?`, id).
		Scan(&e.ID, &e.SessionID, &e.Seq, &e.Type, &payload, &e.CreatedAt)
	if err != nil {
		return agendo.Event{}, fmt.Errorf("sqlite: get event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]agendo.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, type, payload, created_at FROM events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []agendo.Event
	for rows.Next() {
		var e agendo.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Job queue ---

func (s *Store) EnqueueJob(ctx context.Context, queue agendo.JobQueue, payload []byte) (string, error) {
	id := agendo.NewID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, payload, status, attempts, created_at) VALUES (?,?,?,'pending',0,?)`,
		id, queue, string(payload), agendo.NowUnix())
	if err != nil {
		return "", fmt.Errorf("sqlite: enqueue job: %w", err)
	}
	return id, nil
}

// ClaimJob serializes through the shared single connection (SetMaxOpenConns(1))
// rather than SELECT...FOR UPDATE, which SQLite has no equivalent of; the
// transaction below is still the unit that makes read-then-update atomic
// against other goroutines sharing this *Store.
func (s *Store) ClaimJob(ctx context.Context, queue agendo.JobQueue) (agendo.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agendo.Job{}, false, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var job agendo.Job
	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT id, queue, payload, status, attempts, created_at, claimed_at FROM jobs
		 WHERE queue = ? AND status = 'pending' ORDER BY created_at ASC LIMIT 1`, queue).
		Scan(&job.ID, &job.Queue, &payload, &job.Status, &job.Attempts, &job.CreatedAt, &job.ClaimedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return agendo.Job{}, false, nil
		}
		return agendo.Job{}, false, fmt.Errorf("sqlite: claim job query: %w", err)
	}
	job.Payload = json.RawMessage(payload)

	claimedAt := agendo.NowUnix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, claimed_at = ? WHERE id = ?`,
		claimedAt, job.ID); err != nil {
		return agendo.Job{}, false, fmt.Errorf("sqlite: claim job update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agendo.Job{}, false, fmt.Errorf("sqlite: commit tx: %w", err)
	}

	job.Status = agendo.JobRunning
	job.Attempts++
	job.ClaimedAt = claimedAt
	return job, true, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'done' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: complete job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'failed', fail_reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("sqlite: fail job: %w", err)
	}
	return nil
}

func (s *Store) RequeueOrphanedJobs(ctx context.Context, queue agendo.JobQueue, claimedBefore int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', claimed_at = 0 WHERE queue = ? AND status = 'running' AND claimed_at < ?`,
		queue, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("sqlite: requeue orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Heartbeats ---

func (s *Store) UpsertHeartbeat(ctx context.Context, hb agendo.WorkerHeartbeat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_heartbeats (worker_id, updated_at, max_concurrent_jobs, in_flight)
		 VALUES (?,?,?,?)
		 ON CONFLICT (worker_id) DO UPDATE SET
		   updated_at = excluded.updated_at,
		   max_concurrent_jobs = excluded.max_concurrent_jobs,
		   in_flight = excluded.in_flight`,
		hb.WorkerID, hb.UpdatedAt, hb.MaxConcurrentJobs, hb.InFlight)
	if err != nil {
		return fmt.Errorf("sqlite: upsert heartbeat: %w", err)
	}
	return nil
}

func (s *Store) ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]agendo.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, updated_at, max_concurrent_jobs, in_flight FROM worker_heartbeats WHERE updated_at < ?`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale heartbeats: %w", err)
	}
	defer rows.Close()

	var out []agendo.WorkerHeartbeat
	for rows.Next() {
		var hb agendo.WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.UpdatedAt, &hb.MaxConcurrentJobs, &hb.InFlight); err != nil {
			return nil, fmt.Errorf("sqlite: scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
