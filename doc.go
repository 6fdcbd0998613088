// Package agendo is the session execution core for a multi-agent
// orchestration service: it runs interactive coding-assistant CLIs (Claude
// Code, Codex, Gemini) as long-lived child processes and exposes each as a
// durable, resumable session.
//
// The core dequeues session jobs, spawns or resumes an agent CLI under a
// safety gate, drives a per-session state machine across turn boundaries
// using adapter-specific line/JSON framing, fans events out over a pub/sub
// notify bus backed by the job store, and reconciles durable session and
// execution rows against live process state with race-safe conditional
// updates.
//
// # Layout
//
//   - [Store] — persistence contract for sessions, executions, events, jobs
//   - internal/safety — working-directory/binary/env/argument validation
//   - internal/adapter — the Claude/Codex/Gemini wire protocols behind one contract
//   - internal/session — the per-session state machine and control multiplexer
//   - internal/runner — the session runner (interactive) and execution runner (one-shot)
//   - internal/queue — durable job queue on top of Store
//   - internal/notify — LISTEN/NOTIFY-backed event and control channels
//   - store/postgres, store/sqlite — Store implementations
//   - cmd/worker — the worker binary
//
// The HTTP API, web UI, MCP tool server, and task/project CRUD are external
// collaborators; this module only describes their wire contracts (see
// the job queue and notify bus types below) and does not implement them.
package agendo
