// Command worker is the Agendo session/execution worker: it claims jobs
// off the session:run and capability:execute queues, drives adapter
// subprocesses through internal/runner, and publishes every observable
// event to the notify bus. Pre-flight checks, graceful shutdown and the
// health surface mirror cmd/sandbox's main, generalized from a single
// sidecar execution service to a pool of cooperating queue workers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/adapter"
	"github.com/agendo/core/internal/adapter/claude"
	"github.com/agendo/core/internal/adapter/codex"
	"github.com/agendo/core/internal/adapter/gemini"
	"github.com/agendo/core/internal/catalog"
	"github.com/agendo/core/internal/config"
	"github.com/agendo/core/internal/healthhttp"
	"github.com/agendo/core/internal/heartbeat"
	"github.com/agendo/core/internal/notify"
	"github.com/agendo/core/internal/queue"
	"github.com/agendo/core/internal/runner"
	"github.com/agendo/core/internal/safety"
	"github.com/agendo/core/internal/sandbox"
	"github.com/agendo/core/internal/telemetry"
	"github.com/agendo/core/store/postgres"
)

// shutdownGrace matches spec §5: the worker waits up to 25s for in-flight
// jobs to release their slots before killing live session processes.
const shutdownGrace = 25 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := config.Load(os.Getenv("WORKER_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		var pf *preflightError
		if ok := asPreflightError(err, &pf); ok {
			logger.Error("pre-flight failure", "op", pf.op, "error", pf.cause)
			os.Exit(1)
		}
		logger.Error("fatal", "error", err)
		os.Exit(2)
	}
}

// preflightError marks a failure in worker startup checks (database
// connectivity, schema init, docker connectivity, log directory
// creation) as distinct from an unexpected runtime crash, per spec
// §6.5's exit-code contract (1 for pre-flight, non-zero-not-1 for other
// fatal errors).
type preflightError struct {
	op    string
	cause error
}

func (e *preflightError) Error() string { return "pre-flight: " + e.op + ": " + e.cause.Error() }
func (e *preflightError) Unwrap() error { return e.cause }

func asPreflightError(err error, target **preflightError) bool {
	pf, ok := err.(*preflightError)
	if ok {
		*target = pf
	}
	return ok
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return preflightErr("connect database", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if err := store.Init(ctx); err != nil {
		return preflightErr("init schema", err)
	}
	defer store.Close()

	bus := notify.New(pool, store, logger)
	cat := catalog.New(pool)

	registry := adapter.NewRegistry()
	registry.Register(agendo.AgentClaude, func(a agendo.AgentSpec) (adapter.Adapter, error) { return claude.New(a.BinaryPath, logger), nil })
	registry.Register(agendo.AgentCodex, func(a agendo.AgentSpec) (adapter.Adapter, error) { return codex.New(a.BinaryPath, logger), nil })
	registry.Register(agendo.AgentGemini, func(a agendo.AgentSpec) (adapter.Adapter, error) { return gemini.New(a.BinaryPath, logger), nil })

	gate := safety.New([]string{os.TempDir()}, func() ([]string, error) { return cat.ProjectRoots(ctx) }, logger)

	var sb *sandbox.Runner
	if cfg.Sandbox.Enabled {
		sb, err = sandbox.NewRunner()
		if err != nil {
			return preflightErr("connect docker for sandbox", err)
		}
		defer sb.Close()
	}

	if _, shutdownTracer, err := telemetry.New(ctx); err != nil {
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	if err := os.MkdirAll(cfg.Worker.LogDir, 0o750); err != nil {
		return preflightErr("create log dir", err)
	}

	inFlight := newLoadCounter()

	sessionRunner := &SessionRunnerHandle{inner: &runner.SessionRunner{
		Store:    store,
		Catalog:  cat,
		Tasks:    cat,
		Adapters: registry,
		Gate:     gate,
		Events:   bus,
		Control:  bus,
		LogDir:   cfg.Worker.LogDir,
		WorkerID: cfg.Worker.ID,
		Logger:   logger,
	}, inFlight: inFlight}

	executionRunner := &ExecutionRunnerHandle{inner: &runner.ExecutionRunner{
		Store:        store,
		Catalog:      cat,
		Tasks:        cat,
		Gate:         gate,
		Sandbox:      sb,
		SandboxImage: cfg.Sandbox.Image,
		LogDir:       cfg.Worker.LogDir,
		Logger:       logger,
	}, inFlight: inFlight}

	sessionWorker := queue.NewWorker(store, agendo.QueueSessionRun, cfg.Worker.MaxConcurrentJobs, time.Second, logger)
	executionWorker := queue.NewWorker(store, agendo.QueueCapabilityExecute, cfg.Worker.MaxConcurrentJobs, time.Second, logger)

	beater := heartbeat.NewBeater(store, cfg.Worker.ID, time.Duration(cfg.Worker.HeartbeatIntervalMs)*time.Millisecond, cfg.Worker.MaxConcurrentJobs, inFlight.Get, logger)
	beater.Start(ctx)
	defer beater.Stop()

	health := healthhttp.New(cfg.Worker.HealthAddr, healthhttp.Status{
		WorkerID:      cfg.Worker.ID,
		InFlight:      inFlight.Get,
		MaxConcurrent: cfg.Worker.MaxConcurrentJobs,
	})
	go func() {
		if err := health.ListenAndServe(); err != nil {
			logger.Error("health server stopped", "error", err)
		}
	}()

	staleThreshold := time.Duration(cfg.Worker.StaleJobThresholdMs) * time.Millisecond
	go queue.RequeueStaleLoop(ctx, store, agendo.QueueSessionRun, staleThreshold, 30*time.Second, logger)
	go queue.RequeueStaleLoop(ctx, store, agendo.QueueCapabilityExecute, staleThreshold, 30*time.Second, logger)
	go heartbeat.ReapStaleExecutions(ctx, store, staleThreshold, 30*time.Second, logger)

	go sessionWorker.Run(ctx, sessionRunner.Handle)
	go executionWorker.Run(ctx, executionRunner.Handle)

	health.MarkReady()
	logger.Info("worker ready", "worker_id", cfg.Worker.ID, "health_addr", cfg.Worker.HealthAddr)

	<-ctx.Done()
	logger.Info("shutting down, draining in-flight jobs")

	sessionWorker.Stop()
	executionWorker.Stop()
	waitForDrain(inFlight, shutdownGrace)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := health.Shutdown(shutCtx); err != nil {
		logger.Warn("health server shutdown error", "error", err)
	}
	logger.Info("stopped")
	return nil
}

func waitForDrain(inFlight *loadCounter, grace time.Duration) {
	deadline := time.After(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if inFlight.Get() == 0 {
			return
		}
		select {
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

func preflightErr(op string, cause error) error {
	return &preflightError{op: op, cause: cause}
}
