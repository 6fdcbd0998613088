package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	agendo "github.com/agendo/core"
	"github.com/agendo/core/internal/logwriter"
	"github.com/agendo/core/internal/safety"
	"github.com/agendo/core/internal/sandbox"
)

// claudeResultGrace is how long the execution runner waits after seeing a
// Claude CLI {"type":"result"} line before forcing a SIGKILL, working
// around the known bug where the process's stdout never closes on its own.
const claudeResultGrace = 3 * time.Second

// killGraceAfterTerm is how long the execution runner waits after SIGTERM
// (timeout or output-cap enforcement) before escalating to SIGKILL.
const killGraceAfterTerm = 5 * time.Second

// ExecutionRunner handles capability:execute jobs: one-shot templated
// capability invocations that exit on their own, per spec §4.6.
type ExecutionRunner struct {
	Store        agendo.Store
	Catalog      Catalog
	Tasks        TaskResolver
	Gate         *safety.Gate
	Sandbox      *sandbox.Runner // nil disables the docker path entirely
	SandboxImage string
	LogDir       string
	Logger       *slog.Logger
}

func (r *ExecutionRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// Handle is the queue.Handler for the capability:execute queue.
func (r *ExecutionRunner) Handle(ctx context.Context, job agendo.Job) error {
	var payload agendo.CapabilityExecutePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("execution runner: decode payload: %w", err)
	}

	execRow, err := r.Store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return fmt.Errorf("execution runner: load execution %s: %w", payload.ExecutionID, err)
	}
	if execRow.Status.IsTerminal() {
		return nil // redelivery after a crash; already resolved
	}

	agent, err := r.Catalog.GetAgent(ctx, execRow.AgentID)
	if err != nil {
		return fmt.Errorf("execution runner: load agent %s: %w", execRow.AgentID, err)
	}
	capability, err := r.Catalog.GetCapability(ctx, execRow.CapabilityID)
	if err != nil {
		return fmt.Errorf("execution runner: load capability %s: %w", execRow.CapabilityID, err)
	}
	task, err := r.Tasks.ResolveTask(ctx, execRow.TaskID)
	if err != nil {
		return fmt.Errorf("execution runner: resolve task %s: %w", execRow.TaskID, err)
	}

	workingDir, err := r.Gate.ValidateWorkingDir(task.WorkingDir)
	if err != nil {
		_, _ = r.Store.FinalizeExecution(ctx, execRow.ID, agendo.ExecFailed, nil, agendo.NowUnix())
		return err
	}
	args := task.Args
	if len(execRow.CLIFlags) > 0 {
		args = mergeArgs(task.Args, execRow.CLIFlags)
	}
	argv, err := r.Gate.BuildCommandArgs(capability.CommandTokens, args)
	if err != nil {
		_, _ = r.Store.FinalizeExecution(ctx, execRow.ID, agendo.ExecFailed, nil, agendo.NowUnix())
		return err
	}
	env := r.Gate.BuildChildEnv(capability.EnvAllowlist)

	logPath := filepath.Join(r.LogDir, execRow.ID+".log")
	lw, err := logwriter.Open(logPath)
	if err != nil {
		return fmt.Errorf("execution runner: open log: %w", err)
	}
	defer lw.Close()

	timeoutSec := capability.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 300
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	if capability.Sandbox == "docker" && r.Sandbox != nil {
		return r.runSandboxed(runCtx, execRow, workingDir, argv, env, logPath, lw)
	}
	return r.runDirect(runCtx, execRow, agent, capability, workingDir, argv, env, logPath, lw)
}

func mergeArgs(base map[string]any, overrides map[string]string) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (r *ExecutionRunner) runSandboxed(ctx context.Context, execRow agendo.Execution, workingDir string, argv []string, env map[string]string, logPath string, lw *logwriter.Writer) error {
	if err := r.Store.SetExecutionRunning(ctx, execRow.ID, 0, logPath, agendo.NowUnix()); err != nil {
		r.logger().Warn("persist execution running failed", "error", err, "execution_id", execRow.ID)
	}
	result, err := r.Sandbox.Run(ctx, sandbox.Config{Image: r.SandboxImage, WorkingDir: workingDir}, argv, env)

	var status agendo.ExecutionStatus
	var code *int
	switch {
	case err != nil && ctx.Err() != nil:
		status = agendo.ExecTimedOut
	case err != nil:
		status = agendo.ExecFailed
	default:
		_, _ = lw.WriteLine(logwriter.KindStdout, string(result.Stdout))
		_, _ = lw.WriteLine(logwriter.KindStderr, string(result.Stderr))
		c := result.ExitCode
		code = &c
		if c == 0 {
			status = agendo.ExecSucceeded
		} else {
			status = agendo.ExecFailed
		}
	}

	bytes, lines := lw.Counts()
	_ = r.Store.UpdateExecutionCounts(ctx, execRow.ID, bytes, lines)
	_, ferr := r.Store.FinalizeExecution(ctx, execRow.ID, status, code, agendo.NowUnix())
	return ferr
}

func (r *ExecutionRunner) runDirect(ctx context.Context, execRow agendo.Execution, agent agendo.AgentSpec, capability agendo.CapabilitySpec, workingDir string, argv []string, env map[string]string, logPath string, lw *logwriter.Writer) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = envSlice(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("execution runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("execution runner: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_, _ = r.Store.FinalizeExecution(ctx, execRow.ID, agendo.ExecFailed, nil, agendo.NowUnix())
		return fmt.Errorf("execution runner: start: %w", err)
	}
	if err := r.Store.SetExecutionRunning(ctx, execRow.ID, cmd.Process.Pid, logPath, agendo.NowUnix()); err != nil {
		r.logger().Warn("persist execution running failed", "error", err, "execution_id", execRow.ID)
	}

	var overflowed atomic.Bool
	sawResult := make(chan struct{}, 1)
	watchResult := agent.Kind == agendo.AgentClaude

	var wg sync.WaitGroup
	wg.Add(2)
	go r.streamStdout(&wg, stdout, lw, cmd, capability.MaxOutputBytes, &overflowed, watchResult, sawResult)
	go r.streamStderr(&wg, stderr, lw)

	if watchResult {
		go r.killAfterResult(cmd, sawResult)
	}

	waitDone := make(chan error, 1)
	go func() { wg.Wait(); waitDone <- cmd.Wait() }()

	var timedOut bool
	select {
	case <-waitDone:
	case <-ctx.Done():
		timedOut = true
		r.killGroup(cmd, waitDone)
	}

	bytes, lines := lw.Counts()
	if err := r.Store.UpdateExecutionCounts(ctx, execRow.ID, bytes, lines); err != nil {
		r.logger().Warn("persist execution counts failed", "error", err, "execution_id", execRow.ID)
	}

	var code *int
	if cmd.ProcessState != nil {
		c := cmd.ProcessState.ExitCode()
		if c >= 0 {
			code = &c
		}
	}
	status := executionFinalStatus(code, timedOut || overflowed.Load())
	if _, err := r.Store.FinalizeExecution(ctx, execRow.ID, status, code, agendo.NowUnix()); err != nil {
		r.logger().Warn("finalize execution failed", "error", err, "execution_id", execRow.ID)
	}
	return nil
}

// streamStdout scans the child's stdout line by line, writing each to the
// log and counting bytes against the capability's output cap. When
// watchResult is set (the Claude path), a line containing `"type":"result"`
// signals sawResult once so killAfterResult can schedule the workaround
// kill.
func (r *ExecutionRunner) streamStdout(wg *sync.WaitGroup, stdout io.Reader, lw *logwriter.Writer, cmd *exec.Cmd, maxBytes int64, overflowed *atomic.Bool, watchResult bool, sawResult chan<- struct{}) {
	defer wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		n, _ := lw.WriteLine(logwriter.KindStdout, line)
		if maxBytes > 0 && n > maxBytes && !overflowed.Swap(true) {
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			}
		}
		if watchResult && strings.Contains(line, `"type":"result"`) {
			select {
			case sawResult <- struct{}{}:
			default:
			}
		}
	}
}

func (r *ExecutionRunner) streamStderr(wg *sync.WaitGroup, stderr io.Reader, lw *logwriter.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		_, _ = lw.WriteLine(logwriter.KindStderr, scanner.Text())
	}
}

// killAfterResult implements the Claude-path workaround from spec §4.6: a
// {"type":"result"} line marks the turn as logically done, but the CLI's
// stdout is known not to close on its own, so a forced kill is scheduled
// after a grace window.
func (r *ExecutionRunner) killAfterResult(cmd *exec.Cmd, sawResult <-chan struct{}) {
	<-sawResult
	time.Sleep(claudeResultGrace)
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (r *ExecutionRunner) killGroup(cmd *exec.Cmd, waitDone <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-waitDone:
		return
	case <-time.After(killGraceAfterTerm):
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// executionFinalStatus implements spec §4.6's status derivation: a missing
// exit code, or a forced kill (timeout or output-cap overflow) with a
// non-zero exit code, becomes timed_out; otherwise exit 0 is success and
// anything else is failure.
func executionFinalStatus(exitCode *int, forcedKill bool) agendo.ExecutionStatus {
	if exitCode == nil {
		return agendo.ExecTimedOut
	}
	if forcedKill && *exitCode != 0 {
		return agendo.ExecTimedOut
	}
	if *exitCode == 0 {
		return agendo.ExecSucceeded
	}
	return agendo.ExecFailed
}
