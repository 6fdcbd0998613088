// Package sandbox runs a capability's argv inside a Docker container
// instead of as a direct child process, for capabilities that declare
// Sandbox: "docker" in their CapabilitySpec. It is the isolation escape
// hatch the execution runner reaches for when a template capability
// declares it and a sandbox runner is configured; the default path (no sandbox) still spawns
// directly via os/exec as internal/runner does for every other
// capability.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Config selects which image runs a sandboxed capability and the mount
// that exposes its working directory inside the container.
type Config struct {
	Image      string
	WorkingDir string // bind-mounted at /workspace inside the container
}

// Runner executes capability argv inside short-lived containers.
type Runner struct {
	cli *client.Client
}

// NewRunner connects to the local Docker daemon using the standard
// DOCKER_HOST/DOCKER_* environment variables.
func NewRunner() (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect docker: %w", err)
	}
	return &Runner{cli: cli}, nil
}

// Result is the outcome of one sandboxed run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run creates a container from cfg.Image, runs argv with env and cwd
// /workspace bind-mounted from cfg.WorkingDir, waits for it to exit (or
// ctx to be cancelled, in which case the container is killed), and
// returns its captured output. The container is always removed on
// return.
func (r *Runner) Run(ctx context.Context, cfg Config, argv []string, env map[string]string) (Result, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        argv,
		Env:        envList,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Binds:      []string{cfg.WorkingDir + ":/workspace"},
		AutoRemove: false,
		NetworkMode: "none",
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create container: %w", err)
	}
	containerID := resp.ID
	defer r.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("sandbox: start container: %w", err)
	}

	logsCtx, cancelLogs := context.WithCancel(context.Background())
	defer cancelLogs()

	waitCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var stdout, stderr bytes.Buffer
	go r.streamLogs(logsCtx, containerID, &stdout, &stderr)

	select {
	case <-ctx.Done():
		_ = r.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{}, fmt.Errorf("sandbox: run cancelled: %w", ctx.Err())
	case err := <-errCh:
		return Result{}, fmt.Errorf("sandbox: wait container: %w", err)
	case status := <-waitCh:
		// Give the log stream a moment to flush the final bytes written
		// before the container stopped.
		time.Sleep(50 * time.Millisecond)
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: int(status.StatusCode)}, nil
	}
}

func (r *Runner) streamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) {
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer rc.Close()
	_, _ = stdcopy.StdCopy(stdout, stderr, rc)
}

// Close releases the Docker client connection.
func (r *Runner) Close() error {
	return r.cli.Close()
}
