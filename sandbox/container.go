package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// maxContainerOutput caps captured stdout/stderr per run. Analysis code
// that prints more gets truncated, not failed.
const maxContainerOutput = 64 * 1024

// ContainerOption configures a ContainerRunner.
type ContainerOption func(*ContainerRunner)

// ContainerTimeout sets the hard deadline per run (default: 30s).
func ContainerTimeout(d time.Duration) ContainerOption {
	return func(r *ContainerRunner) { r.timeout = d }
}

// ContainerMemory sets the memory cap in bytes (default: 256 MiB).
func ContainerMemory(bytes int64) ContainerOption {
	return func(r *ContainerRunner) { r.memory = bytes }
}

// ContainerCPUs sets the CPU cap in whole-core units (default: 1).
func ContainerCPUs(cores float64) ContainerOption {
	return func(r *ContainerRunner) { r.nanoCPUs = int64(cores * 1e9) }
}

// ContainerLogger sets the structured logger (default: no output).
func ContainerLogger(l *slog.Logger) ContainerOption {
	return func(r *ContainerRunner) { r.logger = l }
}

// ContainerRunner executes ad-hoc analysis code inside a throwaway Docker
// container: no network, capped memory/CPU/pids, a tmpfs workspace, and a
// hard deadline. It backs the chat agent's execute_code tool; strategy
// code never comes here; that runs on the in-process script engine.
type ContainerRunner struct {
	cli      *client.Client
	image    string
	timeout  time.Duration
	memory   int64
	nanoCPUs int64
	logger   *slog.Logger
}

// NewContainerRunner connects to the Docker daemon from the environment.
// image is the container image runs execute in (it must provide python3
// and node).
func NewContainerRunner(image string, opts ...ContainerOption) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: connect docker: %w", err)
	}
	r := &ContainerRunner{
		cli:      cli,
		image:    image,
		timeout:  30 * time.Second,
		memory:   256 << 20,
		nanoCPUs: 1e9,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunRequest is one code execution.
type RunRequest struct {
	// Code is the source to execute.
	Code string
	// Runtime selects the interpreter: "python" (default) or "node".
	Runtime string
}

// RunResult is the captured outcome of one execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int64
}

// Run executes req.Code in a fresh container and returns its output. The
// container is always removed, on success and failure alike.
func (r *ContainerRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cmd []string
	switch req.Runtime {
	case "", "python":
		cmd = []string{"python3", "-c", req.Code}
	case "node":
		cmd = []string{"node", "-e", req.Code}
	default:
		return RunResult{}, fmt.Errorf("container: unknown runtime %q", req.Runtime)
	}

	pids := int64(64)
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           r.image,
			Cmd:             cmd,
			WorkingDir:      "/workspace",
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:    r.memory,
				NanoCPUs:  r.nanoCPUs,
				PidsLimit: &pids,
			},
			Tmpfs:          map[string]string{"/workspace": "rw,size=64m"},
			ReadonlyRootfs: true,
		},
		nil, nil, "")
	if err != nil {
		return RunResult{}, fmt.Errorf("container: create: %w", err)
	}
	// Removal must outlive a cancelled run.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer rmCancel()
		if err := r.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("container remove failed", "container_id", created.ID, "error", err)
		}
	}()

	started := time.Now()
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("container: start: %w", err)
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-waitCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		if ctx.Err() != nil {
			return RunResult{}, &Error{Kind: ErrTimeout, Name: "execute_code", Detail: "container run exceeded deadline"}
		}
		return RunResult{}, fmt.Errorf("container: wait: %w", err)
	case <-ctx.Done():
		return RunResult{}, &Error{Kind: ErrTimeout, Name: "execute_code", Detail: "container run exceeded deadline"}
	}

	stdout, stderr, err := r.collectLogs(ctx, created.ID)
	if err != nil {
		return RunResult{}, err
	}
	r.logger.Debug("container run finished", "exit_code", exitCode, "duration", time.Since(started))
	return RunResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// collectLogs demultiplexes the container's output streams, truncated to
// maxContainerOutput each.
func (r *ContainerRunner) collectLogs(ctx context.Context, id string) (string, string, error) {
	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("container: logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(
		&limitedBuffer{buf: &stdout, limit: maxContainerOutput},
		&limitedBuffer{buf: &stderr, limit: maxContainerOutput},
		logs,
	); err != nil && err != io.EOF {
		return "", "", fmt.Errorf("container: read logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Close releases the Docker client connection.
func (r *ContainerRunner) Close() error {
	return r.cli.Close()
}

// limitedBuffer writes up to limit bytes and silently discards the rest,
// appending a truncation marker once.
type limitedBuffer struct {
	buf       *bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := l.limit - l.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			l.buf.Write(p[:remaining])
		} else {
			l.buf.Write(p)
		}
	} else if !l.truncated {
		l.truncated = true
		l.buf.WriteString("\n[output truncated]")
	}
	return len(p), nil
}
