// Package sandbox executes repository commands (test runs, setup scripts)
// with bounded time and output. A non-zero exit is a result, not an error;
// errors mean the command could not be run at all.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/asaproj/asa/internal/faults"
)

// TailLimit is the maximum number of bytes of output kept per stream.
// Long test logs keep their tail, which is where failures print.
const TailLimit = 5000

// Result captures one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a shell command inside a working directory.
type Runner interface {
	Run(ctx context.Context, dir, command string) (*Result, error)
}

// LocalRunner executes commands as plain subprocesses via sh -c.
type LocalRunner struct {
	Timeout time.Duration
}

// Run executes the command, bounding it with the runner's timeout.
func (r *LocalRunner) Run(ctx context.Context, dir, command string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return run(ctx, dir, "sh", "-c", command)
}

// DockerRunner executes commands inside a disposable container: read-only
// root filesystem, capabilities dropped, network disabled, memory/cpu
// limits applied. Only the workspace mount and /tmp are writable.
type DockerRunner struct {
	Image    string
	MemLimit string
	CPULimit string

	// Network is the container network mode; empty means "none". Only set
	// this to "bridge" for repositories whose tests genuinely need it.
	Network string

	Timeout time.Duration
}

// Run executes the command in a container with dir mounted as /workspace.
func (r *DockerRunner) Run(ctx context.Context, dir, command string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	network := r.Network
	if network == "" {
		network = "none"
	}
	args := []string{
		"run", "--rm",
		"--network", network,
		"--memory", r.MemLimit,
		"--cpus", r.CPULimit,
		"--read-only",
		"--tmpfs", "/tmp",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"-v", dir + ":/workspace",
		"-w", "/workspace",
		r.Image,
		"sh", "-c", command,
	}
	return run(ctx, "", "docker", args...)
}

func run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Stdout:   string(Tail(stdout.Bytes(), TailLimit)),
		Stderr:   string(Tail(stderr.Bytes(), TailLimit)),
		Duration: elapsed,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, faults.Newf(faults.KindSandboxTimeout, "command exceeded %s", elapsed.Round(time.Millisecond))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, faults.Wrap(faults.KindSandboxFailed, err)
	}

	return result, nil
}

// Tail returns the last n bytes of b.
func Tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
