package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaproj/asa/internal/faults"
)

func TestLocalRunner_Success(t *testing.T) {
	r := &LocalRunner{Timeout: 10 * time.Second}
	res, err := r.Run(context.Background(), t.TempDir(), "echo hello")
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestLocalRunner_RunsInDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	r := &LocalRunner{Timeout: 10 * time.Second}
	res, err := r.Run(context.Background(), dir, "ls")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "marker.txt")
}

func TestLocalRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := &LocalRunner{Timeout: 10 * time.Second}
	res, err := r.Run(context.Background(), t.TempDir(), "echo failing >&2; exit 3")
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "failing")
}

func TestLocalRunner_Timeout(t *testing.T) {
	r := &LocalRunner{Timeout: 100 * time.Millisecond}
	_, err := r.Run(context.Background(), t.TempDir(), "sleep 5")
	require.Error(t, err)
	assert.Equal(t, faults.KindSandboxTimeout, faults.KindOf(err))
}

func TestTail(t *testing.T) {
	assert.Equal(t, []byte("abc"), Tail([]byte("abc"), 5000))
	long := strings.Repeat("x", 6000) + "END"
	tail := Tail([]byte(long), TailLimit)
	assert.Len(t, tail, TailLimit)
	assert.True(t, strings.HasSuffix(string(tail), "END"))
}

func TestDockerRunner_ArgsShape(t *testing.T) {
	// Exercises argument construction without requiring docker: the binary
	// is absent in CI, so Run must fail with a sandbox_failed kind.
	if _, err := exec.LookPath("docker"); err == nil {
		t.Skip("docker present, argument failure path not reachable")
	}

	r := &DockerRunner{Image: "python:3.11-slim", MemLimit: "512m", CPULimit: "1.0", Timeout: time.Second}
	_, err := r.Run(context.Background(), t.TempDir(), "true")
	require.Error(t, err)
	assert.Equal(t, faults.KindSandboxFailed, faults.KindOf(err))
}
