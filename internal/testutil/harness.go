// Package testutil drives gridforge end to end through its command line for
// system tests.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/gridforge/internal/cli"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcome of one command.
type HarnessResult struct {
	Output    string
	LogOutput string
	Err       error
}

// Harness is a scratch directory with DAG files and a store shared by every
// command it runs.
type Harness struct {
	t        *testing.T
	Dir      string
	StoreDir string
}

// RequireLinux skips tests that run sandboxed programs elsewhere.
func RequireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("sandbox limits are only enforced on linux")
	}
}

// New creates a Harness with files written below its directory. Keys are
// slash separated relative paths.
func New(t *testing.T, files map[string]string) *Harness {
	t.Helper()
	h := &Harness{t: t, Dir: t.TempDir(), StoreDir: t.TempDir()}
	for name, content := range files {
		path := h.Path(name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return h
}

// Path returns the absolute path of name inside the harness directory.
func (h *Harness) Path(name string) string {
	return filepath.Join(h.Dir, filepath.FromSlash(name))
}

// ReadFile returns the content of name inside the harness directory.
func (h *Harness) ReadFile(name string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.Path(name))
	require.NoError(h.t, err)
	return string(data)
}

// Run executes a gridforge command line against the harness store.
func (h *Harness) Run(args ...string) *HarnessResult {
	h.t.Helper()
	return h.RunWithContext(context.Background(), args...)
}

// RunWithContext is Run with a caller provided context.
func (h *Harness) RunWithContext(ctx context.Context, args ...string) *HarnessResult {
	h.t.Helper()
	out, logs := &SafeBuffer{}, &SafeBuffer{}
	full := append([]string{"--store", h.StoreDir, "--log-level", "debug"}, args...)
	err := cli.Execute(ctx, out, logs, full)

	if os.Getenv("GRIDFORGE_TEST_LOGS") == "true" {
		h.t.Logf("--- Full Log Output for %s ---\n%s", h.t.Name(), logs.String())
	}
	return &HarnessResult{Output: out.String(), LogOutput: logs.String(), Err: err}
}

// RunIntegrationTest writes files into a fresh Harness and runs the DAG file
// or directory dagPath (relative to it) with the extra run flags.
func RunIntegrationTest(t *testing.T, files map[string]string, dagPath string, flags ...string) (*Harness, *HarnessResult) {
	t.Helper()
	h := New(t, files)
	args := append([]string{"run"}, flags...)
	return h, h.Run(append(args, h.Path(dagPath))...)
}
