package app

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("sandbox limits are only enforced on linux")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const pipelineDAG = `
file "words" { content = "b\na\nc\n" }
file "sorted" {}
file "count" {}

execution "sort" {
  command = "sort"
  stdin   = "words"
  stdout  = "sorted"
}

execution "count" {
  command = "sh"
  args    = ["-c", "wc -l < in.txt | tr -d ' ' > n.txt"]
  inputs  = { "in.txt" = "sorted" }
  outputs = { "n.txt" = "count" }
}
`

func TestLoadConfigPrecedence(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	path := writeFile(t, dir, "gridforge.hcl", `
store    { path = "/from/file" }
executor {
  workers     = 3
  max_retries = 5
}
log { level = "warn" }
`)
	t.Setenv("GRIDFORGE_MAX_RETRIES", "1")
	t.Setenv("GRIDFORGE_LOG_LEVEL", "error")

	// --- Act ---
	cfg, err := LoadConfig(context.Background(), path, Overrides{LogLevel: "debug"})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.Store.Path)
	assert.Equal(t, 3, cfg.Executor.Workers)
	assert.Equal(t, 1, cfg.Executor.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRequiresNamedFile(t *testing.T) {
	// --- Act ---
	_, err := LoadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.hcl"), Overrides{})

	// --- Assert ---
	require.Error(t, err)
}

func TestLoadConfigValidatesOverrides(t *testing.T) {
	// --- Act ---
	_, err := LoadConfig(context.Background(), "", Overrides{LogFormat: "xml"})

	// --- Assert ---
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	// --- Arrange ---
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)

	// --- Act ---
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	// --- Assert ---
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestRunLocalPipelineAndExportOutputs(t *testing.T) {
	requireLinux(t)
	// --- Arrange ---
	a, out, _ := SetupAppTest(t, TestConfig(t))
	dir := t.TempDir()
	dagPath := writeFile(t, dir, "pipeline.hcl", pipelineDAG)
	outDir := filepath.Join(dir, "out")

	// --- Act ---
	summary, err := a.Run(context.Background(), RunOptions{DAGPath: dagPath, OutputDir: outDir})

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 2, summary.Dispatched)
	sorted, err := os.ReadFile(filepath.Join(outDir, "sorted"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(sorted))
	count, err := os.ReadFile(filepath.Join(outDir, "count"))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(count))
	assert.NoFileExists(t, filepath.Join(outDir, "words"))
	assert.Contains(t, out.String(), "Run succeeded: 2 succeeded, 0 failed, 0 skipped; 2 dispatched, 0 from cache.")
}

func TestRunTwiceHitsCacheUnlessDisabled(t *testing.T) {
	requireLinux(t)
	// --- Arrange ---
	a, _, _ := SetupAppTest(t, TestConfig(t))
	dagPath := writeFile(t, t.TempDir(), "pipeline.hcl", pipelineDAG)
	ctx := context.Background()

	// --- Act ---
	_, err := a.Run(ctx, RunOptions{DAGPath: dagPath})
	require.NoError(t, err)
	cached, err := a.Run(ctx, RunOptions{DAGPath: dagPath})
	require.NoError(t, err)
	uncached, err := a.Run(ctx, RunOptions{DAGPath: dagPath, NoCache: true})
	require.NoError(t, err)

	// --- Assert ---
	assert.Equal(t, 2, cached.CacheHits)
	assert.Zero(t, cached.Dispatched)
	assert.Zero(t, uncached.CacheHits)
	assert.Equal(t, 2, uncached.Dispatched)
}

func TestRunFailureSkipsDependents(t *testing.T) {
	requireLinux(t)
	// --- Arrange ---
	a, out, _ := SetupAppTest(t, TestConfig(t))
	dagPath := writeFile(t, t.TempDir(), "fail.hcl", `
file "mid" {}
execution "broken" {
  command = "sh"
  args    = ["-c", "exit 3"]
  stdout  = "mid"
}
execution "after" {
  command = "cat"
  stdin   = "mid"
}
`)

	// --- Act ---
	summary, err := a.Run(context.Background(), RunOptions{DAGPath: dagPath})

	// --- Assert ---
	require.ErrorIs(t, err, ErrRunFailed)
	assert.False(t, summary.Success)
	assert.Contains(t, out.String(), "Run failed: 0 succeeded, 1 failed, 1 skipped")
	assert.Contains(t, out.String(), `dependency "broken" failed`)
}

func TestRunDryRunDispatchesNothing(t *testing.T) {
	// --- Arrange ---
	a, _, _ := SetupAppTest(t, TestConfig(t))
	dagPath := writeFile(t, t.TempDir(), "pipeline.hcl", pipelineDAG)

	// --- Act ---
	summary, err := a.Run(context.Background(), RunOptions{DAGPath: dagPath, DryRun: true})

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Zero(t, summary.Dispatched)
}

func TestRunRejectsBrokenDAGFile(t *testing.T) {
	// --- Arrange ---
	a, _, _ := SetupAppTest(t, TestConfig(t))
	dagPath := writeFile(t, t.TempDir(), "broken.hcl", `execution "x" {`)

	// --- Act ---
	_, err := a.Run(context.Background(), RunOptions{DAGPath: dagPath})

	// --- Assert ---
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunFailed)
}

func TestCleanEmptiesCacheAndStore(t *testing.T) {
	requireLinux(t)
	// --- Arrange ---
	a, out, _ := SetupAppTest(t, TestConfig(t))
	dagPath := writeFile(t, t.TempDir(), "pipeline.hcl", pipelineDAG)
	ctx := context.Background()
	_, err := a.Run(ctx, RunOptions{DAGPath: dagPath})
	require.NoError(t, err)

	// --- Act ---
	res, err := a.Clean(ctx)
	require.NoError(t, err)
	again, err := a.Run(ctx, RunOptions{DAGPath: dagPath})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entries)
	assert.Positive(t, res.Blobs)
	assert.Contains(t, out.String(), "Removed 2 cache entries")
	assert.Zero(t, again.CacheHits)
}

func TestServeWorkerAndRemoteRun(t *testing.T) {
	requireLinux(t)
	// --- Arrange ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, _, _ := SetupAppTest(t, TestConfig(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- server.serve(ctx, ln) }()
	addr := ln.Addr().String()

	worker, _, _ := SetupAppTest(t, TestConfig(t))
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Worker(ctx, WorkerOptions{Server: addr, Name: "w", Slots: 2}) }()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		return strings.Contains(buf.String(), "workers=1")
	}, 5*time.Second, 20*time.Millisecond)

	client, _, _ := SetupAppTest(t, TestConfig(t))
	dir := t.TempDir()
	dagPath := writeFile(t, dir, "pipeline.hcl", pipelineDAG)

	// --- Act ---
	summary, err := client.Run(ctx, RunOptions{DAGPath: dagPath, Remote: addr, OutputDir: filepath.Join(dir, "out")})

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, summary.Success)
	count, err := os.ReadFile(filepath.Join(dir, "out", "count"))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(count))

	cancel()
	require.NoError(t, <-workerDone)
	require.NoError(t, <-served)
}

func TestHealthHandlerAnswersOK(t *testing.T) {
	// --- Arrange ---
	a, _, _ := SetupAppTest(t, TestConfig(t))
	rec := httptest.NewRecorder()

	// --- Act ---
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// --- Assert ---
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}
