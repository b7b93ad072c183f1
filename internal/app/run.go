package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/hcladapter"
	"github.com/vk/gridforge/internal/localsession"
	"github.com/vk/gridforge/internal/remotesession"
	"github.com/vk/gridforge/internal/session"
	"github.com/vk/gridforge/internal/store"
)

// ErrRunFailed is returned by Run when the DAG ran but did not succeed.
var ErrRunFailed = errors.New("run failed")

// RunOptions select what Run does with a DAG file.
type RunOptions struct {
	DAGPath   string
	KeepGoing bool
	NoCache   bool
	DryRun    bool
	// Remote is the address of a server to run on. Empty runs locally.
	Remote string
	// OutputDir receives a copy of every produced file, named after its
	// declaration in the DAG file.
	OutputDir string
}

func defaultFactory(remote string) session.SessionFactory {
	if remote != "" {
		return &remotesession.SessionFactory{Addr: remote}
	}
	return &localsession.SessionFactory{}
}

// Run loads the DAG file, runs it to completion and prints a summary.
// Cancelling ctx aborts the run; the summary of what finished is still
// returned.
func (a *App) Run(ctx context.Context, opts RunOptions) (executor.Summary, error) {
	ctx = ctxlog.With(a.context(ctx), "dag", filepath.Base(opts.DAGPath))
	logger := ctxlog.FromContext(ctx)
	logger.Debug("App.Run method started.", "path", opts.DAGPath)

	defaults := dag.DefaultConfig()
	defaults.KeepGoing = a.config.Executor.KeepGoing
	defaults.MaxRetries = a.config.Executor.MaxRetries
	loaded, err := hcladapter.LoadFile(ctx, opts.DAGPath, hcladapter.WithDefaults(defaults))
	if err != nil {
		return executor.Summary{}, err
	}
	d := loaded.DAG
	if opts.KeepGoing {
		d.Config.KeepGoing = true
	}
	if opts.NoCache || !a.config.Cache.Enabled {
		d.Config.UseCache = false
	}
	d.Config.DryRun = opts.DryRun
	logger.Info("DAG loaded.", "executions", len(d.Executions()), "files", len(d.Files()))

	if len(d.Executions()) == 0 {
		logger.Warn("No executions found in DAG, execution not required.")
		return executor.Summary{Success: true, Files: map[dag.FileID]store.Key{}}, nil
	}

	sess, err := a.newFactory(opts.Remote).NewSession(ctx, a.config)
	if err != nil {
		return executor.Summary{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close(ctx)

	h, err := sess.Start(ctx, d)
	if err != nil {
		return executor.Summary{}, fmt.Errorf("failed to start run: %w", err)
	}
	logger.Info("🚀 Starting execution...", "remote", opts.Remote != "")

	stop := context.AfterFunc(ctx, func() {
		logger.Warn("Run interrupted, cancelling.")
		h.Cancel()
	})
	defer stop()
	for ev := range h.Events() {
		logEvent(ctx, ev)
	}
	summary, err := h.Wait()
	if err != nil {
		return summary, fmt.Errorf("run ended abnormally: %w", err)
	}
	logger.Info("🏁 Execution finished.", "success", summary.Success, "dispatched", summary.Dispatched, "cache_hits", summary.CacheHits)

	printSummary(a.outW, d, summary)

	if opts.OutputDir != "" && !opts.DryRun {
		if err := a.exportOutputs(ctx, sess, loaded, summary, opts.OutputDir); err != nil {
			return summary, err
		}
	}
	if !summary.Success {
		return summary, ErrRunFailed
	}
	return summary, nil
}

func logEvent(ctx context.Context, ev executor.Event) {
	logger := ctxlog.FromContext(ctx)
	if ev.Done {
		return
	}
	attrs := []any{"execution", ev.Description, "status", ev.Transition}
	if ev.Worker != "" {
		attrs = append(attrs, "worker", ev.Worker)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	switch ev.Transition {
	case executor.StatusFailed:
		logger.Warn("Execution failed.", attrs...)
	case executor.StatusSuccess, executor.StatusCacheHit, executor.StatusSkipped:
		logger.Info("Execution finished.", attrs...)
	default:
		logger.Debug("Execution progressed.", attrs...)
	}
}

// exportOutputs copies every produced file declared in the DAG file into
// dir, fetching it from the session when it is not held locally.
func (a *App) exportOutputs(ctx context.Context, sess session.Session, loaded *hcladapter.Loaded, summary executor.Summary, dir string) error {
	logger := ctxlog.FromContext(ctx)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	var errs []error
	for _, name := range loaded.FileNames() {
		id := loaded.Files[name]
		if loaded.DAG.File(id).Provided {
			continue
		}
		key, ok := summary.Files[id]
		if !ok {
			continue
		}
		if err := copyBlob(ctx, sess, key, filepath.Join(dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("file %q: %w", name, err))
			continue
		}
		logger.Debug("Output exported.", "file", name, "key", key.Short())
	}
	return errors.Join(errs...)
}

func copyBlob(ctx context.Context, sess session.Session, key store.Key, path string) error {
	h, err := sess.Fetch(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release()
	src, err := h.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
