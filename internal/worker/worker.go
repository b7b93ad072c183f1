// Package worker runs jobs: it materialises inputs from the file store into a
// fresh sandbox directory, runs the command, and stores what it produced.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/sandbox"
	"github.com/vk/gridforge/internal/store"
)

// State is the position of a worker in its job lifecycle.
type State int

const (
	Idle State = iota
	Assigned
	FetchingInputs
	Running
	UploadingOutputs
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Assigned:
		return "assigned"
	case FetchingInputs:
		return "fetching_inputs"
	case Running:
		return "running"
	case UploadingOutputs:
		return "uploading_outputs"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FileSource supplies blobs missing from the worker's store.
type FileSource interface {
	Fetch(ctx context.Context, key store.Key) (*store.Handle, error)
}

// Options configure a Worker.
type Options struct {
	Name string
	// TempDir holds sandbox directories. Empty means os.TempDir().
	TempDir string
	// KeepSandboxes leaves sandbox directories behind for inspection.
	KeepSandboxes bool
	// OnState is called on every state change.
	OnState func(State)
	// Pipes creates the named pipes of groups. Defaults to a registry of
	// this worker alone, under TempDir.
	Pipes *Pipes
}

// Worker executes one job at a time.
type Worker struct {
	opts   Options
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

func New(st *store.Store, opts Options, logger *slog.Logger) *Worker {
	if opts.Pipes == nil {
		opts.Pipes = NewPipes(opts.TempDir)
	}
	return &Worker{opts: opts, store: st, logger: logger.With("worker", opts.Name)}
}

func (w *Worker) Name() string { return w.opts.Name }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	if w.opts.OnState != nil {
		w.opts.OnState(s)
	}
}

// Execute runs spec and returns its result together with leases on every
// blob the result refers to; the caller releases them. src is asked only for
// inputs the local store lacks and may be nil when the store is shared with
// the coordinator.
func (w *Worker) Execute(ctx context.Context, spec *job.Spec, src FileSource) (job.Result, *store.Leases) {
	outputs := store.NewLeases()
	w.setState(Assigned)
	defer w.setState(Idle)

	res := w.execute(ctx, spec, src, outputs)
	res.Worker = w.opts.Name
	if res.Outcome == job.InternalError {
		w.logger.Warn("Job failed internally.", "job", spec.Description, "error", res.Message)
	}
	return res, outputs
}

func (w *Worker) execute(ctx context.Context, spec *job.Spec, src FileSource, outputs *store.Leases) job.Result {
	// Every member releases its share of the group's pipes, however it ends.
	var pipes string
	if spec.FIFOs != nil {
		dir, err := w.opts.Pipes.acquire(spec.FIFOs)
		if err != nil {
			return job.Internal("create fifos: %v", err)
		}
		defer w.opts.Pipes.release(spec.FIFOs)
		pipes = dir
	}

	w.setState(FetchingInputs)
	inputs := store.NewLeases()
	defer inputs.ReleaseAll()
	for _, key := range spec.Keys() {
		h, err := w.fetch(ctx, key, src)
		if err != nil {
			return job.Internal("fetch input %s: %v", key.Short(), err)
		}
		inputs.Add(h)
	}

	if w.opts.TempDir != "" {
		if err := os.MkdirAll(w.opts.TempDir, 0o755); err != nil {
			return job.Internal("create sandbox root: %v", err)
		}
	}
	box, err := os.MkdirTemp(w.opts.TempDir, "box-*")
	if err != nil {
		return job.Internal("create sandbox: %v", err)
	}
	if w.opts.KeepSandboxes {
		w.logger.Info("Keeping sandbox.", "job", spec.Description, "dir", box)
	} else {
		defer os.RemoveAll(box)
	}
	work := filepath.Join(box, "box")
	if err := os.Mkdir(work, 0o755); err != nil {
		return job.Internal("create sandbox: %v", err)
	}

	for path, in := range spec.Inputs {
		h, _ := inputs.Get(in.Key)
		if err := place(h, work, path, in.Executable); err != nil {
			return job.Internal("place input %s: %v", path, err)
		}
	}
	if pipes != "" {
		if err := os.Symlink(pipes, filepath.Join(work, dag.FIFODir)); err != nil {
			return job.Internal("link fifos: %v", err)
		}
	}
	for _, path := range spec.Outputs {
		dst, err := boxPath(work, path)
		if err != nil {
			return job.Internal("output %s: %v", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return job.Internal("output %s: %v", path, err)
		}
	}

	cfg := sandbox.Config{
		Dir:     work,
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Stdout:  filepath.Join(box, "stdout"),
		Stderr:  filepath.Join(box, "stderr"),
		Limits:  spec.Limits,
	}
	if spec.Stdin != nil {
		h, _ := inputs.Get(*spec.Stdin)
		cfg.Stdin = h.Path()
	}

	w.setState(Running)
	w.logger.Debug("Running job.", "job", spec.Description, "command", spec.Command)
	sres, err := sandbox.Run(ctx, cfg)
	if err != nil {
		return job.Result{Outcome: job.InternalError, Message: sres.Message}
	}
	res := job.Result{
		Outcome:   sres.Outcome,
		ExitCode:  sres.ExitCode,
		Signal:    sres.Signal,
		Message:   sres.Message,
		Resources: sres.Resources,
	}

	w.setState(UploadingOutputs)
	if spec.CaptureBytes > 0 {
		res.StdoutHead = head(cfg.Stdout, spec.CaptureBytes)
		res.StderrHead = head(cfg.Stderr, spec.CaptureBytes)
	}
	if spec.KeepStdout {
		h, err := w.store.StoreFile(ctx, cfg.Stdout)
		if err != nil {
			return job.Internal("store stdout: %v", err)
		}
		outputs.Add(h)
		k := h.Key()
		res.Stdout = &k
	}
	if spec.KeepStderr {
		h, err := w.store.StoreFile(ctx, cfg.Stderr)
		if err != nil {
			return job.Internal("store stderr: %v", err)
		}
		outputs.Add(h)
		k := h.Key()
		res.Stderr = &k
	}
	if res.Completed(spec.AllowFailure) && spec.Limits.Outputs > 0 {
		n, err := countCreated(work, spec.Inputs)
		if err != nil {
			return job.Internal("count outputs: %v", err)
		}
		if n > spec.Limits.Outputs {
			res.Outcome = job.OutputLimitExceeded
			res.Message = fmt.Sprintf("left %d files, at most %d allowed", n, spec.Limits.Outputs)
		}
	}
	if !res.Completed(spec.AllowFailure) {
		return res
	}

	res.Outputs = make(map[string]store.Key, len(spec.Outputs))
	for _, path := range spec.Outputs {
		src, _ := boxPath(work, path)
		h, err := w.store.StoreFile(ctx, src)
		if errors.Is(err, os.ErrNotExist) {
			res.Outcome = job.MissingOutput
			res.Message = fmt.Sprintf("output %s was not created", path)
			res.Outputs = nil
			return res
		}
		if err != nil {
			return job.Internal("store output %s: %v", path, err)
		}
		outputs.Add(h)
		res.Outputs[path] = h.Key()
	}
	return res
}

func (w *Worker) fetch(ctx context.Context, key store.Key, src FileSource) (*store.Handle, error) {
	h, err := w.store.Get(ctx, key)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, store.ErrNotFound) || src == nil {
		return nil, err
	}
	w.logger.Debug("Fetching missing input.", "key", key.Short())
	return src.Fetch(ctx, key)
}

// boxPath joins a sandbox-relative path to the box, refusing paths that
// would escape it.
func boxPath(box, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox", rel)
	}
	return filepath.Join(box, clean), nil
}

func place(h *store.Handle, box, rel string, executable bool) error {
	dst, err := boxPath(box, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := h.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// countCreated counts the regular files under work that are not inputs.
// Symlinks, the fifo directory among them, are not followed.
func countCreated(work string, inputs map[string]job.Input) (uint64, error) {
	placed := make(map[string]bool, len(inputs))
	for p := range inputs {
		placed[filepath.Clean(filepath.FromSlash(p))] = true
	}
	var n uint64
	err := filepath.WalkDir(work, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(work, p)
		if err != nil {
			return err
		}
		if !placed[rel] {
			n++
		}
		return nil
	})
	return n, err
}

func head(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	read, _ := io.ReadFull(f, buf)
	return buf[:read]
}
