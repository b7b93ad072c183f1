package hcladapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/fsutil"
)

type fileRoot struct {
	Config     *configBlock      `hcl:"config,block"`
	Files      []*fileBlock      `hcl:"file,block"`
	Executions []*executionBlock `hcl:"execution,block"`
	Groups     []*groupBlock     `hcl:"group,block"`
}

type configBlock struct {
	KeepGoing  *bool `hcl:"keep_going,optional"`
	UseCache   *bool `hcl:"use_cache,optional"`
	MaxRetries *int  `hcl:"max_retries,optional"`
}

type fileBlock struct {
	Name    string  `hcl:"name,label"`
	Path    *string `hcl:"path,optional"`
	Content *string `hcl:"content,optional"`
	Digest  *string `hcl:"digest,optional"`
}

type executionBlock struct {
	Name         string            `hcl:"name,label"`
	Description  *string           `hcl:"description,optional"`
	Command      string            `hcl:"command"`
	Args         []string          `hcl:"args,optional"`
	Env          map[string]string `hcl:"env,optional"`
	Inputs       map[string]string `hcl:"inputs,optional"`
	Executables  map[string]string `hcl:"executables,optional"`
	Outputs      map[string]string `hcl:"outputs,optional"`
	Stdin        *string           `hcl:"stdin,optional"`
	Stdout       *string           `hcl:"stdout,optional"`
	Stderr       *string           `hcl:"stderr,optional"`
	Priority     *int              `hcl:"priority,optional"`
	Cacheable    *bool             `hcl:"cacheable,optional"`
	AllowFailure *bool             `hcl:"allow_failure,optional"`
	Tag          *string           `hcl:"tag,optional"`
	CaptureBytes *int              `hcl:"capture_bytes,optional"`
	Limits       *limitsBlock      `hcl:"limits,block"`
}

type limitsBlock struct {
	CPUTime   *string `hcl:"cpu_time,optional"`
	WallTime  *string `hcl:"wall_time,optional"`
	Memory    *string `hcl:"memory,optional"`
	Processes *int    `hcl:"processes,optional"`
	OpenFiles *int    `hcl:"open_files,optional"`
	FileSize  *string `hcl:"file_size,optional"`
	Stack     *string `hcl:"stack,optional"`
	Outputs   *int    `hcl:"outputs,optional"`
}

type groupBlock struct {
	Name       string            `hcl:"name,label"`
	FIFOs      []string          `hcl:"fifos,optional"`
	Executions []*executionBlock `hcl:"execution,block"`
}

// Loaded is a DAG read from a file, with its names resolved to ids.
type Loaded struct {
	DAG        *dag.DAG
	Files      map[string]dag.FileID
	Executions map[string]dag.ExecutionID
}

// FileNames returns the declared file names in id order.
func (l *Loaded) FileNames() []string {
	names := make([]string, 0, len(l.Files))
	for name := range l.Files {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return l.Files[names[i]] < l.Files[names[j]] })
	return names
}

// Option adjusts how a DAG file is loaded.
type Option func(*builder)

// WithDefaults sets the run settings a config block in the file overrides.
func WithDefaults(c dag.Config) Option {
	return func(b *builder) { b.loaded.DAG.Config = c }
}

// LoadFile reads the DAG at path: a single file, or a directory whose .hcl
// files are merged into one DAG. Relative paths inside resolve against the
// file's directory, or against path itself for a directory.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Loaded, error) {
	paths, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to find DAG files: %w", err)
	}
	baseDir := path
	if len(paths) == 1 && paths[0] == path {
		baseDir = filepath.Dir(path)
	}

	parser := hclparse.NewParser()
	files := make([]*hcl.File, 0, len(paths))
	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read DAG file: %w", err)
		}
		file, diags := parser.ParseHCL(src, p)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse DAG file %s: %w", p, diags)
		}
		files = append(files, file)
	}
	return decode(ctx, hcl.MergeFiles(files), path, baseDir, opts)
}

// Load parses DAG source; filename is used in diagnostics and baseDir
// anchors relative paths.
func Load(ctx context.Context, src []byte, filename, baseDir string, opts ...Option) (*Loaded, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse DAG file %s: %w", filename, diags)
	}
	return decode(ctx, file.Body, filename, baseDir, opts)
}

func decode(ctx context.Context, body hcl.Body, name, baseDir string, opts []Option) (*Loaded, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("DAG loader started.", "path", name)

	var root fileRoot
	if diags := gohcl.DecodeBody(body, evalContext(baseDir), &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode DAG file %s: %w", name, diags)
	}

	b := &builder{
		loaded:  &Loaded{DAG: dag.New(), Files: map[string]dag.FileID{}, Executions: map[string]dag.ExecutionID{}},
		baseDir: baseDir,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.build(&root); err != nil {
		return nil, fmt.Errorf("DAG %s: %w", name, err)
	}
	logger.Debug("DAG loaded.", "files", len(root.Files), "executions", len(b.loaded.Executions))
	return b.loaded, nil
}

type builder struct {
	loaded  *Loaded
	baseDir string
}

func (b *builder) build(root *fileRoot) error {
	d := b.loaded.DAG
	if c := root.Config; c != nil {
		if c.KeepGoing != nil {
			d.Config.KeepGoing = *c.KeepGoing
		}
		if c.UseCache != nil {
			d.Config.UseCache = *c.UseCache
		}
		if c.MaxRetries != nil {
			d.Config.MaxRetries = *c.MaxRetries
		}
	}

	for _, f := range root.Files {
		if _, dup := b.loaded.Files[f.Name]; dup {
			return fmt.Errorf("file %q declared twice", f.Name)
		}
		id, err := b.addFile(f)
		if err != nil {
			return err
		}
		b.loaded.Files[f.Name] = id
	}

	for _, eb := range root.Executions {
		e, err := b.execution(eb)
		if err != nil {
			return err
		}
		if _, err := d.AddExecution(e); err != nil {
			return err
		}
		b.loaded.Executions[eb.Name] = e.ID
	}
	for _, gb := range root.Groups {
		members := make([]*dag.Execution, 0, len(gb.Executions))
		for _, eb := range gb.Executions {
			e, err := b.execution(eb)
			if err != nil {
				return err
			}
			members = append(members, e)
		}
		g, err := d.AddExecutionGroup(gb.Name, members...)
		if err != nil {
			return err
		}
		for _, name := range gb.FIFOs {
			if err := d.AddFIFO(g, name); err != nil {
				return err
			}
		}
		for i, eb := range gb.Executions {
			b.loaded.Executions[eb.Name] = members[i].ID
		}
	}
	return nil
}

func (b *builder) addFile(f *fileBlock) (dag.FileID, error) {
	d := b.loaded.DAG
	set := 0
	for _, v := range []*string{f.Path, f.Content, f.Digest} {
		if v != nil {
			set++
		}
	}
	if set > 1 {
		return 0, fmt.Errorf("file %q: only one of path, content and digest may be set", f.Name)
	}
	switch {
	case f.Path != nil:
		path := *f.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(b.baseDir, path)
		}
		return d.ProvideLocalFile(f.Name, path), nil
	case f.Content != nil:
		return d.ProvideContent(f.Name, []byte(*f.Content)), nil
	case f.Digest != nil:
		return d.ProvideDigest(f.Name, *f.Digest), nil
	}
	return d.AddFile(f.Name), nil
}

func (b *builder) file(exec, field, name string) (dag.FileID, error) {
	id, ok := b.loaded.Files[name]
	if !ok {
		return 0, fmt.Errorf("execution %q: %s refers to undeclared file %q", exec, field, name)
	}
	return id, nil
}

func (b *builder) execution(eb *executionBlock) (*dag.Execution, error) {
	if _, dup := b.loaded.Executions[eb.Name]; dup {
		return nil, fmt.Errorf("execution %q declared twice", eb.Name)
	}
	desc := eb.Name
	if eb.Description != nil {
		desc = *eb.Description
	}
	e := dag.NewExecution(desc, eb.Command, eb.Args...)
	for k, v := range eb.Env {
		e.Env[k] = v
	}
	for path, name := range eb.Inputs {
		id, err := b.file(eb.Name, "inputs", name)
		if err != nil {
			return nil, err
		}
		e.Input(path, id, false)
	}
	for path, name := range eb.Executables {
		if _, clash := eb.Inputs[path]; clash {
			return nil, fmt.Errorf("execution %q: %s is listed in both inputs and executables", eb.Name, path)
		}
		id, err := b.file(eb.Name, "executables", name)
		if err != nil {
			return nil, err
		}
		e.Input(path, id, true)
	}
	for path, name := range eb.Outputs {
		id, err := b.file(eb.Name, "outputs", name)
		if err != nil {
			return nil, err
		}
		e.Output(path, id)
	}
	for _, s := range []struct {
		field string
		name  *string
		bind  func(dag.FileID) *dag.Execution
	}{
		{"stdin", eb.Stdin, e.StdinFrom},
		{"stdout", eb.Stdout, e.StdoutTo},
		{"stderr", eb.Stderr, e.StderrTo},
	} {
		if s.name == nil {
			continue
		}
		id, err := b.file(eb.Name, s.field, *s.name)
		if err != nil {
			return nil, err
		}
		s.bind(id)
	}
	if eb.Priority != nil {
		e.Priority = *eb.Priority
	}
	if eb.Cacheable != nil {
		e.Cacheable = *eb.Cacheable
	}
	if eb.AllowFailure != nil {
		e.AllowFailure = *eb.AllowFailure
	}
	if eb.Tag != nil {
		e.Tag = *eb.Tag
	}
	if eb.CaptureBytes != nil {
		e.CaptureBytes = *eb.CaptureBytes
	}
	if eb.Limits != nil {
		limits, err := decodeLimits(eb.Limits)
		if err != nil {
			return nil, fmt.Errorf("execution %q: %w", eb.Name, err)
		}
		e.Limits = limits
	}
	return e, nil
}

func decodeLimits(lb *limitsBlock) (dag.Limits, error) {
	var l dag.Limits
	durations := []struct {
		field string
		v     *string
		dst   *time.Duration
	}{
		{"cpu_time", lb.CPUTime, &l.CPUTime},
		{"wall_time", lb.WallTime, &l.WallTime},
	}
	for _, d := range durations {
		if d.v == nil {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return l, fmt.Errorf("limits.%s: %w", d.field, err)
		}
		*d.dst = v
	}
	sizes := []struct {
		field string
		v     *string
		dst   *uint64
	}{
		{"memory", lb.Memory, &l.Memory},
		{"file_size", lb.FileSize, &l.FileSize},
		{"stack", lb.Stack, &l.Stack},
	}
	for _, s := range sizes {
		if s.v == nil {
			continue
		}
		n, err := humanize.ParseBytes(*s.v)
		if err != nil {
			return l, fmt.Errorf("limits.%s: %w", s.field, err)
		}
		*s.dst = (n + 1023) / 1024
	}
	if lb.Processes != nil {
		l.Processes = uint64(*lb.Processes)
	}
	if lb.OpenFiles != nil {
		l.OpenFiles = uint64(*lb.OpenFiles)
	}
	if lb.Outputs != nil {
		l.Outputs = uint64(*lb.Outputs)
	}
	return l, nil
}
