package dag

import (
	"fmt"
	"time"
)

// FileID identifies a File within one DAG.
type FileID int

// ExecutionID identifies an Execution within one DAG.
type ExecutionID int

// GroupID identifies an ExecutionGroup within one DAG.
type GroupID int

// NoExecution marks a file that no execution produces.
const NoExecution ExecutionID = -1

// File is a handle to a blob that may not exist yet. It is either provided by
// the client (inline content or a local path) or produced by exactly one
// execution.
type File struct {
	ID          FileID
	Description string

	Provided  bool
	Content   []byte
	LocalPath string
	// Digest is the hex content key of a provided file whose content is
	// already stored or can be fetched from the submitter.
	Digest string

	Producer ExecutionID
}

func (f *File) String() string {
	return fmt.Sprintf("file %d (%s)", f.ID, f.Description)
}

// Limits bound the resources a sandboxed process may use. Zero means no limit.
// Memory, FileSize and Stack are in KiB. Memory caps the resident set.
// Processes is enforced with RLIMIT_NPROC, which counts every process of the
// user and does not apply to root. Outputs caps the number of files the
// process may leave in its sandbox besides its inputs.
type Limits struct {
	CPUTime   time.Duration
	WallTime  time.Duration
	Memory    uint64
	Processes uint64
	OpenFiles uint64
	FileSize  uint64
	Stack     uint64
	Outputs   uint64
}

// LessRestrictiveThan reports whether every limit of l is at least as
// generous as the matching limit of other.
func (l Limits) LessRestrictiveThan(other Limits) bool {
	looser := func(a, b uint64) bool { return a == 0 || (b != 0 && a >= b) }
	looserDur := func(a, b time.Duration) bool { return a == 0 || (b != 0 && a >= b) }
	return looserDur(l.CPUTime, other.CPUTime) &&
		looserDur(l.WallTime, other.WallTime) &&
		looser(l.Memory, other.Memory) &&
		looser(l.Processes, other.Processes) &&
		looser(l.OpenFiles, other.OpenFiles) &&
		looser(l.FileSize, other.FileSize) &&
		looser(l.Stack, other.Stack) &&
		looser(l.Outputs, other.Outputs)
}

// Input binds a file to a path inside the sandbox.
type Input struct {
	File       FileID
	Executable bool
}

// Execution is one sandboxed command invocation. Build it with NewExecution
// and the binding helpers, then register it with AddExecution or
// AddExecutionGroup.
type Execution struct {
	ID          ExecutionID
	Group       GroupID
	Description string

	Command string
	Args    []string
	Env     map[string]string

	Inputs  map[string]Input
	Outputs map[string]FileID
	Stdin   *FileID
	Stdout  *FileID
	Stderr  *FileID

	Limits       Limits
	Priority     int
	Cacheable    bool
	AllowFailure bool
	Tag          string

	// CaptureBytes keeps the first bytes of stdout and stderr in the result
	// for diagnostics, even when they are not bound to files.
	CaptureBytes int

	owner *DAG
}

// NewExecution returns a cacheable execution of command with args.
func NewExecution(description, command string, args ...string) *Execution {
	return &Execution{
		ID:          NoExecution,
		Description: description,
		Command:     command,
		Args:        args,
		Env:         map[string]string{},
		Inputs:      map[string]Input{},
		Outputs:     map[string]FileID{},
		Cacheable:   true,
	}
}

// Input places file at path inside the sandbox.
func (e *Execution) Input(path string, file FileID, executable bool) *Execution {
	e.Inputs[path] = Input{File: file, Executable: executable}
	return e
}

// Output declares that the file left at path becomes file.
func (e *Execution) Output(path string, file FileID) *Execution {
	e.Outputs[path] = file
	return e
}

// StdinFrom feeds file to the process standard input.
func (e *Execution) StdinFrom(file FileID) *Execution {
	e.Stdin = &file
	return e
}

// StdoutTo stores the process standard output as file.
func (e *Execution) StdoutTo(file FileID) *Execution {
	e.Stdout = &file
	return e
}

// StderrTo stores the process standard error as file.
func (e *Execution) StderrTo(file FileID) *Execution {
	e.Stderr = &file
	return e
}

// InputFiles returns every file the execution reads, stdin included.
func (e *Execution) InputFiles() []FileID {
	files := make([]FileID, 0, len(e.Inputs)+1)
	for _, in := range e.Inputs {
		files = append(files, in.File)
	}
	if e.Stdin != nil {
		files = append(files, *e.Stdin)
	}
	return files
}

// OutputFiles returns every file the execution produces, stdout and stderr
// included.
func (e *Execution) OutputFiles() []FileID {
	files := make([]FileID, 0, len(e.Outputs)+2)
	for _, f := range e.Outputs {
		files = append(files, f)
	}
	if e.Stdout != nil {
		files = append(files, *e.Stdout)
	}
	if e.Stderr != nil {
		files = append(files, *e.Stderr)
	}
	return files
}

// sandboxPaths lists the sandbox paths of every input and output.
func (e *Execution) sandboxPaths() []string {
	paths := make([]string, 0, len(e.Inputs)+len(e.Outputs))
	for p := range e.Inputs {
		paths = append(paths, p)
	}
	for p := range e.Outputs {
		paths = append(paths, p)
	}
	return paths
}

func (e *Execution) String() string {
	return fmt.Sprintf("execution %d (%s)", e.ID, e.Description)
}

// Group is a set of executions that must start together. FIFOs are named
// pipes every member sees under fifo/ in its sandbox; a group with FIFOs
// always runs on a single worker host.
type Group struct {
	ID      GroupID
	Name    string
	Members []ExecutionID
	FIFOs   []string
}

// Config holds run-wide settings attached to a DAG.
type Config struct {
	KeepGoing  bool
	UseCache   bool
	DryRun     bool
	MaxRetries int
}

// DefaultConfig is the configuration of a new DAG.
func DefaultConfig() Config {
	return Config{UseCache: true, MaxRetries: 2}
}
