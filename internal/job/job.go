// Package job holds the description of one unit of work handed to a worker
// and the result it reports back. Both local and remote workers use it.
package job

import (
	"fmt"
	"sort"
	"time"

	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/store"
)

// Input is a blob placed in the sandbox.
type Input struct {
	Key        store.Key `msgpack:"key"`
	Executable bool      `msgpack:"exec"`
}

// Spec is everything a worker needs to run one execution. Inputs are
// referenced by content key only; the worker fetches the ones it lacks.
type Spec struct {
	Description  string            `msgpack:"description"`
	Command      string            `msgpack:"command"`
	Args         []string          `msgpack:"args"`
	Env          map[string]string `msgpack:"env"`
	Inputs       map[string]Input  `msgpack:"inputs"`
	Stdin        *store.Key        `msgpack:"stdin"`
	Outputs      []string          `msgpack:"outputs"`
	KeepStdout   bool              `msgpack:"keep_stdout"`
	KeepStderr   bool              `msgpack:"keep_stderr"`
	CaptureBytes int               `msgpack:"capture_bytes"`
	Limits       dag.Limits        `msgpack:"limits"`
	AllowFailure bool              `msgpack:"allow_failure"`
	FIFOs        *FIFOGroup        `msgpack:"fifos,omitempty"`
}

// FIFOGroup names the pipes shared by the members of one dispatch of a
// group, placed under dag.FIFODir. ID is the same for every member of that
// dispatch.
type FIFOGroup struct {
	ID      string   `msgpack:"id"`
	Names   []string `msgpack:"names"`
	Members int      `msgpack:"members"`
}

// Keys returns the distinct input keys, stdin included.
func (s *Spec) Keys() []store.Key {
	seen := map[store.Key]bool{}
	var keys []store.Key
	add := func(k store.Key) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, path := range sortedKeys(s.Inputs) {
		add(s.Inputs[path].Key)
	}
	if s.Stdin != nil {
		add(*s.Stdin)
	}
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Outcome classifies how an execution ended.
type Outcome string

const (
	Success               Outcome = "success"
	ReturnCode            Outcome = "return_code"
	Signal                Outcome = "signal"
	TimeLimitExceeded     Outcome = "time_limit_exceeded"
	WallTimeLimitExceeded Outcome = "wall_time_limit_exceeded"
	MemoryLimitExceeded   Outcome = "memory_limit_exceeded"
	FileSizeLimitExceeded Outcome = "file_size_limit_exceeded"
	OutputLimitExceeded   Outcome = "output_limit_exceeded"
	MissingOutput         Outcome = "missing_output"
	InternalError         Outcome = "internal_error"
)

// LimitExceeded reports whether the outcome is a resource limit violation.
func (o Outcome) LimitExceeded() bool {
	switch o {
	case TimeLimitExceeded, WallTimeLimitExceeded, MemoryLimitExceeded, FileSizeLimitExceeded, OutputLimitExceeded:
		return true
	}
	return false
}

// Resources is what a process consumed. MemoryKiB is the peak resident set.
type Resources struct {
	CPUTime   time.Duration `msgpack:"cpu"`
	SysTime   time.Duration `msgpack:"sys"`
	WallTime  time.Duration `msgpack:"wall"`
	MemoryKiB uint64        `msgpack:"mem"`
}

// Result is reported by a worker once an execution ends.
type Result struct {
	Outcome   Outcome              `msgpack:"outcome"`
	ExitCode  int                  `msgpack:"exit_code"`
	Signal    int                  `msgpack:"signal"`
	Message   string               `msgpack:"message"`
	Resources Resources            `msgpack:"resources"`
	Outputs   map[string]store.Key `msgpack:"outputs"`
	Stdout    *store.Key           `msgpack:"stdout"`
	Stderr    *store.Key           `msgpack:"stderr"`

	StdoutHead []byte `msgpack:"stdout_head"`
	StderrHead []byte `msgpack:"stderr_head"`

	Worker string `msgpack:"worker"`
}

// Completed reports whether the execution counts as done with usable
// outputs. With allowFailure, a non-zero exit or a signal still completes;
// limit violations, missing outputs and internal errors never do.
func (r *Result) Completed(allowFailure bool) bool {
	switch r.Outcome {
	case Success:
		return true
	case ReturnCode, Signal:
		return allowFailure
	}
	return false
}

// OutputKeys lists every blob the result refers to.
func (r *Result) OutputKeys() []store.Key {
	var keys []store.Key
	for _, path := range sortedKeys(r.Outputs) {
		keys = append(keys, r.Outputs[path])
	}
	if r.Stdout != nil {
		keys = append(keys, *r.Stdout)
	}
	if r.Stderr != nil {
		keys = append(keys, *r.Stderr)
	}
	return keys
}

// Reason is a one-line description of a non-successful result.
func (r *Result) Reason() string {
	switch r.Outcome {
	case Success:
		return ""
	case ReturnCode:
		return fmt.Sprintf("exited with code %d", r.ExitCode)
	case Signal:
		if r.Message != "" {
			return fmt.Sprintf("killed by signal %d (%s)", r.Signal, r.Message)
		}
		return fmt.Sprintf("killed by signal %d", r.Signal)
	}
	return r.Message
}

// Internal builds an InternalError result.
func Internal(format string, args ...any) Result {
	return Result{Outcome: InternalError, Message: fmt.Sprintf(format, args...)}
}
