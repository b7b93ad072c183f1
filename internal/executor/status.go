package executor

import (
	"time"

	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/store"
)

// Status is the position of an execution in its lifecycle. Statuses only
// move forward; Success, Failed and Skipped are final. A requeue after a lost
// worker moves a non-final execution back to Ready.
type Status string

const (
	StatusMissingDeps Status = "missing_deps"
	StatusReady       Status = "ready"
	StatusCacheHit    Status = "cache_hit"
	StatusDispatched  Status = "dispatched"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Event is one status transition. The last event of a run has Done set and
// carries the overall outcome in Success.
type Event struct {
	Execution   dag.ExecutionID `msgpack:"execution"`
	Description string          `msgpack:"description"`
	Transition  Status          `msgpack:"transition"`
	Worker      string          `msgpack:"worker,omitempty"`
	Result      *job.Result     `msgpack:"result,omitempty"`
	Reason      string          `msgpack:"reason,omitempty"`
	Time        time.Time       `msgpack:"time"`

	Done    bool `msgpack:"done,omitempty"`
	Success bool `msgpack:"success,omitempty"`
}

func (e Event) terminal() bool {
	return e.Done || e.Transition.Terminal()
}

// Report is the final state of one execution.
type Report struct {
	Status   Status      `msgpack:"status"`
	CacheHit bool        `msgpack:"cache_hit"`
	Result   *job.Result `msgpack:"result"`
	Reason   string      `msgpack:"reason"`
	Worker   string      `msgpack:"worker"`
	Attempts int         `msgpack:"attempts"`
}

// Summary is returned once a run is over. Reports is indexed by
// ExecutionID; Files holds the key of every materialised file.
type Summary struct {
	Success       bool                     `msgpack:"success"`
	Aborted       bool                     `msgpack:"aborted"`
	Reports       []Report                 `msgpack:"reports"`
	Files         map[dag.FileID]store.Key `msgpack:"files"`
	Dispatched    int                      `msgpack:"dispatched"`
	CacheHits     int                      `msgpack:"cache_hits"`
	DroppedEvents int                      `msgpack:"dropped_events"`
}

// RunningExecution describes an in-flight execution.
type RunningExecution struct {
	Execution   dag.ExecutionID `msgpack:"execution"`
	Description string          `msgpack:"description"`
	Worker      string          `msgpack:"worker"`
	Since       time.Time       `msgpack:"since"`
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Counts  map[Status]int     `msgpack:"counts"`
	Running []RunningExecution `msgpack:"running"`
	Done    bool               `msgpack:"done"`
}
