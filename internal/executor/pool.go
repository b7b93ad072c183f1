package executor

import (
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/store"
)

// Job is one attempt at running an execution.
type Job struct {
	ID        string
	Execution dag.ExecutionID
	Attempt   int
	Spec      job.Spec
}

type PoolEventKind int

const (
	JobStarted PoolEventKind = iota
	JobFinished
	// JobLost means the worker holding the job went away; the job did not
	// finish and may be retried.
	JobLost
)

// PoolEvent is reported by a WorkerPool about one job. For JobFinished,
// Outputs holds leases, in the coordinator's store, on every blob the result
// refers to; ownership passes to the receiver.
type PoolEvent struct {
	Kind    PoolEventKind
	JobID   string
	Worker  string
	Result  job.Result
	Outputs *store.Leases
	Err     error
}

// WorkerPool is a set of workers the coordinator dispatches to.
type WorkerPool interface {
	// TryAssign hands every job to an idle worker with enough headroom, or
	// none of them. report may be called from any goroutine and must not
	// block.
	TryAssign(jobs []Job, report func(PoolEvent)) bool
	// Cancel asks the worker running jobID to stop it. Late events for the
	// job may still be reported.
	Cancel(jobID string)
	// Capacity is the number of job slots currently available in total.
	Capacity() int
}

// FixedPool is implemented by pools whose capacity never changes. Groups
// larger than such a pool fail instead of waiting forever.
type FixedPool interface {
	FixedCapacity() int
}
