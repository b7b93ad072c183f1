// Package executor runs an ExecutionDAG to completion.
//
// # How It Works
//
// Start validates the DAG and hands it to a coordinator goroutine, which is
// the sole owner of every mutable piece of run state: execution statuses,
// the readiness frontier, the priority queue and the set of in-flight jobs.
// Everything else talks to it through messages:
//   - **WorkerPool** reports job starts, results and lost workers through a
//     callback that only appends to the coordinator's mailbox.
//   - **Cache lookups and inserts** run on their own goroutines so sqlite and
//     file-system I/O never stall the coordinator.
//   - **Status events** leave through a bounded stream that may drop progress
//     events for a slow consumer but never drops terminal ones.
//
// A WorkerPool is either the in-process LocalPool or a remote worker manager.
package executor
