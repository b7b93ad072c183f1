// Package scheduler holds the two data structures the coordinator uses to turn
// a static DAG into a schedule: the readiness Frontier and the priority Queue.
//
// # Why Scheduler Exists
//
// The executor's coordinator is the only goroutine that mutates run state.
// Keeping "what can run next" in plain, single-owner structures lets the
// coordinator answer readiness questions without locks:
//   - **Frontier:** counts, per execution group, the input files that are not
//     yet materialised, and reports the groups that just became ready.
//   - **Queue:** orders ready groups by priority, then by the order in which
//     they became ready.
//
// Neither type is safe for concurrent use.
package scheduler
