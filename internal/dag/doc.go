// Package dag models an execution plan: Files connected by Executions, grouped
// into ExecutionGroups that must be admitted to workers together.
//
// The DAG is an arena. Files, executions and groups are addressed by small
// integer identifiers and never reference each other through pointers, so the
// structure can be shared read-only with the coordinator once a run starts.
// Every Add* method validates what it can locally; Validate performs the
// whole-graph checks (missing producers and cycles) before submission.
package dag
