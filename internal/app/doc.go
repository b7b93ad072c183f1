// Package app contains the gridforge application flows: running a DAG file
// locally or on a server, serving workers and clients, running a worker and
// cleaning the store. It is decoupled from the CLI that drives it.
package app
