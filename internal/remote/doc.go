// Package remote runs DAGs on workers connected over the network.
//
// # Pieces
//
//   - **Manager** implements executor.WorkerPool on top of connected
//     workers. It tracks their free slots and memory, serves them input
//     blobs, pulls their outputs back before reporting a job finished, and
//     reports every job of a worker that goes quiet as lost.
//   - **Agent** is the worker side: it connects to a server, runs assigned
//     jobs with a worker.Worker and reconnects with backoff when the
//     connection drops.
//   - **Server** exposes /worker for agents, /client for remote clients and
//     /health.
//   - **Client** submits a DAG to a server, serves the DAG's provided files
//     on request and streams the run's events back.
package remote
