package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/gridforge/internal/cache"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/store"
)

// FetchFunc obtains a provided blob the store does not hold yet.
type FetchFunc func(ctx context.Context, key store.Key) (*store.Handle, error)

// Options wire an Executor to its collaborators. Cache may be nil.
type Options struct {
	Store  *store.Store
	Cache  *cache.Cache
	Pool   WorkerPool
	Logger *slog.Logger

	// Fetch resolves provided files known only by digest.
	Fetch FetchFunc
	// EventBuffer bounds the number of pending progress events.
	EventBuffer int
	// RetryInterval is how often queued work is offered to the pool again
	// when nothing else happens, e.g. while waiting for workers to join.
	RetryInterval time.Duration
}

type Executor struct {
	opts Options
}

func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}
	return &Executor{opts: opts}
}

// Start validates d and begins running it. A structurally invalid DAG is
// rejected here and nothing runs. The DAG must not be modified afterwards.
func (e *Executor) Start(ctx context.Context, d *dag.DAG) (*Run, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:        uuid.NewString(),
		cancel:    cancel,
		done:      make(chan struct{}),
		statusReq: make(chan chan Snapshot),
		events:    newEventStream(e.opts.EventBuffer),
	}
	c := newCoordinator(e.opts, d, r)
	go c.loop(runCtx)
	return r, nil
}

// Run is the handle of a started DAG.
type Run struct {
	ID string

	cancel    context.CancelFunc
	done      chan struct{}
	statusReq chan chan Snapshot
	events    *eventStream

	mu      sync.Mutex
	summary Summary
	final   Snapshot
}

// Events streams status transitions and ends with a Done event, after which
// the channel is closed. Consumers must drain it.
func (r *Run) Events() <-chan Event {
	return r.events.out
}

// Cancel aborts the run: in-flight jobs are killed and everything not yet
// finished is skipped.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run is over.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is over.
func (r *Run) Wait() Summary {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Status returns a snapshot of the run.
func (r *Run) Status() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case r.statusReq <- reply:
		return <-reply
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.final
	}
}

func (r *Run) finish(s Summary, final Snapshot) {
	r.mu.Lock()
	r.summary = s
	r.final = final
	r.mu.Unlock()
	close(r.done)
	r.cancel()
}
