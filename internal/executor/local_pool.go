package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/gridforge/internal/store"
	"github.com/vk/gridforge/internal/worker"
	"golang.org/x/sync/semaphore"
)

// LocalPool runs jobs on in-process workers sharing the coordinator's store.
type LocalPool struct {
	logger *slog.Logger

	size   int
	slots  *semaphore.Weighted
	memory *semaphore.Weighted // nil without a memory cap

	mu        sync.Mutex
	idle      []*worker.Worker
	cancels   map[string]context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
	ctx       context.Context
	cancelAll context.CancelFunc
}

// LocalPoolOptions configure NewLocalPool.
type LocalPoolOptions struct {
	Workers int
	// MemoryKiB caps the sum of memory limits of running jobs. Zero means
	// no cap.
	MemoryKiB     uint64
	TempDir       string
	KeepSandboxes bool
}

func NewLocalPool(st *store.Store, opts LocalPoolOptions, logger *slog.Logger) *LocalPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &LocalPool{
		logger:    logger,
		size:      opts.Workers,
		slots:     semaphore.NewWeighted(int64(opts.Workers)),
		cancels:   map[string]context.CancelFunc{},
		ctx:       ctx,
		cancelAll: cancel,
	}
	if opts.MemoryKiB > 0 {
		p.memory = semaphore.NewWeighted(int64(opts.MemoryKiB))
	}
	// Every member of a group runs here, so the workers share their pipes.
	pipes := worker.NewPipes(opts.TempDir)
	for i := 0; i < opts.Workers; i++ {
		p.idle = append(p.idle, worker.New(st, worker.Options{
			Name:          fmt.Sprintf("local-%d", i),
			TempDir:       opts.TempDir,
			KeepSandboxes: opts.KeepSandboxes,
			Pipes:         pipes,
		}, logger))
	}
	return p
}

func (p *LocalPool) TryAssign(jobs []Job, report func(PoolEvent)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.slots.TryAcquire(int64(len(jobs))) {
		return false
	}
	if p.memory != nil {
		var mem int64
		for _, j := range jobs {
			mem += int64(j.Spec.Limits.Memory)
		}
		if !p.memory.TryAcquire(mem) {
			p.slots.Release(int64(len(jobs)))
			return false
		}
	}

	for _, j := range jobs {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		ctx, cancel := context.WithCancel(p.ctx)
		p.cancels[j.ID] = cancel
		p.wg.Add(1)
		go p.runJob(ctx, w, j, report)
	}
	return true
}

func (p *LocalPool) runJob(ctx context.Context, w *worker.Worker, j Job, report func(PoolEvent)) {
	defer p.wg.Done()
	report(PoolEvent{Kind: JobStarted, JobID: j.ID, Worker: w.Name()})
	res, outputs := w.Execute(ctx, &j.Spec, nil)

	p.mu.Lock()
	if cancel, ok := p.cancels[j.ID]; ok {
		cancel()
		delete(p.cancels, j.ID)
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	if p.memory != nil {
		p.memory.Release(int64(j.Spec.Limits.Memory))
	}
	p.slots.Release(1)

	report(PoolEvent{Kind: JobFinished, JobID: j.ID, Worker: w.Name(), Result: res, Outputs: outputs})
}

func (p *LocalPool) Cancel(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[jobID]; ok {
		cancel()
	}
}

func (p *LocalPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *LocalPool) FixedCapacity() int { return p.size }

// Close kills running jobs and waits for their goroutines.
func (p *LocalPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancelAll()
	p.wg.Wait()
}
