package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/protocol"
	"github.com/vk/gridforge/internal/store"
)

// ManagerOptions configure liveness tracking of workers.
type ManagerOptions struct {
	// HeartbeatInterval is what workers are told to use.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a worker may stay silent before it is
	// considered lost.
	HeartbeatTimeout time.Duration
}

// Manager is an executor.WorkerPool backed by remote workers.
type Manager struct {
	store  *store.Store
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*remoteWorker
	jobs    map[string]*remoteJob
}

type remoteWorker struct {
	id        string
	name      string
	conn      *protocol.Conn
	downloads *protocol.Downloads
	slots     int
	memory    uint64
	memUsed   uint64
	running   map[string]*remoteJob
	lastSeen  time.Time
	lost      bool
}

func (w *remoteWorker) free() int { return w.slots - len(w.running) }

type remoteJob struct {
	job       executor.Job
	worker    *remoteWorker
	report    func(executor.PoolEvent)
	cancelled bool
}

// WorkerInfo describes a connected worker.
type WorkerInfo struct {
	ID       string
	Name     string
	Slots    int
	Running  int
	LastSeen time.Time
}

func NewManager(st *store.Store, opts ManagerOptions, logger *slog.Logger) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * opts.HeartbeatInterval
	}
	return &Manager{
		store:   st,
		opts:    opts,
		logger:  logger,
		workers: map[string]*remoteWorker{},
		jobs:    map[string]*remoteJob{},
	}
}

// TryAssign places every job on some worker or places none. Workers with
// the most free slots are filled first.
func (m *Manager) TryAssign(jobs []executor.Job, report func(executor.PoolEvent)) bool {
	m.mu.Lock()
	free := map[*remoteWorker]int{}
	mem := map[*remoteWorker]uint64{}
	candidates := make([]*remoteWorker, 0, len(m.workers))
	for _, w := range m.workers {
		if w.lost || w.free() <= 0 {
			continue
		}
		free[w] = w.free()
		mem[w] = w.memUsed
		candidates = append(candidates, w)
	}
	placed := make([]*remoteWorker, len(jobs))
	if jobs[0].Spec.FIFOs != nil {
		// Members talking through pipes must share a host.
		w := m.hostFor(jobs, candidates, mem)
		if w == nil {
			m.mu.Unlock()
			return false
		}
		for i := range placed {
			placed[i] = w
		}
	}
	for i, j := range jobs {
		if placed[i] != nil {
			continue
		}
		need := j.Spec.Limits.Memory
		sort.SliceStable(candidates, func(a, b int) bool {
			if free[candidates[a]] != free[candidates[b]] {
				return free[candidates[a]] > free[candidates[b]]
			}
			return candidates[a].id < candidates[b].id
		})
		for _, w := range candidates {
			if free[w] > 0 && (w.memory == 0 || mem[w]+need <= w.memory) {
				placed[i] = w
				free[w]--
				mem[w] += need
				break
			}
		}
		if placed[i] == nil {
			m.mu.Unlock()
			return false
		}
	}
	for i, j := range jobs {
		w := placed[i]
		rj := &remoteJob{job: j, worker: w, report: report}
		w.running[j.ID] = rj
		w.memUsed += j.Spec.Limits.Memory
		m.jobs[j.ID] = rj
	}
	m.mu.Unlock()

	for i, j := range jobs {
		w := placed[i]
		m.logger.Debug("Assigning job.", "job", j.ID, "execution", j.Spec.Description, "worker", w.name)
		if err := w.conn.Send(protocol.Assign{JobID: j.ID, Spec: j.Spec}); err != nil {
			// The reader of this connection notices too and reports the job
			// as lost.
			m.logger.Warn("Failed to send job to worker.", "worker", w.name, "error", err)
			w.conn.Close()
		}
	}
	return true
}

// hostFor picks the worker with most free slots that can take every job at
// once.
func (m *Manager) hostFor(jobs []executor.Job, candidates []*remoteWorker, mem map[*remoteWorker]uint64) *remoteWorker {
	var need uint64
	for _, j := range jobs {
		need += j.Spec.Limits.Memory
	}
	var best *remoteWorker
	for _, w := range candidates {
		if w.free() < len(jobs) || (w.memory != 0 && mem[w]+need > w.memory) {
			continue
		}
		if best == nil || w.free() > best.free() || (w.free() == best.free() && w.id < best.id) {
			best = w
		}
	}
	return best
}

func (m *Manager) Cancel(jobID string) {
	m.mu.Lock()
	rj, ok := m.jobs[jobID]
	if ok {
		rj.cancelled = true
	}
	m.mu.Unlock()
	if ok {
		rj.worker.conn.Send(protocol.Cancel{JobID: jobID})
	}
}

// Capacity is the number of free slots over all connected workers.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workers {
		if !w.lost {
			n += w.free()
		}
	}
	return n
}

// Workers lists connected workers ordered by name.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, WorkerInfo{ID: w.id, Name: w.name, Slots: w.slots, Running: len(w.running), LastSeen: w.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServeWorker runs one worker connection until it ends. Every job the worker
// held is then reported as lost.
func (m *Manager) ServeWorker(ctx context.Context, conn *protocol.Conn, hello *protocol.Hello) error {
	slots := hello.Slots
	if slots <= 0 {
		slots = 1
	}
	w := &remoteWorker{
		id:        uuid.NewString(),
		name:      hello.Name,
		conn:      conn,
		downloads: protocol.NewDownloads(m.store, conn),
		slots:     slots,
		memory:    hello.MemoryKiB,
		running:   map[string]*remoteJob{},
		lastSeen:  time.Now(),
	}
	if w.name == "" {
		w.name = conn.RemoteAddr()
	}
	if err := conn.Send(protocol.Welcome{ID: w.id, HeartbeatInterval: m.opts.HeartbeatInterval}); err != nil {
		return err
	}
	conn.ReadTimeout = m.opts.HeartbeatTimeout

	m.mu.Lock()
	m.workers[w.id] = w
	m.mu.Unlock()
	m.logger.Info("👷 Worker joined.", "worker", w.name, "id", w.id, "slots", w.slots, "memory_kib", w.memory)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := m.readLoop(ctx, w)
	m.lose(w, err)
	return err
}

func (m *Manager) readLoop(ctx context.Context, w *remoteWorker) error {
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			return err
		}
		m.mu.Lock()
		w.lastSeen = time.Now()
		m.mu.Unlock()

		switch msg := msg.(type) {
		case *protocol.Heartbeat:
		case *protocol.JobStarted:
			if rj := m.job(w, msg.JobID); rj != nil {
				rj.report(executor.PoolEvent{Kind: executor.JobStarted, JobID: msg.JobID, Worker: w.name})
			}
		case *protocol.Result:
			if rj := m.job(w, msg.JobID); rj != nil {
				go m.finish(ctx, w, rj, msg.Result)
			} else {
				w.conn.Send(protocol.Ack{JobID: msg.JobID})
			}
		case *protocol.AskFile:
			ask := *msg
			go func() {
				if err := protocol.ServeFile(ctx, m.store, ask, w.conn); err != nil {
					m.logger.Debug("Serving file to worker failed.", "worker", w.name, "key", ask.Key.Short(), "error", err)
				}
			}()
		case *protocol.FileChunk:
			w.downloads.Deliver(ctx, msg)
		case *protocol.FileMissing:
			w.downloads.Missing(msg)
		default:
			m.logger.Warn("Unexpected message from worker.", "worker", w.name, "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (m *Manager) job(w *remoteWorker, jobID string) *remoteJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return w.running[jobID]
}

// finish pulls the outputs of a finished job into the local store, then
// acknowledges the result and reports it.
func (m *Manager) finish(ctx context.Context, w *remoteWorker, rj *remoteJob, res job.Result) {
	m.mu.Lock()
	cancelled := rj.cancelled
	m.mu.Unlock()

	leases := store.NewLeases()
	if !cancelled {
		for _, key := range res.OutputKeys() {
			h, err := w.downloads.Fetch(ctx, key)
			if err != nil {
				leases.ReleaseAll()
				if ctx.Err() != nil {
					// The connection is gone; lose reports the job.
					return
				}
				leases = store.NewLeases()
				res = job.Internal("pull output %s from %s: %v", key.Short(), w.name, err)
				break
			}
			leases.Add(h)
		}
	}
	w.conn.Send(protocol.Ack{JobID: rj.job.ID})

	m.mu.Lock()
	if w.running[rj.job.ID] != rj {
		m.mu.Unlock()
		leases.ReleaseAll()
		return
	}
	delete(w.running, rj.job.ID)
	delete(m.jobs, rj.job.ID)
	w.memUsed -= rj.job.Spec.Limits.Memory
	m.mu.Unlock()

	rj.report(executor.PoolEvent{Kind: executor.JobFinished, JobID: rj.job.ID, Worker: w.name, Result: res, Outputs: leases})
}

// lose removes w and reports its jobs as lost.
func (m *Manager) lose(w *remoteWorker, cause error) {
	m.mu.Lock()
	w.lost = true
	delete(m.workers, w.id)
	running := w.running
	w.running = map[string]*remoteJob{}
	for id := range running {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	w.downloads.Close(fmt.Errorf("%w: worker %s", protocol.ErrConnectionLost, w.name))
	w.conn.Close()
	m.logger.Warn("Worker lost.", "worker", w.name, "jobs", len(running), "error", cause)
	for id, rj := range running {
		rj.report(executor.PoolEvent{Kind: executor.JobLost, JobID: id, Worker: w.name, Err: cause})
	}
}
