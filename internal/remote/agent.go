package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/protocol"
	"github.com/vk/gridforge/internal/store"
	"github.com/vk/gridforge/internal/worker"
	"golang.org/x/sync/errgroup"
)

// AgentOptions configure a worker agent.
type AgentOptions struct {
	// URL of the server's /worker endpoint, e.g. ws://host:27182/worker.
	URL       string
	Name      string
	Slots     int
	MemoryKiB uint64

	TempDir       string
	KeepSandboxes bool
	// MaxReconnectWait caps the wait between two connection attempts.
	MaxReconnectWait time.Duration
}

// Agent connects a local store and a set of workers to a server.
type Agent struct {
	store  *store.Store
	opts   AgentOptions
	logger *slog.Logger
	idle   chan *worker.Worker
}

func NewAgent(st *store.Store, opts AgentOptions, logger *slog.Logger) *Agent {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.MaxReconnectWait <= 0 {
		opts.MaxReconnectWait = 30 * time.Second
	}
	a := &Agent{store: st, opts: opts, logger: logger.With("agent", opts.Name), idle: make(chan *worker.Worker, opts.Slots)}
	pipes := worker.NewPipes(opts.TempDir)
	for i := 0; i < opts.Slots; i++ {
		a.idle <- worker.New(st, worker.Options{
			Name:          fmt.Sprintf("%s-%d", opts.Name, i),
			TempDir:       opts.TempDir,
			KeepSandboxes: opts.KeepSandboxes,
			Pipes:         pipes,
		}, logger)
	}
	return a
}

// Run serves the server until ctx ends, reconnecting with exponential
// backoff whenever the connection drops. A rejected handshake is final.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = a.opts.MaxReconnectWait
	op := func() error {
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, protocol.ErrVersionMismatch) || errors.Is(err, protocol.ErrRejected) {
			return backoff.Permanent(err)
		}
		if connected {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("Connection to server lost, retrying.", "error", err, "wait", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// session serves one connection. It reports whether the handshake
// succeeded.
func (a *Agent) session(ctx context.Context) (bool, error) {
	conn, welcome, err := protocol.Dial(ctx, a.opts.URL, protocol.Hello{
		Role:      protocol.RoleWorker,
		Name:      a.opts.Name,
		Slots:     a.opts.Slots,
		MemoryKiB: a.opts.MemoryKiB,
	})
	if err != nil {
		return false, err
	}
	a.logger.Info("🔌 Connected to server.", "url", a.opts.URL, "id", welcome.ID, "slots", a.opts.Slots)

	s := &agentSession{
		agent:     a,
		conn:      conn,
		downloads: protocol.NewDownloads(a.store, conn),
		jobs:      map[string]context.CancelFunc{},
		unacked:   map[string]*store.Leases{},
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeat(gctx, welcome.HeartbeatInterval) })
	g.Go(func() error { return s.read(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err = g.Wait()
	s.shutdown(err)
	return true, err
}

type agentSession struct {
	agent     *Agent
	conn      *protocol.Conn
	downloads *protocol.Downloads
	wg        sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]context.CancelFunc
	unacked map[string]*store.Leases
}

func (s *agentSession) heartbeat(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			running := len(s.jobs)
			s.mu.Unlock()
			if err := s.conn.Send(protocol.Heartbeat{Running: running}); err != nil {
				return err
			}
		}
	}
}

func (s *agentSession) read(ctx context.Context) error {
	for {
		msg, err := s.conn.Recv()
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *protocol.Assign:
			s.start(ctx, msg)
		case *protocol.Cancel:
			s.mu.Lock()
			if cancel, ok := s.jobs[msg.JobID]; ok {
				cancel()
			}
			s.mu.Unlock()
		case *protocol.Ack:
			s.mu.Lock()
			leases := s.unacked[msg.JobID]
			delete(s.unacked, msg.JobID)
			s.mu.Unlock()
			if leases != nil {
				leases.ReleaseAll()
			}
		case *protocol.AskFile:
			ask := *msg
			go func() {
				if err := protocol.ServeFile(ctx, s.agent.store, ask, s.conn); err != nil {
					s.agent.logger.Debug("Serving file failed.", "key", ask.Key.Short(), "error", err)
				}
			}()
		case *protocol.FileChunk:
			s.downloads.Deliver(ctx, msg)
		case *protocol.FileMissing:
			s.downloads.Missing(msg)
		default:
			s.agent.logger.Warn("Unexpected message from server.", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// start runs an assigned job on an idle worker. The server never assigns
// more jobs than there are slots.
func (s *agentSession) start(ctx context.Context, a *protocol.Assign) {
	var w *worker.Worker
	select {
	case w = <-s.agent.idle:
	default:
		s.conn.Send(protocol.Result{JobID: a.JobID, Result: job.Internal("no free slot on %s", s.agent.opts.Name)})
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.jobs[a.JobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { s.agent.idle <- w }()
		defer cancel()

		s.conn.Send(protocol.JobStarted{JobID: a.JobID})
		res, outputs := w.Execute(jobCtx, &a.Spec, s.downloads)

		s.mu.Lock()
		delete(s.jobs, a.JobID)
		s.unacked[a.JobID] = outputs
		s.mu.Unlock()
		if err := s.conn.Send(protocol.Result{JobID: a.JobID, Result: res}); err != nil {
			s.agent.logger.Warn("Failed to report result.", "job", a.JobID, "error", err)
		}
	}()
}

// shutdown stops running jobs and drops what the server never acknowledged.
func (s *agentSession) shutdown(cause error) {
	s.mu.Lock()
	for _, cancel := range s.jobs {
		cancel()
	}
	s.mu.Unlock()
	s.downloads.Close(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, cause))
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, leases := range s.unacked {
		leases.ReleaseAll()
		delete(s.unacked, id)
	}
}
