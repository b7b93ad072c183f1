package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/gridforge/internal/cache"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/protocol"
	"github.com/vk/gridforge/internal/store"
)

// ServerOptions wire a Server to the coordinator's store and cache.
type ServerOptions struct {
	Store   *store.Store
	Cache   *cache.Cache
	Manager *Manager
	Logger  *slog.Logger
	// EventBuffer is passed to every executor the server starts.
	EventBuffer int
}

// Server accepts workers and clients.
type Server struct {
	opts ServerOptions
	ctx  context.Context
	wg   sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	return &Server{opts: opts, ctx: context.Background()}
}

// Handler routes /worker, /client and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/worker", s.handleWorker)
	mux.HandleFunc("/client", s.handleClient)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends. Open connections are closed on the way
// out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx
	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.opts.Logger.Info("🛰️ Server listening.", "address", ln.Addr().String())
	err := srv.Serve(ln)
	cancel()
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.opts.Logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK workers=%d free_slots=%d\n", len(s.opts.Manager.Workers()), s.opts.Manager.Capacity())
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, role protocol.Role) (*protocol.Conn, *protocol.Hello, bool) {
	conn, hello, err := protocol.Accept(w, r)
	if err != nil {
		s.opts.Logger.Warn("Handshake failed.", "remote_addr", r.RemoteAddr, "error", err)
		return nil, nil, false
	}
	if hello.Role != role {
		conn.Send(protocol.Reject{Reason: fmt.Sprintf("endpoint serves %s connections, not %s", role, hello.Role), Version: protocol.Version})
		conn.Close()
		return nil, nil, false
	}
	return conn, hello, true
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	conn, hello, ok := s.accept(w, r, protocol.RoleWorker)
	if !ok {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	s.opts.Manager.ServeWorker(ctx, conn, hello)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, hello, ok := s.accept(w, r, protocol.RoleClient)
	if !ok {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	id := uuid.NewString()
	logger := s.opts.Logger.With("client", hello.Name, "client_id", id)
	if err := conn.Send(protocol.Welcome{ID: id}); err != nil {
		return
	}
	logger.Info("🤝 Client connected.")
	cs := &clientSession{server: s, conn: conn, logger: logger, downloads: protocol.NewDownloads(s.opts.Store, conn)}
	err := cs.serve(ctx)
	cs.close(err)
	logger.Info("Client disconnected.", "error", err)
}

type clientSession struct {
	server    *Server
	conn      *protocol.Conn
	logger    *slog.Logger
	downloads *protocol.Downloads
	forward   sync.WaitGroup

	mu  sync.Mutex
	run *executor.Run
}

func (cs *clientSession) current() *executor.Run {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.run
}

func (cs *clientSession) serve(ctx context.Context) error {
	for {
		msg, err := cs.conn.Recv()
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *protocol.Submit:
			cs.submit(ctx, msg)
		case *protocol.StatusQuery:
			var snap executor.Snapshot
			if r := cs.current(); r != nil {
				snap = r.Status()
			}
			cs.conn.Send(protocol.Status{Snapshot: snap})
		case *protocol.Stop:
			if r := cs.current(); r != nil {
				r.Cancel()
			}
		case *protocol.AskFile:
			ask := *msg
			go func() {
				if err := protocol.ServeFile(ctx, cs.server.opts.Store, ask, cs.conn); err != nil {
					cs.logger.Debug("Serving file to client failed.", "key", ask.Key.Short(), "error", err)
				}
			}()
		case *protocol.FileChunk:
			cs.downloads.Deliver(ctx, msg)
		case *protocol.FileMissing:
			cs.downloads.Missing(msg)
		default:
			cs.logger.Warn("Unexpected message from client.", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// submit starts the DAG of msg. Provided files missing from the server's
// store are pulled from the client.
func (cs *clientSession) submit(ctx context.Context, msg *protocol.Submit) {
	if cs.current() != nil {
		cs.conn.Send(protocol.Error{Message: "a run is already in progress on this connection"})
		return
	}
	d, err := protocol.DecodeDAG(msg.DAG)
	if err != nil {
		cs.conn.Send(protocol.Error{Message: err.Error()})
		return
	}
	opts := cs.server.opts
	ex := executor.New(executor.Options{
		Store:       opts.Store,
		Cache:       opts.Cache,
		Pool:        opts.Manager,
		Logger:      cs.logger,
		Fetch:       cs.downloads.Fetch,
		EventBuffer: opts.EventBuffer,
	})
	r, err := ex.Start(ctx, d)
	if err != nil {
		cs.conn.Send(protocol.Error{Message: err.Error()})
		return
	}
	cs.mu.Lock()
	cs.run = r
	cs.mu.Unlock()

	cs.forward.Add(1)
	go func() {
		defer cs.forward.Done()
		for ev := range r.Events() {
			cs.conn.Send(protocol.Event{Event: ev})
		}
		cs.conn.Send(protocol.Done{Summary: r.Wait()})
	}()
}

func (cs *clientSession) close(cause error) {
	if r := cs.current(); r != nil {
		r.Cancel()
		<-r.Done()
	}
	cs.downloads.Close(fmt.Errorf("%w: client: %v", protocol.ErrConnectionLost, cause))
	cs.forward.Wait()
}
