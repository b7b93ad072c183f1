// Package remotesession runs DAGs on a gridforge server.
package remotesession

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/vk/gridforge/internal/config"
	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/remote"
	"github.com/vk/gridforge/internal/session"
	"github.com/vk/gridforge/internal/store"
)

// SessionFactory implements session.SessionFactory for a server at Addr,
// given either as host:port or as a ws:// or wss:// URL.
type SessionFactory struct {
	Addr string
	// Name identifies this client in the server's logs. Defaults to the
	// host name.
	Name string
}

// ClientURL turns a server address into the URL of its client endpoint.
func ClientURL(addr string) string {
	return endpointURL(addr, "/client")
}

// WorkerURL turns a server address into the URL of its worker endpoint.
func WorkerURL(addr string) string {
	return endpointURL(addr, "/worker")
}

func endpointURL(addr, path string) string {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	return strings.TrimSuffix(addr, "/") + path
}

func (f *SessionFactory) NewSession(ctx context.Context, cfg *config.Config) (session.Session, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("remotesession.SessionFactory.NewSession called", "addr", f.Addr)
	if f.Addr == "" {
		return nil, errors.New("no server address given")
	}
	stores, err := session.OpenStores(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	name := f.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	return &Session{url: ClientURL(f.Addr), name: name, stores: stores}, nil
}

// Session implements session.Session against a server. Every run uses its
// own connection, which stays open for fetching outputs until Close.
type Session struct {
	url    string
	name   string
	stores *session.Stores

	mu      sync.Mutex
	clients []*remote.Client
}

func (s *Session) Start(ctx context.Context, d *dag.DAG) (session.Handle, error) {
	c, err := remote.Dial(ctx, s.url, s.name, s.stores.Store, ctxlog.FromContext(ctx))
	if err != nil {
		return nil, err
	}
	if err := c.Submit(ctx, d); err != nil {
		c.Close()
		return nil, err
	}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return handle{c}, nil
}

func (s *Session) Store() *store.Store { return s.stores.Store }

// Fetch returns key from the local store, downloading it through the most
// recent run's connection when needed.
func (s *Session) Fetch(ctx context.Context, key store.Key) (*store.Handle, error) {
	if h, err := s.stores.Store.Get(ctx, key); err == nil {
		return h, nil
	}
	s.mu.Lock()
	var c *remote.Client
	if n := len(s.clients); n > 0 {
		c = s.clients[n-1]
	}
	s.mu.Unlock()
	if c == nil {
		return nil, &store.Error{Op: "fetch", Key: key, Err: store.ErrNotFound}
	}
	return c.Fetch(ctx, key)
}

func (s *Session) Close(ctx context.Context) error {
	ctxlog.FromContext(ctx).Debug("remotesession.Session.Close called")
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(append(errs, s.stores.Close())...)
}

type handle struct{ c *remote.Client }

func (h handle) Events() <-chan executor.Event { return h.c.Events() }

func (h handle) Wait() (executor.Summary, error) { return h.c.Wait() }

func (h handle) Cancel() { h.c.Cancel() }
