// Package localsession runs DAGs on in-process workers.
package localsession

import (
	"context"
	"path/filepath"

	"github.com/vk/gridforge/internal/cache"
	"github.com/vk/gridforge/internal/config"
	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/session"
	"github.com/vk/gridforge/internal/store"
)

// SessionFactory implements session.SessionFactory for local runs.
type SessionFactory struct{}

// NewSession opens the stores named by cfg and starts a worker pool sized by
// cfg.Executor.
func (f *SessionFactory) NewSession(ctx context.Context, cfg *config.Config) (session.Session, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("localsession.SessionFactory.NewSession called", "workers", cfg.Executor.Workers)

	stores, err := session.OpenStores(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	pool := executor.NewLocalPool(stores.Store, executor.LocalPoolOptions{
		Workers:       cfg.Executor.Workers,
		MemoryKiB:     cfg.Executor.MemoryBudget / 1024,
		TempDir:       filepath.Join(cfg.Store.Path, "sandboxes"),
		KeepSandboxes: cfg.Executor.KeepSandboxes,
	}, logger)
	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = stores.Cache
	}
	exec := executor.New(executor.Options{
		Store:  stores.Store,
		Cache:  c,
		Pool:   pool,
		Logger: logger,
	})
	return &Session{stores: stores, pool: pool, executor: exec}, nil
}

// Session implements session.Session for local runs.
type Session struct {
	stores   *session.Stores
	pool     *executor.LocalPool
	executor *executor.Executor
}

func (s *Session) Start(ctx context.Context, d *dag.DAG) (session.Handle, error) {
	run, err := s.executor.Start(ctx, d)
	if err != nil {
		return nil, err
	}
	return handle{run}, nil
}

func (s *Session) Store() *store.Store { return s.stores.Store }

// Fetch only succeeds for blobs already in the local store.
func (s *Session) Fetch(ctx context.Context, key store.Key) (*store.Handle, error) {
	return s.stores.Store.Get(ctx, key)
}

// Close stops the workers and closes the stores. Runs must be over.
func (s *Session) Close(ctx context.Context) error {
	ctxlog.FromContext(ctx).Debug("localsession.Session.Close called")
	s.pool.Close()
	return s.stores.Close()
}

type handle struct{ run *executor.Run }

func (h handle) Events() <-chan executor.Event { return h.run.Events() }

func (h handle) Wait() (executor.Summary, error) { return h.run.Wait(), nil }

func (h handle) Cancel() { h.run.Cancel() }
