// Package session defines how a DAG run is obtained, hiding whether it runs
// on local workers or on a remote server.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/vk/gridforge/internal/cache"
	"github.com/vk/gridforge/internal/config"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/storage"
	"github.com/vk/gridforge/internal/store"
)

// SessionFactory creates Sessions for one backend.
type SessionFactory interface {
	NewSession(ctx context.Context, cfg *config.Config) (Session, error)
}

// Session owns the resources of one backend and starts DAG runs on it.
type Session interface {
	Start(ctx context.Context, d *dag.DAG) (Handle, error)
	// Store is where provided files are read from and outputs can be
	// fetched into.
	Store() *store.Store
	// Fetch makes the blob key available in Store.
	Fetch(ctx context.Context, key store.Key) (*store.Handle, error)
	Close(ctx context.Context) error
}

// Handle is a started run.
type Handle interface {
	// Events must be drained until it is closed.
	Events() <-chan executor.Event
	Wait() (executor.Summary, error)
	Cancel()
}

// Stores bundles the on-disk state of a node: the sqlite index, the file
// store and the cache on top of it.
type Stores struct {
	DB    *storage.Storage
	Store *store.Store
	Cache *cache.Cache
}

// OpenStores opens (creating if needed) the stores under cfg.Path.
func OpenStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Stores, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := storage.New(filepath.Join(cfg.Path, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store index: %w", err)
	}
	st, err := store.Open(ctx, cfg.Path, store.Options{MaxSize: int64(cfg.MaxSize), MinSize: int64(cfg.MinSize)}, db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}
	count, size := st.Stats()
	logger.Debug("File store opened.", "path", cfg.Path, "blobs", count, "size", humanize.IBytes(uint64(size)))
	return &Stores{DB: db, Store: st, Cache: cache.New(db, st, logger)}, nil
}

func (s *Stores) Close() error {
	return s.DB.Close()
}
