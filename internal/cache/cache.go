// Package cache remembers the results of executions by a fingerprint of
// their inputs, so identical work is never run twice.
//
// Entries live in the sqlite index next to the file store and only refer to
// blobs by key. A lookup leases every referenced blob; if any of them has
// been evicted the entry is stale, removed, and reported as a miss. Cache
// malfunctions never fail a run: they are logged and treated as misses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/storage"
	"github.com/vk/gridforge/internal/store"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrCorrupt marks an entry that cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache entry")

// Entry holds one result per member of the cached group, in group order.
type Entry struct {
	Items []job.Result `msgpack:"items"`
}

// Hit is a successful lookup. The caller owns Leases and must release them.
type Hit struct {
	Entry  Entry
	Leases []*store.Handle
}

// Release gives up every lease held by the hit.
func (h *Hit) Release() {
	for _, l := range h.Leases {
		l.Release()
	}
}

type Cache struct {
	db     *storage.Storage
	store  *store.Store
	logger *slog.Logger
}

func New(db *storage.Storage, st *store.Store, logger *slog.Logger) *Cache {
	return &Cache{db: db, store: st, logger: logger}
}

// Lookup returns the entry for key with every output blob leased.
func (c *Cache) Lookup(ctx context.Context, key Key) (*Hit, bool) {
	raw, ok, err := c.db.GetEntry(ctx, key.String())
	if err != nil {
		c.logger.Warn("Cache lookup failed, treating as miss.", "key", key.String()[:12], "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry Entry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("Dropping unreadable cache entry.", "key", key.String()[:12], "error", fmt.Errorf("%w: %w", ErrCorrupt, err))
		c.remove(ctx, key)
		return nil, false
	}

	hit := &Hit{Entry: entry}
	for _, item := range entry.Items {
		for _, k := range item.OutputKeys() {
			h, err := c.store.Get(ctx, k)
			if err != nil {
				c.logger.Debug("Cache entry is stale, an output blob is gone.", "key", key.String()[:12], "blob", k.Short())
				hit.Release()
				c.remove(ctx, key)
				return nil, false
			}
			hit.Leases = append(hit.Leases, h)
		}
	}
	return hit, true
}

// Insert records entry under key, replacing any previous entry. Entries
// containing an internal error are not recorded.
func (c *Cache) Insert(ctx context.Context, key Key, entry Entry) {
	for _, item := range entry.Items {
		if item.Outcome == job.InternalError {
			return
		}
	}
	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry.", "error", err)
		return
	}
	if err := c.db.PutEntry(ctx, key.String(), raw, time.Now()); err != nil {
		c.logger.Warn("Failed to write cache entry.", "key", key.String()[:12], "error", err)
	}
}

// Clean removes every entry and returns how many were removed.
func (c *Cache) Clean(ctx context.Context) (int64, error) {
	n, err := c.db.ClearEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("clean cache: %w", err)
	}
	c.logger.Debug("Cache cleaned.", "entries", n)
	return n, nil
}

func (c *Cache) remove(ctx context.Context, key Key) {
	if err := c.db.DeleteEntry(ctx, key.String()); err != nil {
		c.logger.Warn("Failed to remove cache entry.", "key", key.String()[:12], "error", err)
	}
}
