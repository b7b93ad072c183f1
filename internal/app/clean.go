package app

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/session"
)

// CleanResult tells what Clean removed.
type CleanResult struct {
	Entries int64
	Blobs   int
	Freed   int64
}

// Clean empties the cache and evicts every blob nothing holds.
func (a *App) Clean(ctx context.Context) (CleanResult, error) {
	ctx = a.context(ctx)
	logger := ctxlog.FromContext(ctx)

	stores, err := session.OpenStores(ctx, a.config.Store, logger)
	if err != nil {
		return CleanResult{}, err
	}
	defer stores.Close()

	entries, err := stores.Cache.Clean(ctx)
	if err != nil {
		return CleanResult{}, fmt.Errorf("failed to clean cache: %w", err)
	}
	_, before := stores.Store.Stats()
	blobs := stores.Store.Clean(ctx)
	_, after := stores.Store.Stats()
	res := CleanResult{Entries: entries, Blobs: blobs, Freed: before - after}

	logger.Info("🧹 Store cleaned.", "entries", entries, "blobs", blobs, "freed", humanize.IBytes(uint64(res.Freed)))
	fmt.Fprintf(a.outW, "Removed %d cache entries and %d blobs, freed %s.\n", entries, blobs, humanize.IBytes(uint64(res.Freed)))
	return res, nil
}
