// Package store is a content-addressed, persistent blob store.
//
// Blobs live under <dir>/ab/cd/<hex key> and are read-only once committed.
// Callers hold a *Handle lease for as long as they need a blob; only blobs
// without leases are considered for eviction, least recently used first,
// once the store grows past its size budget.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vk/gridforge/internal/storage"
	"golang.org/x/crypto/blake2b"
)

// Options bound the size of the store. When the total size grows past
// MaxSize, unleased blobs are evicted until it drops to MinSize. Zero
// MaxSize disables eviction.
type Options struct {
	MaxSize int64
	MinSize int64
}

type blob struct {
	size       int64
	refs       int
	lastAccess time.Time
}

// Store is safe for concurrent use. Its mutex guards only the in-memory
// index; hashing and copying blob content happen outside of it.
type Store struct {
	dir    string
	opts   Options
	index  *storage.Storage
	logger *slog.Logger

	mu    sync.Mutex
	blobs map[Key]*blob
	size  int64
	now   func() time.Time
}

// Open loads the store rooted at dir. The persisted index is reconciled with
// the blobs actually present on disk.
func Open(ctx context.Context, dir string, opts Options, index *storage.Storage, logger *slog.Logger) (*Store, error) {
	if opts.MinSize > opts.MaxSize {
		opts.MinSize = opts.MaxSize
	}
	for _, sub := range []string{"tmp", "partial"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	s := &Store{
		dir:    dir,
		opts:   opts,
		index:  index,
		logger: logger,
		blobs:  map[Key]*blob{},
		now:    time.Now,
	}

	records, err := index.Blobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store index: %w", err)
	}
	dropped := 0
	for _, rec := range records {
		key, err := ParseKey(rec.Key)
		if err != nil {
			dropped++
			_ = index.DeleteBlob(ctx, rec.Key)
			continue
		}
		info, err := os.Stat(s.blobPath(key))
		if err != nil || info.Size() != rec.Size {
			dropped++
			_ = index.DeleteBlob(ctx, rec.Key)
			continue
		}
		s.blobs[key] = &blob{size: rec.Size, lastAccess: rec.LastAccess}
		s.size += rec.Size
	}
	logger.Debug("File store opened.", "dir", dir, "blobs", len(s.blobs), "size", humanize.IBytes(uint64(s.size)), "dropped", dropped)
	return s, nil
}

func (s *Store) blobPath(k Key) string {
	h := k.String()
	return filepath.Join(s.dir, h[0:2], h[2:4], h)
}

// Store copies r into the store. Storing content that is already present
// returns a new lease on the existing blob.
func (s *Store) Store(ctx context.Context, r io.Reader) (*Handle, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "blob-*")
	if err != nil {
		return nil, writeError("store", Key{}, err)
	}
	defer os.Remove(tmp.Name())

	hasher, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, writeError("store", Key{}, err)
	}
	var key Key
	copy(key[:], hasher.Sum(nil))
	return s.commit(ctx, tmp.Name(), key, n)
}

// StoreBytes stores data.
func (s *Store) StoreBytes(ctx context.Context, data []byte) (*Handle, error) {
	return s.Store(ctx, bytes.NewReader(data))
}

// StoreFile stores the content of the file at path.
func (s *Store) StoreFile(ctx context.Context, path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, writeError("store", Key{}, err)
	}
	defer f.Close()
	return s.Store(ctx, f)
}

// commit moves a fully written temporary file into place as key.
func (s *Store) commit(ctx context.Context, tmpPath string, key Key, size int64) (*Handle, error) {
	if s.opts.MaxSize > 0 && size > s.opts.MaxSize {
		return nil, &Error{Op: "store", Key: key, Err: fmt.Errorf("%w: blob of %s exceeds budget of %s",
			ErrQuotaExceeded, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.opts.MaxSize)))}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if b, ok := s.blobs[key]; ok {
		b.refs++
		b.lastAccess = now
		return &Handle{store: s, key: key, size: b.size}, nil
	}

	dst := s.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, writeError("store", key, err)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return nil, writeError("store", key, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, writeError("store", key, err)
	}
	if err := s.index.PutBlob(ctx, storage.BlobRecord{Key: key.String(), Size: size, LastAccess: now}); err != nil {
		os.Remove(dst)
		return nil, writeError("store", key, err)
	}
	s.blobs[key] = &blob{size: size, refs: 1, lastAccess: now}
	s.size += size
	s.logger.Debug("Blob stored.", "key", key.Short(), "size", size)
	s.evictLocked(ctx, false)
	return &Handle{store: s, key: key, size: size}, nil
}

// Get leases the blob stored under key. A blob whose file is missing or
// damaged on disk is dropped from the index and reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, key Key) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, &Error{Op: "get", Key: key, Err: ErrNotFound}
	}
	info, err := os.Stat(s.blobPath(key))
	if err != nil || info.Size() != b.size {
		s.logger.Warn("Blob failed integrity check, dropping it.", "key", key.Short())
		if b.refs == 0 {
			s.dropLocked(ctx, key, b)
		}
		return nil, &Error{Op: "get", Key: key, Err: ErrNotFound}
	}
	b.refs++
	b.lastAccess = s.now()
	if err := s.index.TouchBlob(ctx, key.String(), b.lastAccess); err != nil {
		s.logger.Debug("Failed to persist blob access time.", "key", key.Short(), "error", err)
	}
	return &Handle{store: s, key: key, size: b.size}, nil
}

// Has reports whether key is currently stored.
func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

// Stats returns the number of blobs and their total size.
func (s *Store) Stats() (count int, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs), s.size
}

// Clean evicts every blob that is not leased and returns how many were
// removed.
func (s *Store) Clean(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx, true)
}

func (s *Store) acquire(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key].refs++
}

func (s *Store) release(ctx context.Context, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return
	}
	b.refs--
	if b.refs == 0 {
		s.evictLocked(ctx, false)
	}
}

// evictLocked removes unleased blobs in LRU order. Without all, it does
// nothing until the store exceeds MaxSize and then stops at MinSize.
func (s *Store) evictLocked(ctx context.Context, all bool) int {
	if !all && (s.opts.MaxSize <= 0 || s.size <= s.opts.MaxSize) {
		return 0
	}
	type candidate struct {
		key Key
		b   *blob
	}
	var candidates []candidate
	for k, b := range s.blobs {
		if b.refs == 0 {
			candidates = append(candidates, candidate{k, b})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].b.lastAccess.Before(candidates[j].b.lastAccess)
	})

	removed := 0
	for _, c := range candidates {
		if !all && s.size <= s.opts.MinSize {
			break
		}
		s.dropLocked(ctx, c.key, c.b)
		removed++
	}
	if !all && s.size > s.opts.MaxSize {
		s.logger.Warn("File store is over budget, all remaining blobs are leased.",
			"size", humanize.IBytes(uint64(s.size)), "max", humanize.IBytes(uint64(s.opts.MaxSize)))
	}
	if removed > 0 {
		s.logger.Debug("Evicted blobs.", "count", removed, "size", humanize.IBytes(uint64(s.size)))
	}
	return removed
}

func (s *Store) dropLocked(ctx context.Context, key Key, b *blob) {
	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove evicted blob.", "key", key.Short(), "error", err)
	}
	if err := s.index.DeleteBlob(ctx, key.String()); err != nil {
		s.logger.Warn("Failed to remove blob from index.", "key", key.Short(), "error", err)
	}
	delete(s.blobs, key)
	s.size -= b.size
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
