package store

import (
	"context"
	"io"
	"os"
	"sync"
)

// Handle is a lease on a stored blob. The blob cannot be evicted until every
// handle on it is released.
type Handle struct {
	store *Store
	key   Key
	size  int64
	once  sync.Once
}

func (h *Handle) Key() Key    { return h.key }
func (h *Handle) Size() int64 { return h.size }

// Path is the read-only location of the blob on disk.
func (h *Handle) Path() string { return h.store.blobPath(h.key) }

// Open opens the blob for reading.
func (h *Handle) Open() (*os.File, error) {
	return os.Open(h.Path())
}

// ReadAll returns the whole blob. Meant for small files.
func (h *Handle) ReadAll() ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Clone takes an additional, independent lease on the same blob.
func (h *Handle) Clone() *Handle {
	h.store.acquire(h.key)
	return &Handle{store: h.store, key: h.key, size: h.size}
}

// Release gives up the lease. Calling it more than once has no effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.store.release(context.Background(), h.key)
	})
}

// Leases is a set of handles released together.
type Leases struct {
	mu      sync.Mutex
	handles map[Key]*Handle
}

func NewLeases() *Leases {
	return &Leases{handles: map[Key]*Handle{}}
}

// Add keeps h, or releases it when the set already holds a lease on its key.
func (l *Leases) Add(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[h.key]; ok {
		h.Release()
		return
	}
	l.handles[h.key] = h
}

// Get returns the held handle for key, if any.
func (l *Leases) Get(key Key) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[key]
	return h, ok
}

// ReleaseAll releases every held lease.
func (l *Leases) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, h := range l.handles {
		h.Release()
		delete(l.handles, k)
	}
}
