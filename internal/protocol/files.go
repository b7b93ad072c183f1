package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vk/gridforge/internal/store"
)

// Sender is the sending half of a connection.
type Sender interface {
	Send(msg any) error
}

// ServeFile answers an AskFile from st: it streams the blob from the
// requested offset, or sends FileMissing when st does not hold it.
func ServeFile(ctx context.Context, st *store.Store, ask AskFile, to Sender) error {
	r, err := st.Chunks(ctx, ask.Key, ask.Offset, store.DefaultChunkSize)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return to.Send(FileMissing{Key: ask.Key})
		}
		return err
	}
	defer r.Close()
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := to.Send(FileChunk{Key: ask.Key, Offset: chunk.Offset, Data: Compress(chunk.Data), Last: chunk.Last}); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Downloads pulls blobs from one peer into a local store. Concurrent
// requests for the same key share one transfer. A transfer cut short by a
// lost connection resumes from where it stopped when the key is asked for
// again.
type Downloads struct {
	store *store.Store
	peer  Sender

	mu      sync.Mutex
	pending map[store.Key]*download
	closed  error
}

type download struct {
	up      *store.Upload
	done    chan struct{}
	h       *store.Handle
	err     error
	waiters int
}

func NewDownloads(st *store.Store, peer Sender) *Downloads {
	return &Downloads{store: st, peer: peer, pending: map[store.Key]*download{}}
}

// Fetch returns a lease on key, transferring it from the peer if the local
// store lacks it.
func (d *Downloads) Fetch(ctx context.Context, key store.Key) (*store.Handle, error) {
	if h, err := d.store.Get(ctx, key); err == nil {
		return h, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	d.mu.Lock()
	if d.closed != nil {
		d.mu.Unlock()
		return nil, d.closed
	}
	dl, ok := d.pending[key]
	if !ok {
		up, err := d.store.BeginUpload(key)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		dl = &download{up: up, done: make(chan struct{})}
		d.pending[key] = dl
		if err := d.peer.Send(AskFile{Key: key, Offset: up.Offset()}); err != nil {
			d.finishLocked(key, dl, nil, err)
		}
	}
	dl.waiters++
	d.mu.Unlock()

	select {
	case <-dl.done:
	case <-ctx.Done():
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	dl.waiters--
	select {
	case <-dl.done:
	default:
		return nil, ctx.Err()
	}
	if dl.err != nil {
		return nil, dl.err
	}
	h := dl.h.Clone()
	if dl.waiters == 0 {
		dl.h.Release()
	}
	return h, nil
}

// Deliver consumes a FileChunk received from the peer. Chunks of one key
// must be delivered in order.
func (d *Downloads) Deliver(ctx context.Context, chunk *FileChunk) {
	d.mu.Lock()
	dl, ok := d.pending[chunk.Key]
	d.mu.Unlock()
	if !ok {
		return
	}
	fail := func(err error) {
		dl.up.Abort()
		d.mu.Lock()
		d.finishLocked(chunk.Key, dl, nil, err)
		d.mu.Unlock()
	}
	data, err := Decompress(chunk.Data)
	if err != nil {
		fail(err)
		return
	}
	if err := dl.up.Write(chunk.Offset, data); err != nil {
		fail(err)
		return
	}
	if !chunk.Last {
		return
	}
	h, err := dl.up.Commit(ctx)
	d.mu.Lock()
	d.finishLocked(chunk.Key, dl, h, err)
	d.mu.Unlock()
}

// Missing records that the peer does not hold key.
func (d *Downloads) Missing(m *FileMissing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dl, ok := d.pending[m.Key]; ok {
		dl.up.Discard()
		d.finishLocked(m.Key, dl, nil, fmt.Errorf("%w: peer does not hold %s", store.ErrNotFound, m.Key.Short()))
	}
}

// Close fails every pending transfer with err and every later Fetch of a
// key the local store lacks. Partial content is kept for a later resume.
func (d *Downloads) Close(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed == nil {
		d.closed = err
	}
	for key, dl := range d.pending {
		dl.up.Abort()
		d.finishLocked(key, dl, nil, err)
	}
}

func (d *Downloads) finishLocked(key store.Key, dl *download, h *store.Handle, err error) {
	if d.pending[key] != dl {
		if h != nil {
			h.Release()
		}
		return
	}
	delete(d.pending, key)
	dl.h, dl.err = h, err
	close(dl.done)
	if h != nil && dl.waiters == 0 {
		h.Release()
	}
}
