package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// DefaultChunkSize is the chunk size used for transfers.
const DefaultChunkSize = 256 << 10

// Chunk is one slice of a blob.
type Chunk struct {
	Offset int64
	Data   []byte
	Last   bool
}

// ChunkReader reads a blob lazily, one chunk at a time, while holding a
// lease on it.
type ChunkReader struct {
	h      *Handle
	f      *os.File
	offset int64
	buf    []byte
	done   bool
}

// Chunks starts reading key from offset. The reader must be closed.
func (s *Store) Chunks(ctx context.Context, key Key, offset int64, chunkSize int) (*ChunkReader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > h.Size() {
		h.Release()
		return nil, fmt.Errorf("chunks of %s: offset %d outside blob of %d bytes", key.Short(), offset, h.Size())
	}
	f, err := h.Open()
	if err != nil {
		h.Release()
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		h.Release()
		return nil, err
	}
	return &ChunkReader{h: h, f: f, offset: offset, buf: make([]byte, chunkSize)}, nil
}

// Next returns the following chunk, or io.EOF after the last one. An empty
// blob yields a single empty chunk marked Last.
func (c *ChunkReader) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}
	remaining := c.h.Size() - c.offset
	n := int64(len(c.buf))
	if remaining < n {
		n = remaining
	}
	read, err := io.ReadFull(c.f, c.buf[:n])
	if err != nil {
		return Chunk{}, err
	}
	chunk := Chunk{Offset: c.offset, Data: c.buf[:read]}
	c.offset += int64(read)
	if c.offset >= c.h.Size() {
		chunk.Last = true
		c.done = true
	}
	return chunk, nil
}

func (c *ChunkReader) Close() error {
	err := c.f.Close()
	c.h.Release()
	return err
}

// Upload receives a blob of known key in chunks. Partial content survives an
// aborted upload so a later upload of the same key resumes from Offset.
type Upload struct {
	s       *Store
	key     Key
	path    string
	f       *os.File
	written int64
}

// BeginUpload opens (or resumes) a partial upload of key.
func (s *Store) BeginUpload(key Key) (*Upload, error) {
	path := filepath.Join(s.dir, "partial", key.String())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, writeError("upload", key, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, writeError("upload", key, err)
	}
	return &Upload{s: s, key: key, path: path, f: f, written: size}, nil
}

// Offset is the number of bytes already received.
func (u *Upload) Offset() int64 { return u.written }

// Write appends data, which must start exactly at Offset.
func (u *Upload) Write(offset int64, data []byte) error {
	if offset != u.written {
		return writeError("upload", u.key, fmt.Errorf("chunk at offset %d, expected %d", offset, u.written))
	}
	n, err := u.f.Write(data)
	u.written += int64(n)
	if err != nil {
		return writeError("upload", u.key, err)
	}
	return nil
}

// Commit verifies the received content against the key and stores it.
func (u *Upload) Commit(ctx context.Context) (*Handle, error) {
	if err := u.f.Close(); err != nil {
		return nil, writeError("upload", u.key, err)
	}
	f, err := os.Open(u.path)
	if err != nil {
		return nil, writeError("upload", u.key, err)
	}
	hasher, _ := blake2b.New256(nil)
	_, err = io.Copy(hasher, f)
	f.Close()
	if err != nil {
		return nil, writeError("upload", u.key, err)
	}
	var got Key
	copy(got[:], hasher.Sum(nil))
	if got != u.key {
		os.Remove(u.path)
		return nil, writeError("upload", u.key, fmt.Errorf("content hashes to %s", got.Short()))
	}
	defer os.Remove(u.path)
	return u.s.commit(ctx, u.path, u.key, u.written)
}

// Abort stops the upload, keeping what was received for a later resume.
func (u *Upload) Abort() {
	u.f.Close()
}

// Discard stops the upload and throws away what was received.
func (u *Upload) Discard() {
	u.f.Close()
	os.Remove(u.path)
}
