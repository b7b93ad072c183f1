package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/storage"
	"github.com/vk/gridforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := store.Open(context.Background(), dir, store.Options{}, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return st
}

func TestEncodeDecodeAssign(t *testing.T) {
	// --- Arrange ---
	key := store.KeyOf([]byte("input"))
	msg := Assign{JobID: "run/1/0", Spec: job.Spec{
		Command: "cc",
		Args:    []string{"-c", "main.c"},
		Inputs:  map[string]job.Input{"main.c": {Key: key}},
		Outputs: []string{"main.o"},
		Limits:  dag.Limits{WallTime: 3 * time.Second, Memory: 1024},
	}}

	// --- Act ---
	data, err := Encode(msg)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	// --- Assert ---
	assign, ok := got.(*Assign)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, msg, *assign)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	// --- Act ---
	_, err := Decode([]byte("not msgpack at all"))

	// --- Assert ---
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	// --- Act ---
	_, err := Encode(struct{ X int }{1})

	// --- Assert ---
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCompressRoundTrip(t *testing.T) {
	// --- Arrange ---
	data := bytes.Repeat([]byte("gridforge "), 1000)

	// --- Act ---
	packed := Compress(data)
	unpacked, err := Decompress(packed)

	// --- Assert ---
	require.NoError(t, err)
	assert.Less(t, len(packed), len(data))
	assert.Equal(t, data, unpacked)
}

// loopback answers AskFile by serving from src into dst, optionally
// stopping after a number of chunks.
type loopback struct {
	src      *store.Store
	dst      *Downloads
	maxChunk int

	mu   sync.Mutex
	asks []AskFile
}

func (l *loopback) Send(msg any) error {
	ask, ok := msg.(AskFile)
	if !ok {
		return nil
	}
	l.mu.Lock()
	l.asks = append(l.asks, ask)
	l.mu.Unlock()
	go ServeFile(context.Background(), l.src, ask, deliverer{l})
	return nil
}

type deliverer struct{ l *loopback }

func (d deliverer) Send(msg any) error {
	switch m := msg.(type) {
	case FileChunk:
		if d.l.maxChunk > 0 && m.Offset >= int64(d.l.maxChunk)*store.DefaultChunkSize {
			d.l.dst.Close(ErrConnectionLost)
			return ErrConnectionLost
		}
		d.l.dst.Deliver(context.Background(), &m)
	case FileMissing:
		d.l.dst.Missing(&m)
	}
	return nil
}

func TestDownloadsFetchFromPeer(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	src, dst := newTestStore(t), newTestStore(t)
	data := make([]byte, 3*store.DefaultChunkSize+17)
	rand.New(rand.NewSource(1)).Read(data)
	h, err := src.StoreBytes(ctx, data)
	require.NoError(t, err)
	defer h.Release()
	l := &loopback{src: src}
	l.dst = NewDownloads(dst, l)

	// --- Act ---
	var wg sync.WaitGroup
	handles := make([]*store.Handle, 3)
	errs := make([]error, 3)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = l.dst.Fetch(ctx, h.Key())
		}(i)
	}
	wg.Wait()

	// --- Assert ---
	for i := range handles {
		require.NoError(t, errs[i])
		got, err := handles[i].ReadAll()
		require.NoError(t, err)
		assert.Equal(t, data, got)
		handles[i].Release()
	}
	assert.LessOrEqual(t, len(l.asks), 3)
	assert.True(t, dst.Has(h.Key()))
}

func TestDownloadsResumeAfterLostConnection(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	src, dst := newTestStore(t), newTestStore(t)
	data := make([]byte, 3*store.DefaultChunkSize)
	rand.New(rand.NewSource(2)).Read(data)
	h, err := src.StoreBytes(ctx, data)
	require.NoError(t, err)
	defer h.Release()
	broken := &loopback{src: src, maxChunk: 2}
	broken.dst = NewDownloads(dst, broken)

	// --- Act ---
	_, firstErr := broken.dst.Fetch(ctx, h.Key())
	fresh := &loopback{src: src}
	fresh.dst = NewDownloads(dst, fresh)
	got, err := fresh.dst.Fetch(ctx, h.Key())

	// --- Assert ---
	assert.ErrorIs(t, firstErr, ErrConnectionLost)
	require.NoError(t, err)
	defer got.Release()
	require.Len(t, fresh.asks, 1)
	assert.Equal(t, int64(2*store.DefaultChunkSize), fresh.asks[0].Offset)
	content, err := got.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestDownloadsMissingFile(t *testing.T) {
	// --- Arrange ---
	src, dst := newTestStore(t), newTestStore(t)
	l := &loopback{src: src}
	l.dst = NewDownloads(dst, l)

	// --- Act ---
	_, err := l.dst.Fetch(context.Background(), store.KeyOf([]byte("nobody has this")))

	// --- Assert ---
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWireDAGPreservesIDs(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	st := newTestStore(t)
	d := dag.New()
	d.Config.KeepGoing = true
	src := d.ProvideContent("src", []byte("int main() {}"))
	obj := d.AddFile("obj")
	log := d.AddFile("log")
	compile := dag.NewExecution("compile", "cc", "-c", "main.c").Input("main.c", src, false).Output("main.o", obj).StderrTo(log)
	compile.Limits.WallTime = time.Second
	compile.Priority = 3
	_, err := d.AddExecution(compile)
	require.NoError(t, err)
	_, err = d.AddExecutionGroup("pair",
		dag.NewExecution("server", "srv").Input("obj", obj, true),
		dag.NewExecution("client", "cli"))
	require.NoError(t, err)

	// --- Act ---
	w, leases, err := EncodeDAG(ctx, d, st)
	require.NoError(t, err)
	defer leases.ReleaseAll()
	data, err := Encode(Submit{DAG: w})
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	got, err := DecodeDAG(msg.(*Submit).DAG)
	require.NoError(t, err)

	// --- Assert ---
	require.NoError(t, got.Validate())
	assert.Equal(t, d.Config, got.Config)
	require.Len(t, got.Executions(), 3)
	require.Len(t, got.Groups(), 2)
	assert.Equal(t, store.KeyOf([]byte("int main() {}")).String(), got.File(src).Digest)
	c := got.Execution(0)
	assert.Equal(t, "compile", c.Description)
	assert.Equal(t, obj, c.Outputs["main.o"])
	assert.Equal(t, log, *c.Stderr)
	assert.Equal(t, time.Second, c.Limits.WallTime)
	assert.Equal(t, 3, c.Priority)
	assert.True(t, got.Execution(1).Inputs["obj"].Executable)
	assert.Equal(t, []dag.ExecutionID{1, 2}, got.Group(1).Members)
}

func TestDialAndAccept(t *testing.T) {
	// --- Arrange ---
	accepted := make(chan *Hello, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, hello, err := Accept(w, r)
		if err != nil {
			return
		}
		accepted <- hello
		c.Send(Welcome{ID: "w-1", HeartbeatInterval: time.Second})
		msg, err := c.Recv()
		if err == nil {
			c.Send(msg)
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// --- Act ---
	c, welcome, err := Dial(context.Background(), url, Hello{Role: RoleWorker, Name: "box", Slots: 2})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send(Heartbeat{Running: 1}))
	echo, err := c.Recv()

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "w-1", welcome.ID)
	hello := <-accepted
	assert.Equal(t, Version, hello.Version)
	assert.Equal(t, 2, hello.Slots)
	assert.Equal(t, &Heartbeat{Running: 1}, echo)
}

func TestAcceptRejectsOtherVersion(t *testing.T) {
	// --- Arrange ---
	srvErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err := Accept(w, r)
		srvErr <- err
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// --- Act ---
	dialer := &rawDialer{url: url}
	reject, err := dialer.helloWithVersion(Version + 1)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, Version, reject.Version)
	assert.ErrorIs(t, <-srvErr, ErrVersionMismatch)
}

func TestReadTimeoutMeansConnectionLost(t *testing.T) {
	// --- Arrange ---
	srvErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _, err := Accept(w, r)
		if err != nil {
			srvErr <- err
			return
		}
		c.Send(Welcome{ID: "x"})
		c.ReadTimeout = 50 * time.Millisecond
		_, err = c.Recv()
		srvErr <- err
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// --- Act ---
	c, _, err := Dial(context.Background(), url, Hello{Role: RoleWorker})
	require.NoError(t, err)
	defer c.Close()
	err = <-srvErr

	// --- Assert ---
	assert.True(t, errors.Is(err, ErrConnectionLost))
}
