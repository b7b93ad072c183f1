package cache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/storage"
	"github.com/vk/gridforge/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), dir, store.Options{}, db, logger)
	require.NoError(t, err)
	return New(db, st, logger), st, db
}

func baseSpec() *job.Spec {
	src := store.KeyOf([]byte("src"))
	return &job.Spec{
		Command: "cc",
		Args:    []string{"-O2", "main.c"},
		Env:     map[string]string{"LANG": "C"},
		Inputs:  map[string]job.Input{"main.c": {Key: src}},
		Outputs: []string{"a.out"},
		Limits:  dag.Limits{CPUTime: time.Second},
	}
}

func TestKeyForIsDeterministic(t *testing.T) {
	a := baseSpec()
	b := baseSpec()
	b.Outputs = []string{"a.out"}
	assert.Equal(t, KeyFor(a), KeyFor(b))
	assert.Equal(t, KeyFor(a), KeyFor(baseSpec()))
}

func TestKeyForChangesWithEveryField(t *testing.T) {
	base := KeyFor(baseSpec())
	mutations := map[string]func(s *job.Spec){
		"command":     func(s *job.Spec) { s.Command = "gcc" },
		"args":        func(s *job.Spec) { s.Args = []string{"-O2main.c"} },
		"env":         func(s *job.Spec) { s.Env["LANG"] = "en" },
		"input key":   func(s *job.Spec) { s.Inputs["main.c"] = job.Input{Key: store.KeyOf([]byte("other"))} },
		"input path":  func(s *job.Spec) { s.Inputs = map[string]job.Input{"x.c": s.Inputs["main.c"]} },
		"executable":  func(s *job.Spec) { s.Inputs["main.c"] = job.Input{Key: s.Inputs["main.c"].Key, Executable: true} },
		"stdin":       func(s *job.Spec) { k := store.KeyOf(nil); s.Stdin = &k },
		"outputs":     func(s *job.Spec) { s.Outputs = []string{"b.out"} },
		"limits":      func(s *job.Spec) { s.Limits.CPUTime = 2 * time.Second },
		"allow fail":  func(s *job.Spec) { s.AllowFailure = true },
		"keep stdout": func(s *job.Spec) { s.KeepStdout = true },
		"output cap":  func(s *job.Spec) { s.Limits.Outputs = 3 },
		"fifos":       func(s *job.Spec) { s.FIFOs = &job.FIFOGroup{Names: []string{"pipe"}} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := baseSpec()
			mutate(s)
			assert.NotEqual(t, base, KeyFor(s))
		})
	}
}

func TestKeyForIgnoresDispatchOfFIFOs(t *testing.T) {
	a := baseSpec()
	a.FIFOs = &job.FIFOGroup{ID: "run/g0/0", Names: []string{"pipe"}, Members: 2}
	b := baseSpec()
	b.FIFOs = &job.FIFOGroup{ID: "run/g0/1", Names: []string{"pipe"}, Members: 1}
	assert.Equal(t, KeyFor(a), KeyFor(b))
}

func TestGroupKeyDependsOnOrder(t *testing.T) {
	a := KeyFor(baseSpec())
	s := baseSpec()
	s.Command = "other"
	b := KeyFor(s)
	assert.NotEqual(t, GroupKey([]Key{a, b}), GroupKey([]Key{b, a}))
	assert.NotEqual(t, a, GroupKey([]Key{a}))
}

func TestLookupAndInsert(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	c, st, _ := newTestCache(t)
	out, err := st.StoreBytes(ctx, []byte("binary"))
	require.NoError(t, err)
	defer out.Release()
	key := KeyFor(baseSpec())
	entry := Entry{Items: []job.Result{{
		Outcome:   job.Success,
		Outputs:   map[string]store.Key{"a.out": out.Key()},
		Resources: job.Resources{CPUTime: 10 * time.Millisecond, MemoryKiB: 1024},
	}}}

	// --- Act ---
	_, ok := c.Lookup(ctx, key)
	require.False(t, ok)
	c.Insert(ctx, key, entry)
	hit, ok := c.Lookup(ctx, key)

	// --- Assert ---
	require.True(t, ok)
	defer hit.Release()
	if diff := cmp.Diff(entry, hit.Entry); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, hit.Leases, 1)
	assert.Equal(t, out.Key(), hit.Leases[0].Key())
}

func TestLookupDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	c, st, db := newTestCache(t)
	out, err := st.StoreBytes(ctx, []byte("soon gone"))
	require.NoError(t, err)
	key := KeyFor(baseSpec())
	c.Insert(ctx, key, Entry{Items: []job.Result{{Outcome: job.Success, Outputs: map[string]store.Key{"a.out": out.Key()}}}})

	out.Release()
	require.Equal(t, 1, st.Clean(ctx))

	_, ok := c.Lookup(ctx, key)
	assert.False(t, ok)
	n, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "stale entry is removed")
}

func TestInternalErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c, _, db := newTestCache(t)
	c.Insert(ctx, KeyFor(baseSpec()), Entry{Items: []job.Result{{Outcome: job.InternalError}}})
	n, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	c, _, db := newTestCache(t)
	key := KeyFor(baseSpec())
	require.NoError(t, db.PutEntry(ctx, key.String(), []byte{0xc1}, time.Now()))

	_, ok := c.Lookup(ctx, key)
	assert.False(t, ok)
	n, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLastWriteWinsAndClean(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	key := KeyFor(baseSpec())
	c.Insert(ctx, key, Entry{Items: []job.Result{{Outcome: job.Success, ExitCode: 0}}})
	c.Insert(ctx, key, Entry{Items: []job.Result{{Outcome: job.ReturnCode, ExitCode: 7}}})

	hit, ok := c.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 7, hit.Entry.Items[0].ExitCode)

	n, err := c.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok = c.Lookup(ctx, key)
	assert.False(t, ok)
}
