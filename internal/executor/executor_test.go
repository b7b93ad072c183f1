package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/gridforge/internal/cache"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/storage"
	"github.com/vk/gridforge/internal/store"
)

type env struct {
	store  *store.Store
	cache  *cache.Cache
	logger *slog.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), dir, store.Options{}, db, logger)
	require.NoError(t, err)
	return &env{store: st, cache: cache.New(db, st, logger), logger: logger}
}

func (e *env) executor(pool WorkerPool) *Executor {
	return New(Options{Store: e.store, Cache: e.cache, Pool: pool, Logger: e.logger, RetryInterval: 10 * time.Millisecond})
}

func (e *env) content(t *testing.T, s Summary, f dag.FileID) string {
	t.Helper()
	key, ok := s.Files[f]
	require.True(t, ok, "file %d was not produced", f)
	h, err := e.store.Get(context.Background(), key)
	require.NoError(t, err)
	defer h.Release()
	data, err := h.ReadAll()
	require.NoError(t, err)
	return string(data)
}

// collect drains the event stream and waits for the summary.
func collect(t *testing.T, r *Run) (Summary, []Event) {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return r.Wait(), events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func terminalEvents(events []Event) map[dag.ExecutionID]int {
	out := map[dag.ExecutionID]int{}
	for _, ev := range events {
		if !ev.Done && ev.Transition.Terminal() {
			out[ev.Execution]++
		}
	}
	return out
}

// fakeOutcome is what fakePool does with one job.
type fakeOutcome struct {
	result  job.Result
	outputs map[string]string
	lost    bool
	block   bool
}

type fakePool struct {
	st     *store.Store
	slots  int
	behave func(j Job) fakeOutcome

	mu        sync.Mutex
	busy      int
	assigned  []Job
	cancelled []string
	blocked   map[string]chan struct{}
}

func newFakePool(st *store.Store, slots int, behave func(j Job) fakeOutcome) *fakePool {
	return &fakePool{st: st, slots: slots, behave: behave, blocked: map[string]chan struct{}{}}
}

func (p *fakePool) TryAssign(jobs []Job, report func(PoolEvent)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy+len(jobs) > p.slots {
		return false
	}
	p.busy += len(jobs)
	for _, j := range jobs {
		p.assigned = append(p.assigned, j)
		stop := make(chan struct{})
		p.blocked[j.ID] = stop
		go p.run(j, stop, report)
	}
	return true
}

func (p *fakePool) run(j Job, stop chan struct{}, report func(PoolEvent)) {
	report(PoolEvent{Kind: JobStarted, JobID: j.ID, Worker: "fake"})
	out := p.behave(j)
	if out.block {
		<-stop
	}
	leases := store.NewLeases()
	res := out.result
	if !out.lost && !out.block {
		res.Outputs = map[string]store.Key{}
		for path, data := range out.outputs {
			h, err := p.st.StoreBytes(context.Background(), []byte(data))
			if err != nil {
				res = job.Internal("%v", err)
				break
			}
			leases.Add(h)
			res.Outputs[path] = h.Key()
		}
	}
	// The slot is freed only after reporting so a failure is always seen
	// before anything else can be dispatched.
	defer func() {
		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}()
	switch {
	case out.block:
		// Unblocked only by Cancel, which kills the job like a real pool.
		res = job.Result{Outcome: job.Signal, Signal: 9, Message: "cancelled"}
		report(PoolEvent{Kind: JobFinished, JobID: j.ID, Worker: "fake", Result: res, Outputs: leases})
	case out.lost:
		report(PoolEvent{Kind: JobLost, JobID: j.ID, Worker: "fake", Err: errors.New("connection reset")})
	default:
		report(PoolEvent{Kind: JobFinished, JobID: j.ID, Worker: "fake", Result: res, Outputs: leases})
	}
}

func (p *fakePool) Cancel(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, jobID)
	if stop, ok := p.blocked[jobID]; ok {
		close(stop)
		delete(p.blocked, jobID)
	}
}

func (p *fakePool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots - p.busy
}

type fixedFakePool struct{ *fakePool }

func (p fixedFakePool) FixedCapacity() int { return p.slots }

func succeed(outputs map[string]string) fakeOutcome {
	return fakeOutcome{result: job.Result{Outcome: job.Success}, outputs: outputs}
}

// chainDAG is src -> A -> B plus an independent C. A has the highest
// priority and the cache is off, so A is dispatched first on a single slot.
func chainDAG(t *testing.T) (*dag.DAG, [3]dag.ExecutionID) {
	t.Helper()
	d := dag.New()
	d.Config.UseCache = false
	src := d.ProvideContent("src", []byte("x"))
	mid := d.AddFile("mid")
	out := d.AddFile("out")
	other := d.AddFile("other")

	a := dag.NewExecution("A", "a").Input("in", src, false).Output("out", mid)
	a.Priority = 10
	b := dag.NewExecution("B", "b").Input("in", mid, false).Output("out", out)
	c := dag.NewExecution("C", "c").Output("out", other)

	var ids [3]dag.ExecutionID
	var err error
	for i, e := range []*dag.Execution{a, b, c} {
		ids[i], err = d.AddExecution(e)
		require.NoError(t, err)
	}
	return d, ids
}

func TestStartRejectsCycle(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	x := d.AddFile("x")
	y := d.AddFile("y")
	_, err := d.AddExecution(dag.NewExecution("a", "a").Input("x", x, false).Output("y", y))
	require.NoError(t, err)
	_, err = d.AddExecution(dag.NewExecution("b", "b").Input("y", y, false).Output("x", x))
	require.NoError(t, err)
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome { return succeed(nil) })

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)

	// --- Assert ---
	require.Error(t, err)
	assert.Nil(t, r)
	assert.True(t, errors.Is(err, dag.ErrCycle))
	assert.Empty(t, pool.assigned)
}

func TestFailFastSkipsUnstartedWork(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d, ids := chainDAG(t)
	pool := newFakePool(e.store, 1, func(j Job) fakeOutcome {
		if j.Spec.Description == "A" {
			return fakeOutcome{result: job.Result{Outcome: job.ReturnCode, ExitCode: 1}}
		}
		return succeed(map[string]string{"out": "ok"})
	})

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, events := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	assert.False(t, s.Aborted)
	assert.Equal(t, StatusFailed, s.Reports[ids[0]].Status)
	assert.Equal(t, StatusSkipped, s.Reports[ids[1]].Status)
	assert.Equal(t, StatusSkipped, s.Reports[ids[2]].Status)
	assert.Equal(t, 1, s.Dispatched)
	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.False(t, last.Success)
}

func TestKeepGoingRunsIndependentWork(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d, ids := chainDAG(t)
	d.Config.KeepGoing = true
	pool := newFakePool(e.store, 1, func(j Job) fakeOutcome {
		if j.Spec.Description == "A" {
			return fakeOutcome{result: job.Result{Outcome: job.ReturnCode, ExitCode: 2}}
		}
		return succeed(map[string]string{"out": "ok"})
	})

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, events := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	assert.Equal(t, StatusFailed, s.Reports[ids[0]].Status)
	assert.Equal(t, StatusSkipped, s.Reports[ids[1]].Status)
	assert.Contains(t, s.Reports[ids[1]].Reason, `"A" failed`)
	assert.Equal(t, StatusSuccess, s.Reports[ids[2]].Status)
	for _, id := range ids {
		assert.Equal(t, 1, terminalEvents(events)[id], "execution %d", id)
	}
}

func TestAllowFailureCountsAsCompleted(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	x := dag.NewExecution("flaky", "flaky")
	x.AllowFailure = true
	id, err := d.AddExecution(x)
	require.NoError(t, err)
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome {
		return fakeOutcome{result: job.Result{Outcome: job.ReturnCode, ExitCode: 3}}
	})

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.True(t, s.Success)
	assert.Equal(t, StatusSuccess, s.Reports[id].Status)
	assert.Equal(t, 3, s.Reports[id].Result.ExitCode)
}

func TestSecondRunIsServedFromCache(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	pool := newFakePool(e.store, 2, func(j Job) fakeOutcome {
		return succeed(map[string]string{"out": j.Spec.Description + "-done"})
	})
	ex := e.executor(pool)
	build := func() (*dag.DAG, dag.FileID) {
		d := dag.New()
		src := d.ProvideContent("src", []byte("main"))
		obj := d.AddFile("obj")
		bin := d.AddFile("bin")
		_, err := d.AddExecution(dag.NewExecution("compile", "cc").Input("main.c", src, false).Output("out", obj))
		require.NoError(t, err)
		_, err = d.AddExecution(dag.NewExecution("link", "ld").Input("main.o", obj, false).Output("out", bin))
		require.NoError(t, err)
		return d, bin
	}

	// --- Act ---
	d1, bin1 := build()
	r1, err := ex.Start(context.Background(), d1)
	require.NoError(t, err)
	first, _ := collect(t, r1)
	d2, bin2 := build()
	r2, err := ex.Start(context.Background(), d2)
	require.NoError(t, err)
	second, events := collect(t, r2)

	// --- Assert ---
	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, 2, first.Dispatched)
	assert.Equal(t, 0, second.Dispatched)
	assert.Equal(t, 2, second.CacheHits)
	assert.Equal(t, first.Files[bin1], second.Files[bin2])
	assert.Equal(t, "link-done", e.content(t, second, bin2))
	var hits int
	for _, ev := range events {
		if ev.Transition == StatusCacheHit {
			hits++
		}
	}
	assert.Equal(t, 2, hits)
}

func TestNoCacheAlwaysDispatches(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome { return succeed(map[string]string{"out": "v"}) })
	ex := e.executor(pool)
	build := func() *dag.DAG {
		d := dag.New()
		d.Config.UseCache = false
		_, err := d.AddExecution(dag.NewExecution("gen", "gen").Output("out", d.AddFile("out")))
		require.NoError(t, err)
		return d
	}

	// --- Act ---
	var dispatched int
	for i := 0; i < 2; i++ {
		r, err := ex.Start(context.Background(), build())
		require.NoError(t, err)
		s, _ := collect(t, r)
		require.True(t, s.Success)
		dispatched += s.Dispatched
	}

	// --- Assert ---
	assert.Equal(t, 2, dispatched)
}

func TestDryRunSkipsEverything(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d, ids := chainDAG(t)
	d.Config.DryRun = true
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome { return succeed(nil) })

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.True(t, s.Success)
	assert.Equal(t, 0, s.Dispatched)
	for _, id := range ids {
		assert.Equal(t, StatusSkipped, s.Reports[id].Status)
		assert.Equal(t, "dry run", s.Reports[id].Reason)
	}
}

func TestLostWorkerIsRetried(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	out := d.AddFile("out")
	id, err := d.AddExecution(dag.NewExecution("gen", "gen").Output("out", out))
	require.NoError(t, err)
	pool := newFakePool(e.store, 1, func(j Job) fakeOutcome {
		if j.Attempt == 0 {
			return fakeOutcome{lost: true}
		}
		return succeed(map[string]string{"out": "second try"})
	})

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, events := collect(t, r)

	// --- Assert ---
	require.True(t, s.Success)
	assert.Equal(t, 2, s.Reports[id].Attempts)
	assert.Equal(t, "second try", e.content(t, s, out))
	assert.Equal(t, 1, terminalEvents(events)[id])
	var requeued bool
	for _, ev := range events {
		if ev.Transition == StatusReady && ev.Reason != "" {
			requeued = true
			assert.Contains(t, ev.Reason, "worker fake lost")
		}
	}
	assert.True(t, requeued)
}

func TestLostWorkerGivesUpAfterMaxRetries(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	d.Config.MaxRetries = 1
	id, err := d.AddExecution(dag.NewExecution("gen", "gen"))
	require.NoError(t, err)
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome { return fakeOutcome{lost: true} })

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	rep := s.Reports[id]
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, 2, rep.Attempts)
	require.NotNil(t, rep.Result)
	assert.Equal(t, job.InternalError, rep.Result.Outcome)
}

func TestLostGroupGivesUpAfterMaxRetries(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	d.Config.MaxRetries = 1
	g, err := d.AddExecutionGroup("pair", dag.NewExecution("left", "l"), dag.NewExecution("right", "r"))
	require.NoError(t, err)
	pool := newFakePool(e.store, 2, func(Job) fakeOutcome { return fakeOutcome{lost: true} })

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, events := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	for _, id := range d.Group(g).Members {
		rep := s.Reports[id]
		assert.Equal(t, StatusFailed, rep.Status, d.Execution(id).Description)
		assert.Equal(t, 2, rep.Attempts)
		assert.Contains(t, rep.Reason, "lost")
		require.NotNil(t, rep.Result)
		assert.Equal(t, job.InternalError, rep.Result.Outcome)
		assert.Equal(t, 1, terminalEvents(events)[id])
	}
}

func TestFailedMemberKillsPartners(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	d.Config.UseCache = false
	_, err := d.AddExecutionGroup("pair", dag.NewExecution("left", "l"), dag.NewExecution("right", "r"))
	require.NoError(t, err)
	pool := newFakePool(e.store, 2, func(j Job) fakeOutcome {
		if j.Spec.Description == "left" {
			return fakeOutcome{result: job.Result{Outcome: job.ReturnCode, ExitCode: 3}}
		}
		return fakeOutcome{block: true}
	})

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	var right Job
	for _, j := range pool.assigned {
		if j.Spec.Description == "right" {
			right = j
		}
	}
	assert.Contains(t, pool.cancelled, right.ID)
	rep := s.Reports[right.Execution]
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Contains(t, rep.Reason, `"left" failed`)
	left := s.Reports[d.Group(0).Members[0]]
	assert.Equal(t, StatusFailed, left.Status)
	assert.Equal(t, "exited with code 3", left.Reason)
}

func TestGroupLargerThanPoolFails(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	_, err := d.AddExecutionGroup("pair", dag.NewExecution("left", "l"), dag.NewExecution("right", "r"))
	require.NoError(t, err)
	pool := fixedFakePool{newFakePool(e.store, 1, func(Job) fakeOutcome { return succeed(nil) })}

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	for _, rep := range s.Reports {
		assert.Equal(t, StatusFailed, rep.Status)
		assert.Contains(t, rep.Reason, "does not fit")
	}
}

func TestGroupIsDispatchedTogether(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	_, err := d.AddExecutionGroup("pair", dag.NewExecution("left", "l"), dag.NewExecution("right", "r"))
	require.NoError(t, err)
	pool := newFakePool(e.store, 2, func(Job) fakeOutcome { return succeed(nil) })

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	require.True(t, s.Success)
	require.Len(t, pool.assigned, 2)
	assert.Equal(t, 2, s.Dispatched)
}

func TestCancelAbortsRun(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d, ids := chainDAG(t)
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome { return fakeOutcome{block: true} })
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)

	// --- Act ---
	for ev := range r.Events() {
		if ev.Transition == StatusRunning {
			break
		}
	}
	r.Cancel()
	s, _ := collect(t, r)

	// --- Assert ---
	assert.True(t, s.Aborted)
	assert.False(t, s.Success)
	for _, id := range ids {
		assert.Equal(t, StatusSkipped, s.Reports[id].Status)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.cancelled, 1)
}

func TestStatusReportsRunningWork(t *testing.T) {
	// --- Arrange ---
	e := newEnv(t)
	d := dag.New()
	_, err := d.AddExecution(dag.NewExecution("sleepy", "sleep"))
	require.NoError(t, err)
	pool := newFakePool(e.store, 1, func(Job) fakeOutcome { return fakeOutcome{block: true} })
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	for ev := range r.Events() {
		if ev.Transition == StatusRunning {
			break
		}
	}

	// --- Act ---
	snap := r.Status()
	r.Cancel()
	collect(t, r)
	final := r.Status()

	// --- Assert ---
	require.Len(t, snap.Running, 1)
	assert.Equal(t, "sleepy", snap.Running[0].Description)
	assert.Equal(t, "fake", snap.Running[0].Worker)
	assert.False(t, snap.Done)
	assert.True(t, final.Done)
	assert.Equal(t, 1, final.Counts[StatusSkipped])
}

func TestEventStreamKeepsTerminalEvents(t *testing.T) {
	// --- Arrange ---
	s := newEventStream(2)

	// --- Act ---
	for i := 0; i < 10; i++ {
		s.emit(Event{Execution: dag.ExecutionID(i), Transition: StatusRunning})
	}
	for i := 0; i < 3; i++ {
		s.emit(Event{Execution: dag.ExecutionID(i), Transition: StatusSuccess})
	}
	s.emit(Event{Execution: dag.NoExecution, Done: true, Success: true})
	s.close()
	dropped := s.droppedCount()
	var terminal, total int
	for ev := range s.out {
		total++
		if ev.terminal() {
			terminal++
		}
	}

	// --- Assert ---
	assert.Equal(t, 4, terminal)
	assert.Positive(t, dropped)
	assert.Equal(t, 14, total+dropped)
}

func TestLocalPoolRunsChainAndCaches(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sandbox limits are only enforced on linux")
	}
	// --- Arrange ---
	e := newEnv(t)
	pool := NewLocalPool(e.store, LocalPoolOptions{Workers: 2, TempDir: t.TempDir()}, e.logger)
	t.Cleanup(pool.Close)
	ex := e.executor(pool)
	build := func() (*dag.DAG, dag.FileID) {
		d := dag.New()
		src := d.ProvideContent("src", []byte("hello"))
		upper := d.AddFile("upper")
		twice := d.AddFile("twice")
		_, err := d.AddExecution(dag.NewExecution("upper", "sh", "-c", "tr a-z A-Z < in.txt > out.txt").
			Input("in.txt", src, false).Output("out.txt", upper))
		require.NoError(t, err)
		_, err = d.AddExecution(dag.NewExecution("twice", "sh", "-c", "cat in.txt in.txt > out.txt").
			Input("in.txt", upper, false).Output("out.txt", twice))
		require.NoError(t, err)
		return d, twice
	}

	// --- Act ---
	d1, out1 := build()
	r1, err := ex.Start(context.Background(), d1)
	require.NoError(t, err)
	first, _ := collect(t, r1)
	d2, out2 := build()
	r2, err := ex.Start(context.Background(), d2)
	require.NoError(t, err)
	second, _ := collect(t, r2)

	// --- Assert ---
	require.True(t, first.Success, "%+v", first.Reports)
	assert.Equal(t, "HELLOHELLO", e.content(t, first, out1))
	assert.Equal(t, 2, first.Dispatched)
	require.True(t, second.Success)
	assert.Equal(t, 0, second.Dispatched)
	assert.Equal(t, 2, second.CacheHits)
	assert.Equal(t, first.Files[out1], second.Files[out2])
}

func TestLocalPoolReportsWallTimeout(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sandbox limits are only enforced on linux")
	}
	// --- Arrange ---
	e := newEnv(t)
	pool := NewLocalPool(e.store, LocalPoolOptions{Workers: 1, TempDir: t.TempDir()}, e.logger)
	t.Cleanup(pool.Close)
	d := dag.New()
	x := dag.NewExecution("sleep", "sleep", "5")
	x.Limits.WallTime = 100 * time.Millisecond
	id, err := d.AddExecution(x)
	require.NoError(t, err)

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	rep := s.Reports[id]
	assert.Equal(t, StatusFailed, rep.Status)
	require.NotNil(t, rep.Result)
	assert.Equal(t, job.WallTimeLimitExceeded, rep.Result.Outcome)
}

func TestLocalPoolGroupTalksThroughFIFOs(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("named pipes need linux")
	}
	// --- Arrange ---
	e := newEnv(t)
	pool := NewLocalPool(e.store, LocalPoolOptions{Workers: 2, TempDir: t.TempDir()}, e.logger)
	t.Cleanup(pool.Close)
	d := dag.New()
	d.Config.UseCache = false
	got := d.AddFile("got")
	g, err := d.AddExecutionGroup("pair",
		dag.NewExecution("send", "sh", "-c", "echo ping > fifo/chan"),
		dag.NewExecution("recv", "sh", "-c", "cat fifo/chan > got").Output("got", got))
	require.NoError(t, err)
	require.NoError(t, d.AddFIFO(g, "chan"))

	// --- Act ---
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	require.True(t, s.Success, "%+v", s.Reports)
	assert.Equal(t, "ping\n", e.content(t, s, got))
}

func TestLocalPoolKillsBlockedPartner(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("named pipes need linux")
	}
	// --- Arrange ---
	e := newEnv(t)
	pool := NewLocalPool(e.store, LocalPoolOptions{Workers: 2, TempDir: t.TempDir()}, e.logger)
	t.Cleanup(pool.Close)
	d := dag.New()
	d.Config.UseCache = false
	g, err := d.AddExecutionGroup("pair",
		dag.NewExecution("crash", "sh", "-c", "exit 3"),
		dag.NewExecution("wait", "cat", "fifo/chan"))
	require.NoError(t, err)
	require.NoError(t, d.AddFIFO(g, "chan"))

	// --- Act ---
	start := time.Now()
	r, err := e.executor(pool).Start(context.Background(), d)
	require.NoError(t, err)
	s, _ := collect(t, r)

	// --- Assert ---
	assert.False(t, s.Success)
	assert.Less(t, time.Since(start), 5*time.Second)
	waiting := s.Reports[d.Group(g).Members[1]]
	assert.Equal(t, StatusFailed, waiting.Status)
	assert.Contains(t, waiting.Reason, `"crash" failed`)
}
