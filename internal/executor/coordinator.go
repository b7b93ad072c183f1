package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vk/gridforge/internal/cache"
	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/scheduler"
	"github.com/vk/gridforge/internal/store"
)

type execState struct {
	status   Status
	reason   string
	worker   string
	jobID    string
	result   *job.Result
	cacheHit bool
	attempts int
	since    time.Time
}

type flight struct {
	exec  dag.ExecutionID
	group dag.GroupID
}

type lookupDone struct {
	group dag.GroupID
	hit   *cache.Hit
	ok    bool
}

// coordinator owns all mutable state of one run. Only its own goroutine
// touches these fields.
type coordinator struct {
	opts   Options
	d      *dag.DAG
	cfg    dag.Config
	run    *Run
	logger *slog.Logger

	states   []execState
	frontier *scheduler.Frontier
	queue    *scheduler.Queue
	files    map[dag.FileID]store.Key
	leases   *store.Leases
	inflight map[string]flight
	// killed holds the reason of partners cancelled because another member
	// of their group failed.
	killed map[string]string

	specs         map[dag.ExecutionID]job.Spec
	groupKeys     map[dag.GroupID]cache.Key
	groupResults  map[dag.GroupID][]*job.Result
	groupAttempts []int
	lookups       int
	io            sync.WaitGroup

	box      *mailbox
	stopping bool
	aborted  bool
	failed   bool

	dispatched int
	cacheHits  int
}

func newCoordinator(opts Options, d *dag.DAG, r *Run) *coordinator {
	c := &coordinator{
		opts:          opts,
		d:             d,
		cfg:           d.Config,
		run:           r,
		logger:        opts.Logger.With("run", r.ID),
		states:        make([]execState, len(d.Executions())),
		frontier:      scheduler.NewFrontier(d),
		queue:         scheduler.NewQueue(),
		files:         map[dag.FileID]store.Key{},
		leases:        store.NewLeases(),
		inflight:      map[string]flight{},
		killed:        map[string]string{},
		specs:         map[dag.ExecutionID]job.Spec{},
		groupKeys:     map[dag.GroupID]cache.Key{},
		groupResults:  map[dag.GroupID][]*job.Result{},
		groupAttempts: make([]int, len(d.Groups())),
		box:           newMailbox(),
	}
	for i := range c.states {
		c.states[i].status = StatusMissingDeps
	}
	return c
}

func (c *coordinator) loop(ctx context.Context) {
	ctx = ctxlog.WithLogger(ctx, c.logger)
	c.logger.Info("🚀 Starting DAG execution.", "executions", len(c.d.Executions()), "groups", len(c.d.Groups()),
		"keep_going", c.cfg.KeepGoing, "use_cache", c.cfg.UseCache, "dry_run", c.cfg.DryRun)

	if err := c.storeProvided(ctx); err != nil {
		c.logger.Error("Failed to store provided files.", "error", err)
		c.failed = true
		c.abort(err.Error())
	} else {
		for _, g := range c.frontier.Initial() {
			c.groupReady(g)
		}
		for _, f := range c.d.Files() {
			if f.Provided {
				c.fileReady(f.ID)
			}
		}
	}

	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()
	ctxDone := ctx.Done()
	for {
		// Reports are handled before anything new is offered to the pool,
		// so a failure always stops dispatching first.
		for _, m := range c.box.drain() {
			c.handle(m)
		}
		if c.finished() {
			break
		}
		c.dispatch()
		if c.finished() {
			break
		}
		select {
		case <-ctxDone:
			ctxDone = nil
			c.abort("aborted")
		case <-c.box.signal:
		case <-ticker.C:
		case reply := <-c.run.statusReq:
			reply <- c.snapshot()
		}
	}
	c.finish()
}

func (c *coordinator) finished() bool {
	if len(c.inflight) > 0 || c.lookups > 0 {
		return false
	}
	for i := range c.states {
		if !c.states[i].status.Terminal() {
			return false
		}
	}
	return true
}

func (c *coordinator) finish() {
	for _, m := range c.box.close() {
		if ev, ok := m.(PoolEvent); ok && ev.Outputs != nil {
			ev.Outputs.ReleaseAll()
		}
		if ld, ok := m.(lookupDone); ok && ld.ok {
			ld.hit.Release()
		}
	}
	c.io.Wait()
	c.leases.ReleaseAll()

	success := !c.failed && !c.aborted
	summary := Summary{
		Success:    success,
		Aborted:    c.aborted,
		Reports:    make([]Report, len(c.states)),
		Files:      c.files,
		Dispatched: c.dispatched,
		CacheHits:  c.cacheHits,
	}
	for i, st := range c.states {
		summary.Reports[i] = Report{
			Status:   st.status,
			CacheHit: st.cacheHit,
			Result:   st.result,
			Reason:   st.reason,
			Worker:   st.worker,
			Attempts: st.attempts,
		}
	}
	final := c.snapshot()
	final.Done = true

	c.run.events.emit(Event{Execution: dag.NoExecution, Done: true, Success: success, Time: time.Now()})
	c.run.events.close()
	summary.DroppedEvents = c.run.events.droppedCount()
	c.logger.Info("🏁 DAG execution finished.", "success", success, "dispatched", c.dispatched, "cache_hits", c.cacheHits,
		"dropped_events", summary.DroppedEvents)
	c.run.finish(summary, final)
}

// storeProvided puts every provided file in the store and leases it for the
// run.
func (c *coordinator) storeProvided(ctx context.Context) error {
	for _, f := range c.d.Files() {
		if !f.Provided {
			continue
		}
		var h *store.Handle
		var err error
		switch {
		case f.Digest != "":
			var key store.Key
			key, err = store.ParseKey(f.Digest)
			if err != nil {
				break
			}
			h, err = c.opts.Store.Get(ctx, key)
			if errors.Is(err, store.ErrNotFound) && c.opts.Fetch != nil {
				h, err = c.opts.Fetch(ctx, key)
			}
		case f.LocalPath != "":
			h, err = c.opts.Store.StoreFile(ctx, f.LocalPath)
		default:
			h, err = c.opts.Store.StoreBytes(ctx, f.Content)
		}
		if err != nil {
			return fmt.Errorf("provide %s: %w", f, err)
		}
		c.files[f.ID] = h.Key()
		c.leases.Add(h)
	}
	return nil
}

func (c *coordinator) handle(m any) {
	switch m := m.(type) {
	case PoolEvent:
		c.onPoolEvent(m)
	case lookupDone:
		c.onLookup(m)
	}
}

func (c *coordinator) emit(id dag.ExecutionID, status Status, reason string) {
	st := &c.states[id]
	ev := Event{
		Execution:   id,
		Description: c.d.Execution(id).Description,
		Transition:  status,
		Worker:      st.worker,
		Reason:      reason,
		Time:        time.Now(),
	}
	if status.Terminal() {
		ev.Result = st.result
	}
	c.run.events.emit(ev)
}

// setStatus moves an execution forward and emits the transition. Final
// statuses are never left.
func (c *coordinator) setStatus(id dag.ExecutionID, status Status, reason string) bool {
	st := &c.states[id]
	if st.status.Terminal() {
		return false
	}
	st.status = status
	st.since = time.Now()
	if status.Terminal() || reason != "" {
		st.reason = reason
	}
	c.emit(id, status, reason)
	return true
}

func (c *coordinator) liveMembers(g dag.GroupID) []dag.ExecutionID {
	var out []dag.ExecutionID
	for _, id := range c.d.Group(g).Members {
		if !c.states[id].status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func (c *coordinator) fileReady(f dag.FileID) {
	for _, g := range c.frontier.FileReady(f) {
		c.groupReady(g)
	}
}

// groupReady is called once every input of g is materialised.
func (c *coordinator) groupReady(g dag.GroupID) {
	members := c.liveMembers(g)
	if len(members) == 0 {
		return
	}
	if c.stopping {
		for _, id := range members {
			c.setStatus(id, StatusSkipped, "run is stopping")
		}
		return
	}

	group := c.d.Group(g)
	keys := make([]cache.Key, len(group.Members))
	for i, id := range group.Members {
		spec := c.buildSpec(c.d.Execution(id))
		c.specs[id] = spec
		keys[i] = cache.KeyFor(&spec)
	}
	c.groupKeys[g] = cache.GroupKey(keys)
	c.groupResults[g] = make([]*job.Result, len(group.Members))
	for _, id := range members {
		c.setStatus(id, StatusReady, "")
	}

	if c.cfg.UseCache && c.opts.Cache != nil {
		c.lookups++
		key := c.groupKeys[g]
		go func() {
			hit, ok := c.opts.Cache.Lookup(context.Background(), key)
			c.box.push(lookupDone{group: g, hit: hit, ok: ok})
		}()
		return
	}
	c.enqueue(g, members)
}

func (c *coordinator) buildSpec(e *dag.Execution) job.Spec {
	spec := job.Spec{
		Description:  e.Description,
		Command:      e.Command,
		Args:         e.Args,
		Env:          e.Env,
		Inputs:       make(map[string]job.Input, len(e.Inputs)),
		KeepStdout:   e.Stdout != nil,
		KeepStderr:   e.Stderr != nil,
		CaptureBytes: e.CaptureBytes,
		Limits:       e.Limits,
		AllowFailure: e.AllowFailure,
	}
	if names := c.d.Group(e.Group).FIFOs; len(names) > 0 {
		spec.FIFOs = &job.FIFOGroup{Names: names}
	}
	for path, in := range e.Inputs {
		spec.Inputs[path] = job.Input{Key: c.files[in.File], Executable: in.Executable}
	}
	if e.Stdin != nil {
		k := c.files[*e.Stdin]
		spec.Stdin = &k
	}
	for path := range e.Outputs {
		spec.Outputs = append(spec.Outputs, path)
	}
	sort.Strings(spec.Outputs)
	return spec
}

func (c *coordinator) onLookup(ld lookupDone) {
	c.lookups--
	members := c.liveMembers(ld.group)
	group := c.d.Group(ld.group)
	if len(members) == 0 {
		if ld.ok {
			ld.hit.Release()
		}
		return
	}
	if !ld.ok || len(ld.hit.Entry.Items) != len(group.Members) {
		if ld.ok {
			ld.hit.Release()
		}
		c.enqueue(ld.group, members)
		return
	}

	for _, h := range ld.hit.Leases {
		c.leases.Add(h)
	}
	c.logger.Debug("Cache hit.", "group", group.Name)
	for i, id := range group.Members {
		if c.states[id].status.Terminal() {
			continue
		}
		c.states[id].cacheHit = true
		c.cacheHits++
		c.setStatus(id, StatusCacheHit, "")
		c.complete(id, ld.hit.Entry.Items[i])
	}
}

func (c *coordinator) enqueue(g dag.GroupID, members []dag.ExecutionID) {
	if c.cfg.DryRun {
		for _, id := range members {
			if c.setStatus(id, StatusSkipped, "dry run") {
				c.skipDependents(id, "dry run")
			}
		}
		return
	}
	priority := c.d.Execution(members[0]).Priority
	for _, id := range members[1:] {
		if p := c.d.Execution(id).Priority; p > priority {
			priority = p
		}
	}
	c.queue.Push(g, members, priority)
}

func (c *coordinator) report(ev PoolEvent) {
	c.box.push(ev)
}

// dispatch offers queued groups to the pool in priority order. A group that
// does not fit stays queued while smaller ones behind it may still go.
func (c *coordinator) dispatch() {
	if c.stopping || c.queue.Len() == 0 {
		return
	}
	fixed := -1
	if fp, ok := c.opts.Pool.(FixedPool); ok {
		fixed = fp.FixedCapacity()
	}
	for _, it := range c.queue.Items() {
		if c.stopping {
			return
		}
		if len(c.liveMembers(it.Group)) < len(it.Members) {
			// Something in the group was skipped after this snapshot.
			continue
		}
		jobs := make([]Job, len(it.Members))
		attempt := c.groupAttempts[it.Group]
		var fifos *job.FIFOGroup
		if names := c.d.Group(it.Group).FIFOs; len(names) > 0 {
			fifos = &job.FIFOGroup{
				ID:      fmt.Sprintf("%s/g%d/%d", c.run.ID, it.Group, attempt),
				Names:   names,
				Members: len(it.Members),
			}
		}
		for i, id := range it.Members {
			spec := c.specs[id]
			spec.FIFOs = fifos
			jobs[i] = Job{
				ID:        fmt.Sprintf("%s/%d/%d", c.run.ID, id, attempt),
				Execution: id,
				Attempt:   attempt,
				Spec:      spec,
			}
		}
		if c.opts.Pool.TryAssign(jobs, c.report) {
			c.queue.Remove(it.Group)
			for _, j := range jobs {
				c.inflight[j.ID] = flight{exec: j.Execution, group: it.Group}
				st := &c.states[j.Execution]
				st.jobID = j.ID
				st.attempts++
				c.dispatched++
				c.setStatus(j.Execution, StatusDispatched, "")
			}
			continue
		}
		if fixed >= 0 && len(jobs) > fixed {
			c.queue.Remove(it.Group)
			c.failGroup(it.Members, job.Internal("group of %d executions does not fit in %d worker slots", len(jobs), fixed))
		}
	}
}

func (c *coordinator) onPoolEvent(ev PoolEvent) {
	fl, ok := c.inflight[ev.JobID]
	if !ok {
		if ev.Outputs != nil {
			ev.Outputs.ReleaseAll()
		}
		return
	}
	st := &c.states[fl.exec]
	switch ev.Kind {
	case JobStarted:
		st.worker = ev.Worker
		c.setStatus(fl.exec, StatusRunning, "")
	case JobFinished:
		delete(c.inflight, ev.JobID)
		st.worker = ev.Worker
		res := ev.Result
		if res.Worker == "" {
			res.Worker = ev.Worker
		}
		if ev.Outputs != nil {
			for _, k := range res.OutputKeys() {
				if h, ok := ev.Outputs.Get(k); ok {
					c.leases.Add(h.Clone())
				}
			}
			ev.Outputs.ReleaseAll()
		}
		c.recordGroupResult(fl, res)
		if reason, ok := c.killed[ev.JobID]; ok {
			delete(c.killed, ev.JobID)
			if !res.Completed(c.d.Execution(fl.exec).AllowFailure) {
				st.result = &res
				c.fail(fl.exec, reason)
				return
			}
		}
		c.complete(fl.exec, res)
		if st.status == StatusFailed {
			c.killPartners(fl)
		}
	case JobLost:
		delete(c.inflight, ev.JobID)
		if reason, ok := c.killed[ev.JobID]; ok {
			delete(c.killed, ev.JobID)
			c.fail(fl.exec, reason)
			return
		}
		c.onLost(fl, ev)
	}
}

// complete applies a final result to an execution and propagates it.
func (c *coordinator) complete(id dag.ExecutionID, res job.Result) {
	st := &c.states[id]
	if st.status.Terminal() {
		return
	}
	e := c.d.Execution(id)
	st.result = &res

	if !res.Completed(e.AllowFailure) {
		c.fail(id, describe(res))
		return
	}

	produced := make(map[dag.FileID]store.Key, len(e.Outputs)+2)
	for path, f := range e.Outputs {
		k, ok := res.Outputs[path]
		if !ok {
			st.result = &job.Result{Outcome: job.InternalError, Message: fmt.Sprintf("result lacks output %s", path), Worker: res.Worker}
			c.fail(id, st.result.Message)
			return
		}
		produced[f] = k
	}
	if e.Stdout != nil {
		if res.Stdout == nil {
			c.fail(id, "result lacks stdout")
			return
		}
		produced[*e.Stdout] = *res.Stdout
	}
	if e.Stderr != nil {
		if res.Stderr == nil {
			c.fail(id, "result lacks stderr")
			return
		}
		produced[*e.Stderr] = *res.Stderr
	}

	c.setStatus(id, StatusSuccess, res.Reason())
	for f, k := range produced {
		c.files[f] = k
	}
	for f := range produced {
		c.fileReady(f)
	}
}

// killPartners cancels the members of fl's group still running: they may be
// blocked on the member that just failed.
func (c *coordinator) killPartners(fl flight) {
	desc := c.d.Execution(fl.exec).Description
	for jobID, other := range c.inflight {
		if other.group != fl.group || other.exec == fl.exec {
			continue
		}
		c.killed[jobID] = fmt.Sprintf("killed after group member %q failed", desc)
		c.opts.Pool.Cancel(jobID)
	}
}

func describe(res job.Result) string {
	if reason := res.Reason(); reason != "" {
		return reason
	}
	return string(res.Outcome)
}

func (c *coordinator) fail(id dag.ExecutionID, reason string) {
	if c.markFailed(id, reason) {
		c.propagateFailure([]dag.ExecutionID{id})
	}
}

// failGroup gives every member the same final result before anything is
// skipped, so no member ends up reported with another member's failure.
func (c *coordinator) failGroup(members []dag.ExecutionID, res job.Result) {
	var failed []dag.ExecutionID
	for _, id := range members {
		r := res
		c.states[id].result = &r
		if c.markFailed(id, describe(res)) {
			failed = append(failed, id)
		}
	}
	c.propagateFailure(failed)
}

func (c *coordinator) markFailed(id dag.ExecutionID, reason string) bool {
	if !c.setStatus(id, StatusFailed, reason) {
		return false
	}
	c.failed = true
	c.logger.Warn("Execution failed.", "execution", c.d.Execution(id).Description, "reason", reason)
	return true
}

// propagateFailure skips the dependents of every failed execution and, when
// not keeping going, stops the run once.
func (c *coordinator) propagateFailure(failed []dag.ExecutionID) {
	for _, id := range failed {
		c.skipDependents(id, fmt.Sprintf("dependency %q failed", c.d.Execution(id).Description))
	}
	if len(failed) > 0 && !c.cfg.KeepGoing {
		c.stop(fmt.Sprintf("stopped after %q failed", c.d.Execution(failed[0]).Description))
	}
}

// skipDependents skips, transitively, every execution that needs an output
// of id.
func (c *coordinator) skipDependents(id dag.ExecutionID, reason string) {
	pending := []dag.ExecutionID{id}
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		for _, f := range c.d.Execution(cur).OutputFiles() {
			if c.frontier.IsReady(f) {
				continue
			}
			for _, g := range c.frontier.Consumers(f) {
				c.queue.Remove(g)
				for _, m := range c.liveMembers(g) {
					if c.states[m].jobID != "" && c.isInflight(c.states[m].jobID) {
						continue
					}
					if c.setStatus(m, StatusSkipped, reason) {
						pending = append(pending, m)
					}
				}
			}
		}
	}
}

func (c *coordinator) isInflight(jobID string) bool {
	_, ok := c.inflight[jobID]
	return ok
}

// stop ends dispatching: everything that has not started is skipped and
// in-flight work drains.
func (c *coordinator) stop(reason string) {
	if c.stopping {
		return
	}
	c.stopping = true
	c.queue.Clear()
	for i := range c.states {
		id := dag.ExecutionID(i)
		st := &c.states[i]
		if st.status.Terminal() || (st.jobID != "" && c.isInflight(st.jobID)) {
			continue
		}
		c.setStatus(id, StatusSkipped, reason)
	}
}

// abort stops the run and kills everything in flight.
func (c *coordinator) abort(reason string) {
	c.aborted = true
	c.stop(reason)
	for jobID, fl := range c.inflight {
		c.opts.Pool.Cancel(jobID)
		delete(c.inflight, jobID)
		c.setStatus(fl.exec, StatusSkipped, reason)
	}
	c.logger.Warn("DAG execution aborted.", "reason", reason)
}

// onLost handles a job whose worker disappeared. The rest of its group is
// cancelled and the unfinished members are queued again, up to MaxRetries
// times.
func (c *coordinator) onLost(fl flight, ev PoolEvent) {
	g := fl.group
	reason := fmt.Sprintf("worker %s lost", ev.Worker)
	if ev.Err != nil {
		reason = fmt.Sprintf("%s: %v", reason, ev.Err)
	}
	c.logger.Warn("Worker lost while running a job.", "execution", c.d.Execution(fl.exec).Description, "worker", ev.Worker)
	for id, other := range c.inflight {
		if other.group == g {
			c.opts.Pool.Cancel(id)
			delete(c.inflight, id)
		}
	}
	members := c.liveMembers(g)
	c.groupAttempts[g]++

	if c.stopping {
		for _, id := range members {
			c.setStatus(id, StatusSkipped, reason+", not retried")
		}
		return
	}
	if c.groupAttempts[g] > c.cfg.MaxRetries {
		c.failGroup(members, job.Internal("%s after %d attempts", reason, c.groupAttempts[g]))
		return
	}
	for _, id := range members {
		st := &c.states[id]
		st.worker = ""
		st.jobID = ""
		c.setStatus(id, StatusReady, "requeued: "+reason)
	}
	c.enqueue(g, members)
}

func (c *coordinator) recordGroupResult(fl flight, res job.Result) {
	results := c.groupResults[fl.group]
	group := c.d.Group(fl.group)
	for i, id := range group.Members {
		if id == fl.exec {
			r := res
			results[i] = &r
		}
	}
	items := make([]job.Result, len(results))
	for i, r := range results {
		if r == nil {
			return
		}
		e := c.d.Execution(group.Members[i])
		if !e.Cacheable || !r.Completed(e.AllowFailure) {
			return
		}
		items[i] = *r
		items[i].Worker = ""
	}
	if c.opts.Cache == nil {
		return
	}
	key := c.groupKeys[fl.group]
	c.io.Add(1)
	go func() {
		defer c.io.Done()
		c.opts.Cache.Insert(context.Background(), key, cache.Entry{Items: items})
	}()
}

func (c *coordinator) snapshot() Snapshot {
	s := Snapshot{Counts: map[Status]int{}}
	for i, st := range c.states {
		s.Counts[st.status]++
		if st.status == StatusDispatched || st.status == StatusRunning {
			s.Running = append(s.Running, RunningExecution{
				Execution:   dag.ExecutionID(i),
				Description: c.d.Execution(dag.ExecutionID(i)).Description,
				Worker:      st.worker,
				Since:       st.since,
			})
		}
	}
	return s
}
