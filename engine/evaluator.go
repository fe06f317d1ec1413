package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/evalctl/evalctl/internal/trace"
)

// EvaluatorOptions configures one call to Evaluator.Evaluate.
type EvaluatorOptions struct {
	// Parallelism is the number of worker goroutines driving node
	// evaluation. Zero means "pick a reasonable default".
	Parallelism int
	// KeepGoing controls error policy: false (fail-fast) cancels the whole
	// build on the first error; true records each error on its node and
	// keeps evaluating every node reachable from the roots, including nodes
	// downstream of a failure (which then fail with a DepError).
	KeepGoing bool
	// Version is the build version this evaluation runs at. It must not be
	// older than any version previously passed to Evaluate against this
	// Graph, and must be strictly greater after an Invalidate call.
	Version Version
	// OnEvent, if non-nil, is called from worker goroutines as
	// "starting"/"done" around each runner-task step, for a live status
	// display. It must not block and must be safe for concurrent calls.
	OnEvent func(key Key, status string)
}

// Result is what Evaluate returns: the roots' resolved values or errors,
// plus the aggregate first error observed during this build, for
// fail-fast callers whose roots may never have resolved at all because the
// build was cancelled before their frontier drained.
type Result struct {
	Values     map[Key]Value
	Errors     map[Key]*ErrorInfo
	FirstError *ErrorInfo
	Success    bool
}

// Evaluator drives Functions over a Graph to resolve a set of root keys.
// One Evaluator can run many Evaluate calls over its lifetime, one after
// another. Calls must not overlap: each Evaluate ends by resetting every
// unfinished node in the Graph (see AbandonBuild).
type Evaluator struct {
	graph     *Graph
	functions *FunctionRegistry
	log       *log.Logger
}

func NewEvaluator(graph *Graph, functions *FunctionRegistry, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.Default()
	}
	return &Evaluator{graph: graph, functions: functions, log: logger}
}

// Evaluate resolves every key in roots, running Functions for whatever is
// not already clean at opts.Version, and returns once every root is either
// done or (fail-fast) the build has been aborted.
func (e *Evaluator) Evaluate(ctx context.Context, roots []Key, opts EvaluatorOptions) (*Result, error) {
	if len(roots) == 0 {
		return &Result{Values: map[Key]Value{}, Errors: map[Key]*ErrorInfo{}, Success: true}, nil
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	s := &scheduler{
		eval:    e,
		opts:    opts,
		rootSet: NewKeySet(roots...),
		results: make(map[Key]Value),
		errors:  make(map[Key]*ErrorInfo),
	}
	s.remaining = len(s.rootSet)
	s.allDone = make(chan struct{})

	return s.run(ctx, parallelism)
}

// scheduler is the mutable state of one Evaluate call. Unlike NodeEntry,
// its own bookkeeping is protected by a single mutex: contention here is
// expected to be much lower than per-node contention, since it's only
// touched at task boundaries, not during Function execution.
type scheduler struct {
	eval *Evaluator
	opts EvaluatorOptions

	rootSet KeySet

	mu        sync.Mutex
	queue     []Key
	closed    bool
	cond      *sync.Cond
	taskCount int // queued + in-flight tasks; drives quiescence detection

	remaining int // roots not yet resolved
	results   map[Key]Value
	errors    map[Key]*ErrorInfo
	firstErr  *ErrorInfo

	allDone    chan struct{}
	finishOnce sync.Once
	cancel     context.CancelFunc
}

func (s *scheduler) run(ctx context.Context, parallelism int) (*Result, error) {
	s.cond = sync.NewCond(&s.mu)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	eg, egctx := errgroup.WithContext(runCtx)
	for i := 0; i < parallelism; i++ {
		i := i
		eg.Go(func() error {
			s.worker(egctx, i)
			return nil
		})
	}

	for k := range s.rootSet {
		s.enroll(k)
	}

	s.waitForCompletion(ctx, runCtx)

	s.mu.Lock()
	s.closed = true
	drained := len(s.queue)
	s.queue = nil
	s.taskCount -= drained
	s.mu.Unlock()
	s.cond.Broadcast()
	cancel()
	eg.Wait() // workers only ever return nil; this just waits for exit

	// Discard whatever half-built state an aborted build left in flight:
	// committed entries survive, but a node caught mid-evaluation (or whose
	// queued task was just dropped above) must not leak its bookkeeping
	// into the next build. On a clean run this sweep finds nothing to do.
	s.eval.graph.Snapshot(func(k Key, e *NodeEntry) {
		e.AbandonBuild()
	})

	return s.buildResult(), nil
}

// waitForCompletion blocks until either all roots have resolved, the
// context was cancelled, or the scheduler goes quiescent with roots still
// unresolved, in which case it runs cycle detection and, if that finds
// nothing, records a deadlock as a FunctionError on a synthetic <engine>
// key rather than hang.
//
// callerCtx is the context Evaluate was given; runCtx is derived from it
// and also cancelled by the scheduler's own fail-fast shutdown. Only
// callerCtx.Err() distinguishes "the caller asked us to stop" from "we
// cancelled ourselves after recording some other error"; the latter must
// not clobber the error that actually triggered the shutdown.
func (s *scheduler) waitForCompletion(callerCtx, runCtx context.Context) {
	for {
		quiescent := make(chan struct{})
		go func() {
			s.waitQuiescent()
			close(quiescent)
		}()

		select {
		case <-s.allDone:
			return
		case <-runCtx.Done():
			if callerCtx.Err() != nil {
				s.recordAndMaybeCancel(&ErrorInfo{
					Kind:      Cancellation,
					RootCause: Key{Kind: "<engine>", Payload: "cancelled"},
					Err:       callerCtx.Err(),
				})
			}
			s.finish()
			return
		case <-quiescent:
			s.mu.Lock()
			remaining := s.remaining
			s.mu.Unlock()
			if remaining == 0 {
				s.finish()
				return
			}
			found := s.detectCycles()
			if found == 0 {
				s.eval.log.Printf("BUG: scheduler quiescent with %d roots unresolved and no cycle", remaining)
				s.recordAndMaybeCancel(&ErrorInfo{
					Kind:      FunctionError,
					RootCause: Key{Kind: "<engine>", Payload: "deadlock"},
					Err:       errors.New("no ready work but roots remain unresolved and no cycle was found"),
				})
				s.finish()
				return
			}
			// Recording the cycles may have unblocked rdeps outside the
			// cycle (or resolved roots directly); loop back and wait for
			// the next quiescence point.
			select {
			case <-s.allDone:
				return
			default:
			}
		}
	}
}

func (s *scheduler) waitQuiescent() {
	s.mu.Lock()
	for s.taskCount > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *scheduler) finish() {
	s.finishOnce.Do(func() {
		s.cancel()
		close(s.allDone)
	})
}

func (s *scheduler) buildResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &Result{
		Values:     make(map[Key]Value, len(s.results)),
		Errors:     make(map[Key]*ErrorInfo, len(s.errors)),
		FirstError: s.firstErr,
		Success:    len(s.errors) == 0 && s.firstErr == nil,
	}
	for k, v := range s.results {
		res.Values[k] = v
	}
	for k, e := range s.errors {
		res.Errors[k] = e
	}
	return res
}

// enqueue schedules key for a runner task. It's a no-op once the scheduler
// has started shutting down: fail-fast guarantees no Function invocation
// starts after the error that triggered shutdown was observed.
func (s *scheduler) enqueue(key Key) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, key)
	s.taskCount++
	s.mu.Unlock()
	s.cond.Signal()
}

// pop dequeues the next task, or returns !ok once the scheduler is closed
// or ctx has been cancelled. A task already sitting in the queue when
// cancellation fires must not be dispatched: no Function invocation may
// start once the error that caused the cancellation has been observed.
func (s *scheduler) pop(ctx context.Context) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	if ctx.Err() != nil || len(s.queue) == 0 {
		return Key{}, false
	}
	k := s.queue[0]
	s.queue = s.queue[1:]
	return k, true
}

// taskDone decrements the in-flight counter and wakes the quiescence
// monitor; it must be called exactly once per enqueue, even when the task
// turned out to be a no-op.
func (s *scheduler) taskDone() {
	s.mu.Lock()
	s.taskCount--
	done := s.taskCount == 0
	s.mu.Unlock()
	if done {
		s.cond.Broadcast()
	}
}

func (s *scheduler) worker(ctx context.Context, tid int) {
	for {
		key, ok := s.pop(ctx)
		if !ok {
			return
		}
		s.safeProcess(ctx, key, tid)
		s.taskDone()
	}
}

// safeProcess recovers a panic whose value is an error (such as an
// *InvariantViolation panicked up from a NodeEntry method) and records it
// as a FunctionError instead of crashing the process. Panics with any
// other value are re-raised.
func (s *scheduler) safeProcess(ctx context.Context, key Key, tid int) {
	ev := trace.Event("eval "+key.String(), tid)
	defer ev.Done()
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(key, "starting")
		defer s.opts.OnEvent(key, "done")
	}
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				s.recordAndMaybeCancel(&ErrorInfo{Kind: FunctionError, RootCause: key, Err: err, RootCauses: NewKeySet(key)})
				return
			}
			panic(r)
		}
	}()
	s.processOne(ctx, key)
}

// processOne runs exactly one step of key's node: a dirty-check group
// comparison, a fresh/rebuild Function invocation, or (if the step
// suspends) registers the next group of deps to wait on.
func (s *scheduler) processOne(ctx context.Context, key Key) {
	entry := s.eval.graph.Get(key)
	if entry == nil || entry.Status() == StatusDone {
		// Already finalized by another path (e.g. the cycle detector
		// recording an error for a node whose re-enqueue was in flight).
		return
	}

	if entry.Status() == StatusDirtyNeedsCheck {
		result, group := entry.NextDirtyStep()
		switch result {
		case dirtyCheckClean:
			s.finishClean(key, entry)
			return
		case dirtyCheckNextGroup:
			s.requestDeps(key, entry, group)
			return
		case dirtyCheckNeedsRebuild:
			// fall through to a fresh Function invocation below
		}
	}

	fn, ok := s.eval.functions.Lookup(key.Kind)
	if !ok {
		errInfo := newFunctionError(key, fmt.Errorf("no function registered for kind %q", key.Kind))
		s.recordAndMaybeCancel(errInfo)
		s.finishValue(key, entry, NewErrorValue(errInfo))
		return
	}

	env := newEnvironment(key, s.opts.Version, s.eval.graph, entry)
	value, err := fn.Compute(ctx, key, env)

	if env.fatal != nil {
		panic(env.fatal)
	}

	if env.ValuesMissing() {
		newDeps := env.newDepsInOrder()
		if len(newDeps) == 0 {
			panic(invariantViolation(key, "function reported missing values without requesting any new dependency"))
		}
		entry.RequestGroup(newDeps)
		s.requestDeps(key, entry, newDeps)
		return
	}

	// Not suspended: every dep requested this invocation already had a
	// value, so nothing went through RequestGroup. Commit those deps as the
	// invocation's final group now, or a Function whose deps all resolved
	// on first request would finalize with no forward edges at all, and a
	// rebuild would then sever the reverse edges it still relies on.
	if satisfied := env.newDepsInOrder(); len(satisfied) > 0 {
		entry.AddSatisfiedGroup(satisfied)
		for _, d := range satisfied {
			if depEntry := s.eval.graph.Get(d); depEntry != nil {
				p := key
				depEntry.AddReverseDepAndCheckIfDone(&p)
			}
		}
	}

	if err != nil {
		var errInfo *ErrorInfo
		var dep *ErrorInfo
		if errors.As(err, &dep) {
			errInfo = asDepError(dep, key)
		} else {
			errInfo = newFunctionError(key, err)
		}
		s.recordAndMaybeCancel(errInfo)
		s.finishValue(key, entry, NewErrorValue(errInfo))
		return
	}

	if dep := env.firstDepError(); dep != nil {
		errInfo := asDepError(dep, key)
		s.recordAndMaybeCancel(errInfo)
		s.finishValue(key, entry, NewErrorValue(errInfo))
		return
	}

	if value.IsZero() {
		// A done node's value is either a success payload or an error,
		// never neither.
		panic(invariantViolation(key, "function returned neither a value, an error, nor a missing-deps suspension"))
	}

	// A rebuild may end up requesting a narrower set of deps than the
	// build it replaces. Grab the prior build's groups now, while
	// they're still reachable, so any dep the new value no longer
	// requests can have this node's reverse-dep edge dropped once the
	// new value lands.
	var priorDeps *GroupedDependencies
	if entry.Status() == StatusDirtyRebuilding {
		priorDeps = entry.PriorDirectDeps()
	}
	s.finishValue(key, entry, value)
	if priorDeps != nil {
		s.dropStaleReverseDeps(key, entry, priorDeps)
	}
}

// dropStaleReverseDeps removes key from the reverse-dep set of every
// dependency named in priorDeps that entry's freshly-finalized direct_deps
// no longer requests. Without this, a rebuild that narrows its dependency
// set leaves stale reverse edges behind forever: the dropped dependency
// would go on dirty-checking key on every future change even though key no
// longer reads it.
func (s *scheduler) dropStaleReverseDeps(key Key, entry *NodeEntry, priorDeps *GroupedDependencies) {
	if entry.Status() != StatusDone {
		return
	}
	stale := priorDeps.Clone()
	for _, grp := range entry.DirectDeps().Groups() {
		stale.Remove(grp)
	}
	for _, grp := range stale.Groups() {
		for d := range grp {
			if depEntry := s.eval.graph.Get(d); depEntry != nil {
				depEntry.RemoveReverseDep(key)
			}
		}
	}
}

// requestDeps asks the graph for each key in deps (creating it if this is
// the first request anywhere), wires up the reverse-dep edge, and either
// resumes immediately (all deps already done), schedules a fresh task, or
// waits for whoever is already evaluating the dep to finish it.
func (s *scheduler) requestDeps(parent Key, parentEntry *NodeEntry, deps []Key) {
	for _, d := range deps {
		depEntry, err := s.eval.graph.CreateIfAbsentOne(d)
		if err != nil {
			panic(err)
		}
		p := parent
		status := depEntry.AddReverseDepAndCheckIfDone(&p)
		switch status {
		case RDepDone:
			lastChanged, _ := depEntry.Versions()
			if parentEntry.SignalDep(d, lastChanged) {
				s.enqueue(parent)
			}
		case RDepNeedsScheduling:
			s.enqueue(d)
		case RDepAlreadyEvaluating:
			// d's eventual finalize will call SignalDep on parentEntry,
			// since parentEntry is now one of d's reverse deps.
		}
	}
}

func (s *scheduler) finishValue(key Key, entry *NodeEntry, value Value) {
	rdeps, err := entry.SetValue(value, s.opts.Version)
	if err != nil {
		panic(err)
	}
	s.handleFinalize(key, entry, rdeps)
}

func (s *scheduler) finishClean(key Key, entry *NodeEntry) {
	rdeps, err := entry.MarkClean(s.opts.Version)
	if err != nil {
		panic(err)
	}
	s.handleFinalize(key, entry, rdeps)
}

func (s *scheduler) handleFinalize(key Key, entry *NodeEntry, rdeps []Key) {
	lastChanged, _ := entry.Versions()
	for _, rd := range rdeps {
		rdEntry := s.eval.graph.Get(rd)
		if rdEntry == nil {
			continue
		}
		if rdEntry.SignalDep(key, lastChanged) {
			s.enqueue(rd)
		}
	}
	if s.rootSet.Has(key) {
		s.resolveRoot(key, entry)
	}
}

func (s *scheduler) resolveRoot(key Key, entry *NodeEntry) {
	s.mu.Lock()
	if _, ok := s.results[key]; ok {
		s.mu.Unlock()
		return
	}
	if _, ok := s.errors[key]; ok {
		s.mu.Unlock()
		return
	}
	v := entry.Value()
	if v.IsError() {
		s.errors[key] = v.Err()
	} else {
		s.results[key] = v
	}
	s.remaining--
	remaining := s.remaining
	s.mu.Unlock()
	if remaining == 0 {
		s.finish()
	}
}

// recordAndMaybeCancel keeps, as the build's FirstError, the error with the
// lexicographically smallest root-cause key among all errors observed so
// far (discovery order is not consulted) and, unless KeepGoing is set,
// aborts the whole evaluation.
func (s *scheduler) recordAndMaybeCancel(errInfo *ErrorInfo) {
	s.mu.Lock()
	if s.firstErr == nil || errInfo.RootCause.String() < s.firstErr.RootCause.String() {
		s.firstErr = errInfo
	}
	s.mu.Unlock()
	if !s.opts.KeepGoing {
		s.finish()
	}
}

// enroll registers a root key for tracking and, if it isn't already done,
// makes sure a task gets scheduled for it exactly once.
func (s *scheduler) enroll(key Key) {
	entry, err := s.eval.graph.CreateIfAbsentOne(key)
	if err != nil {
		s.recordAndMaybeCancel(&ErrorInfo{Kind: FunctionError, RootCause: key, Err: err, RootCauses: NewKeySet(key)})
		return
	}
	switch entry.AddReverseDepAndCheckIfDone(nil) {
	case RDepDone:
		s.resolveRoot(key, entry)
	case RDepNeedsScheduling:
		s.enqueue(key)
	case RDepAlreadyEvaluating:
		// Another root (or a dep edge racing in from elsewhere) is already
		// driving this key; its finalize will notice it's in rootSet.
	}
}

// cycleNode adapts a Key into a gonum graph.Node.
type cycleNode struct {
	id  int64
	key Key
}

func (n cycleNode) ID() int64 { return n.id }

// detectCycles builds a graph of every not-done node's still-outstanding
// dependency edges and looks for strongly-connected components (including
// self-loops). It only runs once the scheduler has gone quiescent with
// roots unresolved, over the in-progress subgraph: the full dependency
// graph isn't known up front, it grows as Functions request deps. Every
// key found participating in a cycle is finalized with a Cycle ErrorInfo,
// which unblocks any rdep waiting on it. Returns the number of cycles
// found.
func (s *scheduler) detectCycles() int {
	g := simple.NewDirectedGraph()
	ids := make(map[Key]int64)
	nodes := make(map[int64]cycleNode)

	var pending []Key
	s.eval.graph.Snapshot(func(k Key, e *NodeEntry) {
		if e.Status() != StatusDone {
			pending = append(pending, k)
		}
	})

	idOf := func(k Key) int64 {
		if id, ok := ids[k]; ok {
			return id
		}
		id := int64(len(ids))
		ids[k] = id
		n := cycleNode{id: id, key: k}
		nodes[id] = n
		g.AddNode(n)
		return id
	}
	for _, k := range pending {
		idOf(k)
	}
	// simple.DirectedGraph rejects self edges, so a node that requested
	// itself is recorded as a one-key cycle directly rather than through
	// the SCC pass.
	var selfLoops []Key
	for _, k := range pending {
		e := s.eval.graph.Get(k)
		for _, dep := range e.UnfinishedDeps() {
			if dep == k {
				selfLoops = append(selfLoops, k)
				continue
			}
			depEntry := s.eval.graph.Get(dep)
			if depEntry == nil || depEntry.Status() == StatusDone {
				continue
			}
			g.SetEdge(g.NewEdge(nodes[idOf(k)], nodes[idOf(dep)]))
		}
	}

	found := 0
	for _, k := range selfLoops {
		s.recordCycle([]Key{k})
		found++
	}
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		keys := make([]Key, 0, len(scc))
		for _, n := range scc {
			keys = append(keys, n.(cycleNode).key)
		}
		s.recordCycle(keys)
		found++
	}
	return found
}

// recordCycle finalizes every member of one detected cycle with a Cycle
// error. All members are committed before any reverse dep is signaled, and
// signals into the cycle itself are suppressed: a member's completion must
// not re-enqueue another member that is about to be finalized right here.
func (s *scheduler) recordCycle(keys []Key) {
	// Tarjan's component order and the snapshot's map iteration are both
	// nondeterministic; sorting keeps cycle reports stable across runs.
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	info := &CycleInfo{Keys: keys}
	s.eval.log.Printf("%s", info)
	causes := NewKeySet(keys...)
	type finalized struct {
		key   Key
		entry *NodeEntry
		rdeps []Key
	}
	var committed []finalized
	for _, k := range keys {
		entry := s.eval.graph.Get(k)
		if entry == nil || entry.Status() == StatusDone {
			continue
		}
		errInfo := &ErrorInfo{Kind: Cycle, RootCause: k, Cycle: info, RootCauses: causes}
		s.recordAndMaybeCancel(errInfo)
		rdeps, err := entry.SetValue(NewErrorValue(errInfo), s.opts.Version)
		if err != nil {
			panic(err)
		}
		committed = append(committed, finalized{key: k, entry: entry, rdeps: rdeps})
	}
	for _, f := range committed {
		lastChanged, _ := f.entry.Versions()
		for _, rd := range f.rdeps {
			if causes.Has(rd) {
				continue
			}
			rdEntry := s.eval.graph.Get(rd)
			if rdEntry != nil && rdEntry.SignalDep(f.key, lastChanged) {
				s.enqueue(rd)
			}
		}
		if s.rootSet.Has(f.key) {
			s.resolveRoot(f.key, f.entry)
		}
	}
}

var _ graph.Node = cycleNode{}
