package engine

import "sync"

// nodeState is the coarse done/not-done split. Dirty, checking, rebuilding
// and fresh-evaluating nodes are all "evaluating" as far as this field is
// concerned; NodeEntry.Status distinguishes them for introspection.
type nodeState int

const (
	stateNotStarted nodeState = iota
	stateEvaluating
	stateDone
)

// Status is the externally-visible lifecycle stage of a NodeEntry, used by
// Graph introspection and tests (a read-only debug view).
type Status int

const (
	StatusNotStarted Status = iota
	StatusEvaluating
	StatusDirtyNeedsCheck
	StatusDirtyRebuilding
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusEvaluating:
		return "EVALUATING"
	case StatusDirtyNeedsCheck:
		return "NEEDS_CHECK"
	case StatusDirtyRebuilding:
		return "REBUILDING"
	case StatusDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// RDepStatus is returned by AddReverseDepAndCheckIfDone.
type RDepStatus int

const (
	RDepDone RDepStatus = iota
	RDepNeedsScheduling
	RDepAlreadyEvaluating
)

// NodeEntry is the Graph's per-key storage record. All
// operations on a single entry are serialized by mu; the Graph never
// exposes a NodeEntry's fields directly, only through these methods.
type NodeEntry struct {
	mu sync.Mutex

	key   Key
	state nodeState

	value Value // valid iff state == stateDone

	lastChangedVersion   Version
	lastEvaluatedVersion Version

	// directDeps is the compressed GroupedDependencies when done, or the
	// deps requested so far this build while evaluating.
	directDeps *GroupedDependencies

	reverseDeps reverseDepSet

	building *buildingState // non-nil iff state != stateDone

	keepEdges bool // policy flag, set at creation from the owning Graph
}

func newNodeEntry(key Key, keepEdges bool) *NodeEntry {
	return &NodeEntry{
		key:                  key,
		state:                stateNotStarted,
		lastChangedVersion:   MinimalVersion,
		lastEvaluatedVersion: MinimalVersion,
		keepEdges:            keepEdges,
	}
}

func (e *NodeEntry) Key() Key { return e.key }

// Status reports the node's current lifecycle stage.
func (e *NodeEntry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *NodeEntry) statusLocked() Status {
	switch {
	case e.state == stateDone:
		return StatusDone
	case e.state == stateNotStarted:
		return StatusNotStarted
	case e.building.dirty == nil:
		return StatusEvaluating
	case e.building.dirty.phase == dirtyPendingCheck:
		return StatusDirtyNeedsCheck
	default:
		return StatusDirtyRebuilding
	}
}

// Value returns the stored value. Callers must only call this when Status
// is StatusDone.
func (e *NodeEntry) Value() Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateDone {
		panic(invariantViolation(e.key, "Value() called on a non-done node"))
	}
	return e.value
}

// Versions returns the node's last-changed and last-evaluated versions
// (the former never exceeds the latter).
func (e *NodeEntry) Versions() (lastChanged, lastEvaluated Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastChangedVersion, e.lastEvaluatedVersion
}

// ReverseDeps returns a snapshot of the keys that requested this node.
func (e *NodeEntry) ReverseDeps() []Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reverseDeps.Snapshot()
}

// DirectDeps returns the node's compressed dependency groups. Only valid
// when Status is StatusDone.
func (e *NodeEntry) DirectDeps() *GroupedDependencies {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateDone {
		panic(invariantViolation(e.key, "DirectDeps() called on a non-done node"))
	}
	return e.directDeps
}

// AddReverseDepAndCheckIfDone registers rdep (if non-nil) as depending on
// this node and reports whether the node is already done, needs a runner
// task scheduled for the first time, or is already being evaluated.
func (e *NodeEntry) AddReverseDepAndCheckIfDone(rdep *Key) RDepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rdep != nil {
		if e.state != stateDone {
			if e.building.rdepsAddedThisBuild.Has(*rdep) {
				panic(invariantViolation(e.key, "reverse dep %s recorded twice in one build", *rdep))
			}
			e.building.rdepsAddedThisBuild.Add(*rdep)
		}
		e.reverseDeps.Add(*rdep)
	}

	switch e.state {
	case stateDone:
		return RDepDone
	case stateNotStarted:
		e.state = stateEvaluating
		e.building = newBuildingState()
		e.building.scheduled = true
		e.directDeps = NewGroupedDependencies()
		return RDepNeedsScheduling
	default:
		// A node marked dirty by the Invalidator is "evaluating" as far as
		// state is concerned, but inert until the first request of the new
		// build arrives. That request is the one that must schedule it.
		if !e.building.scheduled {
			e.building.scheduled = true
			return RDepNeedsScheduling
		}
		return RDepAlreadyEvaluating
	}
}

// DirectDepsContainsBuilding reports whether key is already a member of
// this node's (possibly still-building) direct deps, used by Environment
// to tell a genuinely-new dependency from one re-requested after a
// restart.
func (e *NodeEntry) DirectDepsContainsBuilding(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.directDeps == nil {
		return false
	}
	return e.directDeps.Contains(key)
}

// PriorDirectDeps returns the dependency groups this node resolved with as
// of its last completed build, while it's dirty and rebuilding and hasn't
// finalized a new value yet. Returns nil once done, or for a node that has
// never finished a build before. Callers must read this before the
// rebuild's SetValue finalizes, since finalizing clears the building state
// this is read from.
func (e *NodeEntry) PriorDirectDeps() *GroupedDependencies {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil || e.building.dirty == nil {
		return nil
	}
	return e.building.dirty.priorDeps
}

// RemoveReverseDep drops key from this node's reverse-dep set, used when a
// rebuild elsewhere stops requesting this node and must stop being
// notified of its future changes.
func (e *NodeEntry) RemoveReverseDep(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverseDeps.Remove(key)
}

// UnfinishedDeps returns the keys this node has requested so far (this
// build) that it doesn't yet have a complete picture of, for the
// Evaluator's cycle detector. A done node has none.
func (e *NodeEntry) UnfinishedDeps() []Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateDone || e.directDeps == nil {
		return nil
	}
	out := make([]Key, 0, len(e.directDeps.memberOf))
	for k := range e.directDeps.memberOf {
		out = append(out, k)
	}
	return out
}

// RequestGroup records a new group of deps the Function requested this
// step (fresh evaluation or rebuild) and makes them the keys to wait on.
func (e *NodeEntry) RequestGroup(keys []Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directDeps.AppendGroup(keys)
	pending := make(KeySet, len(keys))
	for _, k := range keys {
		pending.Add(k)
	}
	e.building.pendingDeps = pending
}

// AddSatisfiedGroup records a group of deps the Function requested and saw
// values for within a single invocation: every one was already done, so
// there is nothing to wait on and pendingDeps is untouched. Without this,
// a Function whose deps all resolve on its first Get calls would complete
// with no forward edges recorded at all.
func (e *NodeEntry) AddSatisfiedGroup(keys []Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateDone || e.directDeps == nil {
		return
	}
	e.directDeps.AppendGroup(keys)
}

// AbandonBuild discards the partial in-flight state a cancelled build left
// behind on this node. A dirty node keeps its dirty marking, with the
// group check restarted from the beginning; a node that never finished any
// build reverts to not-started. Committed (done) nodes are untouched. The
// scheduler sweeps this over the graph after its workers have exited, so
// no build is running concurrently.
func (e *NodeEntry) AbandonBuild() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateDone || e.building == nil {
		return
	}
	if !e.building.scheduled && len(e.building.pendingDeps) == 0 {
		return // inert dirty node, nothing was started
	}
	if d := e.building.dirty; d != nil {
		d.nextGroup = 0
		d.groupChanged = false
		if d.changed {
			d.phase = dirtyRebuilding
		} else {
			d.phase = dirtyPendingCheck
		}
		e.building = newBuildingState()
		e.building.dirty = d
		e.directDeps = NewGroupedDependencies()
	} else {
		e.building = nil
		e.directDeps = nil
		e.state = stateNotStarted
	}
}

// SignalDep records that dep (a requested dependency, discovered at
// childVersion) has completed, and reports whether this node is now ready
// to resume (all outstanding deps in the current step have signaled).
//
// A signal for a dep this node isn't currently waiting on is dropped: a
// reverse-dep edge from an earlier build can deliver a completion
// notification before (or without) this node ever re-requesting that dep
// in the current build, and acting on it would wake the node spuriously.
// If the node does re-request the dep later, the dep is done by then and
// the request path re-delivers the signal with the same version.
func (e *NodeEntry) SignalDep(dep Key, childVersion Version) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs := e.building
	if bs == nil || !bs.pendingDeps.Has(dep) {
		return false
	}
	delete(bs.pendingDeps, dep)
	changed := !childVersion.AtMost(e.lastEvaluatedVersion)
	if bs.dirty != nil && bs.dirty.phase == dirtyPendingCheck {
		if changed {
			bs.dirty.groupChanged = true
		}
	} else if changed {
		bs.anyChangedDep = true
	}
	return len(bs.pendingDeps) == 0
}

// NextDirtyStep advances the dirty-checking state machine. It must only be
// called while Status is StatusDirtyNeedsCheck.
func (e *NodeEntry) NextDirtyStep() (dirtyCheckResult, []Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs := e.building
	d := bs.dirty
	if d.changed || d.groupChanged {
		d.phase = dirtyRebuilding
		return dirtyCheckNeedsRebuild, nil
	}
	if d.priorDeps == nil {
		// No record of the last build's deps (keepEdges == false): nothing
		// to verify against, so the only safe answer is a full rebuild.
		d.phase = dirtyRebuilding
		return dirtyCheckNeedsRebuild, nil
	}
	if d.nextGroup >= d.priorDeps.NumGroups() {
		return dirtyCheckClean, nil
	}
	grp := d.priorDeps.Group(d.nextGroup)
	d.nextGroup++
	d.groupChanged = false
	keys := make([]Key, 0, len(grp))
	pending := make(KeySet, len(grp))
	for k := range grp {
		keys = append(keys, k)
		pending.Add(k)
	}
	bs.pendingDeps = pending
	return dirtyCheckNextGroup, keys
}

// SetValue finalizes a successful (or newly-failed-and-recorded-as-error)
// evaluation. Pre: the node is ready (all deps of the current step have
// signaled) and version is at or after both recorded versions.
func (e *NodeEntry) SetValue(value Value, version Version) ([]Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateDone {
		return nil, invariantViolation(e.key, "set_value called on an already-done node")
	}
	if !e.lastChangedVersion.AtMost(version) || !e.lastEvaluatedVersion.AtMost(version) {
		return nil, invariantViolation(e.key, "set_value called with version older than recorded versions")
	}
	bs := e.building
	if bs.dirty != nil && value.equal(bs.dirty.priorValue) {
		e.value = bs.dirty.priorValue // preserve reference identity across no-change rebuilds
	} else {
		e.value = value
		e.lastChangedVersion = version
	}
	e.lastEvaluatedVersion = version
	return e.finalizeLocked(), nil
}

// MarkDirty transitions a done node to dirty (NEEDS_CHECK or, if changed,
// straight to REBUILDING), or upgrades an already-dirty node from
// not-changed to changed. Returns the node's reverse deps (for the
// Invalidator to cascade into) the first time a node is freshly dirtied;
// returns nil on idempotent re-marking.
func (e *NodeEntry) MarkDirty(changed bool) ([]Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateDone:
		prior := e.value
		priorDeps := e.directDeps
		e.value = Value{}
		bs := newBuildingState()
		phase := dirtyPendingCheck
		if changed {
			phase = dirtyRebuilding
		}
		bs.dirty = &dirtyState{
			changed:    changed,
			phase:      phase,
			priorValue: prior,
			priorDeps:  priorDeps,
		}
		e.building = bs
		e.directDeps = NewGroupedDependencies()
		e.state = stateEvaluating
		return e.reverseDeps.Snapshot(), nil
	case stateEvaluating:
		if e.building.dirty == nil {
			// Already being freshly evaluated this build; dirtying it is a
			// no-op, its eventual SetValue will record the new version.
			return nil, nil
		}
		d := e.building.dirty
		if changed {
			if d.changed {
				return nil, invariantViolation(e.key, "marked changed twice in one invalidation pass")
			}
			d.changed = true
			d.phase = dirtyRebuilding
		}
		return nil, nil
	case stateNotStarted:
		// Never finished a build (or reverted by AbandonBuild): there is no
		// value to dirty.
		return nil, nil
	default:
		return nil, invariantViolation(e.key, "MarkDirty called in unknown state")
	}
}

// MarkClean finalizes a dirty-not-changed node whose every dep group
// compared equal, restoring the prior value and deps.
func (e *NodeEntry) MarkClean(version Version) ([]Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs := e.building
	if bs == nil || bs.dirty == nil {
		return nil, invariantViolation(e.key, "mark_clean called on a node that isn't dirty")
	}
	d := bs.dirty
	if d.changed {
		return nil, invariantViolation(e.key, "mark_clean called on a node marked changed")
	}
	if !e.lastEvaluatedVersion.AtMost(version) {
		return nil, invariantViolation(e.key, "mark_clean called with version older than last evaluated")
	}
	e.value = d.priorValue
	e.directDeps = d.priorDeps
	e.lastEvaluatedVersion = version
	return e.finalizeLocked(), nil
}

// ForceRebuild requests a full re-execution on the next build even if every
// dep group would otherwise compare equal.
func (e *NodeEntry) ForceRebuild() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.state == stateDone:
		prior := e.value
		priorDeps := e.directDeps
		e.value = Value{}
		bs := newBuildingState()
		bs.dirty = &dirtyState{changed: true, phase: dirtyRebuilding, priorValue: prior, priorDeps: priorDeps}
		e.building = bs
		e.directDeps = NewGroupedDependencies()
		e.state = stateEvaluating
	case e.building != nil && e.building.dirty != nil:
		e.building.dirty.changed = true
		e.building.dirty.phase = dirtyRebuilding
	}
}

// finalizeLocked commits the node to done: compresses direct_deps (unless
// keepEdges is false, in which case forward/reverse edges are dropped
// entirely), clears building state, and returns the reverse deps to
// signal.
func (e *NodeEntry) finalizeLocked() []Key {
	var rdeps []Key
	if e.keepEdges {
		if e.directDeps != nil {
			e.directDeps.Compress()
		}
		rdeps = e.reverseDeps.Snapshot()
	} else {
		e.directDeps = nil
		rdeps = e.reverseDeps.Snapshot()
		e.reverseDeps = reverseDepSet{}
	}
	e.state = stateDone
	e.building = nil
	return rdeps
}
