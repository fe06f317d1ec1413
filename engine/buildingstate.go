package engine

// dirtyPhase is the small state machine a dirty NodeEntry moves through.
// There is no separate not-yet-checking phase: dirtyPendingCheck covers
// both, since nextGroup already tracks whether checking has started. Nor
// is there a verified-clean phase: reaching it immediately calls
// mark_clean and the node becomes done.
type dirtyPhase int

const (
	dirtyPendingCheck dirtyPhase = iota
	dirtyRebuilding
)

// dirtyState is the bookkeeping for a node that was done and got marked
// dirty by the Invalidator. It's discarded (along with the rest of
// buildingState) once the node reaches done again.
type dirtyState struct {
	changed bool // true once upgraded via mark_dirty(true) or force_rebuild

	phase dirtyPhase

	priorValue Value                // restorable if verified clean
	priorDeps  *GroupedDependencies // compressed snapshot of the last build's direct deps

	nextGroup    int  // index of the next priorDeps group to check
	groupChanged bool // whether any dep in the group currently being checked reported a version change
}

// dirtyCheckResult is returned by NodeEntry.nextDirtyStep to tell the
// evaluator what to do next.
type dirtyCheckResult int

const (
	// dirtyCheckNextGroup: request the returned group's keys, then resume
	// this node once they've all signaled.
	dirtyCheckNextGroup dirtyCheckResult = iota
	// dirtyCheckClean: every prior group compared equal; the caller
	// finalizes the node via mark_clean.
	dirtyCheckClean
	// dirtyCheckNeedsRebuild: a checked group (or an initial changed=true
	// marking, or force_rebuild) means the node must be freshly evaluated.
	dirtyCheckNeedsRebuild
)

// buildingState is the transient per-build bookkeeping for a node that
// isn't done. It's created the moment a node starts being evaluated (or
// gets marked dirty) and discarded as soon as it reaches done.
type buildingState struct {
	// scheduled records whether a runner task has been created for this
	// node in the current build. A node marked dirty by the Invalidator
	// sits inert (no task, no pending deps) until the first request for it
	// arrives; that request observes scheduled == false and gets
	// NEEDS_SCHEDULING back, every later one gets ALREADY_EVALUATING.
	scheduled bool

	// pendingDeps holds the keys requested in the most recent step
	// (Function invocation or dirty-check group) that haven't yet signaled
	// completion. The node becomes ready to resume once this set empties.
	pendingDeps KeySet

	// anyChangedDep records whether any dep signaled in the current
	// fresh-evaluation step reported a version past this node's previous
	// last_evaluated_version. Functions don't currently consult this
	// directly, but it's kept for introspection/tests and future use by
	// Environment.
	anyChangedDep bool

	// rdepsAddedThisBuild guards against the same rdep being recorded
	// twice in one build: fails loudly.
	rdepsAddedThisBuild KeySet

	// dirty is non-nil iff this node arrived here via mark_dirty or
	// force_rebuild rather than being requested for the first time.
	dirty *dirtyState
}

func newBuildingState() *buildingState {
	return &buildingState{
		pendingDeps:         make(KeySet),
		rdepsAddedThisBuild: make(KeySet),
	}
}
