package engine

// reverseDepSet holds the keys whose Functions requested this node, using
// a deferred-consolidation buffer: adds/removes are
// appended to a pending log and only folded into the canonical set lazily,
// turning a stream of O(N) set operations under the node's lock into
// amortized O(1) appends. Consolidation happens whenever the set is read,
// or once the pending log grows past consolidateThreshold.
//
// Callers must hold the owning NodeEntry's lock; reverseDepSet has no lock
// of its own.
type reverseDepSet struct {
	deps    KeySet
	pending []reverseDepEdit
}

type reverseDepEdit struct {
	key Key
	add bool
}

const consolidateThreshold = 8

func (r *reverseDepSet) Add(k Key) {
	r.pending = append(r.pending, reverseDepEdit{key: k, add: true})
	r.maybeConsolidate()
}

func (r *reverseDepSet) Remove(k Key) {
	r.pending = append(r.pending, reverseDepEdit{key: k, add: false})
	r.maybeConsolidate()
}

func (r *reverseDepSet) maybeConsolidate() {
	if len(r.pending) >= consolidateThreshold {
		r.consolidate()
	}
}

func (r *reverseDepSet) consolidate() {
	if len(r.pending) == 0 {
		return
	}
	if r.deps == nil {
		r.deps = make(KeySet, len(r.pending))
	}
	for _, e := range r.pending {
		if e.add {
			r.deps.Add(e.key)
		} else {
			delete(r.deps, e.key)
		}
	}
	r.pending = r.pending[:0]
}

// Snapshot consolidates and returns the current set of reverse deps (a
// fresh copy; the caller may mutate it freely).
func (r *reverseDepSet) Snapshot() []Key {
	r.consolidate()
	return r.deps.Slice()
}

func (r *reverseDepSet) Len() int {
	r.consolidate()
	return len(r.deps)
}
