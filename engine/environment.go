package engine

// Environment is the per-invocation façade a Function uses to request
// dependencies and signal missing values. A fresh
// Environment is created for every invocation of a node's Function
// (including every restart), scoped to that one call.
type Environment struct {
	key     Key
	version Version
	graph   *Graph
	owner   *NodeEntry

	missing bool
	fatal   error

	newDeps KeySet // genuinely new deps requested this step, in request order
	order   []Key

	queried []queriedDep
}

type queriedDep struct {
	key   Key
	value Value
	done  bool
}

func newEnvironment(key Key, version Version, graph *Graph, owner *NodeEntry) *Environment {
	return &Environment{
		key:     key,
		version: version,
		graph:   graph,
		owner:   owner,
		newDeps: make(KeySet),
	}
}

// Version returns the build version this invocation is running at.
func (env *Environment) Version() Version { return env.version }

// ValuesMissing reports whether any get/get_group/get_or_throw call this
// invocation returned missing. The Evaluator checks this before looking at
// the invocation's returned Value or error at all: it's what distinguishes
// "the Function suspended" from "the Function computed a zero value".
func (env *Environment) ValuesMissing() bool { return env.missing }

// Get requests a single dependency. If it's already done (in this build),
// its Value is returned with ok=true. Otherwise ok is false, ValuesMissing
// becomes true, and key is recorded as requested.
func (env *Environment) Get(key Key) (Value, bool) {
	entry, err := env.graph.CreateIfAbsentOne(key)
	if err != nil {
		env.fatal = err
		return Value{}, false
	}
	if !env.owner.DirectDepsContainsBuilding(key) && !env.newDeps.Has(key) {
		env.newDeps.Add(key)
		env.order = append(env.order, key)
	}
	if entry.Status() == StatusDone {
		v := entry.Value()
		env.queried = append(env.queried, queriedDep{key: key, value: v, done: true})
		return v, true
	}
	env.missing = true
	env.queried = append(env.queried, queriedDep{key: key, done: false})
	return Value{}, false
}

// GetGroup requests a set of keys discovered together in one step. The
// returned map contains only the keys that were already done; ok reports
// whether every key in the group was done (i.e. nothing is missing).
func (env *Environment) GetGroup(keys []Key) (map[Key]Value, bool) {
	out := make(map[Key]Value, len(keys))
	allDone := true
	for _, k := range keys {
		v, ok := env.Get(k)
		if ok {
			out[k] = v
		} else {
			allDone = false
		}
	}
	return out, allDone
}

// GetOrThrow requests key and surfaces its failure as a Go error if it's
// done-but-errored, letting the Function propagate it by simply returning
// (Value{}, err) itself. Returns (Value{}, nil) when the dep is missing;
// callers must check ValuesMissing() before treating that as "no error".
func (env *Environment) GetOrThrow(key Key) (Value, error) {
	v, ok := env.Get(key)
	if !ok {
		return Value{}, nil
	}
	if v.IsError() {
		return Value{}, v.Err()
	}
	return v, nil
}

// newDepsInOrder returns the genuinely new deps requested this invocation,
// in the order first requested, for RequestGroup.
func (env *Environment) newDepsInOrder() []Key {
	out := make([]Key, 0, len(env.order))
	for _, k := range env.order {
		if env.newDeps.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// firstDepError implements the "silent taint" propagation rule: if the
// Function returned success without observing a dep's failure via
// GetOrThrow, any errored dep it did query still fails the node.
func (env *Environment) firstDepError() *ErrorInfo {
	for _, q := range env.queried {
		if q.done && q.value.IsError() {
			return q.value.Err()
		}
	}
	return nil
}
