package engine

import "strconv"

// DepGroup is an unordered set of keys discovered together, in one step of
// a Function's evaluation.
type DepGroup = KeySet

// GroupedDependencies is the ordered sequence of dependency groups a node
// has requested. Ordering across groups is significant: it's the order in
// which the Function asked for them, and dirty-checking re-requests groups
// in that same order. Ordering within a group is not
// significant.
type GroupedDependencies struct {
	groups     []DepGroup
	memberOf   map[Key]int // key -> index into groups, for duplicate detection
	compressed bool
}

// NewGroupedDependencies returns an empty sequence.
func NewGroupedDependencies() *GroupedDependencies {
	return &GroupedDependencies{memberOf: make(map[Key]int)}
}

// AppendSingle adds a new group containing just k.
func (g *GroupedDependencies) AppendSingle(k Key) {
	g.AppendGroup([]Key{k})
}

// AppendGroup adds a new group containing keys, discovered together in one
// Function step. Panics if any key already appears in an earlier group of
// this node (invariant: "no duplicates across groups of the same node").
func (g *GroupedDependencies) AppendGroup(keys []Key) {
	if len(keys) == 0 {
		return
	}
	idx := len(g.groups)
	group := make(DepGroup, len(keys))
	for _, k := range keys {
		if prev, ok := g.memberOf[k]; ok {
			panic("engine: dependency " + k.String() + " requested in group " +
				strconv.Itoa(prev) + " and again in group " + strconv.Itoa(idx))
		}
		group.Add(k)
		g.memberOf[k] = idx
	}
	g.groups = append(g.groups, group)
	g.compressed = false
}

// Remove deletes keys from whichever groups contain them. The scheduler
// uses this on a clone of a rebuilt node's prior deps to compute which
// dependencies the rebuild no longer requests, so their reverse-dep edges
// can be dropped.
func (g *GroupedDependencies) Remove(keys KeySet) {
	for k := range keys {
		idx, ok := g.memberOf[k]
		if !ok {
			continue
		}
		delete(g.groups[idx], k)
		delete(g.memberOf, k)
	}
}

// Compress drops now-empty groups left behind by Remove and marks the
// sequence as finalized (read-only) storage, matching a done node's
// compressed direct_deps.
func (g *GroupedDependencies) Compress() {
	out := g.groups[:0]
	for _, grp := range g.groups {
		if len(grp) > 0 {
			for k := range grp {
				g.memberOf[k] = len(out)
			}
			out = append(out, grp)
		}
	}
	g.groups = out
	g.compressed = true
}

// NumGroups returns the number of groups, in request order.
func (g *GroupedDependencies) NumGroups() int { return len(g.groups) }

// Group returns the i'th group, in request order.
func (g *GroupedDependencies) Group(i int) DepGroup { return g.groups[i] }

// Groups returns all groups in request order. Callers must not mutate the
// returned slice or its element sets.
func (g *GroupedDependencies) Groups() []DepGroup { return g.groups }

// Contains reports whether k appears in any group.
func (g *GroupedDependencies) Contains(k Key) bool {
	_, ok := g.memberOf[k]
	return ok
}

// Len returns the total number of distinct keys across all groups.
func (g *GroupedDependencies) Len() int { return len(g.memberOf) }

// Clone returns a deep-enough copy suitable for a dirty node's prior
// direct_deps snapshot (mutating the clone never affects g).
func (g *GroupedDependencies) Clone() *GroupedDependencies {
	clone := &GroupedDependencies{
		groups:     make([]DepGroup, len(g.groups)),
		memberOf:   make(map[Key]int, len(g.memberOf)),
		compressed: g.compressed,
	}
	for i, grp := range g.groups {
		ng := make(DepGroup, len(grp))
		for k := range grp {
			ng.Add(k)
		}
		clone.groups[i] = ng
	}
	for k, idx := range g.memberOf {
		clone.memberOf[k] = idx
	}
	return clone
}
