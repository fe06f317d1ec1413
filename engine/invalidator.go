package engine

// Invalidator walks the reverse-dep closure of a set of changed keys,
// marking every reachable node dirty. It holds no state of its
// own beyond the Graph it was built with, so one Invalidator can be reused
// across many invalidation passes.
type Invalidator struct {
	graph *Graph
}

func NewInvalidator(graph *Graph) *Invalidator {
	return &Invalidator{graph: graph}
}

type invalidationItem struct {
	key     Key
	changed bool
}

// Invalidate marks changed as freshly-changed-dirty and dirty as
// freshly-not-yet-known-dirty, then cascades mark_dirty(false) to every
// node reachable through reverse deps. A key present in both lists is
// treated as changed. Keys never evaluated are silently skipped: there is
// nothing to dirty.
func (inv *Invalidator) Invalidate(changed, dirty []Key) error {
	changedSet := NewKeySet(changed...)
	visited := make(KeySet)
	queue := make([]invalidationItem, 0, len(changed)+len(dirty))
	for _, k := range changed {
		queue = append(queue, invalidationItem{key: k, changed: true})
	}
	for _, k := range dirty {
		if changedSet.Has(k) {
			continue
		}
		queue = append(queue, invalidationItem{key: k})
	}

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if visited.Has(it.key) {
			continue
		}
		visited.Add(it.key)

		entry := inv.graph.Get(it.key)
		if entry == nil {
			continue
		}
		rdeps, err := entry.MarkDirty(it.changed)
		if err != nil {
			return err
		}
		for _, r := range rdeps {
			if !visited.Has(r) {
				queue = append(queue, invalidationItem{key: r})
			}
		}
	}
	return nil
}
