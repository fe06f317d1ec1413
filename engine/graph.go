package engine

import "sync"

// shardCount is the number of independent locks the Graph's key-space is
// split across instead of one global mutex.
const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*NodeEntry
}

// Graph is the thread-safe key -> NodeEntry mapping. It never
// removes entries; eviction is out of scope for the core engine.
type Graph struct {
	shards    [shardCount]*shard
	keepEdges bool
}

// NewGraph constructs an empty Graph. keepEdges controls whether forward
// and reverse deps are retained once a node finalizes; when false they are
// discarded, trading debuggability (and the ability to invalidate or
// dirty-check the node later) for memory.
func NewGraph(keepEdges bool) *Graph {
	g := &Graph{keepEdges: keepEdges}
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[Key]*NodeEntry)}
	}
	return g
}

func (g *Graph) shardFor(k Key) *shard {
	return g.shards[fnv32(k)%uint32(shardCount)]
}

func fnv32(k Key) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for _, c := range k.Kind {
		h ^= uint32(c)
		h *= prime32
	}
	h ^= ':'
	h *= prime32
	for _, c := range k.Payload {
		h ^= uint32(c)
		h *= prime32
	}
	return h
}

// Get returns the entry for key, or nil if it doesn't exist yet.
func (g *Graph) Get(key Key) *NodeEntry {
	sh := g.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[key]
}

// CreateIfAbsent returns the canonical NodeEntry for each of keys,
// allocating any that aren't present yet. A key with an empty Kind
// (including the zero Key) is rejected: it is never valid.
func (g *Graph) CreateIfAbsent(keys []Key) (map[Key]*NodeEntry, error) {
	out := make(map[Key]*NodeEntry, len(keys))
	for _, k := range keys {
		e, err := g.CreateIfAbsentOne(k)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

// CreateIfAbsentOne is the single-key form of CreateIfAbsent.
func (g *Graph) CreateIfAbsentOne(key Key) (*NodeEntry, error) {
	if key.IsZero() {
		return nil, invariantViolation(key, "rejected zero-value key")
	}
	sh := g.shardFor(key)

	sh.mu.RLock()
	if e, ok := sh.entries[key]; ok {
		sh.mu.RUnlock()
		return e, nil
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return e, nil
	}
	e := newNodeEntry(key, g.keepEdges)
	sh.entries[key] = e
	return e, nil
}

// Snapshot is the introspection hook: it walks every entry currently in
// the graph, calling visit for each. Snapshot itself mutates nothing, and
// visit runs with no shard lock held, so it may call NodeEntry methods
// (the Evaluator's post-build AbandonBuild sweep goes through here).
func (g *Graph) Snapshot(visit func(Key, *NodeEntry)) {
	for _, sh := range g.shards {
		sh.mu.RLock()
		// Copy under the lock so visit can take as long as it likes without
		// holding the shard lock.
		entries := make(map[Key]*NodeEntry, len(sh.entries))
		for k, e := range sh.entries {
			entries[k] = e
		}
		sh.mu.RUnlock()
		for k, e := range entries {
			visit(k, e)
		}
	}
}

// Len returns the number of entries currently tracked.
func (g *Graph) Len() int {
	n := 0
	for _, sh := range g.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
