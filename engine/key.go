package engine

import "fmt"

// Key identifies one computation in the graph: a kind tag selecting the
// Function that knows how to compute it, plus an opaque payload that
// identifies which instance of that kind this is. Keys must be hashable,
// equatable and cheap to clone, so Payload is a plain string; callers with
// structured identities (e.g. a package name and architecture) are expected
// to encode them into the payload themselves (see buildhost for an example).
type Key struct {
	Kind    string
	Payload string
}

// NewKey constructs a Key. It is a thin convenience wrapper; Key is a plain
// comparable struct and can also be built as a literal.
func NewKey(kind, payload string) Key {
	return Key{Kind: kind, Payload: payload}
}

// IsZero reports whether k is the default/sentinel Key. The Graph rejects
// zero keys: every computation must have a real kind.
func (k Key) IsZero() bool {
	return k.Kind == ""
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Payload)
}

// KeySet is a small helper alias used throughout the evaluator for
// unordered collections of keys (dependency groups, reverse-dep snapshots).
type KeySet map[Key]struct{}

func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(k Key) { s[k] = struct{}{} }

func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

func (s KeySet) Slice() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
