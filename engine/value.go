package engine

// Equaler lets a Value payload define its own equality instead of falling
// back to Go's ==, which panics for uncomparable types (slices, maps,
// funcs). Payloads that are plain comparable types (strings, ints, pointers,
// small structs of comparable fields) don't need to implement this.
type Equaler interface {
	EqualValue(other interface{}) bool
}

// Value is the opaque result a NodeEntry stores: either a successful
// payload or an ErrorInfo, never both. The Engine's own identity check for
// "did this value change" is payload equality (==, or Equaler if provided);
// it never inspects the payload's contents otherwise.
type Value struct {
	payload interface{}
	err     *ErrorInfo
}

// NewValue wraps a successful payload.
func NewValue(payload interface{}) Value {
	return Value{payload: payload}
}

// NewErrorValue wraps a failed evaluation. err must be non-nil; the Engine
// never stores a Value with neither a payload nor an error.
func NewErrorValue(err *ErrorInfo) Value {
	if err == nil {
		panic("engine: NewErrorValue called with nil ErrorInfo")
	}
	return Value{err: err}
}

func (v Value) IsError() bool { return v.err != nil }

func (v Value) Payload() interface{} { return v.payload }

// Err returns the ErrorInfo, or nil if v is a successful value.
func (v Value) Err() *ErrorInfo { return v.err }

// IsZero reports whether v is the zero Value (neither payload nor error
// set). A done node's value is never zero; this is mainly useful to detect
// "no value yet" in Environment plumbing.
func (v Value) IsZero() bool { return v.payload == nil && v.err == nil }

// equal implements the Engine's value-identity check ("the Engine
// treats value identity as == equality"). Uncomparable payloads that don't
// implement Equaler are conservatively treated as always-changed, mirroring
// how a source interner would never intern two distinct uncomparable
// objects as identical.
func (v Value) equal(other Value) (eq bool) {
	if v.IsError() != other.IsError() {
		return false
	}
	if v.IsError() {
		// Errors are never considered equal to each other: a rebuild that
		// still fails is still a change worth re-reporting (and re-running
		// set_value's equality check over errors would require comparing
		// ErrorInfo contents, which isn't required here).
		return false
	}
	if v.payload == nil || other.payload == nil {
		return v.payload == other.payload
	}
	if e, ok := v.payload.(Equaler); ok {
		return e.EqualValue(other.payload)
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return v.payload == other.payload
}
