package engine

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrorKind classifies why a node's evaluation failed, per the taxonomy in
// the design (FunctionError, DepError, Cycle, Cancellation). It does not
// replace the underlying Go error (carried in ErrorInfo.Err); it exists so
// callers can branch on failure class without type-asserting.
type ErrorKind int

const (
	// FunctionError means the registered Function itself reported failure.
	FunctionError ErrorKind = iota
	// DepError means a requested dependency failed and the Function did
	// not observe/handle it via get_or_throw; the failure is attributed to
	// the requesting node.
	DepError
	// Cycle means a strongly-connected component (or self-loop) was found
	// among requested-but-unfinished nodes.
	Cycle
	// Cancellation means evaluation was aborted (fail-fast or external
	// interrupt) before this node could complete.
	Cancellation
)

func (k ErrorKind) String() string {
	switch k {
	case FunctionError:
		return "FunctionError"
	case DepError:
		return "DepError"
	case Cycle:
		return "Cycle"
	case Cancellation:
		return "Cancellation"
	default:
		return "Unknown"
	}
}

// CycleInfo records one detected cycle: the ordered set of keys in the
// strongly-connected component (or a single self-looped key).
type CycleInfo struct {
	Keys []Key
}

func (c *CycleInfo) String() string {
	s := "cycle:"
	for i, k := range c.Keys {
		if i > 0 {
			s += " -> "
		}
		s += k.String()
	}
	return s
}

// ErrorInfo is the first error recorded for a failed evaluation: the key
// whose Function actually failed (or detected the cycle), the cycle record
// if the failure is cycle-shaped, and the transitive set of keys whose own
// Functions failed (root causes), used to build DepError attribution for
// rdeps that never call get_or_throw.
type ErrorInfo struct {
	Kind        ErrorKind
	RootCause   Key
	Cycle       *CycleInfo
	RootCauses  KeySet // transitive failed keys, including RootCause
	Err         error  // the Function's reported error, for FunctionError
}

func (e *ErrorInfo) Error() string {
	switch e.Kind {
	case Cycle:
		return fmt.Sprintf("cycle detected at %s: %s", e.RootCause, e.Cycle)
	case Cancellation:
		return fmt.Sprintf("evaluation of %s cancelled", e.RootCause)
	case DepError:
		return fmt.Sprintf("%s: dependency failed (root cause %s)", e.RootCause, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.RootCause, e.Err)
	}
}

func newFunctionError(key Key, err error) *ErrorInfo {
	return &ErrorInfo{
		Kind:       FunctionError,
		RootCause:  key,
		RootCauses: NewKeySet(key),
		Err:        err,
	}
}

// asDepError re-attributes a dependency's ErrorInfo to a requesting node
// that did not observe it via get_or_throw ("the error silently
// taints the rdep"). The root-cause set is a copy of the dependency's,
// and the original RootCause/Cycle are preserved.
func asDepError(dep *ErrorInfo, requester Key) *ErrorInfo {
	causes := make(KeySet, len(dep.RootCauses)+1)
	for k := range dep.RootCauses {
		causes.Add(k)
	}
	return &ErrorInfo{
		Kind:       DepError,
		RootCause:  dep.RootCause,
		Cycle:      dep.Cycle,
		RootCauses: causes,
		Err:        xerrors.Errorf("dependency of %s failed: %w", requester, dep.Err),
	}
}

// InvariantViolation reports that the Engine detected its own bookkeeping
// is broken, e.g. a node marked "changed" twice in one invalidation pass,
// or set_value called on a node that isn't ready. Most NodeEntry methods
// return it; a few (Value, DirectDeps, AddReverseDepAndCheckIfDone) panic
// with it, and the Evaluator recovers such panics at the worker boundary
// and records them as build errors rather than killing the process.
type InvariantViolation struct {
	Key     Key
	Message string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("engine: invariant violation at %s: %s", e.Key, e.Message)
}

func invariantViolation(key Key, format string, args ...interface{}) error {
	return &InvariantViolation{Key: key, Message: fmt.Sprintf(format, args...)}
}
