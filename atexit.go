package evalctl

import (
	"sync"
	"sync/atomic"
)

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit adds fn to the set of cleanup hooks RunAtExit invokes.
// Hooks run in reverse registration order (last registered, first run),
// the same unwinding order as deferred calls: a later hook often
// depends on state an earlier one set up (e.g. a trace sink opened after
// the directory it lives under).
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs every registered hook exactly once, in reverse
// registration order, stopping at (and returning) the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	atExit.Lock()
	fns := atExit.fns
	atExit.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			return err
		}
	}
	return nil
}
