// Package evalctl provides the process-lifecycle plumbing shared by the
// evalctl CLI and any other host embedding the engine package: an
// interruptible root context tied to SIGINT/SIGTERM, a registry of
// callbacks to run the moment an interrupt is observed, and ordered
// at-exit cleanup hooks (see atexit.go).
package evalctl

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var onInterrupt struct {
	sync.Mutex
	callbacks []func()
}

// RegisterOnInterrupt adds cb to the callbacks run, in registration order,
// the moment SIGINT/SIGTERM is first observed, before the context
// returned by InterruptibleContext is cancelled. This gives a caller
// driving an Evaluator a chance to report in-flight graph state (e.g.
// Graph.Len(), or which keys are still evaluating) before the Evaluator's
// workers start observing ctx.Done() and recording engine.Cancellation
// errors for whatever hadn't resolved yet.
func RegisterOnInterrupt(cb func()) {
	onInterrupt.Lock()
	defer onInterrupt.Unlock()
	onInterrupt.callbacks = append(onInterrupt.callbacks, cb)
}

// InterruptibleContext returns a context cancelled on the first
// SIGINT/SIGTERM. Before cancelling, it runs every callback registered via
// RegisterOnInterrupt, synchronously and in registration order, so they
// still observe graph state as of the moment of interruption. A second
// signal forces immediate process termination, in case a callback or an
// in-flight Function ignores the cancelled context and hangs.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		onInterrupt.Lock()
		cbs := append([]func(){}, onInterrupt.callbacks...)
		onInterrupt.Unlock()
		for _, cb := range cbs {
			cb()
		}
		cancel()
		<-sig
		os.Exit(1)
	}()
	return ctx, cancel
}
