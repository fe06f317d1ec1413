package engine_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/evalctl/evalctl/engine"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// parseRefs turns "kind:payload,kind:payload" into the corresponding Keys.
func parseRefs(payload string) []engine.Key {
	if payload == "" {
		return nil
	}
	var out []engine.Key
	for _, part := range strings.Split(payload, ",") {
		kv := strings.SplitN(part, ":", 2)
		out = append(out, engine.NewKey(kv[0], kv[1]))
	}
	return out
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("strconv.Atoi(%q): %v", s, err)
	}
	return n
}

// numFn ("num") returns its payload parsed as an int; it's a leaf.
func numFn(t *testing.T) engine.FunctionFunc {
	return func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		return engine.NewValue(mustAtoi(t, key.Payload)), nil
	}
}

// sumFn ("sum") requests every ref in its payload (kind:payload,...) as a
// single group and returns the sum of their int payloads.
func sumFn(t *testing.T) engine.FunctionFunc {
	return func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		refs := parseRefs(key.Payload)
		values, ok := env.GetGroup(refs)
		if !ok {
			return engine.Value{}, nil
		}
		total := 0
		for _, r := range refs {
			total += values[r].Payload().(int)
		}
		return engine.NewValue(total), nil
	}
}

// boomFn ("boom") always fails.
func boomFn() engine.FunctionFunc {
	return func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		return engine.Value{}, fmt.Errorf("boom: %s", key.Payload)
	}
}

// silentFn ("silent") requests one ref via Get and ignores its error,
// exercising the "silent taint" dep-error propagation rule.
func silentFn() engine.FunctionFunc {
	return func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		ref := parseRefs(key.Payload)[0]
		v, ok := env.Get(ref)
		if !ok {
			return engine.Value{}, nil
		}
		if v.IsError() {
			return engine.NewValue("recovered"), nil
		}
		return v, nil
	}
}

// throwsFn ("throws") requests one ref via GetOrThrow, propagating its
// error as its own.
func throwsFn() engine.FunctionFunc {
	return func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		ref := parseRefs(key.Payload)[0]
		v, err := env.GetOrThrow(ref)
		if err != nil {
			return engine.Value{}, err
		}
		if env.ValuesMissing() {
			return engine.Value{}, nil
		}
		return v, nil
	}
}

func TestEvaluateSumOfLeaves(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("num", numFn(t))
	reg.Register("sum", sumFn(t))

	root := engine.NewKey("sum", "num:1,num:2,num:3")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if got := result.Values[root].Payload().(int); got != 6 {
		t.Fatalf("sum = %d, want 6", got)
	}
}

func TestEvaluateDiamondSharesLeafEvaluation(t *testing.T) {
	var leafCalls int32
	reg := engine.NewFunctionRegistry()
	reg.Register("num", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		if key.Payload == "5" {
			atomic.AddInt32(&leafCalls, 1)
		}
		return engine.NewValue(mustAtoi(t, key.Payload)), nil
	}))
	reg.Register("sum", sumFn(t))

	left := engine.NewKey("sum", "num:5,num:1")
	right := engine.NewKey("sum", "num:5,num:3")

	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())
	result, err := evalr.Evaluate(context.Background(), []engine.Key{left, right}, engine.EvaluatorOptions{Version: 1, Parallelism: 4})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if got := result.Values[left].Payload().(int); got != 6 {
		t.Fatalf("left = %d, want 6", got)
	}
	if got := result.Values[right].Payload().(int); got != 8 {
		t.Fatalf("right = %d, want 8", got)
	}
	if got := atomic.LoadInt32(&leafCalls); got != 1 {
		t.Fatalf("num:5 evaluated %d times, want 1 (shared between both sums)", got)
	}
}

func TestEvaluateFailFastStopsAtFirstError(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("boom", boomFn())

	root := engine.NewKey("boom", "x")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	errInfo, ok := result.Errors[root]
	if !ok {
		t.Fatalf("expected root in Errors, got %+v", result)
	}
	if errInfo.Kind != engine.FunctionError {
		t.Fatalf("Kind = %v, want FunctionError", errInfo.Kind)
	}
}

func TestEvaluateSilentTaintBecomesDepError(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("boom", boomFn())
	reg.Register("silent", silentFn())

	root := engine.NewKey("silent", "boom:x")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	// KeepGoing: under fail-fast, boom's failure cancels the build before
	// the root is ever re-invoked to observe it.
	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1, KeepGoing: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure: dep's error was queried but never surfaced via get_or_throw")
	}
	if got := result.Errors[root].Kind; got != engine.DepError {
		t.Fatalf("Kind = %v, want DepError", got)
	}
}

func TestEvaluateGetOrThrowPropagatesDepError(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("boom", boomFn())
	reg.Register("throws", throwsFn())

	root := engine.NewKey("throws", "boom:x")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	// KeepGoing, for the same reason as in the silent-taint test above.
	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1, KeepGoing: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if got := result.Errors[root].Kind; got != engine.DepError {
		t.Fatalf("Kind = %v, want DepError", got)
	}
}

func TestEvaluateDetectsCycle(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("cyclic", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		other := "b"
		if key.Payload == "b" {
			other = "a"
		}
		_, ok := env.Get(engine.NewKey("cyclic", other))
		if !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue("unreachable"), nil
	}))

	root := engine.NewKey("cyclic", "a")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1, KeepGoing: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected a detected cycle to fail evaluation")
	}
	errInfo, ok := result.Errors[root]
	if !ok {
		t.Fatalf("expected root in Errors, got %+v", result)
	}
	if errInfo.Kind != engine.Cycle {
		t.Fatalf("Kind = %v, want Cycle", errInfo.Kind)
	}
	if errInfo.Cycle == nil || len(errInfo.Cycle.Keys) != 2 {
		t.Fatalf("Cycle = %+v, want 2 keys", errInfo.Cycle)
	}
}

// equalBox lets two distinct allocations compare equal by value, so a
// rebuild that reproduces the same logical result can be recognized as
// "unchanged" by Value.equal even though it's a fresh pointer.
type equalBox struct{ n int }

func (b *equalBox) EqualValue(other interface{}) bool {
	ob, ok := other.(*equalBox)
	return ok && ob.n == b.n
}

func TestInvalidateChangePruningSkipsParentRebuild(t *testing.T) {
	var leafCalls, sumCalls int32
	leafKey := engine.NewKey("eqleaf", "x")
	sumKey := engine.NewKey("eqsum", "x")

	reg := engine.NewFunctionRegistry()
	reg.Register("eqleaf", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(&leafCalls, 1)
		return engine.NewValue(&equalBox{n: 7}), nil
	}))
	reg.Register("eqsum", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(&sumCalls, 1)
		v, ok := env.Get(leafKey)
		if !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue(v.Payload().(*equalBox).n), nil
	}))

	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())
	ctx := context.Background()

	if _, err := evalr.Evaluate(ctx, []engine.Key{sumKey}, engine.EvaluatorOptions{Version: 1}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&leafCalls); got != 1 {
		t.Fatalf("leafCalls after first evaluate = %d, want 1", got)
	}
	// One suspended invocation (leaf missing) plus one restart.
	if got := atomic.LoadInt32(&sumCalls); got != 2 {
		t.Fatalf("sumCalls after first evaluate = %d, want 2", got)
	}

	inv := engine.NewInvalidator(g)
	if err := inv.Invalidate([]engine.Key{leafKey}, nil); err != nil {
		t.Fatal(err)
	}

	result, err := evalr.Evaluate(ctx, []engine.Key{sumKey}, engine.EvaluatorOptions{Version: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if got := atomic.LoadInt32(&leafCalls); got != 2 {
		t.Fatalf("leafCalls after second evaluate = %d, want 2 (leaf was marked changed)", got)
	}
	if got := atomic.LoadInt32(&sumCalls); got != 2 {
		t.Fatalf("sumCalls after second evaluate = %d, want still 2 (change-pruned: leaf's rebuilt value compared equal)", got)
	}
	if got := result.Values[sumKey].Payload().(int); got != 7 {
		t.Fatalf("sum value = %d, want 7", got)
	}
}

func TestInvalidateUnchangedSkipsEverything(t *testing.T) {
	var calls int32
	reg := engine.NewFunctionRegistry()
	reg.Register("num", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(&calls, 1)
		return engine.NewValue(mustAtoi(t, key.Payload)), nil
	}))
	reg.Register("sum", sumFn(t))

	root := engine.NewKey("sum", "num:1,num:2")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())
	ctx := context.Background()

	if _, err := evalr.Evaluate(ctx, []engine.Key{root}, engine.EvaluatorOptions{Version: 1}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls after first evaluate = %d, want 2", got)
	}

	// Mark the root dirty-but-not-changed (e.g. an upstream file touch that
	// didn't actually alter content); its leaves stay done and nothing
	// should re-run.
	inv := engine.NewInvalidator(g)
	if err := inv.Invalidate(nil, []engine.Key{root}); err != nil {
		t.Fatal(err)
	}

	result, err := evalr.Evaluate(ctx, []engine.Key{root}, engine.EvaluatorOptions{Version: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls after second evaluate = %d, want still 2 (nothing changed)", got)
	}
}

// TestEvaluateFailFastNonRootFailureStillReportsOverallFailure checks the
// Result.FirstError contract: a dependency's failure may cancel the build
// before the root's own frontier ever drains, so the root itself might
// never land in Result.Errors. The overall Success bit and FirstError must
// still reflect the failure.
func TestEvaluateFailFastNonRootFailureStillReportsOverallFailure(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("boom", boomFn())
	reg.Register("num", numFn(t))
	reg.Register("root2", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		refs := parseRefs(key.Payload)
		if _, ok := env.GetGroup(refs); !ok {
			return engine.Value{}, nil
		}
		// Deliberately ignores whether any of refs errored: if this ever
		// runs, the "silent taint" rule (tested elsewhere) still converts
		// it to a DepError. The point of this test is the case where it
		// never runs at all because keep_going=false cancelled first.
		return engine.NewValue("done"), nil
	}))

	root := engine.NewKey("root2", "boom:x,num:1")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected overall failure: one of the root's two deps failed")
	}
	if result.FirstError == nil {
		t.Fatal("expected Result.FirstError to be populated, whether or not the root itself resolved in time")
	}
}

// TestEvaluateFailFastNoInvocationStartsAfterErrorObserved checks that no
// Function invocation starts once the scheduler has observed an error
// under fail-fast. A single worker drains a FIFO queue, so once "boom" (the
// first dep requested) fails and cancels the run, none of the later,
// already-queued "gated" deps may ever be dispatched.
func TestEvaluateFailFastNoInvocationStartsAfterErrorObserved(t *testing.T) {
	var gatedCalls int32
	reg := engine.NewFunctionRegistry()
	reg.Register("boom", boomFn())
	reg.Register("gated", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(&gatedCalls, 1)
		return engine.NewValue("ran"), nil
	}))
	reg.Register("root3", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		refs := parseRefs(key.Payload)
		if _, ok := env.GetGroup(refs); !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue("done"), nil
	}))

	// requestDeps enqueues a new group's keys in request order, so with a
	// single worker draining a FIFO queue, "boom" is guaranteed to be
	// popped and fail before any "gated" key is ever popped.
	root := engine.NewKey("root3", "boom:x,gated:a,gated:b,gated:c")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1, Parallelism: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if got := atomic.LoadInt32(&gatedCalls); got != 0 {
		t.Fatalf("gated Functions invoked %d times, want 0: no invocation may start once the scheduler has observed boom's error", got)
	}
}

// TestRepeatedInvalidationRebuildsThroughRetainedEdges runs the
// invalidate-rebuild cycle twice over the same chain. The second round only
// works if the first rebuild kept the leaf -> parent reverse edge alive:
// dropping it would leave the parent permanently stale.
func TestRepeatedInvalidationRebuildsThroughRetainedEdges(t *testing.T) {
	var leafValue int32 = 10
	leafKey := engine.NewKey("vleaf", "l")
	plusKey := engine.NewKey("plus1", "l")

	reg := engine.NewFunctionRegistry()
	reg.Register("vleaf", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		return engine.NewValue(int(atomic.LoadInt32(&leafValue))), nil
	}))
	reg.Register("plus1", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		v, ok := env.Get(leafKey)
		if !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue(v.Payload().(int) + 1), nil
	}))

	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())
	inv := engine.NewInvalidator(g)
	ctx := context.Background()

	for i, want := range []int{11, 21, 31} {
		if i > 0 {
			atomic.StoreInt32(&leafValue, int32(i*10+10))
			if err := inv.Invalidate([]engine.Key{leafKey}, nil); err != nil {
				t.Fatal(err)
			}
		}
		result, err := evalr.Evaluate(ctx, []engine.Key{plusKey}, engine.EvaluatorOptions{Version: engine.Version(i + 1)})
		if err != nil {
			t.Fatal(err)
		}
		if !result.Success {
			t.Fatalf("round %d: expected success, errors: %v", i, result.Errors)
		}
		if got := result.Values[plusKey].Payload().(int); got != want {
			t.Fatalf("round %d: plus1 = %d, want %d", i, got, want)
		}
	}
}

// TestDepsSatisfiedOnFirstInvocationStillRecordEdges evaluates the leaf on
// its own first, so the parent's very first invocation sees every dep done
// and never suspends. The forward/reverse edges must be recorded anyway:
// a later invalidation of the leaf has to reach the parent.
func TestDepsSatisfiedOnFirstInvocationStillRecordEdges(t *testing.T) {
	var leafValue int32 = 1
	var parentCalls int32
	leafKey := engine.NewKey("vleaf2", "l")
	parentKey := engine.NewKey("wrap", "l")

	reg := engine.NewFunctionRegistry()
	reg.Register("vleaf2", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		return engine.NewValue(int(atomic.LoadInt32(&leafValue))), nil
	}))
	reg.Register("wrap", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(&parentCalls, 1)
		v, ok := env.Get(leafKey)
		if !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue(v.Payload().(int) * 100), nil
	}))

	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())
	ctx := context.Background()

	if _, err := evalr.Evaluate(ctx, []engine.Key{leafKey}, engine.EvaluatorOptions{Version: 1}); err != nil {
		t.Fatal(err)
	}
	result, err := evalr.Evaluate(ctx, []engine.Key{parentKey}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Values[parentKey].Payload().(int); got != 100 {
		t.Fatalf("wrap = %d, want 100", got)
	}
	if got := atomic.LoadInt32(&parentCalls); got != 1 {
		t.Fatalf("parentCalls = %d, want 1 (leaf was done before the parent ever ran)", got)
	}

	atomic.StoreInt32(&leafValue, 2)
	inv := engine.NewInvalidator(g)
	if err := inv.Invalidate([]engine.Key{leafKey}, nil); err != nil {
		t.Fatal(err)
	}
	result, err = evalr.Evaluate(ctx, []engine.Key{parentKey}, engine.EvaluatorOptions{Version: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Values[parentKey].Payload().(int); got != 200 {
		t.Fatalf("wrap after invalidation = %d, want 200: the leaf -> parent edge was lost", got)
	}
}

// TestEvaluateDetectsSelfLoop checks that a Function requesting its own key
// is reported as a one-key cycle rather than hanging or crashing.
func TestEvaluateDetectsSelfLoop(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("selfish", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		if _, ok := env.Get(key); !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue("unreachable"), nil
	}))

	root := engine.NewKey("selfish", "x")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1, KeepGoing: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected a self-loop to fail evaluation")
	}
	errInfo, ok := result.Errors[root]
	if !ok || errInfo.Kind != engine.Cycle {
		t.Fatalf("Errors[root] = %+v, want a Cycle error", errInfo)
	}
	if errInfo.Cycle == nil || len(errInfo.Cycle.Keys) != 1 {
		t.Fatalf("Cycle = %+v, want exactly the root key", errInfo.Cycle)
	}
}

// TestDirtyCheckOnlyReexecutesChangedSubgraph pins down the grouped
// re-request behavior end to end: top requests {x, y} as one group and {z}
// as a second. After invalidating y, only y's own Function and top's run
// again: x and z stay done and are never re-invoked, and top's rebuild
// reads all three without suspending.
func TestDirtyCheckOnlyReexecutesChangedSubgraph(t *testing.T) {
	calls := map[string]*int32{"x": new(int32), "y": new(int32), "z": new(int32)}
	values := map[string]*int32{"x": new(int32), "y": new(int32), "z": new(int32)}
	*values["x"], *values["y"], *values["z"] = 1, 2, 3

	var topCalls int32
	xKey, yKey, zKey := engine.NewKey("cell", "x"), engine.NewKey("cell", "y"), engine.NewKey("cell", "z")
	topKey := engine.NewKey("grouped", "t")

	reg := engine.NewFunctionRegistry()
	reg.Register("cell", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(calls[key.Payload], 1)
		return engine.NewValue(int(atomic.LoadInt32(values[key.Payload]))), nil
	}))
	reg.Register("grouped", engine.FunctionFunc(func(ctx context.Context, key engine.Key, env *engine.Environment) (engine.Value, error) {
		atomic.AddInt32(&topCalls, 1)
		xy, ok := env.GetGroup([]engine.Key{xKey, yKey})
		if !ok {
			return engine.Value{}, nil
		}
		z, ok := env.Get(zKey)
		if !ok {
			return engine.Value{}, nil
		}
		return engine.NewValue(xy[xKey].Payload().(int) + xy[yKey].Payload().(int) + z.Payload().(int)), nil
	}))

	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())
	ctx := context.Background()

	result, err := evalr.Evaluate(ctx, []engine.Key{topKey}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Values[topKey].Payload().(int); got != 6 {
		t.Fatalf("top = %d, want 6", got)
	}
	// Restart-by-re-invocation: one initial run plus one restart per
	// missing group.
	if got := atomic.LoadInt32(&topCalls); got != 3 {
		t.Fatalf("top invoked %d times in the fresh build, want 3", got)
	}

	atomic.StoreInt32(values["y"], 20)
	inv := engine.NewInvalidator(g)
	if err := inv.Invalidate([]engine.Key{yKey}, nil); err != nil {
		t.Fatal(err)
	}
	result, err = evalr.Evaluate(ctx, []engine.Key{topKey}, engine.EvaluatorOptions{Version: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Values[topKey].Payload().(int); got != 24 {
		t.Fatalf("top after invalidating y = %d, want 24", got)
	}
	if got := atomic.LoadInt32(calls["x"]); got != 1 {
		t.Fatalf("x invoked %d times, want 1 (clean dep is re-requested, not re-executed)", got)
	}
	if got := atomic.LoadInt32(calls["y"]); got != 2 {
		t.Fatalf("y invoked %d times, want 2", got)
	}
	if got := atomic.LoadInt32(calls["z"]); got != 1 {
		t.Fatalf("z invoked %d times, want 1", got)
	}
	// The rebuild completes in a single invocation: every dep it requests
	// is already done by the time the changed group check sends it back to
	// its Function.
	if got := atomic.LoadInt32(&topCalls); got != 4 {
		t.Fatalf("top invoked %d times across both builds, want 4", got)
	}
}

// TestEvaluateExternalCancellationReportsCancellation checks that a
// caller-cancelled context (not an error from any Function) is itself
// recorded as the build's FirstError, with Kind Cancellation, rather than
// silently reporting Success with an empty Result.
func TestEvaluateExternalCancellationReportsCancellation(t *testing.T) {
	reg := engine.NewFunctionRegistry()
	reg.Register("num", numFn(t))

	root := engine.NewKey("num", "1")
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Evaluate even starts

	result, err := evalr.Evaluate(ctx, []engine.Key{root}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure: the caller's context was already cancelled")
	}
	if result.FirstError == nil {
		t.Fatal("expected Result.FirstError to be populated")
	}
	if result.FirstError.Kind != engine.Cancellation {
		t.Fatalf("FirstError.Kind = %v, want Cancellation", result.FirstError.Kind)
	}
}
