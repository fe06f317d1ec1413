// Command evalctl drives the engine package over a small demonstration
// build graph from the command line: run once, optionally
// invalidate/force-rebuild some packages, run again at a bumped version,
// and print what changed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/evalctl/evalctl"
	"github.com/evalctl/evalctl/buildhost"
	"github.com/evalctl/evalctl/engine"
	"github.com/evalctl/evalctl/internal/trace"
)

var (
	invalidateFlag = flag.String("invalidate", "", "comma-separated package names to mark changed before a second evaluation")
	rebuildFlag    = flag.String("rebuild", "", "comma-separated package names to force a full rebuild of, before a second evaluation")
	dumpFlag       = flag.Bool("dump", false, "print a read-only dump of every graph entry after evaluation")
	jobsFlag       = flag.Int("jobs", 4, "evaluator parallelism")
	keepGoingFlag  = flag.Bool("keep_going", false, "keep evaluating after an error instead of failing fast")
	buildLogFlag   = flag.String("build_log", buildhost.DefaultLogPath("build"), "path for the compressed build log of the initial evaluation; empty disables")
	traceFlag      = flag.String("trace", "", "if set, write a chrome://tracing-format event log under this prefix")
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flag.Parse()
	if *traceFlag != "" {
		if err := trace.Enable(*traceFlag); err != nil {
			return err
		}
		evalctl.RegisterAtExit(trace.Close)
	}

	ctx, cancel := evalctl.InterruptibleContext()
	defer cancel()
	defer evalctl.RunAtExit()

	packages := map[string]buildhost.PackageDef{
		"libc": {Name: "libc", Content: "libc-1.0"},
		"zlib": {Name: "zlib", Content: "zlib-1.2", Deps: []string{"libc"}},
		"app":  {Name: "app", Content: "app-0.1", Deps: []string{"libc", "zlib"}},
	}
	exprs := map[string]buildhost.Expr{
		"hello":    {Literal: "hello"},
		"world":    {Literal: "world"},
		"greeting": {Refs: []engine.Key{buildhost.ExprKey("hello"), buildhost.ExprKey("world")}},
	}
	registry := buildhost.NewRegistry(exprs, packages)
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, registry, log.Default())

	evalctl.RegisterOnInterrupt(func() {
		fmt.Fprintf(os.Stderr, "interrupted with %d graph entries\n", g.Len())
	})

	roots := []engine.Key{
		buildhost.PackageKey("app"),
		buildhost.ExprKey("greeting"),
	}

	result, err := evaluateOnce(ctx, evalr, roots, 1, *keepGoingFlag, *jobsFlag)
	if err != nil {
		return err
	}
	printResult("initial evaluation", result)

	if *buildLogFlag != "" {
		if err := buildhost.WriteBuildLog(*buildLogFlag, result); err != nil {
			return err
		}
	}

	if *invalidateFlag != "" || *rebuildFlag != "" {
		inv := engine.NewInvalidator(g)
		var changed, forced []engine.Key
		for _, name := range splitNonEmpty(*invalidateFlag) {
			changed = append(changed, buildhost.PackageKey(name))
		}
		for _, name := range splitNonEmpty(*rebuildFlag) {
			forced = append(forced, buildhost.PackageKey(name))
		}
		// Forced packages go through the Invalidator too, so their reverse
		// deps are dirtied and re-check (and so re-request) them.
		if len(changed) > 0 || len(forced) > 0 {
			if err := inv.Invalidate(changed, forced); err != nil {
				return err
			}
		}
		for _, k := range forced {
			if entry := g.Get(k); entry != nil {
				entry.ForceRebuild()
			}
		}
		result, err = evaluateOnce(ctx, evalr, roots, 2, *keepGoingFlag, *jobsFlag)
		if err != nil {
			return err
		}
		printResult("after invalidation", result)
	}

	if *dumpFlag {
		dumpGraph(g)
	}
	return nil
}

func evaluateOnce(ctx context.Context, evalr *engine.Evaluator, roots []engine.Key, version engine.Version, keepGoing bool, jobs int) (*engine.Result, error) {
	board := newStatusBoard()
	result, err := evalr.Evaluate(ctx, roots, engine.EvaluatorOptions{
		Parallelism: jobs,
		KeepGoing:   keepGoing,
		Version:     version,
		OnEvent:     board.onEvent,
	})
	board.finish()
	return result, err
}

func printResult(label string, result *engine.Result) {
	fmt.Printf("--- %s: success=%v ---\n", label, result.Success)
	keys := make([]engine.Key, 0, len(result.Values)+len(result.Errors))
	for k := range result.Values {
		keys = append(keys, k)
	}
	for k := range result.Errors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		if v, ok := result.Values[k]; ok {
			fmt.Printf("  %s = %v\n", k, v.Payload())
			continue
		}
		fmt.Printf("  %s FAILED: %v\n", k, result.Errors[k])
	}
	if result.FirstError != nil && len(result.Errors) == 0 {
		// Fail-fast: the build was cancelled before any root's frontier
		// drained, so there's nothing in Errors to print per-root.
		fmt.Printf("  (cancelled) first error: %v\n", result.FirstError)
	}
}

func dumpGraph(g *engine.Graph) {
	fmt.Println("--- graph dump ---")
	type row struct {
		key    engine.Key
		status engine.Status
	}
	var rows []row
	g.Snapshot(func(k engine.Key, e *engine.NodeEntry) {
		rows = append(rows, row{key: k, status: e.Status()})
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].key.String() < rows[j].key.String() })
	for _, r := range rows {
		fmt.Printf("  %-30s %s\n", r.key, r.status)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
