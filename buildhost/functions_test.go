package buildhost_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evalctl/evalctl/buildhost"
	"github.com/evalctl/evalctl/engine"
)

func TestFileFunctionDigestsContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := buildhost.NewRegistry(nil, nil)
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, nil)

	key := buildhost.FileKey(path)
	result, err := evalr.Evaluate(context.Background(), []engine.Key{key}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	digest, ok := result.Values[key].Payload().(string)
	if !ok || digest == "" {
		t.Fatalf("expected a non-empty digest string, got %#v", result.Values[key].Payload())
	}
}

func TestExprFunctionConcatenatesRefsInOrder(t *testing.T) {
	exprs := map[string]buildhost.Expr{
		"hello":    {Literal: "hello"},
		"world":    {Literal: "world"},
		"greeting": {Refs: []engine.Key{buildhost.ExprKey("hello"), buildhost.ExprKey("world")}},
	}
	reg := buildhost.NewRegistry(exprs, nil)
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, nil)

	root := buildhost.ExprKey("greeting")
	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if got := result.Values[root].Payload().(string); got != "hello world" {
		t.Fatalf("greeting = %q, want %q", got, "hello world")
	}
}

func TestPackageFunctionDigestChangesWithDepContent(t *testing.T) {
	packages := map[string]buildhost.PackageDef{
		"libc": {Name: "libc", Content: "libc-1.0"},
		"app":  {Name: "app", Content: "app-0.1", Deps: []string{"libc"}},
	}
	reg := buildhost.NewRegistry(nil, packages)
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, nil)
	ctx := context.Background()

	appKey := buildhost.PackageKey("app")
	result, err := evalr.Evaluate(ctx, []engine.Key{appKey}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	firstDigest := result.Values[appKey].Payload().(string)

	packages["libc"] = buildhost.PackageDef{Name: "libc", Content: "libc-1.1"}
	reg2 := buildhost.NewRegistry(nil, packages)
	evalr2 := engine.NewEvaluator(g, reg2, nil)
	inv := engine.NewInvalidator(g)
	if err := inv.Invalidate([]engine.Key{buildhost.PackageKey("libc")}, nil); err != nil {
		t.Fatal(err)
	}
	result, err = evalr2.Evaluate(ctx, []engine.Key{appKey}, engine.EvaluatorOptions{Version: 2})
	if err != nil {
		t.Fatal(err)
	}
	secondDigest := result.Values[appKey].Payload().(string)
	if firstDigest == secondDigest {
		t.Fatal("expected app's digest to change when its dependency libc's content changed")
	}
}

func TestWriteBuildLogRoundTripsThroughGzip(t *testing.T) {
	reg := buildhost.NewRegistry(map[string]buildhost.Expr{"x": {Literal: "y"}}, nil)
	g := engine.NewGraph(true)
	evalr := engine.NewEvaluator(g, reg, nil)
	root := buildhost.ExprKey("x")
	result, err := evalr.Evaluate(context.Background(), []engine.Key{root}, engine.EvaluatorOptions{Version: 1})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "build.log.gz")
	if err := buildhost.WriteBuildLog(path, result); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected build log to exist: %v", err)
	}
}
