package buildhost

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"

	"github.com/evalctl/evalctl/engine"
	"github.com/evalctl/evalctl/internal/env"
)

// DefaultLogPath returns where the build log named name lands when the
// caller doesn't pick a path: under the cache root, which the
// EVALCTL_CACHEROOT environment variable overrides.
func DefaultLogPath(name string) string {
	return filepath.Join(env.CacheRoot, "logs", name+".log.gz")
}

// WriteBuildLog renders result as a gzip-compressed, deterministically
// ordered text log and writes it to path, atomically (a crash or
// concurrent reader never observes a partial file).
func WriteBuildLog(path string, result *engine.Result) error {
	var buf bytes.Buffer
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
			fmt.Fprintf(&buf, "OK   %s = %v\n", k, v.Payload())
			continue
		}
		fmt.Fprintf(&buf, "FAIL %s: %v\n", k, result.Errors[k])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	zw := pgzip.NewWriter(out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
