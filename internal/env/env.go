// Package env captures details about the evalctl environment.
package env

import "os"

// CacheRoot is the root directory under which buildhost stores its
// compressed build logs (see buildhost.DefaultLogPath).
var CacheRoot = findCacheRoot()

func findCacheRoot() string {
	if v := os.Getenv("EVALCTL_CACHEROOT"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/.cache/evalctl")
}
