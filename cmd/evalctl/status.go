package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"

	"github.com/evalctl/evalctl/engine"
)

// isTerminal reports whether stdout is a terminal, gating the live status
// board. go-isatty is the primary probe; the direct termios ioctl is the
// fallback for file descriptors it doesn't recognize.
var isTerminal = isatty.IsTerminal(os.Stdout.Fd()) || probeTermios()

func probeTermios() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}

// statusBoard prints a live-updating line per in-flight key while
// connected to a terminal, redrawing in place by moving the cursor back
// up over the previous frame. One line per key rather than per worker
// slot, since the engine doesn't expose worker indices to callers.
type statusBoard struct {
	mu      sync.Mutex
	active  map[engine.Key]time.Time
	lines   int
	lastAt  time.Time
	started int
	done    int
}

func newStatusBoard() *statusBoard {
	return &statusBoard{active: make(map[engine.Key]time.Time)}
}

func (b *statusBoard) onEvent(key engine.Key, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch status {
	case "starting":
		b.active[key] = time.Now()
		b.started++
	case "done":
		delete(b.active, key)
		b.done++
	}
	if !isTerminal {
		return
	}
	if time.Since(b.lastAt) < 100*time.Millisecond && len(b.active) > 0 {
		return // printing too frequently slows the program down
	}
	b.lastAt = time.Now()
	b.redrawLocked()
}

func (b *statusBoard) redrawLocked() {
	if b.lines > 0 {
		fmt.Printf("\033[%dA", b.lines)
	}
	lines := make([]string, 0, len(b.active)+1)
	lines = append(lines, fmt.Sprintf("%d started, %d done", b.started, b.done))
	for k, start := range b.active {
		lines = append(lines, fmt.Sprintf("  evaluating %s (%v)", k, time.Since(start).Round(time.Millisecond)))
	}
	maxLen := 0
	for _, l := range lines {
		if len(l) > maxLen {
			maxLen = len(l)
		}
	}
	for _, l := range lines {
		if diff := maxLen - len(l); diff > 0 {
			l += strings.Repeat(" ", diff)
		}
		fmt.Println(l)
	}
	b.lines = len(lines)
}

func (b *statusBoard) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isTerminal && b.lines > 0 {
		fmt.Printf("\033[%dA", b.lines)
	}
	fmt.Printf("%d started, %d done\n", b.started, b.done)
}
