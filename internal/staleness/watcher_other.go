//go:build !linux

package staleness

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Watcher is a no-op stand-in on non-Linux platforms.
type Watcher struct{}

// NewWatcher always fails on non-Linux platforms: inotify is Linux-specific.
func NewWatcher(paths []string, logger *slog.Logger) (*Watcher, error) {
	return nil, fmt.Errorf("staleness: inotify watching is only supported on Linux (current platform: %s)", runtime.GOOS)
}

// Start is a no-op.
func (w *Watcher) Start() {}

// Stop is a no-op.
func (w *Watcher) Stop() {}

// Events returns a nil channel.
func (w *Watcher) Events() <-chan string { return nil }
