// Stub implementation of Watcher for non-Linux platforms: the kernel
// process-event connector is Linux-specific.
//
//go:build !linux

package procfallback

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

// PathHandler receives the resolved exe path for every observed execve.
type PathHandler interface {
	HandlePath(path string) error
}

// Watcher is a no-op stand-in on non-Linux platforms.
type Watcher struct{}

// New constructs a Watcher.
func New(paths PathHandler, logger *slog.Logger) *Watcher {
	return &Watcher{}
}

// Start always returns an error on non-Linux platforms.
func (w *Watcher) Start(_ context.Context) error {
	return fmt.Errorf("procfallback: PROC_EVENT_EXEC is only supported on Linux (current platform: %s)", runtime.GOOS)
}

// Stop is a no-op on non-Linux platforms.
func (w *Watcher) Stop() {}
