// Package tracefs wraps the low-level tracefs/debugfs plumbing the trace
// event consumer (component C2) and session controller (component C7) need:
// enabling and disabling individual tracepoints with prior-state capture so
// it can be restored, sizing the per-CPU ring buffer, toggling the global
// tracing_on switch, and opening trace_pipe for line-oriented scanning.
//
// The sysfs path-join-then-ReadFile/WriteFile idiom below follows the
// retrieved reference agent's readTracepointID, which resolves a
// tracepoint's kernel-assigned numeric ID the same way under
// /sys/kernel/debug/tracing/events/<group>/<name>/id.
package tracefs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FS represents a mounted tracefs (or debugfs-mounted tracing subtree),
// rooted at Dir — typically "/sys/kernel/debug/tracing" or
// "/sys/kernel/tracing".
type FS struct {
	Dir string
}

// New returns a handle rooted at dir. It does not verify the mount exists;
// that surfaces naturally on the first read or write.
func New(dir string) *FS {
	return &FS{Dir: dir}
}

func (fs *FS) eventEnablePath(group, name string) string {
	return filepath.Join(fs.Dir, "events", group, name, "enable")
}

// EventEnabled reports whether group/name is currently enabled.
func (fs *FS) EventEnabled(group, name string) (bool, error) {
	b, err := os.ReadFile(fs.eventEnablePath(group, name))
	if err != nil {
		return false, fmt.Errorf("tracefs: read enable state for %s:%s: %w", group, name, err)
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

// SetEventEnabled writes 1 or 0 to the named event's enable file.
func (fs *FS) SetEventEnabled(group, name string, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	path := fs.eventEnablePath(group, name)
	if err := os.WriteFile(path, []byte(val), 0644); err != nil {
		return fmt.Errorf("tracefs: write enable state for %s:%s: %w", group, name, err)
	}
	return nil
}

// EventToggle captures an event's enabled state so it can later be restored
// to exactly what it was before the session touched it (spec §4.2, §4.7:
// events must be left as found, not unconditionally disabled).
type EventToggle struct {
	fs           *FS
	group, name  string
	priorEnabled bool
}

// Enable records the event's current enabled state, then enables it.
// Restore puts it back exactly as found, whether that was on or off.
func (fs *FS) Enable(group, name string) (*EventToggle, error) {
	prior, err := fs.EventEnabled(group, name)
	if err != nil {
		return nil, err
	}
	if !prior {
		if err := fs.SetEventEnabled(group, name, true); err != nil {
			return nil, err
		}
	}
	return &EventToggle{fs: fs, group: group, name: name, priorEnabled: prior}, nil
}

// Restore returns the event to the enabled/disabled state captured by Enable.
func (t *EventToggle) Restore() error {
	return t.fs.SetEventEnabled(t.group, t.name, t.priorEnabled)
}

// bufferSizePath is the per-CPU ring buffer size control, in KiB.
func (fs *FS) bufferSizePath() string {
	return filepath.Join(fs.Dir, "buffer_size_kb")
}

// BufferSizeKB reads the current per-CPU ring buffer size, in KiB.
func (fs *FS) BufferSizeKB() (int, error) {
	b, err := os.ReadFile(fs.bufferSizePath())
	if err != nil {
		return 0, fmt.Errorf("tracefs: read buffer_size_kb: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("tracefs: parse buffer_size_kb %q: %w", string(b), err)
	}
	return n, nil
}

// SetBufferSizeKB sets the per-CPU ring buffer size, in KiB.
func (fs *FS) SetBufferSizeKB(kb int) error {
	if err := os.WriteFile(fs.bufferSizePath(), []byte(strconv.Itoa(kb)), 0644); err != nil {
		return fmt.Errorf("tracefs: write buffer_size_kb=%d: %w", kb, err)
	}
	return nil
}

// BufferSizeToggle captures the per-CPU buffer size so the session controller
// can restore it once tracing is done (spec §4.7 step: "restore ring buffer
// size").
type BufferSizeToggle struct {
	fs      *FS
	priorKB int
}

// SetBufferSizeKBTracked sets the buffer size to kb, returning a toggle that
// restores the previous size.
func (fs *FS) SetBufferSizeKBTracked(kb int) (*BufferSizeToggle, error) {
	prior, err := fs.BufferSizeKB()
	if err != nil {
		return nil, err
	}
	if err := fs.SetBufferSizeKB(kb); err != nil {
		return nil, err
	}
	return &BufferSizeToggle{fs: fs, priorKB: prior}, nil
}

// Restore puts the per-CPU buffer size back to what it was before Set.
func (t *BufferSizeToggle) Restore() error {
	return t.fs.SetBufferSizeKB(t.priorKB)
}

func (fs *FS) tracingOnPath() string {
	return filepath.Join(fs.Dir, "tracing_on")
}

// SetTracingOn toggles the master tracing_on switch.
func (fs *FS) SetTracingOn(on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	if err := os.WriteFile(fs.tracingOnPath(), []byte(val), 0644); err != nil {
		return fmt.Errorf("tracefs: write tracing_on=%s: %w", val, err)
	}
	return nil
}

// TracingOn reads the current state of the master tracing_on switch, so the
// session controller can restore it exactly after the observation window
// (spec §4.7 step 6).
func (fs *FS) TracingOn() (bool, error) {
	b, err := os.ReadFile(fs.tracingOnPath())
	if err != nil {
		return false, fmt.Errorf("tracefs: read tracing_on: %w", err)
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

// OpenTracePipe opens trace_pipe for line-oriented scanning of formatted
// trace events. Consumed as text (bufio.Scanner) rather than the binary
// trace_pipe_raw ring buffer, per the architectural decision recorded in
// SPEC_FULL.md §4: the wire format is a writer's concern, not this reader's.
func (fs *FS) OpenTracePipe() (*os.File, error) {
	path := filepath.Join(fs.Dir, "trace_pipe")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracefs: open trace_pipe: %w", err)
	}
	return f, nil
}

// OpenTraceFile opens the "trace" file: a persistent snapshot of the ring
// buffer's current contents that reads to EOF rather than blocking for more
// data, unlike trace_pipe. The session controller drains through this file
// after disabling tracing (spec §4.7 step 7 "drive C2 over the recorded
// events"), since the window has already closed and a bounded read is
// wanted, not a live tail.
func (fs *FS) OpenTraceFile() (*os.File, error) {
	path := filepath.Join(fs.Dir, "trace")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracefs: open trace: %w", err)
	}
	return f, nil
}

// LineScanner returns a bufio.Scanner over an already-open trace or
// trace_pipe file.
func LineScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}
