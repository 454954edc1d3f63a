// Package traceevents implements the trace event consumer (component C2):
// it scans ftrace's text trace_pipe format, recognizes the six tracepoints
// the session controller arms, and dispatches path events to a path handler
// and filemap events to a range recorder.
//
// Line scanning itself lives in internal/tracefs; this package only parses
// and dispatches already-read lines, keeping the text-format regex isolated
// from the sysfs plumbing.
package traceevents

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/tracepackd/tracepackd/internal/devid"
)

// Names of the six tracepoints this consumer recognizes (spec §4.2, §6).
const (
	EventDoSysOpen = "do_sys_open"
	EventOpenExec  = "open_exec"
	EventUselib    = "uselib" // optional

	EventMMFilemapFault    = "mm_filemap_fault"     // optional
	EventMMFilemapGetPages = "mm_filemap_get_pages" // optional
	EventMMFilemapMapPages = "mm_filemap_map_pages" // optional
)

// PathHandler receives raw path strings from fs:do_sys_open, fs:open_exec
// and fs:uselib records (component C3).
type PathHandler interface {
	HandlePath(path string) error
}

// RangeRecorder receives reconstructed accessed-range facts from filemap
// records (component C1's RecordAccess).
type RangeRecorder interface {
	RecordAccess(dev uint64, ino, firstIndex, lastIndex int64)
}

// Stats counts how many records of each optional event class were seen,
// letting the session controller decide whether §4.5's range intersector
// can run at all (it runs only when records of all three filemap events
// were seen — spec §4.5, §7 "optional trace event absent").
type Stats struct {
	PathEvents     int
	FilemapEvents  int
	UselibSeen     bool
	FaultSeen      bool
	GetPagesSeen   bool
	MapPagesSeen   bool
	UnrecognizedEvents int
}

// Consumer drains ftrace text lines and dispatches to a PathHandler and a
// RangeRecorder (spec §4.2). It is not safe for concurrent use; the session
// controller drives it single-threaded after tracing is disabled and the
// ring buffer is being drained (spec §5).
type Consumer struct {
	paths    PathHandler
	ranges   RangeRecorder
	Stats    Stats
}

// New constructs a Consumer dispatching path records to paths and filemap
// records to ranges.
func New(paths PathHandler, ranges RangeRecorder) *Consumer {
	return &Consumer{paths: paths, ranges: ranges}
}

// eventNamePattern extracts the tracepoint name from an ftrace text line,
// e.g. "          <idle>-0     [000] d.h.  1234.567: do_sys_open: filename=..."
// The name is the token between the last ": " before the field list and the
// preceding timestamp colon.
var eventNamePattern = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_]*):\s*(.*)$`)

// fieldPattern matches `key=value` or `key="quoted value"` tokens in the
// tail of a trace line.
var fieldPattern = regexp.MustCompile(`(\w+)=("(?:[^"\\]|\\.)*"|\S+)`)

// Run scans lines from sc until EOF or a scan error, dispatching each
// recognized event. It returns "continue" semantics internally (spec §7:
// per-record handlers never abort iteration on recoverable errors) — the
// only error Run returns is a scanner I/O failure.
func (c *Consumer) Run(sc *bufio.Scanner) error {
	for sc.Scan() {
		c.dispatchLine(sc.Text())
	}
	return sc.Err()
}

func (c *Consumer) dispatchLine(line string) {
	m := eventNamePattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	name, tail := m[1], m[2]
	fields := parseFields(tail)

	switch name {
	case EventDoSysOpen, EventOpenExec, EventUselib:
		c.Stats.PathEvents++
		if name == EventUselib {
			c.Stats.UselibSeen = true
		}
		path := unquote(fields["filename"])
		if path == "" {
			return
		}
		_ = c.paths.HandlePath(path) // per-item errors are warnings, not fatal (spec §7)

	case EventMMFilemapFault, EventMMFilemapGetPages, EventMMFilemapMapPages:
		c.Stats.FilemapEvents++
		switch name {
		case EventMMFilemapFault:
			c.Stats.FaultSeen = true
		case EventMMFilemapGetPages:
			c.Stats.GetPagesSeen = true
		case EventMMFilemapMapPages:
			c.Stats.MapPagesSeen = true
		}
		c.dispatchFilemap(fields)

	default:
		c.Stats.UnrecognizedEvents++
	}
}

func (c *Consumer) dispatchFilemap(fields map[string]string) {
	ino, ok := parseInt64(fields["i_ino"])
	if !ok {
		return
	}
	sDev, ok := parseUint64(fields["s_dev"])
	if !ok {
		return
	}
	index, ok := parseInt64(fields["index"])
	if !ok {
		return
	}
	lastIndex, ok := parseInt64(fields["last_index"])
	if !ok {
		lastIndex = index // absent on fault (spec §4.2)
	}

	dev := devid.FromRawSDev(sDev)
	c.ranges.RecordAccess(dev, ino, index, lastIndex)
}

func parseFields(tail string) map[string]string {
	out := make(map[string]string)
	for _, m := range fieldPattern.FindAllStringSubmatch(tail, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `\"`, `"`)
}

func parseInt64(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseUint64(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
