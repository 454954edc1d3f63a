// Package pathhandler implements the path handler (component C3): it
// normalizes, filters, deduplicates, stats and opens each raw path string
// the trace event consumer hands it, then registers the file with the pack
// assembler.
package pathhandler

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tracepackd/tracepackd/internal/devid"
	"github.com/tracepackd/tracepackd/internal/packassembler"
)

// DefaultPackPathMax bounds stored path length when the caller does not
// override it. The writer owns the real constant (spec §6); this default
// matches Linux's PATH_MAX.
const DefaultPackPathMax = 4096

var ignoredPrefixes = []string{
	"/proc/", "/sys/", "/dev/", "/tmp/",
	"/run/", "/var/run/", "/var/log/", "/var/lock/",
}

// PrefixRewrite rewrites a path under prefix back to its canonical form
// when the rewritten path's device matches ExpectedStDev (spec §4.3 step 4).
type PrefixRewrite struct {
	Prefix        string
	ExpectedStDev uint64
}

// DeviceFilter restricts which devices the path handler tracks. An empty
// filter (both lists nil) tracks every device. When Allow is non-empty,
// only devices in Allow are tracked; Deny always takes precedence over
// Allow for a device present in both.
type DeviceFilter struct {
	Allow []uint64
	Deny  []uint64
}

func (f *DeviceFilter) permits(dev uint64) bool {
	if f == nil {
		return true
	}
	for _, d := range f.Deny {
		if d == dev {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, d := range f.Allow {
		if d == dev {
			return true
		}
	}
	return false
}

// Config holds the path handler's optional, user-supplied filters.
type Config struct {
	PathPrefixFilter string
	PrefixRewrite    *PrefixRewrite
	PackPathMax      int
	DeviceFilter     *DeviceFilter
}

// DecisionRecorder observes every accept/reject decision the handler makes,
// letting a caller persist them to an audit trail (internal/decisionlog).
type DecisionRecorder interface {
	RecordDecision(path string, accepted bool, reason string)
}

type inodeKey struct {
	dev uint64
	ino int64
}

// Handler is session-scoped state for the path handler: the path-dedup and
// inode-dedup sets that spec §9 says were process-wide globals in the
// source, reshaped here as state owned by one Handler per trace session.
type Handler struct {
	cfg        Config
	assembler  *packassembler.Assembler
	seenPaths  map[string]struct{}
	seenInodes map[inodeKey]struct{}
	decisions  DecisionRecorder
}

// New constructs a Handler for one trace session. decisions may be nil.
func New(cfg Config, assembler *packassembler.Assembler, decisions DecisionRecorder) *Handler {
	if cfg.PackPathMax == 0 {
		cfg.PackPathMax = DefaultPackPathMax
	}
	return &Handler{
		cfg:        cfg,
		assembler:  assembler,
		seenPaths:  make(map[string]struct{}),
		seenInodes: make(map[inodeKey]struct{}),
		decisions:  decisions,
	}
}

func (h *Handler) record(path string, accepted bool, reason string) {
	if h.decisions != nil {
		h.decisions.RecordDecision(path, accepted, reason)
	}
}

// HandlePath runs the ten-step procedure of spec §4.3 over a raw path
// string from a trace record.
func (h *Handler) HandlePath(raw string) error {
	norm := Normalize(raw)

	if !strings.HasPrefix(norm, "/") {
		h.record(raw, false, "not absolute")
		return nil
	}
	if matchesIgnoredPrefix(norm) {
		h.record(norm, false, "ignored prefix")
		return nil
	}
	if len(norm) > h.cfg.PackPathMax {
		h.record(norm, false, "path too long")
		return nil
	}

	if h.cfg.PathPrefixFilter != "" && !strings.HasPrefix(norm, h.cfg.PathPrefixFilter) {
		h.record(norm, false, "filtered by prefix")
		return nil
	}

	if rw := h.cfg.PrefixRewrite; rw != nil {
		rewritten := rw.Prefix + norm
		if st, err := os.Lstat(rewritten); err == nil {
			if dev, ok := statDev(st); ok && dev == rw.ExpectedStDev {
				norm = rewritten
			}
		}
	}

	if _, seen := h.seenPaths[norm]; seen {
		h.record(norm, false, "duplicate path")
		return nil
	}
	h.seenPaths[norm] = struct{}{}

	lst, err := os.Lstat(norm)
	if err != nil {
		h.record(norm, false, "lstat failed")
		return fmt.Errorf("pathhandler: lstat %s: %w", norm, err)
	}
	if lst.Mode()&os.ModeSymlink != 0 {
		h.record(norm, false, "symlink")
		return nil
	}
	if !lst.Mode().IsRegular() {
		h.record(norm, false, "not regular")
		return nil
	}

	f, err := openNoAtime(norm)
	if err != nil {
		h.record(norm, false, "open failed")
		return fmt.Errorf("pathhandler: open %s: %w", norm, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		h.record(norm, false, "fstat failed")
		return fmt.Errorf("pathhandler: fstat %s: %w", norm, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		h.record(norm, false, "not regular after open")
		return nil
	}

	dev, ino, ok := fileDevIno(fi)
	if !ok {
		f.Close()
		h.record(norm, false, "no stat_t available")
		return nil
	}
	if !h.cfg.DeviceFilter.permits(dev) {
		f.Close()
		h.record(norm, false, "filtered by device")
		return nil
	}

	pf := h.assembler.GetOrCreate(dev)
	idx := pf.AddPath(norm, ino)

	key := inodeKey{dev: dev, ino: ino}
	if _, seen := h.seenInodes[key]; seen {
		f.Close()
		h.record(norm, true, "accepted path, inode already scanned")
		return nil
	}
	h.seenInodes[key] = struct{}{}

	if fi.Size() == 0 {
		f.Close()
		h.record(norm, true, "accepted, empty file")
		return nil
	}
	defer f.Close()

	if err := pf.ScanChunks(f, idx); err != nil {
		h.record(norm, true, "accepted, chunk scan failed")
		return fmt.Errorf("pathhandler: scan chunks for %s: %w", norm, err)
	}
	h.record(norm, true, "accepted")
	return nil
}

// Normalize collapses "//", "/./" and "/../" components (the last popping
// one path component, bounded at the string start) and strips a trailing
// "/" except for root. It is idempotent: Normalize(Normalize(p)) ==
// Normalize(p) (spec §8 invariant 5).
func Normalize(p string) string {
	if p == "" {
		return p
	}
	abs := strings.HasPrefix(p, "/")

	var stack []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}

	joined := strings.Join(stack, "/")
	if abs {
		return "/" + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}

func matchesIgnoredPrefix(p string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// openNoAtime opens path read-only with O_NOATIME where supported (spec
// §4.3 step 6), falling back to a plain read-only open when O_NOATIME is
// rejected (unprivileged opens of files the caller does not own return
// EPERM for O_NOATIME on Linux).
func openNoAtime(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOATIME, 0)
	if err == nil {
		return os.NewFile(uintptr(fd), path), nil
	}
	return os.OpenFile(path, os.O_RDONLY, 0)
}

func statDev(fi os.FileInfo) (uint64, bool) {
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return 0, false
	}
	return devid.FromStatDev(unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev))), true
}

func fileDevIno(fi os.FileInfo) (dev uint64, ino int64, ok bool) {
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return 0, 0, false
	}
	dev = devid.FromStatDev(unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev)))
	return dev, int64(st.Ino), true
}
