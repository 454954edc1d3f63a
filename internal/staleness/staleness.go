// Package staleness flags files whose on-disk identity has moved or been
// replaced since something last trusted them. spec.md has no direct
// equivalent; its own design note in §9 ("global mutable state... reshape
// as session-scoped") implies a pack drifts stale as files move between
// boots, so each new session checks the previous pack's paths before
// trusting them for prefetch.
//
// CheckStale does an upfront inode comparison against a previously written
// pack, called once per device at the start of writePacks before a session
// overwrites that device's pack. Watcher generalizes the same
// replace/delete detection (adapted from the teacher's InotifyWatcher) into
// a live inotify watch; cmd/tracepack-dashboardd reuses it to notice when
// its on-disk JWT credential file is rotated out from under it.
package staleness

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tracepackd/tracepackd/internal/devid"
	"github.com/tracepackd/tracepackd/internal/packassembler"
)

// StalePath names one pack entry whose on-disk identity no longer matches
// what the pack recorded.
type StalePath struct {
	Path      string
	Reason    string
	RecordIno int64
	NowIno    int64
}

// CheckStale stats every path in pf and reports those whose current
// (dev, ino) no longer matches the PackPath recorded at build time: the
// path was deleted, or a new file now occupies it. It never mutates pf.
func CheckStale(pf *packassembler.PackFile) []StalePath {
	var stale []StalePath
	for _, p := range pf.Paths {
		var st unix.Stat_t
		if err := unix.Stat(p.Path, &st); err != nil {
			stale = append(stale, StalePath{Path: p.Path, Reason: "missing", RecordIno: p.Ino})
			continue
		}

		dev := devid.FromStatDev(unix.Major(st.Dev), unix.Minor(st.Dev))
		if dev != pf.Dev || int64(st.Ino) != p.Ino {
			stale = append(stale, StalePath{
				Path:      p.Path,
				Reason:    "inode changed",
				RecordIno: p.Ino,
				NowIno:    int64(st.Ino),
			})
		}
	}
	return stale
}

// ErrNoPaths is returned by NewWatcher when given an empty path set.
var ErrNoPaths = fmt.Errorf("staleness: no paths to watch")
