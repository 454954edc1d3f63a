// Package intersect implements the range intersector (component C5): a
// single pass over a PackFile's blocks that keeps only the bytes the
// kernel's filemap tracepoints actually reported as faulted in, using the
// per-inode accessed-range state the trace event consumer built up in
// internal/rangeindex.
package intersect

import (
	"github.com/tracepackd/tracepackd/internal/packassembler"
	"github.com/tracepackd/tracepackd/internal/rangeindex"
)

// InodeFinder is the lookup the range intersector needs from C1; satisfied
// by *rangeindex.Index.
type InodeFinder interface {
	FindInode(dev uint64, ino int64) (*rangeindex.Inode, bool)
}

// Run produces the refined block list for pf (spec §4.5). It is meant to be
// invoked once per PackFile after the drain, and only when the session
// observed records from all three filemap tracepoints — callers gate
// that decision (internal/session), since this package has no way to tell
// "no events occurred" apart from "no events were enabled".
func Run(pf *packassembler.PackFile, inodes InodeFinder) []packassembler.PackBlock {
	var out []packassembler.PackBlock

	var (
		currentPathIdx uint32
		haveCurrent    bool
		ranges         []rangeindex.Range
		mi             int
		pathHasInode   bool
	)

	for _, b := range pf.Blocks {
		if !haveCurrent || b.PathIdx != currentPathIdx {
			currentPathIdx = b.PathIdx
			haveCurrent = true

			ino := pf.Paths[currentPathIdx].Ino
			inode, ok := inodes.FindInode(pf.Dev, ino)
			if !ok {
				out = append(out, packassembler.PackBlock{PathIdx: currentPathIdx})
				pathHasInode = false
				continue
			}
			ranges = inode.Ranges
			mi = 0
			pathHasInode = true
		}

		if !pathHasInode {
			continue
		}

		brStart := b.Offset >> packassembler.PageShift
		brEnd := (b.Offset + b.Length) >> packassembler.PageShift

		for mi < len(ranges) && ranges[mi].End < brStart {
			mi++
		}

		for mi < len(ranges) && ranges[mi].Start <= brEnd {
			no := b.Offset
			if rangeStart := ranges[mi].Start << packassembler.PageShift; rangeStart > no {
				no = rangeStart
			}
			ne := b.Offset + b.Length
			if rangeEnd := ranges[mi].End << packassembler.PageShift; rangeEnd < ne {
				ne = rangeEnd
			}
			if ne > no {
				out = append(out, packassembler.PackBlock{
					PathIdx:  currentPathIdx,
					Offset:   no,
					Length:   ne - no,
					Physical: addPhysical(b.Physical, no-b.Offset),
				})
			}
			if ranges[mi].End > brEnd {
				break
			}
			mi++
		}
	}

	return out
}

// addPhysical offsets a block's physical address by delta, propagating
// "unknown" (-1) rather than producing a nonsensical physical address.
func addPhysical(physical, delta int64) int64 {
	if physical < 0 {
		return -1
	}
	return physical + delta
}
