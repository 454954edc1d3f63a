// Package postprocess implements post-processing (component C6): the
// ext block-group preload list, the physical-address block sort, and the
// (group, ino, path) path sort, applied only to rotational PackFiles.
package postprocess

import (
	"sort"

	"github.com/tracepackd/tracepackd/internal/extfs"
	"github.com/tracepackd/tracepackd/internal/packassembler"
)

// InodeGroupPreloadThreshold is the minimum number of inodes in a block
// group before that group is added to PackFile.Groups (spec §4.6).
const InodeGroupPreloadThreshold = 8

// SuperblockReader abstracts opening an ext superblock for a device, so
// callers can substitute a fake for non-ext devices in tests without
// touching a real block device node.
type SuperblockReader func(dev uint64) (*extfs.Superblock, error)

// Run applies block-group preload annotation, block sort, and path sort to
// pf. Callers gate this to rotational PackFiles only (spec §4.6 "Applied
// only when rotational is true").
func Run(pf *packassembler.PackFile, openSuperblock SuperblockReader) {
	annotateGroups(pf, openSuperblock)
	sortBlocks(pf)
	sortPaths(pf)
}

// annotateGroups attempts to open an ext superblock for pf.Dev. If it does
// not open (err != nil, including ErrNotExt), annotation is skipped
// silently: pf.Groups stays empty and every path's Group stays -1 (spec
// §4.6 "If the device is not ext, skip silently").
func annotateGroups(pf *packassembler.PackFile, openSuperblock SuperblockReader) {
	sb, err := openSuperblock(pf.Dev)
	if err != nil || sb == nil {
		return
	}

	numGroups := sb.NumGroups()
	if numGroups <= 0 {
		return
	}

	numInodes := make([]int, numGroups)
	for i := range pf.Paths {
		group := sb.GroupOfInode(pf.Paths[i].Ino)
		if group < 0 || group >= numGroups {
			continue
		}
		pf.Paths[i].Group = group
		numInodes[group]++
	}

	for group, count := range numInodes {
		if count > InodeGroupPreloadThreshold {
			pf.Groups = append(pf.Groups, group)
		}
	}
}

// sortBlocks stable-sorts pf.Blocks by ascending Physical (spec §4.6 "Block
// sort"). Zero-length open-only markers carry Physical == 0 and so sort to
// the front, which spec §4.6 notes is acceptable.
func sortBlocks(pf *packassembler.PackFile) {
	sort.SliceStable(pf.Blocks, func(i, j int) bool {
		return pf.Blocks[i].Physical < pf.Blocks[j].Physical
	})
}

// sortPaths sorts pf.Paths by (Group, Ino, Path) and rewrites every
// block's PathIdx to match the permutation (spec §4.6 "Path sort").
//
// The source's path_compar compared path_b's inode to itself
// (`path_b->ino > path_b->ino`), which is always false and so never
// distinguished two paths by inode at all. Spec §9 records this as a bug
// and directs implementations to compare path_a's inode against path_b's;
// that corrected comparison is what pathLess below implements.
func sortPaths(pf *packassembler.PackFile) {
	n := len(pf.Paths)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(i, j int) bool {
		return pathLess(pf.Paths[order[i]], pf.Paths[order[j]])
	})

	oldToNew := make([]uint32, n)
	newPaths := make([]packassembler.PackPath, n)
	for newIdx, oldIdx := range order {
		newPaths[newIdx] = pf.Paths[oldIdx]
		oldToNew[oldIdx] = uint32(newIdx)
	}
	pf.Paths = newPaths

	for i := range pf.Blocks {
		pf.Blocks[i].PathIdx = oldToNew[pf.Blocks[i].PathIdx]
	}
}

func pathLess(a, b packassembler.PackPath) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	if a.Ino != b.Ino {
		return a.Ino < b.Ino
	}
	return a.Path < b.Path
}
