package postprocess_test

import (
	"errors"
	"testing"

	"github.com/tracepackd/tracepackd/internal/extfs"
	"github.com/tracepackd/tracepackd/internal/packassembler"
	"github.com/tracepackd/tracepackd/internal/postprocess"
)

func notExt(dev uint64) (*extfs.Superblock, error) {
	return nil, extfs.ErrNotExt
}

// Invariant 4: after the path sort, paths is ordered by (group, ino, path).
func TestRun_PathSortOrdersByGroupInoPath(t *testing.T) {
	pf := &packassembler.PackFile{
		Dev:        1,
		Rotational: true,
		Paths: []packassembler.PackPath{
			{Path: "/z", Ino: 5, Group: 1},
			{Path: "/a", Ino: 2, Group: 0},
			{Path: "/b", Ino: 1, Group: 0},
			{Path: "/c", Ino: 2, Group: 0},
		},
		Blocks: []packassembler.PackBlock{
			{PathIdx: 0, Offset: 0, Length: 10, Physical: 500},
			{PathIdx: 1, Offset: 0, Length: 10, Physical: 100},
			{PathIdx: 2, Offset: 0, Length: 10, Physical: 300},
			{PathIdx: 3, Offset: 0, Length: 10, Physical: 200},
		},
	}

	postprocess.Run(pf, notExt)

	wantOrder := []string{"/b", "/a", "/c", "/z"}
	for i, want := range wantOrder {
		if pf.Paths[i].Path != want {
			t.Fatalf("Paths[%d] = %q, want %q (full order: %+v)", i, pf.Paths[i].Path, want, pf.Paths)
		}
	}

	// Invariant 2: every block.pathidx remains a valid index after sorting.
	for _, b := range pf.Blocks {
		if int(b.PathIdx) >= len(pf.Paths) {
			t.Fatalf("block PathIdx %d out of range after sort (len=%d)", b.PathIdx, len(pf.Paths))
		}
	}
}

func TestRun_BlockSortAscendingPhysical(t *testing.T) {
	pf := &packassembler.PackFile{
		Dev:        1,
		Rotational: true,
		Paths:      []packassembler.PackPath{{Path: "/a", Ino: 1, Group: -1}},
		Blocks: []packassembler.PackBlock{
			{PathIdx: 0, Physical: 300},
			{PathIdx: 0, Physical: 100},
			{PathIdx: 0, Physical: 0},
			{PathIdx: 0, Physical: 200},
		},
	}

	postprocess.Run(pf, notExt)

	want := []int64{0, 100, 200, 300}
	for i, w := range want {
		if pf.Blocks[i].Physical != w {
			t.Fatalf("Blocks[%d].Physical = %d, want %d", i, pf.Blocks[i].Physical, w)
		}
	}
}

func TestRun_SkipsAnnotationWhenNotExt(t *testing.T) {
	pf := &packassembler.PackFile{
		Dev:        1,
		Rotational: true,
		Paths:      []packassembler.PackPath{{Path: "/a", Ino: 1, Group: -1}},
	}

	postprocess.Run(pf, notExt)

	if len(pf.Groups) != 0 {
		t.Fatalf("Groups = %+v, want empty for a non-ext device", pf.Groups)
	}
	if pf.Paths[0].Group != -1 {
		t.Fatalf("Paths[0].Group = %d, want -1 for a non-ext device", pf.Paths[0].Group)
	}
}

func TestRun_AnnotatesGroupsAboveThreshold(t *testing.T) {
	sb := &extfs.Superblock{BlocksCount: 100, BlocksPerGroup: 50, InodesPerGroup: 10}
	opener := func(dev uint64) (*extfs.Superblock, error) { return sb, nil }

	var paths []packassembler.PackPath
	// 9 inodes in group 0 (inodes 1..9, threshold is >8 so this qualifies),
	// 3 inodes in group 1 (inodes 11..13, below threshold).
	for ino := int64(1); ino <= 9; ino++ {
		paths = append(paths, packassembler.PackPath{Path: "/g0", Ino: ino, Group: -1})
	}
	for ino := int64(11); ino <= 13; ino++ {
		paths = append(paths, packassembler.PackPath{Path: "/g1", Ino: ino, Group: -1})
	}

	pf := &packassembler.PackFile{Dev: 1, Rotational: true, Paths: paths}
	postprocess.Run(pf, opener)

	if len(pf.Groups) != 1 || pf.Groups[0] != 0 {
		t.Fatalf("Groups = %+v, want [0]", pf.Groups)
	}
	for _, p := range pf.Paths {
		if p.Ino <= 9 && p.Group != 0 {
			t.Errorf("path ino=%d has Group=%d, want 0", p.Ino, p.Group)
		}
		if p.Ino >= 11 && p.Group != 1 {
			t.Errorf("path ino=%d has Group=%d, want 1", p.Ino, p.Group)
		}
	}
}

func TestRun_OpenSuperblockErrorIsSkippedNotFatal(t *testing.T) {
	pf := &packassembler.PackFile{
		Dev:        1,
		Rotational: true,
		Paths:      []packassembler.PackPath{{Path: "/a", Ino: 1, Group: -1}},
	}
	postprocess.Run(pf, func(dev uint64) (*extfs.Superblock, error) {
		return nil, errors.New("device busy")
	})
	if len(pf.Groups) != 0 {
		t.Fatalf("Groups = %+v, want empty when superblock open fails", pf.Groups)
	}
}
