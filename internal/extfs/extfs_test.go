package extfs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tracepackd/tracepackd/internal/extfs"
)

// buildImage constructs a minimal in-memory "disk image" with a valid ext
// superblock at the standard 1024-byte offset.
func buildImage(t *testing.T, blocksCount, blocksPerGroup, inodesPerGroup uint32) *bytes.Reader {
	t.Helper()
	buf := make([]byte, 1024+1024)

	fields := []uint32{
		0,              // InodesCount
		blocksCount,    // BlocksCountLo
		0, 0, 0, 0,     // RBlocksCountLo, FreeBlocksCount, FreeInodesCount, FirstDataBlock
		0, 0,           // LogBlockSize, LogClusterSize
		blocksPerGroup, // BlocksPerGroup
		0,              // ClustersPerGroup
		inodesPerGroup, // InodesPerGroup
	}
	offset := 1024
	for _, f := range fields {
		binary.LittleEndian.PutUint32(buf[offset:], f)
		offset += 4
	}
	// Mtime, Wtime (2 uint32) already zero; skip to Magic at the right spot.
	offset += 8 // Mtime, Wtime
	offset += 2 // MntCount
	offset += 2 // MaxMntCount
	binary.LittleEndian.PutUint16(buf[offset:], extfs.Ext2Magic)

	return bytes.NewReader(buf)
}

func TestReadSuperblock_Valid(t *testing.T) {
	img := buildImage(t, 1000, 100, 50)
	sb, err := extfs.ReadSuperblock(img)
	if err != nil {
		t.Fatalf("ReadSuperblock: %v", err)
	}
	if sb.BlocksCount != 1000 || sb.BlocksPerGroup != 100 || sb.InodesPerGroup != 50 {
		t.Fatalf("sb = %+v, want {1000 100 50}", sb)
	}
}

func TestReadSuperblock_NotExt(t *testing.T) {
	buf := make([]byte, 2048)
	_, err := extfs.ReadSuperblock(bytes.NewReader(buf))
	if err != extfs.ErrNotExt {
		t.Fatalf("err = %v, want ErrNotExt", err)
	}
}

func TestNumGroups_Ceiling(t *testing.T) {
	sb := &extfs.Superblock{BlocksCount: 1001, BlocksPerGroup: 100}
	if got := sb.NumGroups(); got != 11 {
		t.Fatalf("NumGroups() = %d, want 11", got)
	}
}

func TestGroupOfInode(t *testing.T) {
	sb := &extfs.Superblock{InodesPerGroup: 8192}
	cases := []struct {
		ino  int64
		want int
	}{
		{1, 0}, {8192, 0}, {8193, 1}, {16384, 1}, {16385, 2},
	}
	for _, c := range cases {
		if got := sb.GroupOfInode(c.ino); got != c.want {
			t.Errorf("GroupOfInode(%d) = %d, want %d", c.ino, got, c.want)
		}
	}
}
