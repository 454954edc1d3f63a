// Package residency detects which byte ranges of a file are currently
// resident in the page cache, using mmap + mincore, the mechanism spec §4.4
// assigns to the pack assembler's "residency scan" step.
//
// The mmap/munmap pairing mirrors the mmap-then-defer-munmap convention used
// by the retrieved reference agent's ring-buffer reader, adapted here from a
// read-write ring buffer mapping to a short-lived, read-only probe mapping.
package residency

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Chunk is one maximal run of resident pages, expressed in bytes and aligned
// to the system page size.
type Chunk struct {
	Offset int64
	Length int64
}

// Scan maps f for its full length and returns the maximal byte-aligned
// chunks of pages currently resident in the page cache (spec §4.4 "Residency
// scan" / "Chunk coalescing"). Returns (nil, nil) for a zero-length file
// without mapping anything. An mmap or mincore failure is returned as an
// error (a munmap failure is ignored); callers treat this as a per-item
// warning, not fatal (spec §7).
func Scan(f *os.File) ([]Chunk, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("residency: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("residency: mmap: %w", err)
	}
	defer func() { _ = unix.Munmap(data) }()

	pageSize := int64(os.Getpagesize())
	numPages := (size + pageSize - 1) / pageSize

	vec := make([]byte, numPages)
	if err := unix.Mincore(data, vec); err != nil {
		return nil, fmt.Errorf("residency: mincore: %w", err)
	}

	return coalesce(vec, pageSize, size), nil
}

// coalesce walks the per-page presence vector and merges each maximal run of
// present pages into one (offset, length) chunk, clamped to the file's
// actual size on the final page.
func coalesce(vec []byte, pageSize, fileSize int64) []Chunk {
	var chunks []Chunk
	i := 0
	for i < len(vec) {
		if vec[i]&1 == 0 {
			i++
			continue
		}
		start := i
		for i < len(vec) && vec[i]&1 != 0 {
			i++
		}
		offset := int64(start) * pageSize
		end := int64(i) * pageSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, Chunk{Offset: offset, Length: end - offset})
	}
	return chunks
}
