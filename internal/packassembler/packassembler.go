// Package packassembler implements the pack assembler (component C4): it
// holds one PackFile per block device, determines whether that device is
// rotational, and turns a path's residency scan and (on rotational devices)
// FIEMAP extents into the PackFile's block list.
//
// The per-device sysfs probe (queue/rotational) follows the same
// filepath.Join-then-os.ReadFile idiom internal/tracefs uses for tracefs
// control files, since both are plain sysfs text attributes.
package packassembler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tracepackd/tracepackd/internal/devid"
	"github.com/tracepackd/tracepackd/internal/fiemap"
	"github.com/tracepackd/tracepackd/internal/residency"
)

const pageShift = 12 // log2(4096); matches the host page size on every
// architecture this assembler targets.

// PackPath is one occurrence of a path resolving into a device's pack.
type PackPath struct {
	Path  string
	Ino   int64
	Group int // ext block group, or -1 if unknown/non-ext
}

// PackBlock is one byte range contributed to a device's pack.
type PackBlock struct {
	PathIdx  uint32
	Offset   int64
	Length   int64
	Physical int64 // -1 if unknown (non-rotational, or unresolved extent)
}

// PackFile is the per-device pack under construction.
type PackFile struct {
	Dev        uint64
	Rotational bool
	Paths      []PackPath
	Blocks     []PackBlock
	Groups     []int
}

// RotationalProbe abstracts the sysfs rotational lookup so it can be faked
// in tests; Assembler's default probe reads the real sysfs tree.
type RotationalProbe func(dev uint64) (bool, error)

// Assembler owns one PackFile per device encountered during a session and
// is the sole mutator of PackFile.Paths/Blocks (spec §5 "Shared resources").
type Assembler struct {
	files map[uint64]*PackFile
	probe RotationalProbe
	// forceNonRotational overrides rotational detection for every device,
	// per the global force-non-rotational configuration flag (spec §4.4).
	forceNonRotational bool
}

// New constructs an Assembler. probe may be nil to use SysfsRotational.
func New(forceNonRotational bool, probe RotationalProbe) *Assembler {
	if probe == nil {
		probe = SysfsRotational
	}
	return &Assembler{
		files:              make(map[uint64]*PackFile),
		probe:              probe,
		forceNonRotational: forceNonRotational,
	}
}

// PackFiles returns every assembled PackFile, keyed by device.
func (a *Assembler) PackFiles() map[uint64]*PackFile {
	return a.files
}

// GetOrCreate returns the PackFile for dev, probing rotationality and
// creating it on first sight (spec §4.4 "Per-device rotationality").
func (a *Assembler) GetOrCreate(dev uint64) *PackFile {
	pf, ok := a.files[dev]
	if ok {
		return pf
	}

	rotational := true // default true: safer, performs the HDD optimizations
	if a.forceNonRotational {
		rotational = false
	} else if r, err := a.probe(dev); err == nil {
		rotational = r
	}

	pf = &PackFile{Dev: dev, Rotational: rotational}
	a.files[dev] = pf
	return pf
}

// AddPath appends a new PackPath to pf and returns its index, the value
// path handler (C3) threads into subsequent PackBlock.PathIdx values.
func (pf *PackFile) AddPath(path string, ino int64) uint32 {
	idx := uint32(len(pf.Paths))
	pf.Paths = append(pf.Paths, PackPath{Path: path, Ino: ino, Group: -1})
	return idx
}

// ScanChunks runs the residency scan and, on rotational devices, FIEMAP
// extent resolution, appending PackBlocks for pathIdx (spec §4.4 "Residency
// scan" / "Chunk coalescing" / "Non-rotational path" / "Rotational path").
// Residency or FIEMAP failures are per-item warnings (spec §7) and the
// returned error is informational only: a residency failure adds no blocks,
// and a FIEMAP failure stops at the failing chunk, keeping the blocks
// already appended for earlier chunks.
func (pf *PackFile) ScanChunks(f *os.File, pathIdx uint32) error {
	chunks, err := residency.Scan(f)
	if err != nil {
		return fmt.Errorf("packassembler: residency scan: %w", err)
	}

	if !pf.Rotational {
		for _, c := range chunks {
			pf.Blocks = append(pf.Blocks, PackBlock{
				PathIdx:  pathIdx,
				Offset:   c.Offset,
				Length:   c.Length,
				Physical: -1,
			})
		}
		return nil
	}

	for _, c := range chunks {
		extents, err := fiemap.Resolve(int(f.Fd()), uint64(c.Offset), uint64(c.Length))
		if err != nil {
			return fmt.Errorf("packassembler: fiemap resolve: %w", err)
		}
		for _, e := range extents {
			if e.Flags&fiemap.ExtentUnknown != 0 {
				continue
			}
			logicalStart := int64(e.Logical)
			logicalEnd := logicalStart + int64(e.Length)

			start := c.Offset
			if logicalStart > start {
				start = logicalStart
			}
			end := c.Offset + c.Length
			if logicalEnd < end {
				end = logicalEnd
			}
			if end <= start {
				continue
			}
			pf.Blocks = append(pf.Blocks, PackBlock{
				PathIdx:  pathIdx,
				Offset:   start,
				Length:   end - start,
				Physical: int64(e.Physical) + (start - logicalStart),
			})
		}
	}
	return nil
}

// SysfsRotational reads /sys/dev/block/{MAJOR}:{MINOR}/queue/rotational for
// dev, with the SCSI low-nibble-masked minor fallback spec §4.4 describes.
func SysfsRotational(dev uint64) (bool, error) {
	major, minor := devid.Major(dev), devid.Minor(dev)

	if v, err := readRotationalFile(major, minor); err == nil {
		return v, nil
	}

	scsiMinor := minor &^ 0xf
	return readRotationalFile(major, scsiMinor)
}

func readRotationalFile(major, minor uint32) (bool, error) {
	path := filepath.Join("/sys/dev/block", fmt.Sprintf("%d:%d", major, minor), "queue", "rotational")
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	v := strings.TrimSpace(string(b))
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, fmt.Errorf("parse rotational value %q: %w", v, err)
	}
	return n != 0, nil
}

// PageShift is the log2(page size) used to convert byte offsets to page
// indices throughout the assembler and range intersector.
const PageShift = pageShift
