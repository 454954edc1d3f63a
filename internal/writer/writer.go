// Package writer defines the pack writer collaborator interface (spec §6)
// and a reference JSON implementation. Bit-exact pack serialization is
// explicitly out of scope (spec §1); JSONWriter exists so the session
// controller has a concrete, working collaborator to hand PackFiles to.
package writer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tracepackd/tracepackd/internal/devid"
	"github.com/tracepackd/tracepackd/internal/packassembler"
)

// PackPathMax bounds stored path length; the real constant belongs to the
// writer (spec §6), but every writer in this module agrees on this value.
const PackPathMax = 4096

// NameResolver maps a device to the on-disk path its pack should be written
// to: pack_file_name_for_device(dev) -> path (spec §6).
type NameResolver interface {
	PackFileName(dev uint64) (string, error)
}

// DirResolver is the simplest NameResolver: one pack file per device, named
// by major:minor, under a fixed directory.
type DirResolver struct {
	Dir string
}

func (r DirResolver) PackFileName(dev uint64) (string, error) {
	major, minor := devid.Major(dev), devid.Minor(dev)
	return filepath.Join(r.Dir, fmt.Sprintf("pack-%d.%d", major, minor)), nil
}

// PackWriter is the collaborator interface the assembler hands finished
// PackFiles to: write_pack(path, PackFile) (spec §6).
type PackWriter interface {
	WritePack(path string, pf *packassembler.PackFile) error
}

// DumpMode selects the sort order pack_dump presents an existing pack in
// (spec §11 supplemented feature, from original_source/'s --dump option).
type DumpMode int

const (
	// DumpModePath lists paths in their stored (group, ino, path) order.
	DumpModePath DumpMode = iota
	// DumpModePhysical lists blocks in ascending physical order.
	DumpModePhysical
)

// JSONWriter is a reference PackWriter that serializes a PackFile as
// indented JSON. It is not the production wire format (spec §6 leaves that
// to the writer), just a concrete, inspectable default.
type JSONWriter struct{}

type jsonPackFile struct {
	Dev        uint64                      `json:"dev"`
	Rotational bool                        `json:"rotational"`
	Paths      []packassembler.PackPath    `json:"paths"`
	Blocks     []packassembler.PackBlock   `json:"blocks"`
	Groups     []int                       `json:"groups"`
}

func (JSONWriter) WritePack(path string, pf *packassembler.PackFile) error {
	out := jsonPackFile{
		Dev:        pf.Dev,
		Rotational: pf.Rotational,
		Paths:      pf.Paths,
		Blocks:     pf.Blocks,
		Groups:     pf.Groups,
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("writer: marshal pack for %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("writer: write pack to %s: %w", path, err)
	}
	return nil
}

// ReadPack loads a pack previously written by WritePack back into a
// PackFile, so a new session can check it for staleness before overwriting
// it. Returns an error wrapping fs.ErrNotExist when no pack exists yet at
// path.
func ReadPack(path string) (*packassembler.PackFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("writer: read pack from %s: %w", path, err)
	}
	var in jsonPackFile
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("writer: unmarshal pack from %s: %w", path, err)
	}
	return &packassembler.PackFile{
		Dev:        in.Dev,
		Rotational: in.Rotational,
		Paths:      in.Paths,
		Blocks:     in.Blocks,
		Groups:     in.Groups,
	}, nil
}

// Dump renders pf to w in the requested sort mode, for the supplemented
// --dump utility (spec §11). It does not mutate pf.
func Dump(w io.Writer, pf *packassembler.PackFile, mode DumpMode) error {
	switch mode {
	case DumpModePath:
		return dumpByPath(w, pf)
	case DumpModePhysical:
		return dumpByPhysical(w, pf)
	default:
		return fmt.Errorf("writer: unknown dump mode %d", mode)
	}
}

func dumpByPath(w io.Writer, pf *packassembler.PackFile) error {
	for i, p := range pf.Paths {
		if _, err := fmt.Fprintf(w, "%d\tgroup=%d\tino=%d\t%s\n", i, p.Group, p.Ino, p.Path); err != nil {
			return err
		}
	}
	return nil
}

func dumpByPhysical(w io.Writer, pf *packassembler.PackFile) error {
	blocks := append([]packassembler.PackBlock(nil), pf.Blocks...)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Physical < blocks[j].Physical })

	for _, b := range blocks {
		path := "?"
		if int(b.PathIdx) < len(pf.Paths) {
			path = pf.Paths[b.PathIdx].Path
		}
		if _, err := fmt.Fprintf(w, "physical=%d\toffset=%d\tlength=%d\t%s\n",
			b.Physical, b.Offset, b.Length, path); err != nil {
			return err
		}
	}
	return nil
}
