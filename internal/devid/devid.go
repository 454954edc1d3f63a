// Package devid centralizes the dev_t encoding/decoding used across the
// trace event consumer (C2), the path handler (C3), and the pack assembler
// (C4), so that a device id derived from a trace record's raw s_dev field
// and one derived from a real stat(2) call always agree.
//
// Linux's real dev_t packs a wider minor number than the 8 bits the
// filemap tracepoints report (spec §9: "s_dev decoding... masks only 8
// minor bits, narrower than Linux's 20-bit minor... preserve as
// specified"). To let C5's inode lookups succeed, every component that
// derives a device id — whether from a trace record or from stat(2) —
// must apply the same narrowing, which is what MakeDev below does.
package devid

// MakeDev packs major/minor into the internal device id this module uses
// everywhere in place of the kernel's real dev_t. Only the low 8 bits of
// minor are kept, matching the filemap tracepoints' on-wire encoding.
func MakeDev(major, minor uint64) uint64 {
	return (major << 8) | (minor & 0xff)
}

// FromRawSDev reconstructs a device id from a filemap tracepoint's raw
// s_dev field: major = s_dev >> 20, minor = s_dev & 0xff (spec §4.2, §6).
func FromRawSDev(sDev uint64) uint64 {
	major := sDev >> 20
	minor := sDev & 0xff
	return MakeDev(major, minor)
}

// FromStatDev narrows a real stat(2) dev_t (as decoded by
// golang.org/x/sys/unix.Major/Minor) down to this module's device id, so
// paths discovered via stat(2) land in the same bucket as filemap records
// for the same device.
func FromStatDev(major, minor uint32) uint64 {
	return MakeDev(uint64(major), uint64(minor))
}

// Major and Minor recover the components of a device id produced by
// MakeDev/FromRawSDev/FromStatDev.
func Major(dev uint64) uint32 {
	return uint32((dev >> 8) & 0xfff)
}

func Minor(dev uint64) uint32 {
	return uint32(dev & 0xff)
}
