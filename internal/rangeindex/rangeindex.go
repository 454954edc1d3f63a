// Package rangeindex implements the device/inode/range index (component
// C1): a hash-keyed table of devices, each holding the inodes touched during
// a trace session, each inode holding a sorted, non-overlapping,
// non-touching array of half-open page-index ranges that were faulted in.
//
// The index is session-scoped: callers construct one with New, feed it
// RecordAccess calls as filemap trace events are drained, and discard it at
// the end of the session. It is not safe for concurrent use — the session
// controller (internal/session) drives the event consumer single-threaded,
// matching the concurrency model of the component this package implements.
package rangeindex

import "sort"

// Range is a half-open interval [Start, End) over page indices.
type Range struct {
	Start int64
	End   int64
}

// Inode holds the accessed-range state for one (device, inode) pair.
type Inode struct {
	Ino    int64
	Name   string
	Ranges []Range // sorted ascending by Start; no two entries overlap or touch
}

// Device holds every inode touched on one block device during a session.
type Device struct {
	Dev    uint64
	inodes map[int64]*Inode
}

// FindInode returns the inode record for ino, if any has been recorded.
func (d *Device) FindInode(ino int64) (*Inode, bool) {
	in, ok := d.inodes[ino]
	return in, ok
}

// Index is the top-level device hash described in spec §3. A Go map
// substitutes directly for the source's open-chained, power-of-two bucket
// table (see §9 "Hash map of devices" — a standard hash table is a direct
// substitute); callers needing the bucket-count/mask behavior for parity
// testing can rely on map semantics being behaviorally equivalent for every
// operation this package exposes.
type Index struct {
	devices map[uint64]*Device
}

// New constructs an empty Index, scoped to the lifetime of one trace session.
func New() *Index {
	return &Index{devices: make(map[uint64]*Device)}
}

// FindDevice returns the device record for dev, if one has been created.
func (ix *Index) FindDevice(dev uint64) (*Device, bool) {
	d, ok := ix.devices[dev]
	return d, ok
}

// FindInode is a convenience wrapper combining FindDevice and Device.FindInode.
func (ix *Index) FindInode(dev uint64, ino int64) (*Inode, bool) {
	d, ok := ix.FindDevice(dev)
	if !ok {
		return nil, false
	}
	return d.FindInode(ino)
}

// RecordAccess registers that pages [firstIndex, lastIndex] (inclusive) of
// (dev, ino) were touched, creating the device and inode entries on demand,
// and merges the new range into the inode's sorted range array per the
// merge-on-insert algorithm of spec §4.1.
func (ix *Index) RecordAccess(dev uint64, ino, firstIndex, lastIndex int64) {
	d, ok := ix.devices[dev]
	if !ok {
		d = &Device{Dev: dev, inodes: make(map[int64]*Inode)}
		ix.devices[dev] = d
	}

	in, ok := d.inodes[ino]
	if !ok {
		in = &Inode{Ino: ino}
		d.inodes[ino] = in
	}

	in.insert(Range{Start: firstIndex, End: lastIndex + 1})
}

// insert merges key into the inode's Ranges array, maintaining the sorted,
// non-overlapping, non-touching invariant (spec §4.1 steps 1-4).
//
// Two ranges a, b "overlap or touch" iff a.End >= b.Start && b.End >= a.Start.
// lo is found by binary search as the first range whose End reaches key's
// Start; hi is then extended rightward while the next range's Start does not
// exceed key's End. [lo, hi) is exactly the run of entries that must merge
// with key.
func (in *Inode) insert(key Range) {
	rs := in.Ranges

	lo := sort.Search(len(rs), func(i int) bool { return rs[i].End >= key.Start })
	hi := lo
	for hi < len(rs) && rs[hi].Start <= key.End {
		hi++
	}

	if lo == hi {
		rs = append(rs, Range{})
		copy(rs[lo+1:], rs[lo:])
		rs[lo] = key
		in.Ranges = rs
		return
	}

	merged := key
	if rs[lo].Start < merged.Start {
		merged.Start = rs[lo].Start
	}
	if rs[hi-1].End > merged.End {
		merged.End = rs[hi-1].End
	}

	out := make([]Range, 0, len(rs)-(hi-lo)+1)
	out = append(out, rs[:lo]...)
	out = append(out, merged)
	out = append(out, rs[hi:]...)
	in.Ranges = out
}
