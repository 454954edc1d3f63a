// Package diskstats samples per-device read I/O counters from
// /proc/diskstats (via gopsutil) before and after a trace session's
// observation window, for the operational visibility SPEC_FULL.md §4.7
// asks for. It is a thin poll, not a watcher: a session calls Sample twice
// and diffs the result.
package diskstats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tracepackd/tracepackd/internal/devid"
)

// Sample holds the read-side counters gopsutil exposes for one block
// device at a point in time.
type Sample struct {
	Device     string
	ReadCount  uint64 // completed read I/Os
	ReadBytes  uint64
	ReadTimeMs uint64 // milliseconds spent on reads
}

// Delta is the read-activity difference between two samples of the same
// device, taken at the start and end of a session's observation window.
type Delta struct {
	Device     string
	ReadCount  uint64
	ReadBytes  uint64
	ReadTimeMs uint64
}

// DeviceName resolves a (major, minor) device id to the kernel-assigned
// block device name (e.g. "sda", "nvme0n1") by reading the
// /sys/dev/block/{major}:{minor} symlink, the same sysfs location
// internal/packassembler.SysfsRotational already reads for rotationality.
func DeviceName(dev uint64) (string, error) {
	major, minor := devid.Major(dev), devid.Minor(dev)
	link := fmt.Sprintf("/sys/dev/block/%d:%d", major, minor)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("diskstats: resolve device name for %d:%d: %w", major, minor, err)
	}
	return filepath.Base(target), nil
}

// Sample reads the current read-side I/O counters for dev.
func Sample(dev uint64) (*Sample, error) {
	name, err := DeviceName(dev)
	if err != nil {
		return nil, err
	}

	counters, err := disk.IOCounters(name)
	if err != nil {
		return nil, fmt.Errorf("diskstats: IOCounters %s: %w", name, err)
	}
	stat, ok := counters[name]
	if !ok {
		return nil, fmt.Errorf("diskstats: no counters returned for device %s", name)
	}

	return &Sample{
		Device:     name,
		ReadCount:  stat.ReadCount,
		ReadBytes:  stat.ReadBytes,
		ReadTimeMs: stat.ReadTime,
	}, nil
}

// Diff returns the read-activity delta between a "before" and "after"
// sample of the same device. Counters are monotonic within a boot, so no
// wraparound handling is needed for the short windows a session runs.
func Diff(before, after *Sample) Delta {
	return Delta{
		Device:     after.Device,
		ReadCount:  after.ReadCount - before.ReadCount,
		ReadBytes:  after.ReadBytes - before.ReadBytes,
		ReadTimeMs: after.ReadTimeMs - before.ReadTimeMs,
	}
}
