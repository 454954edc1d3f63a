package diskstats_test

import (
	"testing"

	"github.com/tracepackd/tracepackd/internal/diskstats"
)

func TestDiff_ComputesMonotonicDelta(t *testing.T) {
	before := &diskstats.Sample{Device: "sda", ReadCount: 100, ReadBytes: 4096000, ReadTimeMs: 50}
	after := &diskstats.Sample{Device: "sda", ReadCount: 180, ReadBytes: 8192000, ReadTimeMs: 95}

	d := diskstats.Diff(before, after)
	if d.Device != "sda" {
		t.Fatalf("Device = %q, want sda", d.Device)
	}
	if d.ReadCount != 80 {
		t.Fatalf("ReadCount = %d, want 80", d.ReadCount)
	}
	if d.ReadBytes != 4096000 {
		t.Fatalf("ReadBytes = %d, want 4096000", d.ReadBytes)
	}
	if d.ReadTimeMs != 45 {
		t.Fatalf("ReadTimeMs = %d, want 45", d.ReadTimeMs)
	}
}

func TestDeviceName_ReturnsErrorForUnknownDevice(t *testing.T) {
	// Device id that almost certainly has no /sys/dev/block entry.
	if _, err := diskstats.DeviceName(0xffffffff); err == nil {
		t.Fatal("expected an error resolving a bogus device id")
	}
}
