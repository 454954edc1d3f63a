// Package fiemap wraps the Linux FS_IOC_FIEMAP ioctl used by the pack
// assembler (component C4) to resolve the physical extents backing a file's
// resident byte ranges on a rotational device.
//
// The ioctl code and struct layouts below mirror <linux/fiemap.h> and are
// kernel ABI — never change the field order or sizes. The ABI-struct-mirror
// style (fixed-width fields, manual ioctl-code computation, reserved padding
// called out explicitly) follows the same conventions the retrieved
// reference agent uses for its BPF attribute structs.
package fiemap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fsIOCFiemap is FS_IOC_FIEMAP = _IOWR('f', 11, struct fiemap), computed from
// the standard Linux ioctl encoding: (dir<<30)|(size<<16)|(type<<8)|nr.
const fsIOCFiemap = 0xC020660B

// ExtentUnknown mirrors FIEMAP_EXTENT_UNKNOWN: the extent offsets are unknown
// and the extent must be treated as a hole for prefetch purposes.
const ExtentUnknown uint32 = 0x0001

// fiemapReq is the fixed (non-extent-array) portion of struct fiemap.
type fiemapReq struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
}

// rawExtent mirrors struct fiemap_extent.
type rawExtent struct {
	Logical   uint64
	Physical  uint64
	Length    uint64
	Reserved2 [2]uint64
	Flags     uint32
	Reserved  [3]uint32
}

// Extent is the public, decoded representation of one mapped extent.
type Extent struct {
	Logical  uint64
	Physical uint64
	Length   uint64
	Flags    uint32
}

// Resolve calls FS_IOC_FIEMAP over [offset, offset+length) on fd using the
// two-phase count/fill protocol of spec §4.4: first with an extent count of
// zero to learn how many extents the kernel wants to report, then again with
// a buffer sized to count+1 slack. The second call is retried with a larger
// buffer while the kernel reports filling it completely (mappedExtents ==
// capacity), since the mapping can change concurrently with the ioctl.
func Resolve(fd int, offset, length uint64) ([]Extent, error) {
	count, err := probeCount(fd, offset, length)
	if err != nil {
		return nil, err
	}

	for {
		cap := count + 1
		extents, mapped, err := fill(fd, offset, length, cap)
		if err != nil {
			return nil, err
		}
		if uint32(mapped) < cap {
			return decode(extents[:mapped]), nil
		}
		// Kernel filled the buffer completely; the extent count grew under
		// us. Retry with more slack.
		count = mapped
	}
}

func probeCount(fd int, offset, length uint64) (uint32, error) {
	req := fiemapReq{Start: offset, Length: length}
	if err := call(fd, &req, nil); err != nil {
		return 0, fmt.Errorf("fiemap: probe count: %w", err)
	}
	return req.MappedExtents, nil
}

func fill(fd int, offset, length uint64, extentCount uint32) ([]rawExtent, uint32, error) {
	req := fiemapReq{Start: offset, Length: length, ExtentCount: extentCount}
	buf := make([]rawExtent, extentCount)
	if err := call(fd, &req, buf); err != nil {
		return nil, 0, fmt.Errorf("fiemap: fill: %w", err)
	}
	return buf, req.MappedExtents, nil
}

// call performs the raw ioctl. fiemapReq and the trailing extent array are
// laid out contiguously in a single buffer because the kernel ABI requires
// struct fiemap_extent fm_extents[] to immediately follow the fixed header.
func call(fd int, req *fiemapReq, extents []rawExtent) error {
	headerSize := int(unsafe.Sizeof(*req))
	extentSize := int(unsafe.Sizeof(rawExtent{}))
	buf := make([]byte, headerSize+extentSize*len(extents))

	*(*fiemapReq)(unsafe.Pointer(&buf[0])) = *req

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(fsIOCFiemap), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}

	*req = *(*fiemapReq)(unsafe.Pointer(&buf[0]))
	for i := range extents {
		off := headerSize + i*extentSize
		extents[i] = *(*rawExtent)(unsafe.Pointer(&buf[off]))
	}
	return nil
}

func decode(raw []rawExtent) []Extent {
	out := make([]Extent, len(raw))
	for i, r := range raw {
		out[i] = Extent{
			Logical:  r.Logical,
			Physical: r.Physical,
			Length:   r.Length,
			Flags:    r.Flags,
		}
	}
	return out
}
