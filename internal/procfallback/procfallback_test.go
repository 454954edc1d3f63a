//go:build linux

package procfallback

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
)

type fakePathHandler struct {
	paths []string
}

func (f *fakePathHandler) HandlePath(path string) error {
	f.paths = append(f.paths, path)
	return nil
}

// buildExecEventPayload constructs the cn_msg + proc_event + exec_proc_event
// byte layout handleNetlinkMessage expects, addressed to CN_IDX_PROC /
// CN_VAL_PROC with what = PROC_EVENT_EXEC and the given pid.
func buildExecEventPayload(pid uint32) []byte {
	inner := make([]byte, procEvtHdrSize+execInfoSize)
	binary.NativeEndian.PutUint32(inner[0:4], procEventExec)
	binary.NativeEndian.PutUint32(inner[procEvtHdrSize:procEvtHdrSize+4], pid)

	buf := make([]byte, cnMsgSize+len(inner))
	binary.NativeEndian.PutUint32(buf[0:4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[4:8], cnValProc)
	binary.NativeEndian.PutUint16(buf[16:18], uint16(len(inner)))
	copy(buf[cnMsgSize:], inner)
	return buf
}

func TestHandleNetlinkMessage_ResolvesOwnPidExeAndDispatches(t *testing.T) {
	ph := &fakePathHandler{}
	w := New(ph, slog.New(slog.NewTextHandler(io.Discard, nil)))

	wantExe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", os.Getpid()))
	if err != nil {
		t.Skipf("cannot read own /proc/%d/exe on this system: %v", os.Getpid(), err)
	}

	data := buildExecEventPayload(uint32(os.Getpid()))
	w.handleNetlinkMessage(&syscall.NetlinkMessage{Data: data})

	if len(ph.paths) != 1 {
		t.Fatalf("paths = %v, want exactly one dispatched path", ph.paths)
	}
	if ph.paths[0] != wantExe {
		t.Fatalf("dispatched path = %q, want %q", ph.paths[0], wantExe)
	}
}

func TestHandleNetlinkMessage_IgnoresNonProcEvent(t *testing.T) {
	ph := &fakePathHandler{}
	w := New(ph, slog.New(slog.NewTextHandler(io.Discard, nil)))

	data := buildExecEventPayload(uint32(os.Getpid()))
	// Corrupt idx so it no longer addresses CN_IDX_PROC/CN_VAL_PROC.
	binary.NativeEndian.PutUint32(data[0:4], 99)
	w.handleNetlinkMessage(&syscall.NetlinkMessage{Data: data})

	if len(ph.paths) != 0 {
		t.Fatalf("expected no dispatched paths for a non-proc-connector message, got %v", ph.paths)
	}
}
