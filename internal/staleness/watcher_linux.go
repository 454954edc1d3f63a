//go:build linux

package staleness

import (
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchMask fires on the events that mean "this path is no longer the file
// the pack recorded": the watched file itself moved, was deleted, or had its
// metadata changed by a replace-via-rename.
const watchMask = unix.IN_MOVE_SELF | unix.IN_DELETE_SELF | unix.IN_ATTRIB

var inotifyEventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// Watcher watches a fixed set of paths via inotify and reports each one
// exactly once, the first time it is invalidated, on its Events channel. It
// is meant to run for the lifetime of a long-running dashboard process
// between trace sessions, not within a session itself.
type Watcher struct {
	logger *slog.Logger

	fd    int
	pipeR int
	pipeW int

	mu      sync.Mutex
	targets map[int]string // watch descriptor -> path

	events   chan string
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher opens an inotify instance and registers a watch for every path
// in paths. Paths that do not currently exist are skipped with a warning;
// staleness of a path that never existed in the first place is moot.
func NewWatcher(paths []string, logger *slog.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}

	w := &Watcher{
		logger:  logger,
		fd:      fd,
		pipeR:   pipeFds[0],
		pipeW:   pipeFds[1],
		targets: make(map[int]string),
		events:  make(chan string, 64),
	}

	for _, p := range paths {
		wd, err := unix.InotifyAddWatch(fd, p, watchMask)
		if err != nil {
			logger.Warn("staleness: watch registration failed", "path", p, "error", err)
			continue
		}
		w.targets[wd] = p
	}

	return w, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the watcher to stop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		unix.Write(w.pipeW, []byte{0})
		w.wg.Wait()
		unix.Close(w.pipeW)
		unix.Close(w.pipeR)
		unix.Close(w.fd)
		close(w.events)
	})
}

// Events returns the channel on which invalidated paths are reported.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) run() {
	defer w.wg.Done()

	buf := make([]byte, 4096*(inotifyEventSize+256))
	pollFds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Warn("staleness: poll error", "error", err)
			return
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(w.fd, buf)
		if err != nil {
			w.logger.Warn("staleness: read error", "error", err)
			return
		}
		w.parseAndDispatch(buf[:n])
	}
}

func (w *Watcher) parseAndDispatch(buf []byte) {
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			offset += int(ev.Len)
		}

		w.mu.Lock()
		path, ok := w.targets[int(ev.Wd)]
		delete(w.targets, int(ev.Wd))
		w.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case w.events <- path:
		default:
			w.logger.Warn("staleness: events channel full, dropping notification", "path", strings.TrimSpace(path))
		}
	}
}
