// Package session implements the session controller (component C7): it
// arms the six tracepoints, sizes the ring buffer, waits for the
// observation window to close, restores prior kernel state, drives the
// event consumer over the drained records, and finally runs range
// intersection and post-processing over every assembled PackFile before
// handing each to the pack writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tracepackd/tracepackd/internal/dashboard/live"
	"github.com/tracepackd/tracepackd/internal/devid"
	"github.com/tracepackd/tracepackd/internal/diskstats"
	"github.com/tracepackd/tracepackd/internal/intersect"
	"github.com/tracepackd/tracepackd/internal/packassembler"
	"github.com/tracepackd/tracepackd/internal/packstore"
	"github.com/tracepackd/tracepackd/internal/pathhandler"
	"github.com/tracepackd/tracepackd/internal/postprocess"
	"github.com/tracepackd/tracepackd/internal/procfallback"
	"github.com/tracepackd/tracepackd/internal/rangeindex"
	"github.com/tracepackd/tracepackd/internal/staleness"
	"github.com/tracepackd/tracepackd/internal/traceevents"
	"github.com/tracepackd/tracepackd/internal/tracefs"
	"github.com/tracepackd/tracepackd/internal/writer"
)

// bufferSizeKB is the per-CPU ring buffer size the session controller sets
// for the duration of the trace window (spec §4.7 step 2).
const bufferSizeKB = 8192

// nicePriority is the niceness the controller lowers itself to before
// draining records (spec §4.7 step 7).
const nicePriority = 15

type eventSpec struct {
	group, name string
	required    bool
}

// tracedEvents is the fixed set of six tracepoints the session arms (spec
// §4.2, §6).
var tracedEvents = []eventSpec{
	{"fs", "do_sys_open", true},
	{"fs", "open_exec", true},
	{"fs", "uselib", false},
	{"filemap", "mm_filemap_fault", false},
	{"filemap", "mm_filemap_get_pages", false},
	{"filemap", "mm_filemap_map_pages", false},
}

// Config holds the session-scoped parameters supplied by internal/config.
type Config struct {
	WindowDuration     time.Duration
	ForceNonRotational bool
	PathPrefixFilter   string
	PrefixRewrite      *pathhandler.PrefixRewrite

	// DeviceFilter restricts which devices the path handler tracks. Nil
	// tracks every device.
	DeviceFilter *pathhandler.DeviceFilter

	// Hostname identifies this session's host in live phase-transition
	// events published to the dashboard broadcaster.
	Hostname string

	// DiskstatsDevice is the devid.MakeDev (major<<8|minor) device id to sample
	// read-I/O counters for before and after the drain window. Zero
	// disables diskstats instrumentation.
	DiskstatsDevice uint64

	// OnArmed is invoked once tracing_on has been successfully enabled
	// (spec §4.7 step 3), at the point the sequence would otherwise fork
	// and exit the parent (step 4). A daemonising caller uses this to
	// signal its re-exec'd parent that startup succeeded, so the parent
	// can exit while this process continues the session alone. Nil
	// disables the hook.
	OnArmed func()
}

// Session owns every component for the lifetime of one trace run and is
// the sole mutator of the device hash and PackFile list (spec §5).
type Session struct {
	fs             *tracefs.FS
	cfg            Config
	log            *slog.Logger
	index          *rangeindex.Index
	assembler      *packassembler.Assembler
	handler        *pathhandler.Handler
	consumer       *traceevents.Consumer
	names          writer.NameResolver
	pw             writer.PackWriter
	openSuperblock postprocess.SuperblockReader
	broadcaster    *live.Broadcaster
	packStore      *packstore.Store
	fallback       *procfallback.Watcher
}

// New constructs a Session. decisions, broadcaster, and store may all be
// nil: a nil broadcaster disables live phase events, and a nil store
// disables local pack history tracking.
func New(
	fs *tracefs.FS,
	cfg Config,
	log *slog.Logger,
	names writer.NameResolver,
	pw writer.PackWriter,
	openSuperblock postprocess.SuperblockReader,
	decisions pathhandler.DecisionRecorder,
	broadcaster *live.Broadcaster,
	store *packstore.Store,
) *Session {
	index := rangeindex.New()
	assembler := packassembler.New(cfg.ForceNonRotational, nil)
	handler := pathhandler.New(pathhandler.Config{
		PathPrefixFilter: cfg.PathPrefixFilter,
		PrefixRewrite:    cfg.PrefixRewrite,
		DeviceFilter:     cfg.DeviceFilter,
	}, assembler, decisions)
	consumer := traceevents.New(handler, index)

	return &Session{
		fs:             fs,
		cfg:            cfg,
		log:            log,
		index:          index,
		assembler:      assembler,
		handler:        handler,
		consumer:       consumer,
		names:          names,
		pw:             pw,
		openSuperblock: openSuperblock,
		broadcaster:    broadcaster,
		packStore:      store,
		fallback:       procfallback.New(handler, log),
	}
}

// publishPhase notifies dashboard clients of a phase transition. A nil
// broadcaster (no dashboard configured) makes this a no-op.
func (s *Session) publishPhase(phase live.Phase) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(live.Event{
		Host:      s.cfg.Hostname,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	})
}

// Run executes the nine-step sequence of spec §4.7 and returns a non-nil
// error only for the fatal tier of spec §7 (tracer setup failures, an
// unopenable trace stream). Per-item and silent-skip failures are handled
// internally and never abort the session.
func (s *Session) Run() error {
	s.publishPhase(live.PhaseArming)

	toggles, err := s.enableEvents()
	if err != nil {
		return fmt.Errorf("session: tracer setup: %w", err)
	}

	bufToggle, err := s.fs.SetBufferSizeKBTracked(bufferSizeKB)
	if err != nil {
		s.restoreEvents(toggles)
		s.stopFallback()
		return fmt.Errorf("session: tracer setup: set ring buffer size: %w", err)
	}

	priorTracingOn, err := s.fs.TracingOn()
	if err != nil {
		_ = bufToggle.Restore()
		s.restoreEvents(toggles)
		s.stopFallback()
		return fmt.Errorf("session: tracer setup: read tracing_on: %w", err)
	}
	if err := s.fs.SetTracingOn(true); err != nil {
		_ = bufToggle.Restore()
		s.restoreEvents(toggles)
		s.stopFallback()
		return fmt.Errorf("session: tracer setup: enable tracing_on: %w", err)
	}

	if s.cfg.OnArmed != nil {
		s.cfg.OnArmed()
	}

	before := s.sampleDiskstats()

	s.publishPhase(live.PhaseWaiting)
	s.waitWindow()

	if err := s.fs.SetTracingOn(priorTracingOn); err != nil {
		s.log.Warn("session: restore tracing_on failed", "error", err)
	}
	s.restoreEvents(toggles)
	s.stopFallback()

	if err := lowerPriority(); err != nil {
		s.log.Warn("session: lower priority failed", "error", err)
	}

	s.publishPhase(live.PhaseDraining)
	if err := s.drain(); err != nil {
		_ = bufToggle.Restore()
		return fmt.Errorf("session: drain trace stream: %w", err)
	}

	s.logDiskstatsDelta(before, s.sampleDiskstats())

	if err := bufToggle.Restore(); err != nil {
		s.log.Warn("session: restore ring buffer size failed", "error", err)
	}

	s.publishPhase(live.PhaseAssembling)
	s.writePacks()
	s.publishPhase(live.PhaseDone)
	return nil
}

// enableEvents arms every tracepoint in tracedEvents, recording each one's
// prior state. A required event that fails to enable aborts the whole
// session fatally, after rolling back everything already enabled (spec
// §4.7 step 1, §7 "Fatal... required event") — except fs:open_exec, whose
// failure instead starts the PROC_EVENT_EXEC netlink fallback so the
// session continues with an alternate open-event source.
func (s *Session) enableEvents() ([]*tracefs.EventToggle, error) {
	var toggles []*tracefs.EventToggle
	for _, ev := range tracedEvents {
		toggle, err := s.fs.Enable(ev.group, ev.name)
		if err != nil {
			if ev.name == "open_exec" {
				s.log.Warn("session: open_exec tracepoint unavailable, falling back to PROC_EVENT_EXEC", "error", err)
				if fbErr := s.fallback.Start(context.Background()); fbErr != nil {
					s.restoreEvents(toggles)
					return nil, fmt.Errorf("enable required event %s:%s: tracepoint unavailable (%w) and fallback failed: %v", ev.group, ev.name, err, fbErr)
				}
				continue
			}
			if ev.required {
				s.restoreEvents(toggles)
				return nil, fmt.Errorf("enable required event %s:%s: %w", ev.group, ev.name, err)
			}
			s.log.Warn("session: optional event unavailable", "group", ev.group, "name", ev.name, "error", err)
			continue
		}
		toggles = append(toggles, toggle)
	}
	return toggles, nil
}

func (s *Session) stopFallback() {
	s.fallback.Stop()
}

// sampleDiskstats reads the current read-I/O counters for cfg.DiskstatsDevice.
// Returns nil when no device is configured or the sample fails, in which
// case the delta is silently skipped — this is operational visibility, not
// a correctness dependency.
func (s *Session) sampleDiskstats() *diskstats.Sample {
	if s.cfg.DiskstatsDevice == 0 {
		return nil
	}
	sample, err := diskstats.Sample(s.cfg.DiskstatsDevice)
	if err != nil {
		s.log.Warn("session: diskstats sample failed", "error", err)
		return nil
	}
	return sample
}

func (s *Session) logDiskstatsDelta(before, after *diskstats.Sample) {
	if before == nil || after == nil {
		return
	}
	delta := diskstats.Diff(before, after)
	s.log.Info("session: diskstats delta over observation window",
		"device", delta.Device,
		"read_count", delta.ReadCount,
		"read_bytes", delta.ReadBytes,
		"read_time_ms", delta.ReadTimeMs)
}

func (s *Session) restoreEvents(toggles []*tracefs.EventToggle) {
	for _, t := range toggles {
		if err := t.Restore(); err != nil {
			s.log.Warn("session: restore event state failed", "error", err)
		}
	}
}

// waitWindow installs empty-bodied SIGTERM/SIGINT handling and blocks until
// either the window elapses or a signal arrives (spec §4.7 step 5, §5
// "Suspension points"). The only action either branch takes is to return;
// the signal itself carries no payload the controller inspects.
func (s *Session) waitWindow() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	timer := time.NewTimer(s.cfg.WindowDuration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-sigCh:
		s.log.Info("session: observation window interrupted by signal")
	}
}

func lowerPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, nicePriority)
}

// drain opens the trace snapshot file and runs the event consumer over it
// (spec §4.7 step 7). Reading "trace" rather than "trace_pipe" gives a
// bounded, EOF-terminated read of exactly what was captured during the
// window, now that tracing_on has been turned back off.
func (s *Session) drain() error {
	f, err := s.fs.OpenTraceFile()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnopenableTraceStream, err)
	}
	defer f.Close()

	sc := tracefs.LineScanner(f)
	return s.consumer.Run(sc)
}

// writePacks runs range intersection (if every filemap event was seen) and
// post-processing (if rotational) over each assembled PackFile, then hands
// it to the pack writer (spec §4.7 step 9).
func (s *Session) writePacks() {
	allFilemapEventsSeen := s.consumer.Stats.FaultSeen &&
		s.consumer.Stats.GetPagesSeen && s.consumer.Stats.MapPagesSeen

	for dev, pf := range s.assembler.PackFiles() {
		path, err := s.names.PackFileName(dev)
		if err != nil {
			s.log.Warn("session: no pack filename for device, skipping", "dev", dev, "error", err)
			continue
		}

		s.checkPreviousPackStale(dev, path)

		if allFilemapEventsSeen {
			pf.Blocks = intersect.Run(pf, s.index)
		}
		if pf.Rotational {
			postprocess.Run(pf, s.openSuperblock)
		}

		if err := s.pw.WritePack(path, pf); err != nil {
			s.log.Warn("session: write pack failed", "dev", dev, "path", path, "error", err)
			continue
		}

		s.recordPack(dev, path, pf)
	}
}

// checkPreviousPackStale loads the pack a prior session wrote to path, if
// any, and flags entries in it whose underlying file has since moved or
// been replaced. This runs against the outgoing pack, not the one just
// assembled this session, since a session's own paths were all freshly
// stat'd moments earlier by the path handler and can never be stale yet.
func (s *Session) checkPreviousPackStale(dev uint64, path string) {
	prev, err := writer.ReadPack(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("session: reading previous pack for staleness check failed", "dev", dev, "path", path, "error", err)
		}
		return
	}
	if stale := staleness.CheckStale(prev); len(stale) > 0 {
		s.log.Warn("session: previous pack contains stale paths", "dev", dev, "path", path, "stale_count", len(stale))
	}
}

// recordPack persists a successfully written pack into the local packstore
// history so internal/dashboard/client can later report it. A nil
// packStore (no dashboard configured) makes this a no-op.
func (s *Session) recordPack(dev uint64, path string, pf *packassembler.PackFile) {
	if s.packStore == nil {
		return
	}
	built := packstore.Built{
		Device:     fmt.Sprintf("%d:%d", devid.Major(dev), devid.Minor(dev)),
		Path:       path,
		PathCount:  len(pf.Paths),
		BlockCount: len(pf.Blocks),
		BuiltAt:    time.Now().UTC(),
	}
	if err := s.packStore.Record(context.Background(), built); err != nil {
		s.log.Warn("session: packstore record failed", "dev", dev, "path", path, "error", err)
	}
}

// ErrUnopenableTraceStream is returned (wrapped) when the trace snapshot
// file cannot be opened for the drain step, one of the fatal conditions in
// spec §7.
var ErrUnopenableTraceStream = errors.New("session: trace stream unopenable")
