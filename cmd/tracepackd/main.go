// Command tracepackd is the boot-time trace-and-pack binary. It loads a
// YAML configuration file, arms the session controller for one observation
// window, optionally streams live phase events and reports finished packs
// to a tracepackd dashboard, exposes a /healthz liveness endpoint, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"

	"github.com/tracepackd/tracepackd/internal/audit"
	"github.com/tracepackd/tracepackd/internal/config"
	"github.com/tracepackd/tracepackd/internal/dashboard/client"
	"github.com/tracepackd/tracepackd/internal/dashboard/live"
	"github.com/tracepackd/tracepackd/internal/decisionlog"
	"github.com/tracepackd/tracepackd/internal/devid"
	"github.com/tracepackd/tracepackd/internal/extfs"
	"github.com/tracepackd/tracepackd/internal/packstore"
	"github.com/tracepackd/tracepackd/internal/pathhandler"
	"github.com/tracepackd/tracepackd/internal/session"
	"github.com/tracepackd/tracepackd/internal/tracefs"
	"github.com/tracepackd/tracepackd/internal/writer"
)

// daemonChildEnvVar marks a process as the re-exec'd child of a daemonising
// parent, so the child knows not to fork again and the parent knows to wait
// for the child's outcome rather than run a session itself.
const daemonChildEnvVar = "TRACEPACKD_DAEMON_CHILD"

func main() {
	configPath := flag.String("config", "/etc/tracepackd/config.yaml", "path to the tracepackd YAML configuration file")
	packDir := flag.String("pack-dir", "/var/lib/tracepackd/packs", "directory written pack files are named into")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracepackd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	daemonizing := cfg.Daemonize && os.Getenv(daemonChildEnvVar) != ""
	if cfg.Daemonize && !daemonizing {
		if err := daemonizeAndWait(); err != nil {
			fmt.Fprintf(os.Stderr, "tracepackd: daemonize: %v\n", err)
			os.Exit(1)
		}
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = cfg.Dashboard.HostID
	}

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Duration("window_duration", cfg.WindowDuration),
		slog.String("tracing_dir", cfg.TracingDir),
		slog.String("dashboard_addr", cfg.Dashboard.Addr),
	)

	auditLogger, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open decision audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()
	decisions := decisionlog.New(auditLogger, logger)

	store, err := packstore.Open(cfg.PackStorePath)
	if err != nil {
		logger.Error("failed to open local pack store", slog.String("path", cfg.PackStorePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	bc := live.NewBroadcaster(logger, 0)
	defer bc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reporter *client.Reporter
	if cfg.Dashboard.Addr != "" {
		reporterCfg := client.Config{
			DashboardAddr: cfg.Dashboard.Addr,
			CertPath:      cfg.Dashboard.TLS.CertPath,
			KeyPath:       cfg.Dashboard.TLS.KeyPath,
			CAPath:        cfg.Dashboard.TLS.CAPath,
			Hostname:      hostname,
		}
		reporter, err = client.New(reporterCfg, logger, store)
		if err != nil {
			logger.Error("failed to create dashboard reporter", slog.Any("error", err))
			os.Exit(1)
		}
		reporter.Start(ctx)
		logger.Info("dashboard reporting enabled", slog.String("addr", cfg.Dashboard.Addr))
	} else {
		logger.Warn("dashboard.addr not configured; packs stay local to packstore_path")
	}

	fs := tracefs.New(cfg.TracingDir)
	names := writer.DirResolver{Dir: *packDir}
	pw := writer.JSONWriter{}

	sessCfg := session.Config{
		WindowDuration:     cfg.WindowDuration,
		ForceNonRotational: cfg.ForceNonRotational,
		PathPrefixFilter:   cfg.PathPrefixFilter,
		Hostname:           hostname,
	}
	if filter := buildDeviceFilter(cfg.DeviceFilter); filter != nil {
		sessCfg.DeviceFilter = filter
	}
	if cfg.PrefixRewrite != nil {
		sessCfg.PrefixRewrite = &pathhandler.PrefixRewrite{
			Prefix:        cfg.PrefixRewrite.Prefix,
			ExpectedStDev: cfg.PrefixRewrite.ExpectedStDev,
		}
	}
	if cfg.DiskstatsDevice != "" {
		if major, minor, ok := parseMajorMinor(cfg.DiskstatsDevice); ok {
			sessCfg.DiskstatsDevice = devid.MakeDev(major, minor)
		} else {
			logger.Warn("diskstats_device malformed, ignoring", slog.String("value", cfg.DiskstatsDevice))
		}
	}

	var signalDaemonizeOnce sync.Once
	signalDaemonizeOutcome := func(outcomeErr error) {
		if !daemonizing {
			return
		}
		signalDaemonizeOnce.Do(func() {
			if err := daemonize.SignalOutcome(outcomeErr); err != nil {
				logger.Warn("daemonize: signal outcome to parent failed", slog.Any("error", err))
			}
		})
	}
	if daemonizing {
		sessCfg.OnArmed = func() { signalDaemonizeOutcome(nil) }
	}

	sess := session.New(fs, sessCfg, logger, names, pw, openSuperblock, decisions, bc, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/live", live.NewHandler(bc, logger, 10*time.Second))

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz/live server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		err := sess.Run()
		// If arming failed before OnArmed ever fired, the daemonising
		// parent is still blocked waiting for an outcome; deliver the
		// failure. A no-op once OnArmed has already signaled success.
		signalDaemonizeOutcome(err)
		runErrCh <- err
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal before session completed", slog.String("signal", sig.String()))
	case err := <-runErrCh:
		if err != nil {
			logger.Error("session failed", slog.Any("error", err))
			exitCode = 2
			if errors.Is(err, session.ErrUnopenableTraceStream) {
				exitCode = 4
			}
		} else {
			logger.Info("session completed")
		}
	}

	if reporter != nil {
		reporter.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	logger.Info("tracepackd exited cleanly")
}

// daemonizeAndWait re-execs the current binary with daemonChildEnvVar set
// and blocks until the child signals its startup outcome (spec §4.7 step
// 4's fork-and-exit-parent). A raw fork(2) is unsafe here: the Go runtime
// is multi-threaded from startup, and fork only duplicates the calling
// thread, leaving the child with a runtime whose other OS threads never
// came along. Re-exec avoids
// that entirely by starting a fresh process instead of cloning a live one.
func daemonizeAndWait() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	env := append(os.Environ(), daemonChildEnvVar+"=1")
	return daemonize.Run(execPath, os.Args, env, os.Stdout)
}

// openSuperblock opens the block device backing dev via its /dev/block
// major:minor symlink and reads its ext2/3/4 superblock for postprocess's
// block-group annotation pass.
func openSuperblock(dev uint64) (*extfs.Superblock, error) {
	major, minor := devid.Major(dev), devid.Minor(dev)
	path := filepath.Join("/dev/block", fmt.Sprintf("%d:%d", major, minor))

	f, err := extfs.OpenBlockDevice(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return extfs.ReadSuperblock(f)
}

// buildDeviceFilter parses a config.DeviceFilter's "MAJOR:MINOR" allow/deny
// lists into a pathhandler.DeviceFilter. Malformed entries are logged and
// skipped rather than aborting startup. Returns nil when both lists are
// empty, matching pathhandler's "nil tracks everything" convention.
func buildDeviceFilter(f config.DeviceFilter) *pathhandler.DeviceFilter {
	if len(f.Allow) == 0 && len(f.Deny) == 0 {
		return nil
	}
	return &pathhandler.DeviceFilter{
		Allow: parseDeviceList(f.Allow),
		Deny:  parseDeviceList(f.Deny),
	}
}

func parseDeviceList(entries []string) []uint64 {
	var devs []uint64
	for _, e := range entries {
		major, minor, ok := parseMajorMinor(e)
		if !ok {
			continue
		}
		devs = append(devs, devid.MakeDev(major, minor))
	}
	return devs
}

func parseMajorMinor(s string) (major, minor uint64, ok bool) {
	var maj, min uint64
	if _, err := fmt.Sscanf(s, "%d:%d", &maj, &min); err != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
