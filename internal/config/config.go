// Package config provides YAML configuration loading and validation for the
// tracepackd session controller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for a tracepackd session.
type Config struct {
	// WindowDuration bounds the observation window between arming the
	// tracer and draining it (spec §4.7 step 5). Required, must be > 0.
	WindowDuration time.Duration `yaml:"window_duration"`

	// Daemonize re-execs the binary into the background and exits the
	// parent once the tracer is armed, matching §4.7 step 4. A real
	// fork(2) is unsafe once the Go runtime has started extra goroutines,
	// so this is implemented as a re-exec-and-signal handshake
	// (internal/session's OnArmed hook, cmd/tracepackd's daemonize.Run)
	// rather than a raw fork. Defaults to false.
	Daemonize bool `yaml:"daemonize"`

	// DiskstatsDevice optionally names a block device, as "MAJOR:MINOR",
	// to sample read-I/O counters for before and after the drain window.
	// Empty disables diskstats instrumentation.
	DiskstatsDevice string `yaml:"diskstats_device,omitempty"`

	// TracingDir is the mount point of the tracefs/debugfs instance used
	// for event enable files, buffer sizing, and the trace snapshot file the
	// session drains. Defaults to
	// "/sys/kernel/debug/tracing" when omitted.
	TracingDir string `yaml:"tracing_dir"`

	// DeviceFilter restricts which devices are tracked by the path handler.
	// An empty filter tracks every device encountered.
	DeviceFilter DeviceFilter `yaml:"device_filter"`

	// PathPrefixFilter, when non-empty, drops any path that does not begin
	// with this prefix (§4.3 step 3).
	PathPrefixFilter string `yaml:"path_prefix_filter,omitempty"`

	// PrefixRewrite optionally rewrites paths under a chroot/overlay so
	// that they are resolved against the real on-disk location (§4.3 step
	// 4). Optional; when set, prefix is required and expected_st_dev
	// defaults to 0 if omitted.
	PrefixRewrite *PrefixRewrite `yaml:"prefix_rewrite,omitempty"`

	// ForceNonRotational overrides per-device rotationality detection and
	// treats every device as non-rotational (§4.4).
	ForceNonRotational bool `yaml:"force_non_rotational"`

	// PackStorePath is the path to the local SQLite database tracking
	// built packs pending upload to the dashboard.
	PackStorePath string `yaml:"packstore_path"`

	// AuditLogPath is the path to the tamper-evident decision log recording
	// path-handler accept/reject outcomes.
	AuditLogPath string `yaml:"audit_log_path"`

	// Dashboard holds the optional fleet-reporting endpoint configuration.
	// When Addr is empty, pack submission is disabled and packs remain
	// local to PackStorePath only.
	Dashboard DashboardConfig `yaml:"dashboard"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// DeviceFilter is an allow/deny list of device identifiers in "MAJOR:MINOR"
// textual form, matching the sysfs path convention used for rotational
// detection.
type DeviceFilter struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// PrefixRewrite pairs a replacement prefix with the device the rewritten
// path is expected to resolve onto (spec §4.3 step 4).
type PrefixRewrite struct {
	Prefix        string `yaml:"prefix"`
	ExpectedStDev uint64 `yaml:"expected_st_dev"`
}

// TLSConfig holds certificate and key paths for mTLS to the dashboard.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

// DashboardConfig configures the optional pack-submission reporter.
type DashboardConfig struct {
	// Addr is the base URL of the dashboard REST API
	// (e.g. "https://dashboard.example.com:8443"). Empty disables reporting.
	Addr string `yaml:"addr"`

	// TLS holds the mTLS material used when Addr is set.
	TLS TLSConfig `yaml:"tls"`

	// HostID is this host's stable identifier in the fleet catalog.
	HostID string `yaml:"host_id"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.TracingDir == "" {
		cfg.TracingDir = "/sys/kernel/debug/tracing"
	}
	if cfg.PackStorePath == "" {
		cfg.PackStorePath = "/var/lib/tracepackd/packstore.db"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "/var/lib/tracepackd/decisions.log"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.WindowDuration <= 0 {
		errs = append(errs, errors.New("window_duration must be a positive duration"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.PrefixRewrite != nil && cfg.PrefixRewrite.Prefix == "" {
		errs = append(errs, errors.New("prefix_rewrite.prefix is required when prefix_rewrite is set"))
	}
	if cfg.Dashboard.Addr != "" {
		if cfg.Dashboard.TLS.CertPath == "" {
			errs = append(errs, errors.New("dashboard.tls.cert_path is required when dashboard.addr is set"))
		}
		if cfg.Dashboard.TLS.KeyPath == "" {
			errs = append(errs, errors.New("dashboard.tls.key_path is required when dashboard.addr is set"))
		}
		if cfg.Dashboard.TLS.CAPath == "" {
			errs = append(errs, errors.New("dashboard.tls.ca_path is required when dashboard.addr is set"))
		}
		if cfg.Dashboard.HostID == "" {
			errs = append(errs, errors.New("dashboard.host_id is required when dashboard.addr is set"))
		}
	}

	return errors.Join(errs...)
}
