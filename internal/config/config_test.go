package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tracepackd/tracepackd/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
window_duration: 30s
tracing_dir: /sys/kernel/debug/tracing
log_level: debug
health_addr: "127.0.0.1:9001"
device_filter:
  allow: ["8:0"]
diskstats_device: "8:0"
daemonize: true
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.WindowDuration != 30*time.Second {
		t.Errorf("WindowDuration = %v, want 30s", cfg.WindowDuration)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
	if len(cfg.DeviceFilter.Allow) != 1 || cfg.DeviceFilter.Allow[0] != "8:0" {
		t.Errorf("DeviceFilter.Allow = %+v", cfg.DeviceFilter.Allow)
	}
	if cfg.DiskstatsDevice != "8:0" {
		t.Errorf("DiskstatsDevice = %q, want %q", cfg.DiskstatsDevice, "8:0")
	}
	if !cfg.Daemonize {
		t.Errorf("Daemonize = false, want true")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTemp(t, "window_duration: 15s\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9000")
	}
	if cfg.TracingDir != "/sys/kernel/debug/tracing" {
		t.Errorf("default TracingDir = %q", cfg.TracingDir)
	}
	if cfg.PackStorePath == "" || cfg.AuditLogPath == "" {
		t.Errorf("expected default packstore/audit paths to be set")
	}
}

func TestLoadConfig_MissingWindowDuration(t *testing.T) {
	path := writeTemp(t, "log_level: info\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing window_duration, got nil")
	}
	if !strings.Contains(err.Error(), "window_duration") {
		t.Errorf("error %q does not mention window_duration", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, "window_duration: 30s\nlog_level: verbose\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_DashboardRequiresTLS(t *testing.T) {
	yaml := `
window_duration: 30s
dashboard:
  addr: "https://dashboard.example.com:8443"
  host_id: "host-1"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for dashboard without TLS material, got nil")
	}
	if !strings.Contains(err.Error(), "cert_path") {
		t.Errorf("error %q does not mention cert_path", err.Error())
	}
}

func TestLoadConfig_DashboardValid(t *testing.T) {
	yaml := `
window_duration: 30s
dashboard:
  addr: "https://dashboard.example.com:8443"
  host_id: "host-1"
  tls:
    cert_path: /etc/tracepackd/client.crt
    key_path: /etc/tracepackd/client.key
    ca_path: /etc/tracepackd/ca.crt
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dashboard.Addr != "https://dashboard.example.com:8443" {
		t.Errorf("Dashboard.Addr = %q", cfg.Dashboard.Addr)
	}
}

func TestLoadConfig_PrefixRewriteRequiresPrefix(t *testing.T) {
	yaml := `
window_duration: 30s
prefix_rewrite:
  expected_st_dev: 2048
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for prefix_rewrite without prefix, got nil")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
