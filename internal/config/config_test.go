package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envConfigFile, envListenAddr, envWorkerAddr, envWorkerListen, envLogLevel,
		envPython, envSiteDir, envIndexURL, envPackageListURL, envPackageListTTL,
		envPackages, envBatchSize, envCacheBackend, envDBPath, envMinIOEndpoint,
		envMinIOAccessKey, envMinIOSecretKey, envMinIOBucket, envMinIOUseSSL,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.WorkerAddr != "" {
		t.Errorf("WorkerAddr = %q, want empty", cfg.WorkerAddr)
	}
	if cfg.WheelCache.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.WheelCache.DBPath, defaultDBPath)
	}
	if cfg.WheelCache.Backend != CacheSQLite {
		t.Errorf("Backend = %q, want %q", cfg.WheelCache.Backend, CacheSQLite)
	}
	if cfg.PackageListTTL != 24*time.Hour {
		t.Errorf("PackageListTTL = %v, want 24h", cfg.PackageListTTL)
	}
	if cfg.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want 3", cfg.BatchSize)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envWorkerAddr, "unix:/tmp/w.sock")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envPackages, "numpy, pandas,,scipy")
	t.Setenv(envPackageListTTL, "1h")
	t.Setenv(envBatchSize, "5")
	t.Setenv(envCacheBackend, "MinIO")
	t.Setenv(envMinIOUseSSL, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.WorkerAddr != "unix:/tmp/w.sock" {
		t.Errorf("WorkerAddr = %q", cfg.WorkerAddr)
	}
	if cfg.WheelCache.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.WheelCache.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	want := []string{"numpy", "pandas", "scipy"}
	if len(cfg.DefaultPackages) != len(want) {
		t.Fatalf("DefaultPackages = %v, want %v", cfg.DefaultPackages, want)
	}
	for i := range want {
		if cfg.DefaultPackages[i] != want[i] {
			t.Errorf("DefaultPackages[%d] = %q, want %q", i, cfg.DefaultPackages[i], want[i])
		}
	}
	if cfg.PackageListTTL != time.Hour {
		t.Errorf("PackageListTTL = %v, want 1h", cfg.PackageListTTL)
	}
	if cfg.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.BatchSize)
	}
	if cfg.WheelCache.Backend != CacheMinIO {
		t.Errorf("Backend = %q, want %q", cfg.WheelCache.Backend, CacheMinIO)
	}
	if !cfg.WheelCache.MinIO.UseSSL {
		t.Error("MinIO.UseSSL = false, want true")
	}
}

func TestLoadFromFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "cellkernel.yaml")
	content := `
listen_addr: ":7070"
log_level: warn
package_list_url: http://lists.internal/packages.json
package_list_ttl: 2h
default_packages: [numpy, sympy]
wheel_cache:
  backend: none
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigFile, path)
	t.Setenv(envListenAddr, ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want env override %q", cfg.ListenAddr, ":6060")
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.PackageListURL != "http://lists.internal/packages.json" {
		t.Errorf("PackageListURL = %q", cfg.PackageListURL)
	}
	if cfg.PackageListTTL != 2*time.Hour {
		t.Errorf("PackageListTTL = %v, want 2h", cfg.PackageListTTL)
	}
	if len(cfg.DefaultPackages) != 2 {
		t.Errorf("DefaultPackages = %v, want 2 entries", cfg.DefaultPackages)
	}
	if cfg.WheelCache.Backend != CacheNone {
		t.Errorf("Backend = %q, want none", cfg.WheelCache.Backend)
	}
	if cfg.WheelCache.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want default kept", cfg.WheelCache.DBPath)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv(envCacheBackend, "redis")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded, want error for unknown backend")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}
