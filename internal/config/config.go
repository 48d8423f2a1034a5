package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr     = ":8080"
	defaultWorkerListen   = "unix:cellkernel-worker.sock"
	defaultPython         = "python3"
	defaultSiteDir        = "cellkernel-site"
	defaultIndexURL       = "https://pypi.org"
	defaultPackageListTTL = 24 * time.Hour
	defaultBatchSize      = 3
	defaultDBPath         = "cellkernel-wheels.db"
	defaultMinIOBucket    = "cellkernel-wheels"

	envConfigFile     = "CELLKERNEL_CONFIG"
	envListenAddr     = "CELLKERNEL_LISTEN_ADDR"
	envWorkerAddr     = "CELLKERNEL_WORKER_ADDR"
	envWorkerListen   = "CELLKERNEL_WORKER_LISTEN"
	envLogLevel       = "CELLKERNEL_LOG_LEVEL"
	envPython         = "CELLKERNEL_PYTHON"
	envSiteDir        = "CELLKERNEL_SITE_DIR"
	envIndexURL       = "CELLKERNEL_INDEX_URL"
	envPackageListURL = "CELLKERNEL_PACKAGE_LIST_URL"
	envPackageListTTL = "CELLKERNEL_PACKAGE_LIST_TTL"
	envPackages       = "CELLKERNEL_DEFAULT_PACKAGES"
	envBatchSize      = "CELLKERNEL_BATCH_SIZE"
	envCacheBackend   = "CELLKERNEL_WHEEL_CACHE"
	envDBPath         = "CELLKERNEL_DB_PATH"
	envMinIOEndpoint  = "CELLKERNEL_MINIO_ENDPOINT"
	envMinIOAccessKey = "CELLKERNEL_MINIO_ACCESS_KEY"
	envMinIOSecretKey = "CELLKERNEL_MINIO_SECRET_KEY"
	envMinIOBucket    = "CELLKERNEL_MINIO_BUCKET"
	envMinIOUseSSL    = "CELLKERNEL_MINIO_USE_SSL"
	envMinIORegion    = "CELLKERNEL_MINIO_REGION"
)

// Wheel cache backends.
const (
	CacheSQLite = "sqlite"
	CacheMinIO  = "minio"
	CacheNone   = "none"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by CELLKERNEL_CONFIG, then environment variables.
type Config struct {
	ListenAddr   string     `yaml:"listen_addr"`
	WorkerAddr   string     `yaml:"worker_addr"`
	WorkerListen string     `yaml:"worker_listen"`
	LogLevel     slog.Level `yaml:"-"`

	Python   string `yaml:"python"`
	SiteDir  string `yaml:"site_dir"`
	IndexURL string `yaml:"index_url"`

	PackageListURL  string        `yaml:"package_list_url"`
	PackageListTTL  time.Duration `yaml:"package_list_ttl"`
	DefaultPackages []string      `yaml:"default_packages"`
	BatchSize       int           `yaml:"batch_size"`

	WheelCache WheelCacheConfig `yaml:"wheel_cache"`
}

// WheelCacheConfig selects and configures the persistent wheel store.
type WheelCacheConfig struct {
	Backend string      `yaml:"backend"`
	DBPath  string      `yaml:"db_path"`
	MinIO   MinIOConfig `yaml:"minio"`
}

// MinIOConfig holds the S3-compatible endpoint used by the minio backend.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// fileConfig mirrors Config for YAML decoding; the log level is a string there.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		WorkerListen:   defaultWorkerListen,
		LogLevel:       slog.LevelInfo,
		Python:         defaultPython,
		SiteDir:        defaultSiteDir,
		IndexURL:       defaultIndexURL,
		PackageListTTL: defaultPackageListTTL,
		BatchSize:      defaultBatchSize,
		WheelCache: WheelCacheConfig{
			Backend: CacheSQLite,
			DBPath:  defaultDBPath,
			MinIO:   MinIOConfig{Bucket: defaultMinIOBucket},
		},
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	switch cfg.WheelCache.Backend {
	case CacheSQLite, CacheMinIO, CacheNone:
	default:
		return Config{}, fmt.Errorf("unknown wheel cache backend %q", cfg.WheelCache.Backend)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	*cfg = fc.Config
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envWorkerAddr); v != "" {
		cfg.WorkerAddr = v
	}
	if v := os.Getenv(envWorkerListen); v != "" {
		cfg.WorkerListen = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envPython); v != "" {
		cfg.Python = v
	}
	if v := os.Getenv(envSiteDir); v != "" {
		cfg.SiteDir = v
	}
	if v := os.Getenv(envIndexURL); v != "" {
		cfg.IndexURL = v
	}
	if v := os.Getenv(envPackageListURL); v != "" {
		cfg.PackageListURL = v
	}
	if v := os.Getenv(envPackageListTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PackageListTTL = d
		}
	}
	if v := os.Getenv(envPackages); v != "" {
		cfg.DefaultPackages = splitList(v)
	}
	if v := os.Getenv(envBatchSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv(envCacheBackend); v != "" {
		cfg.WheelCache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.WheelCache.DBPath = v
	}
	if v := os.Getenv(envMinIOEndpoint); v != "" {
		cfg.WheelCache.MinIO.Endpoint = v
	}
	if v := os.Getenv(envMinIOAccessKey); v != "" {
		cfg.WheelCache.MinIO.AccessKey = v
	}
	if v := os.Getenv(envMinIOSecretKey); v != "" {
		cfg.WheelCache.MinIO.SecretKey = v
	}
	if v := os.Getenv(envMinIOBucket); v != "" {
		cfg.WheelCache.MinIO.Bucket = v
	}
	if v := os.Getenv(envMinIOUseSSL); v != "" {
		cfg.WheelCache.MinIO.UseSSL = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envMinIORegion); v != "" {
		cfg.WheelCache.MinIO.Region = v
	}
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
