// Package config loads and validates the realmsyncd server configuration:
// logging, telemetry, the realm file registry, the worker pool, the admin
// HTTP surface, and the optional backup sink.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (REALMSYNC_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arcusdb/realmsync/internal/bytesize"
)

// Config is the static configuration of a realmsyncd server.
//
// Dynamic configuration — the client-file blacklist and compaction
// overrides for an individual realm — lives in the admin store database
// instead, and is managed through the admin HTTP API.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Listen is the host:port the WebSocket sync transport binds to.
	Listen string `mapstructure:"listen" validate:"required" yaml:"listen"`

	// Realm configures the realm file registry: where realm databases
	// live on disk and the defaults new File Coordinators are constructed
	// with.
	Realm RealmConfig `mapstructure:"realm" yaml:"realm"`

	// Worker configures the primary single-writer worker and the bounded
	// auxiliary pool.
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`

	// Connection configures per-connection heartbeat and soft-close
	// timing.
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`

	// Auth configures the JWT bearer-token verifier used by the admin API
	// and, when bind_requires_auth is set, by BIND itself.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Admin configures the admin HTTP server (info, health, metrics,
	// compact, delete).
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// AdminStore configures the persistent store backing the realm
	// registry, the client-file blacklist, and the audit log.
	AdminStore AdminStoreConfig `mapstructure:"admin_store" yaml:"admin_store"`

	// Backup configures the optional S3 snapshot upload sink. Disabled
	// unless Backup.Enabled is set.
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// RealmConfig configures where realm files live and their defaults.
type RealmConfig struct {
	// Root is the directory realm virtual paths are resolved under.
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// MaxDownloadSize bounds how much history a single DOWNLOAD turn may
	// scan before yielding, expressed as a human-readable size ("4MB").
	MaxDownloadSize bytesize.ByteSize `mapstructure:"max_download_size" yaml:"max_download_size"`

	// CompressionMinSize is the body size above which a DOWNLOAD body is
	// a zstd compression candidate.
	CompressionMinSize bytesize.ByteSize `mapstructure:"compression_min_size" yaml:"compression_min_size"`

	// CompactionSweep is how often the server root scans for realms with
	// stale client file identifiers to compact.
	CompactionSweep time.Duration `mapstructure:"compaction_sweep" yaml:"compaction_sweep"`

	// CompactionTTL is how long a client file identifier may go
	// unaccessed before it becomes a compaction candidate. Zero disables
	// the automatic sweep.
	CompactionTTL time.Duration `mapstructure:"compaction_ttl" yaml:"compaction_ttl"`
}

// WorkerConfig tunes the primary worker's queue and the auxiliary pool's
// capacity.
type WorkerConfig struct {
	// QueueDepth bounds the primary worker's pending work-unit queue.
	QueueDepth int `mapstructure:"queue_depth" validate:"omitempty,min=1" yaml:"queue_depth"`

	// AuxPoolCapacity bounds concurrent auxiliary jobs (snapshot uploads,
	// background verification) run outside the single-writer path.
	AuxPoolCapacity int `mapstructure:"aux_pool_capacity" validate:"omitempty,min=1" yaml:"aux_pool_capacity"`
}

// ConnectionConfig tunes per-connection liveness policy.
type ConnectionConfig struct {
	// HeartbeatTimeout is how long a connection may go without a PING
	// before it's reaped as idle.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// SoftCloseTimeout is how long a connection waits after sending its
	// final ERROR frame before the transport is closed.
	SoftCloseTimeout time.Duration `mapstructure:"soft_close_timeout" yaml:"soft_close_timeout"`
}

// AuthConfig configures the JWT bearer-token verifier.
type AuthConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// Issuer is the expected token issuer claim.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	// Listen is the host:port the admin HTTP server binds to.
	Listen string `mapstructure:"listen" yaml:"listen"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// AdminStoreConfig configures the realm registry / blacklist / audit log
// persistence layer (SQLite or PostgreSQL, via GORM).
type AdminStoreConfig struct {
	// Driver selects "sqlite" or "postgres".
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres" yaml:"driver"`

	// DSN is the driver-specific connection string. For sqlite, a file
	// path; for postgres, a libpq connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// BackupConfig configures the S3 snapshot upload sink.
type BackupConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Bucket is the destination S3 bucket for realm snapshots.
	Bucket string `mapstructure:"bucket" validate:"required_if=Enabled true" yaml:"bucket"`

	// Prefix is prepended to every uploaded object key.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// Region is the AWS region the bucket lives in.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint, for S3-compatible stores
	// (MinIO, etc). Empty uses the AWS default resolver.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UploadConcurrency bounds how many snapshot uploads the auxiliary
	// pool may run at once.
	UploadConcurrency int `mapstructure:"upload_concurrency" validate:"omitempty,min=1" yaml:"upload_concurrency"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file
	// path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP surface, served
// alongside the admin API at /metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration, producing a user-friendly error if no
// config file exists at the resolved path.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  realmsyncd init\n\n"+
				"Or specify a custom config file:\n"+
				"  realmsyncd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  realmsyncd init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("REALMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "realmsyncd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "realmsyncd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path, exposed for the
// init command.
func GetConfigDir() string {
	return getConfigDir()
}
