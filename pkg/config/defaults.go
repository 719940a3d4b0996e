package config

import (
	"strings"
	"time"

	"github.com/arcusdb/realmsync/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields, after loading from file and environment.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyRealmDefaults(&cfg.Realm)
	applyWorkerDefaults(&cfg.Worker)
	applyConnectionDefaults(&cfg.Connection)
	applyAdminDefaults(&cfg.Admin)
	applyAdminStoreDefaults(&cfg.AdminStore)
	applyBackupDefaults(&cfg.Backup)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7070"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}
	}
}

func applyRealmDefaults(cfg *RealmConfig) {
	if cfg.Root == "" {
		cfg.Root = "/var/lib/realmsyncd/realms"
	}
	if cfg.MaxDownloadSize == 0 {
		cfg.MaxDownloadSize = 4 * bytesize.MB
	}
	if cfg.CompressionMinSize == 0 {
		cfg.CompressionMinSize = 256 * bytesize.B
	}
	if cfg.CompactionSweep == 0 {
		cfg.CompactionSweep = time.Minute
	}
}

func applyWorkerDefaults(cfg *WorkerConfig) {
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.AuxPoolCapacity == 0 {
		cfg.AuxPoolCapacity = 4
	}
}

func applyConnectionDefaults(cfg *ConnectionConfig) {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.SoftCloseTimeout == 0 {
		cfg.SoftCloseTimeout = 5 * time.Second
	}
}

func applyAdminDefaults(cfg *AdminConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

func applyAdminStoreDefaults(cfg *AdminStoreConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.DSN == "" && cfg.Driver == "sqlite" {
		cfg.DSN = "/var/lib/realmsyncd/admin.db"
	}
}

func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.UploadConcurrency == 0 {
		cfg.UploadConcurrency = 2
	}
}

// GetDefaultConfig returns a fully defaulted configuration, used when no
// config file is found and by tests that need a valid baseline.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
