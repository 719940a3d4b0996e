package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcusdb/realmsync/internal/adapter"
	"github.com/arcusdb/realmsync/internal/logger"
	"github.com/arcusdb/realmsync/internal/telemetry"
	"github.com/arcusdb/realmsync/pkg/admin"
	"github.com/arcusdb/realmsync/pkg/adminstore"
	"github.com/arcusdb/realmsync/pkg/auth"
	"github.com/arcusdb/realmsync/pkg/backup"
	"github.com/arcusdb/realmsync/pkg/config"
	"github.com/arcusdb/realmsync/pkg/connection"
	"github.com/arcusdb/realmsync/pkg/coordinator"
	"github.com/arcusdb/realmsync/pkg/history/boltstore"
	"github.com/arcusdb/realmsync/pkg/metrics/prometheus"
	"github.com/arcusdb/realmsync/pkg/server"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the realmsyncd server",
	Long: `Start the realmsyncd synchronization server with the specified
configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/realmsyncd/config.yaml.

Examples:
  # Start with default config location
  realmsyncd start

  # Start with custom config file
  realmsyncd start --config /etc/realmsyncd/config.yaml

  # Start with environment variable overrides
  REALMSYNC_LOGGING_LEVEL=DEBUG realmsyncd start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", true, "run in the foreground")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "realmsyncd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "realmsyncd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("realmsyncd - realm synchronization server")
	logger.Info("log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("profiling disabled")
	}

	log := logger.With("component", "realmsyncd")

	recorder := prometheus.New(nil)

	adminStore, err := adminstore.Open(cfg.AdminStore)
	if err != nil {
		return fmt.Errorf("failed to open admin store: %w", err)
	}
	logger.Info("admin store opened", "driver", cfg.AdminStore.Driver)

	sink, err := backup.New(ctx, cfg.Backup, recorder)
	if err != nil {
		return fmt.Errorf("failed to initialize backup sink: %w", err)
	}
	// sink is a typed *backup.Sink; only assign it to the server.BackupSink
	// interface when non-nil, or a nil *Sink wrapped in a non-nil interface
	// would make s.backup != nil true for a "disabled" sink.
	var backupSink server.BackupSink
	if sink != nil {
		backupSink = sink
		logger.Info("backup sink enabled", "bucket", cfg.Backup.Bucket, "prefix", cfg.Backup.Prefix)
	} else {
		logger.Info("backup sink disabled")
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer})
	if err != nil {
		return fmt.Errorf("failed to initialize auth verifier: %w", err)
	}

	srvCfg := server.Config{
		RealmRoot: cfg.Realm.Root,
		CoordinatorConfig: coordinator.Config{
			CompactionTTL:      cfg.Realm.CompactionTTL,
			MaxDownloadSize:    int64(cfg.Realm.MaxDownloadSize),
			CompressionMinSize: int64(cfg.Realm.CompressionMinSize),
		},
		WorkerQueueDepth: cfg.Worker.QueueDepth,
		AuxPoolCapacity:  cfg.Worker.AuxPoolCapacity,
		CompactionSweep:  cfg.Realm.CompactionSweep,
		CompactionTTL:    cfg.Realm.CompactionTTL,
	}

	root := server.New(srvCfg, boltstore.NewProvider(), verifier, adminStore, backupSink, recorder, recorder, log)

	adminSrv := admin.NewServer(admin.Config{
		Addr:         cfg.Admin.Listen,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		IdleTimeout:  cfg.Admin.IdleTimeout,
	}, root, log)

	wsHandler := adapter.NewHandler(root, verifier, recorder, log, connection.Config{
		HeartbeatTimeout: cfg.Connection.HeartbeatTimeout,
		SoftCloseTimeout: cfg.Connection.SoftCloseTimeout,
	})

	mux := http.NewServeMux()
	mux.Handle("/sync", wsHandler)
	syncSrv := &http.Server{Addr: cfg.Listen, Handler: mux}

	serverDone := make(chan error, 1)
	go func() { serverDone <- root.Start(ctx) }()

	adminDone := make(chan error, 1)
	go func() { adminDone <- adminSrv.Start(ctx) }()

	syncDone := make(chan error, 1)
	go func() {
		logger.Info("sync transport listening", "addr", cfg.Listen)
		err := syncSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		syncDone <- err
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running; press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serverDone:
		if err != nil {
			logger.Error("server root stopped with error", "error", err)
		}
	case err := <-syncDone:
		if err != nil {
			logger.Error("sync transport stopped with error", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := syncSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("sync transport shutdown error", "error", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			logger.Error("server root shutdown error", "error", err)
			return err
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("server root did not stop within shutdown timeout")
	}

	logger.Info("realmsyncd stopped")
	return nil
}
