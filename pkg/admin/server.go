package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arcusdb/realmsync/pkg/server"
)

// Config tunes the admin HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Admin is the HTTP server exposing server info, health/readiness probes,
// Prometheus metrics, and administrative compaction/deletion mutations.
type Admin struct {
	httpServer *http.Server
	server     *server.Server
	cfg        Config
	log        *slog.Logger

	shutdownOnce sync.Once
}

// NewServer constructs an Admin HTTP server bound to the given Server Root.
// It is created stopped; call Start to begin serving.
func NewServer(cfg Config, root *server.Server, log *slog.Logger) *Admin {
	cfg.applyDefaults()

	a := &Admin{server: root, cfg: cfg, log: log}
	a.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      newRouter(a),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a
}

// Start serves admin HTTP requests until ctx is cancelled, then gracefully
// shuts down.
func (a *Admin) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.log.Info("admin server listening", "addr", a.cfg.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin server failed: %w", err)
	}
}

// Stop gracefully shuts down the admin server. Safe to call more than once.
func (a *Admin) Stop(ctx context.Context) error {
	var shutdownErr error
	a.shutdownOnce.Do(func() {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("admin server shutdown: %w", err)
			a.log.Error("admin server shutdown error", "error", err)
		} else {
			a.log.Info("admin server stopped gracefully")
		}
	})
	return shutdownErr
}
