// Package server implements the Server Root (component F): the registry of
// realm files, the worker pool wiring, the compaction TTL sweep, and the
// lifecycle that ties every other component together into a runnable
// daemon.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arcusdb/realmsync/pkg/auth"
	"github.com/arcusdb/realmsync/pkg/coordinator"
	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/protocol"
	"github.com/arcusdb/realmsync/pkg/realmpath"
	"github.com/arcusdb/realmsync/pkg/session"
	"github.com/arcusdb/realmsync/pkg/worker"
)

// BlacklistStore reports whether a client file identifier has been
// administratively blocked for a virtual path. pkg/adminstore supplies a
// persistent implementation; tests may use an in-memory one.
type BlacklistStore interface {
	IsBlacklisted(virtualPath string, cfi cursor.FileIdent) bool
}

// BackupSink uploads a realm's on-disk snapshot to cold storage when history
// integration reports one is due. pkg/backup supplies the S3-backed
// implementation; a nil BackupSink disables backups entirely.
type BackupSink interface {
	UploadSnapshot(ctx context.Context, virtualPath, realFilePath string) error
}

// Config tunes the server root's lifecycle and per-file defaults.
type Config struct {
	RealmRoot          string
	CoordinatorConfig  coordinator.Config
	WorkerQueueDepth   int
	AuxPoolCapacity    int
	CompactionSweep    time.Duration
	CompactionTTL      time.Duration
}

// Server owns the realm-file registry and every long-lived subsystem the
// core depends on: the worker pool, the auxiliary pool, metrics, the
// access-token verifier, and the history store provider.
type Server struct {
	cfg      Config
	provider history.Provider
	pool     *worker.Pool
	aux      *worker.AuxPool
	coordMetrics coordinator.Metrics
	verifier auth.Verifier
	blacklist BlacklistStore
	backup   BackupSink
	log      *slog.Logger

	mu    sync.RWMutex
	files map[string]*coordinator.File

	startedAt time.Time
}

// New constructs a Server Root. cm/wm may each be nil, in which case the
// corresponding subsystem runs with no-op metrics. backup may be nil, in
// which case whole-realm snapshot backups are disabled.
func New(cfg Config, provider history.Provider, verifier auth.Verifier, blacklist BlacklistStore, backup BackupSink,
	cm coordinator.Metrics, wm worker.Metrics, log *slog.Logger) *Server {

	if cfg.CompactionSweep == 0 {
		cfg.CompactionSweep = time.Minute
	}
	if blacklist == nil {
		blacklist = noopBlacklist{}
	}

	return &Server{
		cfg:          cfg,
		provider:     provider,
		pool:         worker.NewPool(cfg.WorkerQueueDepth, wm),
		aux:          worker.NewAuxPool(cfg.AuxPoolCapacity),
		coordMetrics: cm,
		verifier:     verifier,
		blacklist:    blacklist,
		backup:       backup,
		log:          log,
		files:        make(map[string]*coordinator.File),
	}
}

type noopBlacklist struct{}

func (noopBlacklist) IsBlacklisted(string, cursor.FileIdent) bool { return false }

var _ session.FileResolver = (*Server)(nil)

// GetOrCreateFile is idempotent: it validates vpath, creates the parent
// directory on first creation, opens/creates the backing history store,
// constructs and activates the coordinator, and registers it.
func (s *Server) GetOrCreateFile(ctx context.Context, vpath string) (*coordinator.File, error) {
	s.mu.RLock()
	if f, ok := s.files[vpath]; ok {
		s.mu.RUnlock()
		return f, nil
	}
	s.mu.RUnlock()

	fullPath, err := realmpath.Resolve(s.cfg.RealmRoot, vpath)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[vpath]; ok {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("server: create realm directory for %s: %w", vpath, err)
	}

	store, err := s.provider.Open(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("server: open history store for %s: %w", vpath, err)
	}

	f := coordinator.New(vpath, store, s.pool, s.aux, s.coordMetrics, s.log.With("realm", vpath), s.cfg.CoordinatorConfig)
	if err := f.Activate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if s.backup != nil {
		f.SetOnBackupRequested(func(virtualPath string) {
			if err := s.backup.UploadSnapshot(context.Background(), virtualPath, fullPath); err != nil {
				s.log.Warn("realm snapshot backup failed", "realm", virtualPath, "error", err)
			}
		})
	}
	f.SetOnDeleted(func() {
		s.mu.Lock()
		delete(s.files, vpath)
		n := len(s.files)
		s.mu.Unlock()
		s.reportOpenFiles(n)
	})

	s.files[vpath] = f
	s.reportOpenFiles(len(s.files))
	return f, nil
}

func (s *Server) reportOpenFiles(n int) {
	if s.coordMetrics != nil {
		s.coordMetrics.SetOpenFiles(n)
	}
}

// IsBlacklisted implements session.FileResolver.
func (s *Server) IsBlacklisted(vpath string, cfi cursor.FileIdent) bool {
	return s.blacklist.IsBlacklisted(vpath, cfi)
}

// FindZombie implements session.FileResolver: if cfi is already bound on a
// different connection than excludeConn, it returns a closure that
// terminates that stale session.
func (s *Server) FindZombie(vpath string, cfi cursor.FileIdent, excludeConn string) (func(), bool) {
	s.mu.RLock()
	f, ok := s.files[vpath]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	handle, found := f.BoundSession(cfi)
	if !found {
		return nil, false
	}
	sess, ok := handle.(zombieHandle)
	if !ok || sess.ConnID() == excludeConn {
		return nil, false
	}
	return func() {
		sess.NotifySessionError(protocol.ErrBoundInOtherSession, "client file rebound from another connection")
	}, true
}

// zombieHandle is the slice of *session.Session FindZombie needs beyond
// coordinator.SessionHandle: the owning connection's identifier.
type zombieHandle interface {
	coordinator.SessionHandle
	ConnID() string
}

// Lookup returns the coordinator for an already-created virtual path.
func (s *Server) Lookup(vpath string) (*coordinator.File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[vpath]
	return f, ok
}

// All returns every currently registered coordinator, for the admin info
// surface and the compaction sweep.
func (s *Server) All() []*coordinator.File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*coordinator.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out
}

// Verifier exposes the configured auth.Verifier for the admin HTTP layer.
func (s *Server) Verifier() auth.Verifier { return s.verifier }

// AuxPool exposes the bounded auxiliary pool for components (e.g. backup
// uploads) that need parallel, shed-able jobs outside the single-writer
// path.
func (s *Server) AuxPool() *worker.AuxPool { return s.aux }

// Start runs the primary worker, the completion dispatcher, and the
// compaction TTL sweep until ctx is cancelled, then drains in-flight work
// before returning.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.pool.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runDispatcher(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runCompactionSweep(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	s.pool.Stop()
	s.aux.Close()
	return nil
}

// runDispatcher plays the cooperative I/O thread's role for work-unit
// post-processing: every Unit the primary worker finishes is a *File, whose
// FinalizeCompletion must run off the worker goroutine.
func (s *Server) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-s.pool.Completions():
			if !ok {
				return
			}
			f, ok := unit.(*coordinator.File)
			if !ok {
				continue
			}
			f.FinalizeCompletion(ctx)
		}
	}
}

func (s *Server) runCompactionSweep(ctx context.Context) {
	if s.cfg.CompactionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CompactionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, f := range s.All() {
				if len(f.CompactionCandidates(now, s.cfg.CompactionTTL)) > 0 {
					f.InitiateCompaction()
				}
			}
		}
	}
}

// Uptime reports how long the server has been running, for the admin info
// endpoint.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
