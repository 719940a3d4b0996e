package server

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/history/memstore"
)

// memProvider hands out a fresh in-memory store per realm path, ignoring
// the filesystem entirely — enough for server-root lifecycle tests.
type memProvider struct{}

func (memProvider) Open(ctx context.Context, realFilePath string) (history.Store, error) {
	return memstore.New(), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{RealmRoot: dir, WorkerQueueDepth: 16, AuxPoolCapacity: 1}
	return New(cfg, memProvider{}, nil, nil, nil, nil, nil, testLogger())
}

func TestGetOrCreateFileIsIdempotent(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()

	f1, err := s.GetOrCreateFile(ctx, "tenants/acme/main")
	if err != nil {
		t.Fatalf("GetOrCreateFile: %v", err)
	}
	f2, err := s.GetOrCreateFile(ctx, "tenants/acme/main")
	if err != nil {
		t.Fatalf("GetOrCreateFile (second call): %v", err)
	}
	if f1 != f2 {
		t.Error("expected the same *coordinator.File instance for the same virtual path")
	}
}

func TestGetOrCreateFileRejectsEscapingPath(t *testing.T) {
	s := testServer(t)
	if _, err := s.GetOrCreateFile(context.Background(), "/../escape"); err == nil {
		t.Error("expected an error for a virtual path that escapes the realm root")
	}
}

func TestLookupAndAll(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()

	if _, ok := s.Lookup("tenants/acme/main"); ok {
		t.Error("expected Lookup to miss before the realm has been opened")
	}

	if _, err := s.GetOrCreateFile(ctx, "tenants/acme/main"); err != nil {
		t.Fatalf("GetOrCreateFile: %v", err)
	}

	if _, ok := s.Lookup("tenants/acme/main"); !ok {
		t.Error("expected Lookup to hit after the realm has been opened")
	}
	if len(s.All()) != 1 {
		t.Errorf("expected All() to report one realm, got %d", len(s.All()))
	}
}

func TestIsBlacklistedDefaultsToFalse(t *testing.T) {
	s := testServer(t)
	if s.IsBlacklisted("/tenants/acme/main", cursor.FileIdent(1)) {
		t.Error("expected no blacklist store to mean nothing is blacklisted")
	}
}

func TestUptimeAdvancesAfterStart(t *testing.T) {
	s := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	if s.Uptime() <= 0 {
		t.Error("expected positive uptime once Start has run")
	}
}
