//go:build integration

package adminstore

import (
	"context"
	"testing"

	"github.com/arcusdb/realmsync/pkg/config"
	"github.com/arcusdb/realmsync/pkg/cursor"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.AdminStoreConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return store
}

func TestIsBlacklisted(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if store.IsBlacklisted("/realm/a", cursor.FileIdent(1)) {
		t.Error("expected not blacklisted before any entry exists")
	}

	if err := store.Blacklist(ctx, "/realm/a", cursor.FileIdent(1), "client reported corrupt state"); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}

	if !store.IsBlacklisted("/realm/a", cursor.FileIdent(1)) {
		t.Error("expected blacklisted after Blacklist call")
	}
	if store.IsBlacklisted("/realm/a", cursor.FileIdent(2)) {
		t.Error("a different client file ident must not be blacklisted")
	}
	if store.IsBlacklisted("/realm/b", cursor.FileIdent(1)) {
		t.Error("a different virtual path must not be blacklisted")
	}
}

func TestBlacklistIdempotent(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if err := store.Blacklist(ctx, "/realm/a", cursor.FileIdent(1), "first"); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if err := store.Blacklist(ctx, "/realm/a", cursor.FileIdent(1), "second"); err != nil {
		t.Fatalf("Blacklist (second call): %v", err)
	}

	var count int64
	store.db.Model(&BlacklistEntry{}).Count(&count)
	if count != 1 {
		t.Errorf("expected exactly one row after duplicate Blacklist calls, got %d", count)
	}
}

func TestRecordRealmOpenAndList(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if err := store.RecordRealmOpen(ctx, "/realm/a"); err != nil {
		t.Fatalf("RecordRealmOpen: %v", err)
	}
	if err := store.RecordRealmOpen(ctx, "/realm/a"); err != nil {
		t.Fatalf("RecordRealmOpen (reopen): %v", err)
	}
	if err := store.RecordRealmOpen(ctx, "/realm/b"); err != nil {
		t.Fatalf("RecordRealmOpen: %v", err)
	}

	realms, err := store.ListRealms(ctx)
	if err != nil {
		t.Fatalf("ListRealms: %v", err)
	}
	if len(realms) != 2 {
		t.Fatalf("expected 2 realms, got %d", len(realms))
	}
}

func TestRecordAudit(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if err := store.RecordAudit(ctx, "/realm/a", "compact", "admin@example.com", ""); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	var count int64
	store.db.Model(&AuditEvent{}).Where("virtual_path = ? AND action = ?", "/realm/a", "compact").Count(&count)
	if count != 1 {
		t.Errorf("expected one audit event, got %d", count)
	}
}
