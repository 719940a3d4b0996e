//go:build e2e

package adminstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arcusdb/realmsync/pkg/config"
	"github.com/arcusdb/realmsync/pkg/cursor"
)

// startPostgres boots a throwaway postgres:16-alpine container and returns
// a DSN the postgres driver can dial directly.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "realmsync_e2e",
			"POSTGRES_USER":     "realmsync_e2e",
			"POSTGRES_PASSWORD": "realmsync_e2e",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("5432/tcp"),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	return fmt.Sprintf("host=%s port=%d user=realmsync_e2e password=realmsync_e2e dbname=realmsync_e2e sslmode=disable",
		host, port.Int())
}

// TestPostgresBackedBlacklistRoundTrips exercises Open/Blacklist/IsBlacklisted
// against a real PostgreSQL instance, the one adminstore backend sqlite's
// in-process semantics can't stand in for: driver-level type coercion and
// concurrent-writer behavior under the postgres dialector.
func TestPostgresBackedBlacklistRoundTrips(t *testing.T) {
	dsn := startPostgres(t)

	store, err := Open(config.AdminStoreConfig{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	if store.IsBlacklisted("/realm/pg", cursor.FileIdent(1)) {
		t.Error("expected not blacklisted before any entry exists")
	}
	if err := store.Blacklist(ctx, "/realm/pg", cursor.FileIdent(1), "integration probe"); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !store.IsBlacklisted("/realm/pg", cursor.FileIdent(1)) {
		t.Error("expected blacklisted after Blacklist call")
	}
}
