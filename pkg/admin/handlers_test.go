package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/arcusdb/realmsync/pkg/auth"
	"github.com/arcusdb/realmsync/pkg/history"
	"github.com/arcusdb/realmsync/pkg/history/memstore"
	"github.com/arcusdb/realmsync/pkg/server"
)

// memProvider hands out a fresh in-memory store per realm path.
type memProvider struct{}

func (memProvider) Open(ctx context.Context, realFilePath string) (history.Store, error) {
	return memstore.New(), nil
}

// stubVerifier grants every operation to "good-token" and rejects everything
// else, enough to exercise requireAuth's 401/403 branches.
type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, token string) (auth.Principal, error) {
	if token != "good-token" {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return auth.Principal{Subject: "tester", IsAdmin: true}, nil
}

func (stubVerifier) Can(p auth.Principal, op auth.Operation, path string) bool {
	return p.IsAdmin
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAdmin(t *testing.T) (*Admin, *server.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := server.Config{RealmRoot: dir, WorkerQueueDepth: 16, AuxPoolCapacity: 1}
	root := server.New(cfg, memProvider{}, stubVerifier{}, nil, nil, nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go root.Start(ctx)
	time.Sleep(10 * time.Millisecond) // let Uptime() tick past zero

	a := &Admin{server: root, log: testLogger()}
	a.cfg.applyDefaults()
	return a, root
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestHandleHealthzAlwaysOK(t *testing.T) {
	a, _ := testAdmin(t)
	router := newRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleInfoRequiresBearerToken(t *testing.T) {
	a, _ := testAdmin(t)
	router := newRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestHandleInfoReportsOpenRealms(t *testing.T) {
	a, root := testAdmin(t)
	router := newRouter(a)

	if _, err := root.GetOrCreateFile(context.Background(), "tenants/acme/main"); err != nil {
		t.Fatalf("GetOrCreateFile: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data infoResponse `json:"data"`
	}
	decodeBody(t, rec, &body)
	if body.Data.OpenRealms != 1 {
		t.Errorf("expected 1 open realm, got %d", body.Data.OpenRealms)
	}
}

func TestHandleCompactOneMissingRealm(t *testing.T) {
	a, _ := testAdmin(t)
	router := newRouter(a)

	req := httptest.NewRequest(http.MethodPost, "/api/compact/tenants/none/main", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unopened realm, got %d", rec.Code)
	}
}

func TestHandleDeleteRealmDeletesAndReports(t *testing.T) {
	a, root := testAdmin(t)
	router := newRouter(a)

	if _, err := root.GetOrCreateFile(context.Background(), "tenants/acme/main"); err != nil {
		t.Fatalf("GetOrCreateFile: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/realm/tenants/acme/main", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeleteRealmRejectsBadToken(t *testing.T) {
	a, _ := testAdmin(t)
	router := newRouter(a)

	req := httptest.NewRequest(http.MethodDelete, "/api/realm/tenants/acme/main", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}
