package commands

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestResolveTokenPrefersFlagOverEnv(t *testing.T) {
	t.Setenv("REALMSYNC_TOKEN", "env-token")

	adminToken = ""
	if got := resolveToken(); got != "env-token" {
		t.Errorf("expected env-token, got %q", got)
	}

	adminToken = "flag-token"
	defer func() { adminToken = "" }()
	if got := resolveToken(); got != "flag-token" {
		t.Errorf("expected flag-token to win, got %q", got)
	}
}

func TestAdminRequestSetsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adminAddr = strings.TrimPrefix(srv.URL, "http://")
	adminToken = "good-token"
	defer func() { adminAddr, adminToken = "", "" }()

	resp, err := adminRequest(http.MethodGet, "/api/healthz")
	if err != nil {
		t.Fatalf("adminRequest: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if gotAuth != "Bearer good-token" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestResolveAdminAddrFallsBackToDefault(t *testing.T) {
	adminAddr = ""
	old := os.Getenv("XDG_CONFIG_HOME")
	_ = os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer func() { _ = os.Setenv("XDG_CONFIG_HOME", old) }()

	if got := resolveAdminAddr(); got != "localhost:9090" {
		t.Errorf("expected default localhost:9090, got %q", got)
	}
}
