package commands

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTrimListenAddr(t *testing.T) {
	cases := map[string]string{
		":9090":            "localhost:9090",
		"localhost:9090":   "localhost:9090",
		"127.0.0.1:9090":   "127.0.0.1:9090",
		"":                 "",
	}
	for in, want := range cases {
		if got := trimListenAddr(in); got != want {
			t.Errorf("trimListenAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQueryStatusReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}))
	defer srv.Close()

	status := queryStatus(strings.TrimPrefix(srv.URL, "http://"))
	if !status.Running || !status.Healthy {
		t.Errorf("expected a running, healthy status, got %+v", status)
	}
}

func TestQueryStatusNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}))
	defer srv.Close()

	status := queryStatus(strings.TrimPrefix(srv.URL, "http://"))
	if !status.Running || status.Healthy {
		t.Errorf("expected running-but-unhealthy status, got %+v", status)
	}
}

func TestQueryStatusUnreachable(t *testing.T) {
	status := queryStatus("127.0.0.1:1")
	if status.Running {
		t.Errorf("expected Running=false for an unreachable address, got %+v", status)
	}
}
