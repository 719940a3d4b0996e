package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcusdb/realmsync/pkg/config"
)

func TestNewDisabled(t *testing.T) {
	sink, err := New(context.Background(), config.BackupConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New with Enabled=false should not error: %v", err)
	}
	if sink != nil {
		t.Error("expected nil Sink when backups are disabled")
	}
}

func TestNewEnabledWithoutBucket(t *testing.T) {
	_, err := New(context.Background(), config.BackupConfig{Enabled: true}, nil)
	if err == nil {
		t.Error("expected error when Enabled but Bucket is empty")
	}
}

func TestObjectKey(t *testing.T) {
	cases := []struct {
		prefix, vpath, want string
	}{
		{"", "/tenants/acme/main", "tenants/acme/main"},
		{"backups", "/tenants/acme/main", "backups/tenants/acme/main"},
		{"backups/", "/tenants/acme/main", "backups/tenants/acme/main"},
	}
	for _, c := range cases {
		s := &Sink{prefix: c.prefix}
		if got := s.objectKey(c.vpath); got != c.want {
			t.Errorf("objectKey(prefix=%q, vpath=%q) = %q, want %q", c.prefix, c.vpath, got, c.want)
		}
	}
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	s := &Sink{retry: retryConfig{
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        2 * time.Second,
		backoffMultiplier: 2.0,
	}}
	if got := s.calculateBackoff(0); got != 100*time.Millisecond {
		t.Errorf("calculateBackoff(0) = %v, want 100ms", got)
	}
	if got := s.calculateBackoff(10); got != 2*time.Second {
		t.Errorf("calculateBackoff(10) = %v, want capped at 2s", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	if isRetryableError(nil) {
		t.Error("nil error must not be retryable")
	}
	if isRetryableError(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
	if !isRetryableError(errors.New("dial tcp: connection reset by peer")) {
		t.Error("connection reset should be retryable")
	}
}
