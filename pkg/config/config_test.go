package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Realm.Root = "/tmp/realms"

	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Realm.Root = "/tmp/realms"
	cfg.Logging.Level = "VERBOSE"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Realm.Root = "/tmp/realms"
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for invalid log format")
	}
}

func TestValidate_MissingRealmRoot(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Realm.Root = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing realm root")
	}
}

func TestValidate_BackupEnabledWithoutBucket(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Realm.Root = "/tmp/realms"
	cfg.Backup.Enabled = true

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for backup enabled without bucket")
	}
}

func TestApplyDefaults_LogLevelNormalization(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected log level normalized to DEBUG, got: %s", cfg.Logging.Level)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Worker.QueueDepth = 42
	ApplyDefaults(cfg)

	if cfg.Worker.QueueDepth != 42 {
		t.Errorf("expected explicit queue depth preserved, got: %d", cfg.Worker.QueueDepth)
	}
}
