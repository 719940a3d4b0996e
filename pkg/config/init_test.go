package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func withTempConfigDir(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	old := os.Getenv("XDG_CONFIG_HOME")
	_ = os.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Cleanup(func() {
		if old != "" {
			_ = os.Setenv("XDG_CONFIG_HOME", old)
		} else {
			_ = os.Unsetenv("XDG_CONFIG_HOME")
		}
	})
	return tmpDir
}

func TestInitConfig_Success(t *testing.T) {
	withTempConfigDir(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatalf("config file was not created at %s", configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	contentStr := string(content)

	for _, section := range []string{"logging:", "realm:", "worker:", "auth:", "admin:", "admin_store:"} {
		if !strings.Contains(contentStr, section) {
			t.Errorf("config file missing section: %s", section)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}
	if len(cfg.Auth.Secret) != 64 {
		t.Errorf("expected a 64-character generated secret, got %d chars", len(cfg.Auth.Secret))
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	withTempConfigDir(t)

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("first InitConfig failed: %v", err)
	}
	if _, err := InitConfig(false); err == nil {
		t.Fatal("expected an error when config already exists")
	} else if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected an 'already exists' error, got: %v", err)
	}
}

func TestInitConfig_Force(t *testing.T) {
	withTempConfigDir(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("first InitConfig failed: %v", err)
	}
	if _, err := InitConfig(true); err != nil {
		t.Fatalf("InitConfig with force failed: %v", err)
	}
	info, err := os.Stat(configPath)
	if err != nil || info.Size() == 0 {
		t.Fatal("recreated config file is missing or empty")
	}
}

func TestInitConfigToPath_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom", "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file at custom path: %v", err)
	}
}

func TestInitConfigToPath_RefusesOverwriteWithoutForce(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if err := InitConfigToPath(configPath, false); err == nil {
		t.Fatal("expected an error overwriting without force")
	}
	if err := InitConfigToPath(configPath, true); err != nil {
		t.Fatalf("InitConfigToPath with force failed: %v", err)
	}
}
