package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configTemplate is the annotated starting point written by InitConfig. It
// is unmarshaled into a Config by InitConfigToPath and by the tests, so every field
// name here must match the mapstructure/yaml tags in config.go.
const configTemplate = `# realmsyncd Configuration File
#
# Environment variables override file values: REALMSYNC_<SECTION>_<FIELD>,
# e.g. REALMSYNC_AUTH_SECRET.

logging:
  level: INFO
  format: text
  output: stdout

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: http://localhost:4040

shutdown_timeout: 10s
listen: :7070

realm:
  root: %s
  max_download_size: 4MB
  compression_min_size: 256B
  compaction_sweep: 1m
  compaction_ttl: 0s

worker:
  queue_depth: 1024
  aux_pool_capacity: 4

connection:
  heartbeat_timeout: 60s
  soft_close_timeout: 5s

auth:
  secret: %q
  issuer: realmsyncd

admin:
  listen: :9090
  read_timeout: 10s
  write_timeout: 10s
  idle_timeout: 60s

admin_store:
  driver: sqlite
  dsn: %s

backup:
  enabled: false
  upload_concurrency: 2

metrics:
  enabled: true
`

// InitConfig writes a starting configuration to the default location
// ($XDG_CONFIG_HOME/realmsyncd/config.yaml), refusing to overwrite an
// existing file unless force is set. It returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a starting configuration to path, refusing to
// overwrite an existing file unless force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate auth secret: %w", err)
	}

	realmRoot := filepath.Join(dir, "realms")
	adminDSN := filepath.Join(dir, "admin.db")
	content := fmt.Sprintf(configTemplate, realmRoot, secret, adminDSN)

	// Round-trip through yaml to fail loudly if the template above ever
	// drifts out of sync with the Config struct.
	var probe Config
	if err := yaml.Unmarshal([]byte(content), &probe); err != nil {
		return fmt.Errorf("generated config template is not valid yaml: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateSecret returns a 64-character hex string (32 bytes of entropy),
// suitable as a development-only HMAC signing key.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
