package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the loader reads so ambient shell state
// cannot leak into assertions
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvHTTPAddr, EnvRegistryAddr, EnvDBPath, EnvRegistryFile,
		EnvLogLevel, EnvLogFile, EnvDeployment, EnvRedisAddr,
	} {
		t.Setenv(key, "")
	}
}

func writeDeployments(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultRegistryAddr, cfg.RegistryAddr)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultRegistryFile, cfg.RegistryFile)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvHTTPAddr, ":9090")
	t.Setenv(EnvDBPath, "/var/lib/bellman")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvRedisAddr, "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "/var/lib/bellman", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	// Untouched fields keep their defaults
	assert.Equal(t, DefaultRegistryAddr, cfg.RegistryAddr)
}

func TestLoadDeployment(t *testing.T) {
	clearEnv(t)
	path := writeDeployments(t, `
deployments:
  staging:
    http_addr: ":18080"
    data_dir: /srv/bellman/staging
    log_level: debug
    redis_addr: redis.staging:6379
    heartbeat_interval: 10s
  prod:
    http_addr: ":80"
`)
	t.Setenv(EnvDeployment, "staging")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":18080", cfg.HTTPAddr)
	assert.Equal(t, "/srv/bellman/staging", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis.staging:6379", cfg.RedisAddr)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	// Fields the deployment omits fall back to defaults
	assert.Equal(t, DefaultRegistryAddr, cfg.RegistryAddr)
	assert.Equal(t, DefaultRegistryFile, cfg.RegistryFile)
}

func TestEnvWinsOverDeployment(t *testing.T) {
	clearEnv(t)
	path := writeDeployments(t, `
deployments:
  staging:
    http_addr: ":18080"
    log_level: debug
`)
	t.Setenv(EnvDeployment, "staging")
	t.Setenv(EnvHTTPAddr, ":28080")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":28080", cfg.HTTPAddr, "environment beats the deployments file")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadUnknownDeployment(t *testing.T) {
	clearEnv(t)
	path := writeDeployments(t, `
deployments:
  staging:
    http_addr: ":18080"
`)
	t.Setenv(EnvDeployment, "missing")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `deployment "missing" not found`)
}

func TestLoadDeploymentFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDeployment, "staging")

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeDeployments(t, "deployments: [not a map")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestDeploymentIgnoredWithoutSelection(t *testing.T) {
	clearEnv(t)
	path := writeDeployments(t, `
deployments:
  staging:
    http_addr: ":18080"
`)

	// No BELLMAN_DEPLOYMENT set: the file is not consulted at all
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
}
