// Package config resolves coordinator settings from the environment and an
// optional deployments file. Environment variables win over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvHTTPAddr     = "BELLMAN_HTTP_ADDR"
	EnvRegistryAddr = "BELLMAN_REG_ADDR"
	EnvDBPath       = "BELLMAN_DB_PATH"
	EnvRegistryFile = "BELLMAN_REGISTRY_FILE"
	EnvLogLevel     = "BELLMAN_LOG_LEVEL"
	EnvLogFile      = "BELLMAN_LOG_FILE"
	EnvDeployment   = "BELLMAN_DEPLOYMENT"
	EnvRedisAddr    = "BELLMAN_REDIS_ADDR"
)

// Defaults
const (
	DefaultHTTPAddr     = ":8080"
	DefaultRegistryAddr = ":8081"
	DefaultDataDir      = "./data"
	DefaultRegistryFile = "handlers.yaml"
	DefaultLogLevel     = "info"
)

// Config holds the resolved coordinator settings
type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	RegistryAddr string `yaml:"reg_addr"`
	DataDir      string `yaml:"data_dir"`
	RegistryFile string `yaml:"registry_file"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`

	// RedisAddr enables the cluster broker when non-empty
	RedisAddr         string        `yaml:"redis_addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// deploymentsFile maps a deployment name to its settings
type deploymentsFile struct {
	Deployments map[string]Config `yaml:"deployments"`
}

// Default returns the stock configuration
func Default() *Config {
	return &Config{
		HTTPAddr:     DefaultHTTPAddr,
		RegistryAddr: DefaultRegistryAddr,
		DataDir:      DefaultDataDir,
		RegistryFile: DefaultRegistryFile,
		LogLevel:     DefaultLogLevel,
	}
}

// Load resolves the configuration: defaults, then the deployment selected
// by BELLMAN_DEPLOYMENT from deploymentsPath (when both are set), then
// environment variable overrides.
func Load(deploymentsPath string) (*Config, error) {
	cfg := Default()

	if name := os.Getenv(EnvDeployment); name != "" && deploymentsPath != "" {
		dep, err := loadDeployment(deploymentsPath, name)
		if err != nil {
			return nil, err
		}
		cfg.merge(dep)
	}

	cfg.applyEnv()
	return cfg, nil
}

func loadDeployment(path, name string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments file: %w", err)
	}

	var file deploymentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse deployments file %s: %w", path, err)
	}

	dep, ok := file.Deployments[name]
	if !ok {
		return nil, fmt.Errorf("deployment %q not found in %s", name, path)
	}
	return &dep, nil
}

// merge copies non-empty fields from other over c
func (c *Config) merge(other *Config) {
	if other.HTTPAddr != "" {
		c.HTTPAddr = other.HTTPAddr
	}
	if other.RegistryAddr != "" {
		c.RegistryAddr = other.RegistryAddr
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.RegistryFile != "" {
		c.RegistryFile = other.RegistryFile
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFile != "" {
		c.LogFile = other.LogFile
	}
	if other.RedisAddr != "" {
		c.RedisAddr = other.RedisAddr
	}
	if other.HeartbeatInterval > 0 {
		c.HeartbeatInterval = other.HeartbeatInterval
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv(EnvRegistryAddr); v != "" {
		c.RegistryAddr = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvRegistryFile); v != "" {
		c.RegistryFile = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.RedisAddr = v
	}
}
