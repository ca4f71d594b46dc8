// Package config loads kernel configuration from file and environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hivedev/hive/internal/common/logger"
)

// Backend selects the spawner implementation.
type Backend string

const (
	BackendLocal   Backend = "local"
	BackendSandbox Backend = "sandbox"
	BackendCluster Backend = "cluster"
)

// ServerConfig holds kernel HTTP server settings.
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// NATSConfig holds event bus connection settings. An empty URL disables
// event publishing.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// PortsConfig bounds the local port allocator.
type PortsConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// SandboxConfig parameterizes the bwrap wrapper used by the sandboxed
// backend.
type SandboxConfig struct {
	BwrapPath string   `mapstructure:"bwrap_path"`
	ROBinds   []string `mapstructure:"ro_binds"` // extra read-only bind mounts
}

// ClusterConfig parameterizes the cluster backend.
type ClusterConfig struct {
	Namespace      string `mapstructure:"namespace"`
	Kubeconfig     string `mapstructure:"kubeconfig"`
	BaseImage      string `mapstructure:"base_image"`
	RegistryURL    string `mapstructure:"registry_url"`
	PreserveOnKill bool   `mapstructure:"preserve_on_kill"`
}

// StorageConfig holds blob and image storage settings.
type StorageConfig struct {
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	NoProxy string `mapstructure:"no_proxy"`
}

// BusConfig selects the bus entry store.
type BusConfig struct {
	Store string `mapstructure:"store"` // memory or sqlite
	Path  string `mapstructure:"path"`  // sqlite file, relative to data dir
}

// Config is the full kernel configuration, loaded once at construction.
type Config struct {
	Server  ServerConfig         `mapstructure:"server"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig           `mapstructure:"nats"`
	Backend Backend              `mapstructure:"backend"`
	DataDir string               `mapstructure:"data_dir"`
	Ports   PortsConfig          `mapstructure:"ports"`
	Sandbox SandboxConfig        `mapstructure:"sandbox"`
	Cluster ClusterConfig        `mapstructure:"cluster"`
	Storage StorageConfig        `mapstructure:"storage"`
	Bus     BusConfig            `mapstructure:"bus"`
}

// BusPath returns the absolute sqlite path for the bus store.
func (c *Config) BusPath() string {
	if c.Bus.Path == "" {
		return filepath.Join(c.DataDir, "bus.db")
	}
	if filepath.IsAbs(c.Bus.Path) {
		return c.Bus.Path
	}
	return filepath.Join(c.DataDir, c.Bus.Path)
}

// Load reads configuration from HIVE_CONFIG (or ./hive.yaml) and the
// HIVE_-prefixed environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8600)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 300)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("backend", string(BackendLocal))
	v.SetDefault("data_dir", "/var/lib/hive")
	v.SetDefault("ports.min", 42000)
	v.SetDefault("ports.max", 42999)
	v.SetDefault("sandbox.bwrap_path", "bwrap")
	v.SetDefault("cluster.namespace", "hive")
	v.SetDefault("bus.store", "memory")

	v.SetConfigName("hive")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hive")

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults carry the rest.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Backend {
	case BackendLocal, BackendSandbox, BackendCluster:
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return &cfg, nil
}
