package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk + environment configuration for the filedevice
// daemon: where library databases and content blobs live, cache sizing for
// identity lookups, networking defaults, and logging.
type Config struct {
	DataDir        string        `yaml:"data_dir"`
	DefaultLibrary string        `yaml:"default_library"`
	Cache          CacheConfig   `yaml:"cache"`
	Network        NetworkConfig `yaml:"network"`
	Log            LogConfig     `yaml:"log"`
}

// CacheConfig holds cache TTL and size settings. Nothing outside this
// package reads them; the entry store's caches use their own fixed settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// NetworkConfig controls whether the sync transport endpoint starts
// automatically and which address it listens on.
type NetworkConfig struct {
	AutoStart bool   `yaml:"auto_start"`
	ListenAddr string `yaml:"listen_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL:        60 * time.Second,
			MaxEntries: 10000,
		},
		Network: NetworkConfig{
			AutoStart:  false,
			ListenAddr: "0.0.0.0:0",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override config file.
	if dataDir := getenv("FILEDEVICE_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if lib := getenv("FILEDEVICE_DEFAULT_LIBRARY"); lib != "" {
		cfg.DefaultLibrary = lib
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".local", "share", "filedevice")
		}
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "filedevice", "config.yaml")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "filedevice", "config.yaml")
}
