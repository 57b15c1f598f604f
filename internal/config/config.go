// Package config provides configuration management for the key-value store.
// It loads settings from YAML files and environment variables, with
// thread-safe singleton access.
package config

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds all application configuration values.
type Config struct {
	DATA_DIR       string `yaml:"DATA_DIR"`       // Directory where log files are stored
	ADDR           string `yaml:"ADDR"`           // Default listen/connect address for server and client
	POOL_SIZE      int    `yaml:"POOL_SIZE"`      // Number of workers in the server's pool
	FILE_THRESHOLD int64  `yaml:"FILE_THRESHOLD"` // Active file size in bytes that triggers rotation
	DIR_THRESHOLD  int64  `yaml:"DIR_THRESHOLD"`  // Total directory size in bytes that triggers compaction
	LOG_LEVEL      string `yaml:"LOG_LEVEL"`      // slog level: debug, info, warn or error
}

// Default values used when no config file is present. The thresholds match
// the engine defaults and are intentionally small so rotation and
// compaction get exercised by test workloads.
const (
	DefaultAddr          = "127.0.0.1:4000"
	DefaultPoolSize      = 4
	DefaultFileThreshold = 10 * 1024
	DefaultDirThreshold  = 50 * 1024
)

var (
	appConfig *Config
	once      sync.Once
	initErr   error
)

// DefaultConfig returns a configuration populated with compiled defaults.
// The data directory defaults to the current working directory so the
// server can run in a bare directory without any config file.
func DefaultConfig() *Config {
	return &Config{
		DATA_DIR:       ".",
		ADDR:           DefaultAddr,
		POOL_SIZE:      DefaultPoolSize,
		FILE_THRESHOLD: DefaultFileThreshold,
		DIR_THRESHOLD:  DefaultDirThreshold,
		LOG_LEVEL:      "info",
	}
}

// LoadConfig reads configuration values from config.yml and optionally from
// a .env file. It uses a sync.Once to ensure configuration is loaded only
// once, even with concurrent calls. Environment variables in the YAML file
// are expanded using os.ExpandEnv. The config file path can be overridden
// with the KVS_CONFIG environment variable; a missing file is not an error
// and yields the compiled defaults. Returns the loaded configuration and
// any error encountered.
func LoadConfig() (*Config, error) {
	once.Do(func() {
		// Load .env file if it exists (optional - no error if missing)
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found or error loading it", "error", err)
		} else {
			slog.Debug(".env file loaded successfully")
		}

		path := os.Getenv("KVS_CONFIG")
		if path == "" {
			path = "config.yml"
		}

		cfg := DefaultConfig()
		file, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				initErr = err
				return
			}
			slog.Debug("config: no config file found, using defaults",
				"path", path)
			appConfig = cfg
			return
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(file))), cfg); err != nil {
			initErr = err
			return
		}
		appConfig = cfg
	})
	if initErr != nil {
		return nil, initErr
	}
	return appConfig, initErr
}

// GetConfig returns the singleton configuration instance.
// Panics if configuration has not been loaded yet. This function should
// only be called after LoadConfig has been successfully called.
func GetConfig() *Config {
	if appConfig == nil {
		panic("config not loaded - call LoadConfig() first")
	}
	return appConfig
}

// Level parses the configured LOG_LEVEL into a slog.Level, defaulting to
// info for unknown values.
func (c *Config) Level() slog.Level {
	switch c.LOG_LEVEL {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
