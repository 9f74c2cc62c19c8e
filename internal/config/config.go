// Package config provides configuration loading for the Tansaku server.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds snapshot persistence settings.
// Backend is "json" (one file per library under DataDir) or "sqlite".
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	TestingData  bool   `yaml:"testing_data"`
	WatchDataDir bool   `yaml:"watch_data_dir"`
}

// EmbeddingConfig holds provider settings. The API key never lives in the
// config file; it comes from the COHERE_API_KEY environment variable.
type EmbeddingConfig struct {
	APIKey            string  `yaml:"-"`
	Model             string  `yaml:"model"`
	BatchSize         int     `yaml:"batch_size"`
	Concurrency       int     `yaml:"concurrency"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	CacheSize         int     `yaml:"cache_size"`
}

// IndexConfig holds index build defaults.
type IndexConfig struct {
	DefaultLeafSize int `yaml:"default_leaf_size"`
}

// Load reads the optional config file at path, applies defaults, and then
// environment overrides. A missing file is fine; env alone is enough to run.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	ApplyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "json"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "data/tansaku.db"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "embed-english-v3.0"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 96
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Index.DefaultLeafSize == 0 {
		cfg.Index.DefaultLeafSize = 40
	}
}

// applyEnv loads a .env file when present and overlays environment values.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("TESTING_DATA"); v != "" {
		cfg.Storage.TestingData = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TANSAKU_ADDR"); v != "" {
		applyAddr(cfg, v)
	}
	cfg.Embedding.APIKey = os.Getenv("COHERE_API_KEY")
}

// applyAddr overrides the listen address from a host:port value. An empty
// host (":8080") keeps the configured host; malformed values are ignored.
func applyAddr(cfg *Config, addr string) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return
	}
	if host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = port
}
