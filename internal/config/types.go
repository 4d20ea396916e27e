package config

import (
	"time"

	"github.com/raaihank/llm-embedder/internal/cache"
	"github.com/raaihank/llm-embedder/internal/embeddings"
	"github.com/raaihank/llm-embedder/internal/metrics"
)

// Config represents the main configuration structure
type Config struct {
	Engine  embeddings.EngineConfig `yaml:"engine" mapstructure:"engine"`
	Cache   cache.Config            `yaml:"cache" mapstructure:"cache"`
	Queue   embeddings.WorkerConfig `yaml:"queue" mapstructure:"queue"`
	Metrics metrics.Config          `yaml:"metrics" mapstructure:"metrics"`
	Server  ServerConfig            `yaml:"server" mapstructure:"server"`
	Logging LoggingConfig           `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Engine: embeddings.DefaultEngineConfig(),
		Cache:  cache.DefaultConfig(),
		Queue:  embeddings.DefaultWorkerConfig(),
		Metrics: metrics.Config{
			Enabled:                 true,
			Namespace:               "embedder",
			EnableDefaultCollectors: true,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			ProbeTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Logging.File.Path = "logs/embedder.log"
	return cfg
}
