package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/embeddings"
)

const envPrefix = "EMBEDDER"

// Loader reads configuration from a YAML file and EMBEDDER_* environment
// variables. Each Loader owns its viper instance.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader searching the standard config locations
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/llm-embedder/")
	v.AddConfigPath("$HOME/.llm-embedder/")

	// Environment variable overrides
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	registerDefaults(v, GetDefaults())
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

// Load reads, unmarshals and validates the configuration
func (l *Loader) Load(configPath string) (*Config, error) {
	// Use specific config file if provided
	if configPath != "" {
		l.v.SetConfigFile(configPath)
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = config
	l.mu.Unlock()
	return config, nil
}

// Current returns the most recently loaded configuration
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch starts watching the configuration file for changes. Invalid
// revisions are logged and skipped; the callback only sees valid ones.
// Engine settings are read at startup, so a reload never rebuilds a backend.
func (l *Loader) Watch(log *zap.Logger, callback func(*Config)) {
	if log == nil {
		log = zap.NewNop()
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		config, err := l.decode()
		if err != nil {
			log.Warn("Ignoring configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}

		l.mu.Lock()
		l.current = config
		l.mu.Unlock()

		log.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(config)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	config := GetDefaults()
	if err := l.v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// registerDefaults makes every key known to viper so AutomaticEnv can
// override keys that are absent from the config file.
func registerDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"engine.backend":                 string(d.Engine.Backend),
		"engine.model_name":              d.Engine.ModelName,
		"engine.model_dir":               d.Engine.ModelDir,
		"engine.model_file":              d.Engine.ModelFile,
		"engine.tokenizer_file":          d.Engine.TokenizerFile,
		"engine.chunking_tokenizer_file": d.Engine.ChunkingTokenizerFile,
		"engine.dimensions":              d.Engine.Dimensions,
		"engine.threads":                 d.Engine.Threads,
		"engine.provider":                string(d.Engine.Provider),
		"engine.nan_policy":              string(d.Engine.NaNPolicy),
		"engine.shared_library_path":     d.Engine.SharedLibraryPath,

		"cache.enabled":         d.Cache.Enabled,
		"cache.redis_url":       d.Cache.RedisURL,
		"cache.max_connections": d.Cache.MaxConnections,
		"cache.min_idle_conns":  d.Cache.MinIdleConns,
		"cache.default_ttl":     d.Cache.DefaultTTL,
		"cache.key_prefix":      d.Cache.KeyPrefix,
		"cache.dial_timeout":    d.Cache.DialTimeout,

		"queue.batch_size":    d.Queue.BatchSize,
		"queue.concurrency":   d.Queue.Concurrency,
		"queue.poll_interval": d.Queue.PollInterval,
		"queue.rate_limit":    d.Queue.RateLimit,

		"metrics.enabled":                   d.Metrics.Enabled,
		"metrics.address":                   d.Metrics.Address,
		"metrics.namespace":                 d.Metrics.Namespace,
		"metrics.enable_default_collectors": d.Metrics.EnableDefaultCollectors,

		"server.enabled":       d.Server.Enabled,
		"server.port":          d.Server.Port,
		"server.read_timeout":  d.Server.ReadTimeout,
		"server.write_timeout": d.Server.WriteTimeout,
		"server.idle_timeout":  d.Server.IdleTimeout,
		"server.probe_timeout": d.Server.ProbeTimeout,

		"logging.level":        d.Logging.Level,
		"logging.format":       d.Logging.Format,
		"logging.file.enabled": d.Logging.File.Enabled,
		"logging.file.path":    d.Logging.File.Path,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if err := embeddings.ValidateEngineConfig(config.Engine); err != nil {
		return err
	}

	if config.Server.Enabled && (config.Server.Port <= 0 || config.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Queue.BatchSize < 0 || config.Queue.Concurrency < 0 || config.Queue.RateLimit < 0 {
		return fmt.Errorf("invalid queue settings: batch_size, concurrency and rate_limit must not be negative")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache enabled without redis_url")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}
