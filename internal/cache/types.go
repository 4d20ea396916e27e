package cache

import "time"

// Config contains cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`             // redis://localhost:6379/0
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"` // 10
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`   // 2
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`         // 24h
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`           // "llm-embedder"
	DialTimeout    time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`       // 5s
}

// DefaultConfig returns the cache configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		RedisURL:       "redis://localhost:6379/0",
		MaxConnections: 10,
		MinIdleConns:   2,
		DefaultTTL:     24 * time.Hour,
		KeyPrefix:      "llm-embedder",
		DialTimeout:    5 * time.Second,
	}
}

// Stats represents cache performance statistics
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}
