// Package cache stores computed embeddings in Redis so repeated texts skip
// inference. Entries expire; the cache is never a system of record.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStore is an embedding store backed by Redis
type RedisStore struct {
	client redis.Cmdable
	closer func() error
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewRedisStore connects to cfg.RedisURL and verifies the connection
func NewRedisStore(cfg Config, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	store := newStore(client, client.Close, cfg, logger)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", cfg.DefaultTTL))

	return store, nil
}

func newStore(client redis.Cmdable, closer func() error, cfg Config, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, closer: closer, config: cfg, logger: logger}
}

// Ping tests the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the vector stored under key; ok is false on a miss
func (s *RedisStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		s.errs.Add(1)
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	vec, err := decodeVector(data)
	if err != nil {
		s.errs.Add(1)
		s.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, s.key(key))
		return nil, false, nil
	}

	s.hits.Add(1)
	return vec, true, nil
}

// Set stores vec under key with the configured TTL
func (s *RedisStore) Set(ctx context.Context, key string, vec []float32) error {
	data, err := encodeVector(vec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, s.config.DefaultTTL).Err(); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// SetBatch stores several vectors in one pipeline
func (s *RedisStore) SetBatch(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for key, vec := range entries {
		data, err := encodeVector(vec)
		if err != nil {
			s.logger.Warn("Skipping unencodable embedding", zap.String("key", key), zap.Error(err))
			continue
		}
		pipe.Set(ctx, s.key(key), data, s.config.DefaultTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("batch cache operation failed: %w", err)
	}
	return nil
}

// Clear removes every key under the configured prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.key("*"), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := s.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	s.logger.Info("Embedding cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Stats returns hit and miss counters
func (s *RedisStore) Stats() Stats {
	st := Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Errors: s.errs.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total) * 100
	}
	return st
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *RedisStore) key(k string) string {
	if s.config.KeyPrefix == "" {
		return k
	}
	return s.config.KeyPrefix + ":" + k
}

func encodeVector(vec []float32) ([]byte, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding: %w", err)
	}
	return data, nil
}

func decodeVector(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return vec, nil
}

// maskRedisURL hides the password of a redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userInfo := url[:at]
	colon := strings.LastIndex(userInfo, ":")
	if colon < 0 || colon <= strings.Index(userInfo, "://") {
		return url
	}
	return userInfo[:colon+1] + "***" + url[at:]
}
