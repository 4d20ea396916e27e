// Package app wires configuration into the running engine: metrics, the
// optional embedding cache and the configured Embedder.
package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/cache"
	"github.com/raaihank/llm-embedder/internal/config"
	"github.com/raaihank/llm-embedder/internal/embeddings"
	"github.com/raaihank/llm-embedder/internal/logger"
	"github.com/raaihank/llm-embedder/internal/metrics"
)

// Services holds all initialized services
type Services struct {
	Config   *config.Config
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Store    *cache.RedisStore
	Embedder embeddings.Embedder
}

// NewServices initializes the metrics registry, the cache store and the
// embedder. An unreachable cache is logged and skipped; an embedder that
// cannot be built is an error. opts are passed to the embeddings factory.
func NewServices(cfg *config.Config, log *logger.Logger, opts ...embeddings.FactoryOption) (*Services, error) {
	s := &Services{Config: cfg, Logger: log}

	if cfg.Metrics.Enabled {
		s.Metrics = metrics.New(cfg.Metrics)
	}

	factoryOpts := []embeddings.FactoryOption{embeddings.WithMetrics(s.Metrics)}

	if cfg.Cache.Enabled {
		log.Info("Initializing embedding cache...")
		store, err := cache.NewRedisStore(cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			s.Store = store
			factoryOpts = append(factoryOpts, embeddings.WithStore(store))
		}
	}

	log.Info("Initializing embedder...",
		zap.String("backend", string(cfg.Engine.Backend)),
		zap.String("provider", string(cfg.Engine.Provider)))

	factory := embeddings.NewFactory(log.Logger, append(factoryOpts, opts...)...)
	embedder, err := factory.CreateEmbedder(cfg.Engine)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	s.Embedder = embedder

	return s, nil
}

// Close releases the embedder and the cache connection
func (s *Services) Close() error {
	var errs []error
	if s.Embedder != nil {
		errs = append(errs, s.Embedder.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
