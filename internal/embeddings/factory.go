package embeddings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/metrics"
	"github.com/raaihank/llm-embedder/internal/tokenizer"
)

// TokenizerLoader loads a tokenizer file
type TokenizerLoader func(path string, opts tokenizer.Options) (tokenizer.Tokenizer, error)

func loadHFTokenizer(path string, opts tokenizer.Options) (tokenizer.Tokenizer, error) {
	return tokenizer.Load(path, opts)
}

// Factory creates embedders based on configuration
type Factory struct {
	logger        *zap.Logger
	metrics       *metrics.Metrics
	opener        SessionOpener
	loadTokenizer TokenizerLoader
	store         EmbeddingStore
}

// FactoryOption customizes a Factory
type FactoryOption func(*Factory)

// WithMetrics records backend metrics on m
func WithMetrics(m *metrics.Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// WithSessionOpener replaces the ONNX Runtime opener
func WithSessionOpener(o SessionOpener) FactoryOption {
	return func(f *Factory) { f.opener = o }
}

// WithTokenizerLoader replaces the tokenizer.json loader
func WithTokenizerLoader(l TokenizerLoader) FactoryOption {
	return func(f *Factory) { f.loadTokenizer = l }
}

// WithStore wraps every created embedder in a CachedEmbedder backed by s
func WithStore(s EmbeddingStore) FactoryOption {
	return func(f *Factory) { f.store = s }
}

// NewFactory creates a new embedder factory
func NewFactory(logger *zap.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		logger:        logger,
		loadTokenizer: loadHFTokenizer,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.opener == nil {
		f.opener = NewONNXOpener(logger)
	}
	return f
}

// CreateEmbedder validates cfg, loads the model artifacts and returns the
// configured backend. Any construction error keeps the engine out of service.
func (f *Factory) CreateEmbedder(cfg EngineConfig) (Embedder, error) {
	if err := ValidateEngineConfig(cfg); err != nil {
		return nil, err
	}

	modelPath := filepath.Join(cfg.ModelDir, cfg.ModelFile)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model file %s: %w", ErrModelNotLoaded, modelPath, err)
	}

	tokPath := filepath.Join(cfg.ModelDir, cfg.TokenizerFile)
	tok, err := f.loadTokenizer(tokPath, tokenizer.Options{Padding: true, Truncation: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelNotLoaded, err)
	}

	deps := BackendDeps{
		Logger:  f.logger.With(zap.String("component", "embeddings"), zap.String("backend", string(cfg.Backend))),
		Metrics: f.metrics,
	}

	var embedder Embedder
	switch cfg.Backend {
	case CPUBackendType:
		embedder, err = NewCPUBackend(cfg, tok, f.opener, deps)
	case PooledBackendType:
		var chunker tokenizer.Tokenizer
		chunker, err = f.loadChunkingTokenizer(cfg, tokPath)
		if err != nil {
			return nil, err
		}
		embedder, err = NewPooledBackend(cfg, tok, chunker, f.opener, deps)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Info("Created embedder",
		zap.String("backend", string(cfg.Backend)),
		zap.String("model", cfg.ModelName),
		zap.Bool("cache", f.store != nil))

	if f.store != nil {
		return NewCachedEmbedder(embedder, f.store, cfg.ModelName, deps), nil
	}
	return embedder, nil
}

// loadChunkingTokenizer loads the no-padding tokenizer variant, falling back
// to the model tokenizer file when the variant is absent.
func (f *Factory) loadChunkingTokenizer(cfg EngineConfig, fallback string) (tokenizer.Tokenizer, error) {
	path := fallback
	if cfg.ChunkingTokenizerFile != "" {
		candidate := filepath.Join(cfg.ModelDir, cfg.ChunkingTokenizerFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: chunking tokenizer %s: %w", ErrModelNotLoaded, candidate, err)
		} else {
			f.logger.Debug("Chunking tokenizer not found, using model tokenizer",
				zap.String("missing", candidate))
		}
	}

	chunker, err := f.loadTokenizer(path, tokenizer.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelNotLoaded, err)
	}
	return chunker, nil
}

// ValidateEngineConfig validates the engine configuration
func ValidateEngineConfig(cfg EngineConfig) error {
	switch cfg.Backend {
	case CPUBackendType, PooledBackendType:
	default:
		return fmt.Errorf("%w: invalid backend %q (must be one of: cpu, pooled)", ErrConfigError, cfg.Backend)
	}

	switch cfg.Provider {
	case ProviderCPU, ProviderCUDA, ProviderCoreML:
	default:
		return fmt.Errorf("%w: invalid provider %q (must be one of: cpu, cuda, coreml)", ErrConfigError, cfg.Provider)
	}
	if cfg.Backend == CPUBackendType && cfg.Provider.IsAccelerated() {
		return fmt.Errorf("%w: provider %s requires the pooled backend", ErrConfigError, cfg.Provider)
	}

	switch cfg.NaNPolicy {
	case NaNWarn, NaNReject:
	default:
		return fmt.Errorf("%w: invalid nan_policy %q (must be one of: warn, reject)", ErrConfigError, cfg.NaNPolicy)
	}

	if cfg.ModelDir == "" {
		return fmt.Errorf("%w: model_dir is required", ErrConfigError)
	}
	if cfg.ModelFile == "" {
		return fmt.Errorf("%w: model_file is required", ErrConfigError)
	}
	if cfg.TokenizerFile == "" {
		return fmt.Errorf("%w: tokenizer_file is required", ErrConfigError)
	}
	if cfg.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrConfigError)
	}
	if cfg.Threads < 0 {
		return fmt.Errorf("%w: threads cannot be negative", ErrConfigError)
	}
	return nil
}
