package embeddings

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/raaihank/llm-embedder/internal/tokenizer"
	"go.uber.org/zap"
)

// EmbeddingStore is a key/value store for embedding vectors
type EmbeddingStore interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// CacheKey returns the store key of text under model
func CacheKey(model, text string) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding:%s:%x", model, hash[:8])
}

// CachedEmbedder is a read-through cache in front of another Embedder.
// Store failures are logged and never fail a call.
type CachedEmbedder struct {
	inner Embedder
	store EmbeddingStore
	model string
	deps  BackendDeps
}

// NewCachedEmbedder wraps inner with store
func NewCachedEmbedder(inner Embedder, store EmbeddingStore, model string, deps BackendDeps) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		store: store,
		model: model,
		deps:  deps.withDefaults(),
	}
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) (Embedding, bool) {
	vec, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.deps.Metrics.IncCacheLookup("error")
		c.deps.Logger.Warn("Embedding cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	case !ok:
		c.deps.Metrics.IncCacheLookup("miss")
		return nil, false
	case len(vec) != c.inner.Dimensions():
		c.deps.Metrics.IncCacheLookup("miss")
		c.deps.Logger.Warn("Cached embedding has wrong dimensions",
			zap.String("key", key), zap.Int("got", len(vec)), zap.Int("want", c.inner.Dimensions()))
		return nil, false
	}
	c.deps.Metrics.IncCacheLookup("hit")
	return vec, true
}

func (c *CachedEmbedder) save(ctx context.Context, key string, vec Embedding) {
	if err := c.store.Set(ctx, key, vec); err != nil {
		c.deps.Logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
}

// Embed returns the cached vector for text or computes and caches it
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	key := CacheKey(c.model, text)
	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.save(ctx, key, vec)
	return vec, nil
}

// BatchEmbed serves hits from the cache and embeds the misses in one call
func (c *CachedEmbedder) BatchEmbed(ctx context.Context, texts []string) ([]Embedding, error) {
	out := make([]Embedding, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		keys[i] = CacheKey(c.model, text)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	computed, err := c.inner.BatchEmbed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(computed) != len(missTexts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrTensorShape, len(computed), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = computed[j]
		c.save(ctx, keys[i], computed[j])
	}
	return out, nil
}

// Tokenizer returns the wrapped embedder's tokenizer
func (c *CachedEmbedder) Tokenizer() tokenizer.Tokenizer {
	return c.inner.Tokenizer()
}

// Dimensions returns the wrapped embedder's dimensions
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Info describes the wrapped backend when it can describe itself
func (c *CachedEmbedder) Info() BackendInfo {
	if d, ok := c.inner.(interface{ Info() BackendInfo }); ok {
		return d.Info()
	}
	return BackendInfo{Dimensions: c.inner.Dimensions()}
}

// Unwrap returns the wrapped embedder
func (c *CachedEmbedder) Unwrap() Embedder {
	return c.inner
}

// Close closes the wrapped embedder
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}
