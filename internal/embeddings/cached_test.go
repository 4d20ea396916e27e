package embeddings

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type memStore struct {
	mu     sync.Mutex
	data   map[string][]float32
	getErr error
	setErr error
	sets   int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]float32)}
}

func (s *memStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = vec
	return nil
}

func TestCacheKey(t *testing.T) {
	k1 := CacheKey("minilm", "hello")
	k2 := CacheKey("minilm", "hello")
	k3 := CacheKey("minilm", "world")
	k4 := CacheKey("other", "hello")

	if k1 != k2 {
		t.Error("Same text should produce same key")
	}
	if k1 == k3 || k1 == k4 {
		t.Error("Different text or model should produce different keys")
	}
	if !strings.HasPrefix(k1, "embedding:minilm:") || len(k1) != len("embedding:minilm:")+16 {
		t.Errorf("Unexpected key format: %s", k1)
	}
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("ReadThrough", func(t *testing.T) {
		inner := &echoEmbedder{}
		store := newMemStore()
		c := NewCachedEmbedder(inner, store, "minilm", BackendDeps{Logger: logger})

		v1, err := c.Embed(ctx, "hello")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		v2, err := c.Embed(ctx, "hello")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if inner.embedCalls.Load() != 1 {
			t.Errorf("Expected 1 backend call, got %d", inner.embedCalls.Load())
		}
		if !vectorsEqual(v1, v2) {
			t.Error("Expected cached vector to match computed vector")
		}
	})

	t.Run("BatchEmbedsOnlyMisses", func(t *testing.T) {
		inner := &echoEmbedder{}
		store := newMemStore()
		c := NewCachedEmbedder(inner, store, "minilm", BackendDeps{Logger: logger})

		if _, err := c.Embed(ctx, "b"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		texts := []string{"a", "b", "c"}
		out, err := c.BatchEmbed(ctx, texts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if inner.batchTexts.Load() != 2 {
			t.Errorf("Expected 2 texts sent to backend, got %d", inner.batchTexts.Load())
		}
		for i, text := range texts {
			if !vectorsEqual(out[i], inner.vector(text)) {
				t.Errorf("Embedding %d out of order", i)
			}
		}

		if _, err := c.BatchEmbed(ctx, texts); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if inner.batchCalls.Load() != 1 {
			t.Errorf("Expected fully cached batch to skip the backend, got %d calls", inner.batchCalls.Load())
		}
	})

	t.Run("StoreErrorsAreIgnored", func(t *testing.T) {
		inner := &echoEmbedder{}
		store := newMemStore()
		store.getErr = errors.New("connection refused")
		store.setErr = errors.New("connection refused")
		c := NewCachedEmbedder(inner, store, "minilm", BackendDeps{Logger: logger})

		if _, err := c.Embed(ctx, "hello"); err != nil {
			t.Errorf("Expected cache failure to be ignored, got %v", err)
		}
		if _, err := c.BatchEmbed(ctx, []string{"a", "b"}); err != nil {
			t.Errorf("Expected cache failure to be ignored, got %v", err)
		}
	})

	t.Run("WrongDimensionsIsMiss", func(t *testing.T) {
		inner := &echoEmbedder{}
		store := newMemStore()
		store.data[CacheKey("minilm", "hello")] = []float32{1, 2}
		c := NewCachedEmbedder(inner, store, "minilm", BackendDeps{Logger: logger})

		vec, err := c.Embed(ctx, "hello")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(vec) != testDims || inner.embedCalls.Load() != 1 {
			t.Error("Expected stale entry to be recomputed")
		}
	})

	t.Run("BackendErrorPropagates", func(t *testing.T) {
		inner := &echoEmbedder{err: ErrInferenceFailed}
		store := newMemStore()
		c := NewCachedEmbedder(inner, store, "minilm", BackendDeps{Logger: logger})

		if _, err := c.Embed(ctx, "hello"); !errors.Is(err, ErrInferenceFailed) {
			t.Errorf("Expected ErrInferenceFailed, got %v", err)
		}
		if store.sets != 0 {
			t.Errorf("Expected nothing cached on failure, got %d sets", store.sets)
		}
	})
}
