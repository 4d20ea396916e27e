package embeddings

import (
	"context"

	"github.com/raaihank/llm-embedder/internal/tokenizer"
)

// Embedder is the capability every backend implements. Callers depend on
// this interface only, never on a concrete backend.
type Embedder interface {
	// Embed returns the embedding of a single text.
	Embed(ctx context.Context, text string) (Embedding, error)
	// BatchEmbed returns one embedding per text, in input order.
	BatchEmbed(ctx context.Context, texts []string) ([]Embedding, error)
	// Tokenizer exposes the chunking tokenizer so callers can count tokens
	// with the model vocabulary.
	Tokenizer() tokenizer.Tokenizer
	// Dimensions is the length of every returned embedding.
	Dimensions() int
	Close() error
}

// Ensure backends implement the interface
var (
	_ Embedder = (*CPUBackend)(nil)
	_ Embedder = (*PooledBackend)(nil)
	_ Embedder = (*CachedEmbedder)(nil)
)
