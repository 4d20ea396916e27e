package embeddings

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// EmbedChunk is one unit of pending embedding work. Once popped from a queue
// it belongs to the popping worker.
type EmbedChunk struct {
	ID      string
	Text    string
	Payload map[string]*qdrant.Value
}

// NewEmbedChunk creates a chunk with a random UUID and converts payload to
// qdrant values.
func NewEmbedChunk(text string, payload map[string]any) (EmbedChunk, error) {
	values, err := qdrant.TryValueMap(payload)
	if err != nil {
		return EmbedChunk{}, fmt.Errorf("invalid chunk payload: %w", err)
	}
	return EmbedChunk{
		ID:      uuid.NewString(),
		Text:    text,
		Payload: values,
	}, nil
}

// EmbeddedChunk pairs a chunk with its embedding
type EmbeddedChunk struct {
	Chunk     EmbedChunk
	Embedding Embedding
}
