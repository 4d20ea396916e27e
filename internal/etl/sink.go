package etl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/raaihank/llm-embedder/internal/embeddings"
	"github.com/raaihank/llm-embedder/internal/vector"
)

// PointWriter is a sink that writes every embedded chunk as one qdrant
// PointStruct per line, in protobuf JSON form. The output can be replayed
// into qdrant's upsert API.
type PointWriter struct {
	mu      sync.Mutex
	w       *bufio.Writer
	written int64
}

// NewPointWriter creates a PointWriter on w. Call Flush when done.
func NewPointWriter(w io.Writer) *PointWriter {
	return &PointWriter{w: bufio.NewWriter(w)}
}

// Handle implements embeddings.Sink
func (pw *PointWriter) Handle(ctx context.Context, chunks []embeddings.EmbeddedChunk) error {
	points, err := vector.ToPoints(chunks)
	if err != nil {
		return err
	}

	lines := make([][]byte, len(points))
	for i, point := range points {
		line, err := protojson.Marshal(point)
		if err != nil {
			return fmt.Errorf("failed to encode point %s: %w", chunks[i].Chunk.ID, err)
		}
		lines[i] = line
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	for _, line := range lines {
		if _, err := pw.w.Write(line); err != nil {
			return err
		}
		if err := pw.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	pw.written += int64(len(lines))
	return nil
}

// Written returns the number of points written so far
func (pw *PointWriter) Written() int64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.written
}

// Flush writes any buffered points to the underlying writer
func (pw *PointWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.w.Flush()
}
