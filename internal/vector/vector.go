// Package vector holds similarity math over embeddings and the conversion of
// embedded chunks to qdrant points for callers that index them.
package vector

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/raaihank/llm-embedder/internal/embeddings"
)

// ChunkIDPayloadKey holds the original chunk id when it is not a UUID
const ChunkIDPayloadKey = "chunk_id"

// CosineSimilarity calculates cosine similarity between two vectors. It
// returns 0 for vectors of different length or zero norm.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Normalize returns v scaled to unit length. Zero vectors are returned as is.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// FindSimilar ranks candidates by cosine similarity to query
func FindSimilar(query []float32, candidates []embeddings.EmbeddedChunk, opts SearchOptions) []SimilarityResult {
	results := make([]SimilarityResult, 0, len(candidates))
	for _, c := range candidates {
		sim := CosineSimilarity(query, c.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, SimilarityResult{Chunk: c, Similarity: sim, Distance: 1 - sim})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// ToPoint converts an embedded chunk to a qdrant point. Chunk ids that are
// not UUIDs are mapped to a stable name-based UUID and kept in the payload.
func ToPoint(c embeddings.EmbeddedChunk) (*qdrant.PointStruct, error) {
	if len(c.Embedding) == 0 {
		return nil, fmt.Errorf("chunk %q has no embedding", c.Chunk.ID)
	}
	if embeddings.HasNaN(c.Embedding) {
		return nil, fmt.Errorf("%w: chunk %q", embeddings.ErrDataQuality, c.Chunk.ID)
	}

	payload := make(map[string]*qdrant.Value, len(c.Chunk.Payload)+2)
	for k, v := range c.Chunk.Payload {
		payload[k] = v
	}
	payload["text"] = qdrant.NewValueString(c.Chunk.Text)

	id := c.Chunk.ID
	if _, err := uuid.Parse(id); err != nil {
		payload[ChunkIDPayloadKey] = qdrant.NewValueString(id)
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(c.Embedding...),
		Payload: payload,
	}, nil
}

// ToPoints converts a batch of embedded chunks, stopping at the first error
func ToPoints(chunks []embeddings.EmbeddedChunk) ([]*qdrant.PointStruct, error) {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		p, err := ToPoint(c)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}
