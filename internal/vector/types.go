package vector

import "github.com/raaihank/llm-embedder/internal/embeddings"

// SimilarityResult is one ranked match from a search
type SimilarityResult struct {
	Chunk      embeddings.EmbeddedChunk `json:"chunk"`
	Similarity float32                  `json:"similarity"`
	Distance   float32                  `json:"distance"`
}

// SearchOptions contains options for in-memory similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
}
