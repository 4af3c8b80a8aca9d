// Package embeddings ranks world facts by semantic similarity to a
// player's command so the narrator can be grounded in the world's lore.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/nugget/playertxt/internal/storage"
)

// Embedder turns text into a vector. A nil vector with a nil error
// means the configured backend cannot embed; callers skip semantic
// lookups in that case.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FactStore is the subset of storage the index needs.
type FactStore interface {
	Facts(ctx context.Context, worldID int64) ([]storage.Fact, error)
	SaveFactVector(ctx context.Context, factID int64, vec []float32) error
}

// Match is a fact with its similarity to the query.
type Match struct {
	Attribute string  `json:"attribute"`
	Value     string  `json:"value"`
	Score     float32 `json:"score"`
}

// Index computes fact vectors lazily and answers similarity queries.
type Index struct {
	embedder Embedder
	store    FactStore
	logger   *slog.Logger
}

// NewIndex creates a fact index.
func NewIndex(e Embedder, store FactStore, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{embedder: e, store: store, logger: logger}
}

// Relevant returns up to k facts of worldID most similar to query.
// Facts without a stored vector are embedded and saved on the way.
// It returns nil when the embedder cannot embed.
func (ix *Index) Relevant(ctx context.Context, worldID int64, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	qv, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if qv == nil {
		return nil, nil
	}

	facts, err := ix.store.Facts(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}

	vectors := make([][]float32, 0, len(facts))
	kept := make([]storage.Fact, 0, len(facts))
	for _, f := range facts {
		vec, err := ix.vector(ctx, f)
		if err != nil {
			ix.logger.Warn("skipping fact without vector", "fact_id", f.ID, "error", err)
			continue
		}
		if vec == nil {
			continue
		}
		vectors = append(vectors, vec)
		kept = append(kept, f)
	}

	var out []Match
	for _, i := range TopK(qv, vectors, k) {
		out = append(out, Match{
			Attribute: kept[i].Attribute,
			Value:     kept[i].Value,
			Score:     CosineSimilarity(qv, vectors[i]),
		})
	}
	return out, nil
}

// vector returns the stored vector of f, computing and saving it first
// if needed.
func (ix *Index) vector(ctx context.Context, f storage.Fact) ([]float32, error) {
	vec, err := f.Embedding()
	if err != nil || vec != nil {
		return vec, err
	}

	vec, err = ix.embedder.Embed(ctx, f.Attribute+": "+f.Value)
	if err != nil || vec == nil {
		return nil, err
	}
	if err := ix.store.SaveFactVector(ctx, f.ID, vec); err != nil {
		ix.logger.Warn("failed to save fact vector", "fact_id", f.ID, "error", err)
	}
	return vec, nil
}

// Backfill computes and stores vectors for every fact of worldID that
// lacks one. It returns how many were computed.
func (ix *Index) Backfill(ctx context.Context, worldID int64) (int, error) {
	facts, err := ix.store.Facts(ctx, worldID)
	if err != nil {
		return 0, fmt.Errorf("load facts: %w", err)
	}

	n := 0
	for i, f := range facts {
		if f.Vector != "" {
			continue
		}
		vec, err := ix.embedder.Embed(ctx, f.Attribute+": "+f.Value)
		if err != nil {
			return n, fmt.Errorf("embed fact %d: %w", i, err)
		}
		if vec == nil {
			return n, nil
		}
		if err := ix.store.SaveFactVector(ctx, f.ID, vec); err != nil {
			return n, fmt.Errorf("save fact %d: %w", i, err)
		}
		n++
	}
	ix.logger.Info("fact vectors backfilled", "world_id", worldID, "computed", n)
	return n, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// TopK returns indices of top k most similar vectors to query.
func TopK(query []float32, vectors [][]float32, k int) []int {
	type scored struct {
		idx   int
		score float32
	}

	scores := make([]scored, len(vectors))
	for i, v := range vectors {
		scores[i] = scored{idx: i, score: CosineSimilarity(query, v)}
	}

	// Selection sort; k is small.
	for i := 0; i < k && i < len(scores); i++ {
		maxIdx := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].score > scores[maxIdx].score {
				maxIdx = j
			}
		}
		scores[i], scores[maxIdx] = scores[maxIdx], scores[i]
	}

	result := make([]int, 0, k)
	for i := 0; i < k && i < len(scores); i++ {
		result = append(result, scores[i].idx)
	}
	return result
}
