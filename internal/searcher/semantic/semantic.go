// Package semantic answers nearest-neighbour queries over the stored
// document and image embeddings by exact cosine similarity.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/store"
)

// VectorStore is the vector_search capability over the SQL store. Every
// query scans the embedding table, which is adequate for the corpus sizes a
// single relational node holds.
type VectorStore struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store) *VectorStore {
	return &VectorStore{
		store:  s,
		logger: slog.Default().With("component", "vector-store"),
	}
}

// Search returns the topK documents whose text embedding is most similar
// to query, keyed by document id.
func (v *VectorStore) Search(ctx context.Context, query []float32, topK int) (map[int64]float64, error) {
	return v.search(ctx, store.TextEmbeddings, query, topK)
}

// SearchImages scores documents by their best matching image.
func (v *VectorStore) SearchImages(ctx context.Context, query []float32, topK int) (map[int64]float64, error) {
	return v.search(ctx, store.ImageEmbeddings, query, topK)
}

func (v *VectorStore) search(ctx context.Context, kind store.EmbeddingKind, query []float32, topK int) (map[int64]float64, error) {
	if len(query) == 0 || topK <= 0 {
		return map[int64]float64{}, nil
	}
	best := make(map[int64]float64)
	skipped := 0
	err := v.store.ScanEmbeddings(ctx, v.store.DB().DB, kind, func(docID int64, vec []float32) error {
		if len(vec) != len(query) {
			skipped++
			return nil
		}
		sim := embedding.Cosine(query, vec)
		if cur, ok := best[docID]; !ok || sim > cur {
			best[docID] = sim
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if skipped > 0 {
		v.logger.Warn("embeddings with mismatched dimension ignored", "count", skipped, "want", len(query))
	}
	return TopK(best, topK), nil
}

// TopK keeps the k highest scores, ties by ascending id.
func TopK(scores map[int64]float64, k int) map[int64]float64 {
	if len(scores) <= k {
		return scores
	}
	type scored struct {
		id    int64
		score float64
	}
	all := make([]scored, 0, len(scores))
	for id, s := range scores {
		all = append(all, scored{id, s})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	out := make(map[int64]float64, k)
	for _, s := range all[:k] {
		out[s.id] = s.score
	}
	return out
}
