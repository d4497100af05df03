package semantic

import (
	"context"
	"testing"

	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopK(t *testing.T) {
	scores := map[int64]float64{1: 0.1, 2: 0.9, 3: 0.5, 4: 0.9}
	assert.Equal(t, map[int64]float64{2: 0.9, 4: 0.9}, TopK(scores, 2))
	assert.Equal(t, map[int64]float64{2: 0.9}, TopK(scores, 1))
	assert.Len(t, TopK(scores, 10), 4)
}

func TestSearch(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	q := s.DB().DB

	insert := func(vec []float32) int64 {
		id, _, err := s.InsertDocument(ctx, q, &store.Document{Title: "v"})
		require.NoError(t, err)
		require.NoError(t, s.UpsertDocumentEmbedding(ctx, q, id, "m", vec))
		return id
	}
	same := insert([]float32{1, 0})
	near := insert([]float32{0.8, 0.6})
	far := insert([]float32{0, 1})
	insert([]float32{1, 0, 0})

	vs := New(s)
	got, err := vs.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[same], 1e-6)
	assert.InDelta(t, 0.8, got[near], 1e-6)
	_, ok := got[far]
	assert.False(t, ok)

	got, err = vs.Search(ctx, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchImagesTakesBestImage(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	q := s.DB().DB

	id, _, err := s.InsertDocument(ctx, q, &store.Document{Title: "gallery"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertImageEmbedding(ctx, q, id, 0, "m", []float32{0, 1}))
	require.NoError(t, s.UpsertImageEmbedding(ctx, q, id, 1, "m", []float32{1, 0}))

	got, err := New(s).SearchImages(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[id], 1e-6)
}
