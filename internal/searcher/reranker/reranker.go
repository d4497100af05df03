// Package reranker fuses the lexical and semantic score maps into one
// ranking.
package reranker

import (
	"container/heap"
)

const (
	DefaultVectorWeight = 0.6
	DefaultBM25Weight   = 0.4
)

// Weights of the two signals; they need not sum to 1.
type Weights struct {
	Vector float64
	BM25   float64
}

// Fused is one ranked document with the normalized signals that produced
// its score.
type Fused struct {
	DocID       int64   `json:"doc_id"`
	Score       float64 `json:"score"`
	BM25Score   float64 `json:"bm25_score"`
	VectorScore float64 `json:"vector_score"`
}

// Normalize min-max scales scores into [0, 1]. When every score is equal
// each entry becomes 1.0.
func Normalize(scores map[int64]float64) map[int64]float64 {
	out := make(map[int64]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	first := true
	var lo, hi float64
	for _, s := range scores {
		if first {
			lo, hi = s, s
			first = false
			continue
		}
		lo = min(lo, s)
		hi = max(hi, s)
	}
	span := hi - lo
	for id, s := range scores {
		if span == 0 {
			out[id] = 1.0
			continue
		}
		out[id] = (s - lo) / span
	}
	return out
}

// Fuse normalizes both maps, combines them linearly over the union of
// their documents and returns the best limit results ordered by score
// descending, ties by ascending id. A non-positive limit keeps everything.
func Fuse(bm25, vector map[int64]float64, w Weights, limit int) []Fused {
	normBM25 := Normalize(bm25)
	normVec := Normalize(vector)

	union := make(map[int64]struct{}, len(normBM25)+len(normVec))
	for id := range normBM25 {
		union[id] = struct{}{}
	}
	for id := range normVec {
		union[id] = struct{}{}
	}
	if limit <= 0 {
		limit = len(union)
	}

	h := &fusedHeap{}
	heap.Init(h)
	for id := range union {
		f := Fused{
			DocID:       id,
			BM25Score:   normBM25[id],
			VectorScore: normVec[id],
		}
		f.Score = w.Vector*f.VectorScore + w.BM25*f.BM25Score
		heap.Push(h, f)
		if h.Len() > limit {
			heap.Pop(h)
		}
	}
	result := make([]Fused, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(Fused)
	}
	return result
}

// fusedHeap is a min-heap on rank: its root is the worst kept result.
type fusedHeap []Fused

func (h fusedHeap) Len() int { return len(h) }

func (h fusedHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].DocID > h[j].DocID
}

func (h fusedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fusedHeap) Push(x interface{}) {
	*h = append(*h, x.(Fused))
}

func (h *fusedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
