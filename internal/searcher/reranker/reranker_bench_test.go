package reranker

import (
	"fmt"
	"testing"
)

// BenchmarkFuse measures normalization plus fusion for candidate sets of
// different sizes with half of the documents found by both branches.
func BenchmarkFuse(b *testing.B) {
	sizes := []int{100, 1000, 10000}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("docs_%d", n), func(b *testing.B) {
			bm25 := make(map[int64]float64, n)
			vector := make(map[int64]float64, n)
			for i := 0; i < n; i++ {
				bm25[int64(i)] = float64(i%17) + 0.5
				vector[int64(i+n/2)] = float64(i%11) / 11
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = Fuse(bm25, vector, defaultWeights, 20)
			}
		})
	}
}
