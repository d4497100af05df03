package tokenizer

import (
	"fmt"
	"strings"
	"testing"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Hybrid search engines combine lexical and semantic retrieval. The
        inverted index maps each term to the documents containing it, while
        dense embeddings capture meaning beyond exact words. Scores from both
        branches are normalized and fused into a single ranking.`,
	"long": strings.Repeat(`Information retrieval systems combine tokenization, stemming
        and stop word removal to normalize text into searchable terms. BM25
        considers term frequency, document length and inverse document
        frequency. 全文检索系统需要对中文文本进行分词处理。 `, 20),
	"han": strings.Repeat("分布式搜索引擎通过倒排索引快速定位文档", 10),
}

func BenchmarkTokenize(b *testing.B) {
	tok := New(Options{})
	for name, text := range sampleTexts {
		for _, mode := range []Mode{ModeIndex, ModeSearch} {
			b.Run(fmt.Sprintf("%s/%s", name, mode), func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(len(text)))
				for i := 0; i < b.N; i++ {
					_ = tok.Tokenize(text, mode)
				}
			})
		}
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	tok := New(Options{})
	text := sampleTexts["medium"]
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = tok.Tokenize(text, ModeIndex)
		}
	})
}

func BenchmarkStemming(b *testing.B) {
	words := []string{
		"running", "distributed", "searching", "indexing",
		"tokenization", "normalization", "efficiently",
		"processing", "infrastructure", "scalability",
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for _, w := range words {
			_ = stem(w)
		}
	}
}
