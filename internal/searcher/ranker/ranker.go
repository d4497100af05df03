// Package ranker implements the Okapi BM25 lexical scorer.
package ranker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

type ScoredDoc struct {
	DocID int64   `json:"doc_id"`
	Score float64 `json:"score"`
}

type Params struct {
	K1 float64
	B  float64
}

// CorpusStats are the Document Statistics BM25 normalizes against.
type CorpusStats struct {
	TotalDocs    int64
	AvgDocLength float64
}

// Score evaluates BM25 over postingsPerTerm, keyed by term. The document
// frequency of a term is the number of postings supplied for it. Documents
// without a matching posting are absent from the result, and an empty
// corpus scores nothing.
func Score(postingsPerTerm map[int64][]store.ScoringPosting, corpus CorpusStats, p Params) map[int64]float64 {
	scores := make(map[int64]float64)
	if corpus.TotalDocs == 0 || corpus.AvgDocLength == 0 {
		return scores
	}
	for _, postings := range postingsPerTerm {
		idf := computeIDF(corpus.TotalDocs, int64(len(postings)))
		for _, posting := range postings {
			tfNorm := computeTFNorm(
				float64(posting.TermFrequency),
				float64(posting.DocLength),
				corpus.AvgDocLength,
				p,
			)
			scores[posting.DocumentID] += idf * tfNorm
		}
	}
	return scores
}

// Sorted orders scores descending, ties by ascending id, keeping at most
// limit entries when limit is positive.
func Sorted(scores map[int64]float64, limit int) []ScoredDoc {
	result := make([]ScoredDoc, 0, len(scores))
	for docID, score := range scores {
		result = append(result, ScoredDoc{DocID: docID, Score: score})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].DocID < result[j].DocID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func computeIDF(totalDocs int64, docFreq int64) float64 {
	numerator := float64(totalDocs) - float64(docFreq) + 0.5
	denominator := float64(docFreq) + 0.5
	// totalDocs may lag behind live postings until stats are recomputed.
	return math.Max(0, math.Log(numerator/denominator+1))
}

func computeTFNorm(termFreq float64, docLength float64, avgDocLength float64, p Params) float64 {
	if avgDocLength == 0 {
		return 0
	}
	lengthRatio := docLength / avgDocLength
	denominator := termFreq + p.K1*(1-p.B+p.B*lengthRatio)
	return (termFreq * (p.K1 + 1)) / denominator
}

// Scorer reads the Term Dictionary, Posting Store and Document Statistics
// and evaluates BM25 for a tokenized query.
type Scorer struct {
	store  *store.Store
	params Params
	logger *slog.Logger
}

func NewScorer(s *store.Store, cfg config.SearchConfig) *Scorer {
	params := Params{K1: cfg.K1, B: cfg.B}
	if params.K1 == 0 && params.B == 0 {
		params = Params{K1: DefaultK1, B: DefaultB}
	}
	return &Scorer{
		store:  s,
		params: params,
		logger: slog.Default().With("component", "bm25"),
	}
}

// Score returns the BM25 score of every document matching at least one
// query token. Repeated tokens count once.
func (s *Scorer) Score(ctx context.Context, tokens []string) (map[int64]float64, error) {
	q := database.Querier(s.store.DB().DB)

	st, err := s.store.GetDocStats(ctx, q)
	if err != nil {
		return nil, err
	}
	if st.TotalDocs == 0 || st.AvgDocLength == 0 {
		return map[int64]float64{}, nil
	}

	termIDs, err := s.store.LookupTerms(ctx, q, unique(tokens))
	if err != nil {
		return nil, err
	}
	if len(termIDs) == 0 {
		return map[int64]float64{}, nil
	}
	ids := make([]int64, 0, len(termIDs))
	for _, id := range termIDs {
		ids = append(ids, id)
	}

	postings, err := s.store.PostingsForTerms(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("loading postings for %d terms: %w", len(ids), err)
	}
	perTerm := make(map[int64][]store.ScoringPosting, len(ids))
	for _, p := range postings {
		perTerm[p.TermID] = append(perTerm[p.TermID], p)
	}

	scores := Score(perTerm, CorpusStats{TotalDocs: st.TotalDocs, AvgDocLength: st.AvgDocLength}, s.params)
	s.logger.Debug("bm25 scored",
		"terms", len(ids),
		"postings", len(postings),
		"matches", len(scores),
	)
	return scores, nil
}

// Search is Score followed by Sorted.
func (s *Scorer) Search(ctx context.Context, tokens []string, limit int) ([]ScoredDoc, error) {
	scores, err := s.Score(ctx, tokens)
	if err != nil {
		return nil, err
	}
	return Sorted(scores, limit), nil
}

func unique(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
