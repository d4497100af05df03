// Package searcher hosts the Search Service: it tokenizes a query, runs the
// lexical and semantic scorers in parallel, fuses their maps with the
// hybrid reranker and decorates the ranking with document fields.
package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/cache"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/ranker"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/reranker"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/semantic"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/logger"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/XcloudFance/Verdant-Search/pkg/resilience"
	"github.com/XcloudFance/Verdant-Search/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Branch names used in Response.Degraded and the degraded metric.
const (
	BranchLexical  = "lexical"
	BranchSemantic = "semantic"
)

// Tokenizer segments text into normalized tokens.
type Tokenizer interface {
	Tokenize(text string, mode tokenizer.Mode) []string
}

// LexicalScorer produces the BM25 map of a tokenized query.
type LexicalScorer interface {
	Score(ctx context.Context, tokens []string) (map[int64]float64, error)
}

// VectorSearcher answers nearest-neighbour queries over stored embeddings.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, topK int) (map[int64]float64, error)
	SearchImages(ctx context.Context, query []float32, topK int) (map[int64]float64, error)
}

// TraceSink stores per-search traces and serves suggestions.
type TraceSink interface {
	Record(ctx context.Context, trace analytics.SearchTrace)
	Suggestions(ctx context.Context, prefix string, limit int) ([]string, error)
}

// EventTracker receives analytics events.
type EventTracker interface {
	Track(event any)
}

// Result is one ranked document. Score is the fused score; BM25Score and
// VectorScore are the raw signal values, zero when a signal did not match.
type Result struct {
	DocumentID  int64   `json:"document_id"`
	Score       float64 `json:"score"`
	BM25Score   float64 `json:"bm25_score"`
	VectorScore float64 `json:"vector_score"`
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	SourceType  string  `json:"source_type,omitempty"`
	Snippet     string  `json:"snippet"`
}

// Response is the answer to one query.
type Response struct {
	Query     string   `json:"query"`
	Tokens    []string `json:"tokens"`
	TopK      int      `json:"top_k"`
	Results   []Result `json:"results"`
	Degraded  string   `json:"degraded,omitempty"`
	CacheHit  bool     `json:"cache_hit"`
	LatencyMs float64  `json:"latency_ms"`
	TraceID   string   `json:"trace_id,omitempty"`

	LexicalHits int `json:"lexical_hits"`
	VectorHits  int `json:"vector_hits"`
}

// Deps are the collaborators of a Service. Everything but Store and
// Tokenizer is optional: without an Embedder searches are lexical only.
type Deps struct {
	Store         *store.Store
	Tokenizer     Tokenizer
	Lexical       LexicalScorer
	Vectors       VectorSearcher
	Embedder      embedding.Embedder
	ImageEmbedder embedding.ImageEmbedder
	Cache         *cache.QueryCache[Response]
	Traces        TraceSink
	Events        EventTracker
	Breaker       *resilience.CircuitBreaker
	Metrics       *metrics.Metrics
	Search        config.SearchConfig
	Tracing       config.TracingConfig
}

type Service struct {
	store     *store.Store
	tokenizer Tokenizer
	lexical   LexicalScorer
	vectors   VectorSearcher
	embedder  embedding.Embedder
	images    embedding.ImageEmbedder
	cache     *cache.QueryCache[Response]
	traces    TraceSink
	events    EventTracker
	breaker   *resilience.CircuitBreaker
	metrics   *metrics.Metrics
	cfg       config.SearchConfig
	tracing   config.TracingConfig
	weights   reranker.Weights
	logger    *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		tokenizer: d.Tokenizer,
		lexical:   d.Lexical,
		vectors:   d.Vectors,
		embedder:  d.Embedder,
		images:    d.ImageEmbedder,
		cache:     d.Cache,
		traces:    d.Traces,
		events:    d.Events,
		breaker:   d.Breaker,
		metrics:   d.Metrics,
		cfg:       d.Search,
		tracing:   d.Tracing,
		weights:   reranker.Weights{Vector: d.Search.VectorWeight, BM25: d.Search.BM25Weight},
		logger:    slog.Default().With("component", "search-service"),
	}
	if s.lexical == nil {
		s.lexical = ranker.NewScorer(d.Store, d.Search)
	}
	if s.vectors == nil {
		s.vectors = semantic.New(d.Store)
	}
	if s.cfg.DefaultTopK <= 0 {
		s.cfg.DefaultTopK = 20
	}
	if s.cfg.MaxTopK < s.cfg.DefaultTopK {
		s.cfg.MaxTopK = s.cfg.DefaultTopK
	}
	if s.cfg.CandidateMultiplier < 1 {
		s.cfg.CandidateMultiplier = 1
	}
	if s.weights == (reranker.Weights{}) {
		s.weights = reranker.Weights{Vector: reranker.DefaultVectorWeight, BM25: reranker.DefaultBM25Weight}
	}
	return s
}

// NewSemanticBreaker guards the embedding + vector side of a search. State
// changes are exported on the circuit_breaker_state gauge when m is set.
func NewSemanticBreaker(threshold int, reset time.Duration, m *metrics.Metrics) *resilience.CircuitBreaker {
	cfg := resilience.CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset}
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(BranchSemantic).Set(float64(resilience.StateClosed))
		cfg.OnStateChange = func(name string, _, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return resilience.NewCircuitBreaker(BranchSemantic, cfg)
}

// ClampTopK applies the default and maximum result counts.
func (s *Service) ClampTopK(topK int) int {
	if topK <= 0 {
		return s.cfg.DefaultTopK
	}
	return min(topK, s.cfg.MaxTopK)
}

// Search answers a free-text query with at most topK fused results. When
// one signal fails the other still answers and Response.Degraded names the
// failed branch; only the failure of both is an error.
func (s *Service) Search(ctx context.Context, query string, topK int) (*Response, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "query must not be empty")
	}
	topK = s.ClampTopK(topK)
	tokens := s.tokenizer.Tokenize(query, tokenizer.ModeSearch)

	var span *tracing.Span
	if s.tracing.Enabled && tracing.Sampled(s.tracing.SampleRate) {
		ctx, span = tracing.StartSpan(ctx, "search", logger.RequestID(ctx))
		span.SetAttr("query", query)
		span.SetAttr("top_k", topK)
	}

	var (
		resp     Response
		cacheHit bool
		err      error
	)
	compute := func(ctx context.Context) (Response, error) { return s.execute(ctx, query, tokens, topK) }
	if s.cache != nil {
		resp, cacheHit, err = s.cache.GetOrCompute(ctx, cache.Key(query, tokens, topK), compute, complete)
	} else {
		resp, err = compute(ctx)
	}
	latency := time.Since(start)
	cacheStatus := "disabled"
	if s.cache != nil {
		cacheStatus = "miss"
		if cacheHit {
			cacheStatus = "hit"
		}
	}
	s.observe(cacheStatus, latency, len(resp.Results), err)
	if err != nil {
		logger.FromContext(ctx).Error("search failed", "query", query, "error", err)
		return nil, err
	}

	resp.CacheHit = cacheHit
	resp.LatencyMs = float64(latency.Microseconds()) / 1000
	if span != nil {
		span.SetAttr("cache_hit", cacheHit)
		span.SetAttr("results", len(resp.Results))
		span.End()
		span.Log()
		resp.TraceID = span.TraceID
	}
	s.record(ctx, &resp, span)
	s.track(ctx, analytics.EventSearch, &resp)

	logger.FromContext(ctx).Info("search completed",
		"query", query,
		"tokens", len(tokens),
		"returned", len(resp.Results),
		"degraded", resp.Degraded,
		"cache_hit", cacheHit,
		"latency_ms", resp.LatencyMs,
	)
	return &resp, nil
}

// complete reports whether resp came from both branches. Degraded responses
// are not cached so results recover as soon as the failed branch does.
func complete(resp Response) bool {
	return resp.Degraded == ""
}

// execute runs both branches concurrently. Neither branch cancels the
// other: each reports its own error and the caller decides.
func (s *Service) execute(ctx context.Context, query string, tokens []string, topK int) (Response, error) {
	candidates := topK * s.cfg.CandidateMultiplier

	var (
		g                  errgroup.Group
		lexical, vector    map[int64]float64
		lexicalErr, semErr error
	)
	g.Go(func() error {
		lexical, lexicalErr = s.runLexical(ctx, tokens, candidates)
		return nil
	})
	g.Go(func() error {
		vector, semErr = s.runSemantic(ctx, query, candidates)
		return nil
	})
	_ = g.Wait()

	resp := Response{Query: query, Tokens: tokens, TopK: topK}
	switch {
	case lexicalErr != nil && semErr != nil:
		return Response{}, fmt.Errorf("%w: lexical: %w; semantic: %w", apperrors.ErrUnavailable, lexicalErr, semErr)
	case lexicalErr != nil:
		resp.Degraded = BranchLexical
		s.degrade(ctx, BranchLexical, lexicalErr)
		lexical = nil
	case semErr != nil:
		resp.Degraded = BranchSemantic
		s.degrade(ctx, BranchSemantic, semErr)
		vector = nil
	}
	resp.LexicalHits, resp.VectorHits = len(lexical), len(vector)

	fused := reranker.Fuse(lexical, vector, s.weights, topK)
	results := make([]Result, len(fused))
	for i, f := range fused {
		results[i] = Result{
			DocumentID:  f.DocID,
			Score:       f.Score,
			BM25Score:   lexical[f.DocID],
			VectorScore: vector[f.DocID],
		}
	}
	if err := s.hydrate(ctx, results, tokens); err != nil {
		return Response{}, err
	}
	resp.Results = results
	return resp, nil
}

func (s *Service) runLexical(ctx context.Context, tokens []string, candidates int) (map[int64]float64, error) {
	if len(tokens) == 0 {
		return map[int64]float64{}, nil
	}
	ctx, span := tracing.StartChildSpan(ctx, BranchLexical)
	defer span.End()
	scores, err := resilience.WithTimeoutValue(ctx, s.cfg.LexicalTimeout, BranchLexical, func(ctx context.Context) (map[int64]float64, error) {
		return s.lexical.Score(ctx, tokens)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttr("matches", len(scores))
	return semantic.TopK(scores, candidates), nil
}

func (s *Service) runSemantic(ctx context.Context, query string, candidates int) (map[int64]float64, error) {
	if s.embedder == nil {
		return map[int64]float64{}, nil
	}
	ctx, span := tracing.StartChildSpan(ctx, BranchSemantic)
	defer span.End()
	search := func(ctx context.Context) (map[int64]float64, error) {
		vec, err := s.embedder.EmbedText(ctx, query)
		if err != nil {
			return nil, err
		}
		return s.vectors.Search(ctx, vec, candidates)
	}
	var scores map[int64]float64
	call := func() error {
		var err error
		scores, err = resilience.WithTimeoutValue(ctx, s.cfg.SemanticTimeout, BranchSemantic, search)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	span.SetAttr("matches", len(scores))
	return scores, nil
}

func (s *Service) degrade(ctx context.Context, branch string, err error) {
	if s.metrics != nil {
		s.metrics.SearchDegradedTotal.WithLabelValues(branch).Inc()
	}
	attrs := []any{"failed_branch", branch, "error", err}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		attrs = append(attrs, "circuit", "open")
	}
	logger.FromContext(ctx).Warn("search degraded to a single signal", attrs...)
}

// hydrate decorates results in place. Documents deleted since scoring keep
// their rank without fields.
func (s *Service) hydrate(ctx context.Context, results []Result, tokens []string) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.DocumentID
	}
	docs, err := s.store.GetDocuments(ctx, s.store.DB().DB, ids)
	if err != nil {
		return fmt.Errorf("loading result documents: %w", err)
	}
	for i := range results {
		d, ok := docs[results[i].DocumentID]
		if !ok {
			continue
		}
		results[i].Title = d.Title
		results[i].URL = d.URL
		results[i].SourceType = d.SourceType
		results[i].Snippet = Snippet(d.Content, tokens, snippetLength)
	}
	return nil
}

// SearchByImage embeds a base64 image and ranks documents by their best
// matching image embedding.
func (s *Service) SearchByImage(ctx context.Context, imageBase64 string, topK int) (*Response, error) {
	start := time.Now()
	if s.images == nil {
		return nil, apperrors.New(apperrors.ErrUnavailable, 503, "image search is not configured")
	}
	data, err := embedding.DecodeImage(imageBase64)
	if err != nil {
		return nil, err
	}
	topK = s.ClampTopK(topK)

	vec, err := s.images.EmbedImage(ctx, data)
	if err != nil {
		s.observe("disabled", time.Since(start), 0, err)
		return nil, err
	}
	scores, err := s.vectors.SearchImages(ctx, vec, topK)
	if err != nil {
		s.observe("disabled", time.Since(start), 0, err)
		return nil, err
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{DocumentID: id, Score: score, VectorScore: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})
	if err := s.hydrate(ctx, results, nil); err != nil {
		return nil, err
	}

	latency := time.Since(start)
	s.observe("disabled", latency, len(results), nil)
	resp := &Response{
		TopK:      topK,
		Tokens:    []string{},
		Results:   results,
		LatencyMs: float64(latency.Microseconds()) / 1000,
	}
	s.track(ctx, analytics.EventImageSearch, resp)
	return resp, nil
}

// Suggestions returns popular past queries beginning with prefix.
func (s *Service) Suggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	if s.traces == nil {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return s.traces.Suggestions(ctx, prefix, min(limit, 50))
}

func (s *Service) observe(cacheStatus string, latency time.Duration, results int, err error) {
	if s.metrics == nil {
		return
	}
	resultType := "results"
	switch {
	case err != nil:
		resultType = "error"
	case results == 0:
		resultType = "zero_result"
	}
	s.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	if err == nil {
		s.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(latency.Seconds())
		s.metrics.SearchResultsCount.Observe(float64(results))
	}
}

func (s *Service) record(ctx context.Context, resp *Response, span *tracing.Span) {
	if s.traces == nil {
		return
	}
	trace := analytics.SearchTrace{
		TraceID:     resp.TraceID,
		Query:       resp.Query,
		Tokens:      resp.Tokens,
		TopK:        resp.TopK,
		LexicalHits: resp.LexicalHits,
		VectorHits:  resp.VectorHits,
		Degraded:    resp.Degraded,
		CacheHit:    resp.CacheHit,
		LatencyMs:   resp.LatencyMs,
		Timestamp:   time.Now().UTC(),
		Results:     make([]analytics.TraceHit, len(resp.Results)),
	}
	for i, r := range resp.Results {
		trace.Results[i] = analytics.TraceHit{
			DocumentID:  r.DocumentID,
			Title:       r.Title,
			Score:       r.Score,
			BM25Score:   r.BM25Score,
			VectorScore: r.VectorScore,
		}
	}
	if span != nil {
		rec := span.Snapshot()
		trace.Spans = &rec
	}
	s.traces.Record(ctx, trace)
}

func (s *Service) track(ctx context.Context, typ analytics.EventType, resp *Response) {
	if s.events == nil {
		return
	}
	s.events.Track(analytics.SearchEvent{
		Type:        typ,
		Query:       resp.Query,
		Tokens:      resp.Tokens,
		TopK:        resp.TopK,
		ResultCount: len(resp.Results),
		LatencyMs:   int64(resp.LatencyMs),
		CacheHit:    resp.CacheHit,
		Degraded:    resp.Degraded,
		Timestamp:   time.Now().UTC(),
		RequestID:   logger.RequestID(ctx),
	})
}
