package searcher

import (
	"context"
	"encoding/base64"
	"errors"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/cache"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/store/storetest"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/XcloudFance/Verdant-Search/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errVectorDown = errors.New("vector store unreachable")

type failingVectors struct{}

func (failingVectors) Search(context.Context, []float32, int) (map[int64]float64, error) {
	return nil, errVectorDown
}

func (failingVectors) SearchImages(context.Context, []float32, int) (map[int64]float64, error) {
	return nil, errVectorDown
}

type failingLexical struct{}

func (failingLexical) Score(context.Context, []string) (map[int64]float64, error) {
	return nil, errors.New("postings table locked")
}

type recordingTraces struct {
	mu     sync.Mutex
	traces []analytics.SearchTrace
}

func (r *recordingTraces) Record(_ context.Context, trace analytics.SearchTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, trace)
}

func (r *recordingTraces) Suggestions(_ context.Context, prefix string, limit int) ([]string, error) {
	return []string{prefix + " channels"}[:min(limit, 1)], nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingEvents) Track(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type memoryBackend struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = string(value.([]byte))
	return nil
}

func (m *memoryBackend) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.values {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.values, k)
			n++
		}
	}
	return n, nil
}

type fixture struct {
	store   *store.Store
	index   *indexer.Service
	hashing *embedding.HashingProvider
	metrics *metrics.Metrics
	traces  *recordingTraces
	events  *recordingEvents
	ids     map[string]int64
}

var corpus = []ingestion.IngestRequest{
	{Title: "Goroutine channels", Content: "Channels let goroutines communicate by sending typed values.", URL: "https://example.com/channels"},
	{Title: "Postgres vacuum", Content: "Autovacuum reclaims storage held by dead tuples in tables.", URL: "https://example.com/vacuum"},
	{Title: "Sourdough bread", Content: "A starter of flour and water ferments for several days before baking.", URL: "https://example.com/bread"},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.Open(t)
	hashing, err := embedding.NewHashingProvider(256)
	require.NoError(t, err)
	f := &fixture{
		store:   s,
		hashing: hashing,
		metrics: metrics.New(prometheus.NewRegistry()),
		traces:  &recordingTraces{},
		events:  &recordingEvents{},
		ids:     map[string]int64{},
	}
	f.index = indexer.NewService(indexer.Deps{
		Store:         s,
		Tokenizer:     tokenizer.New(tokenizer.Options{}),
		Embedder:      hashing,
		ImageEmbedder: hashing,
		Model:         hashing.Model(),
		MaxImages:     2,
		Metrics:       f.metrics,
	})
	return f
}

func (f *fixture) seed(t *testing.T, reqs ...ingestion.IngestRequest) {
	t.Helper()
	for _, req := range reqs {
		res, err := f.index.Ingest(context.Background(), req)
		require.NoError(t, err)
		f.ids[req.URL] = res.DocumentID
	}
}

func (f *fixture) service(mutate ...func(*Deps)) *Service {
	d := Deps{
		Store:     f.store,
		Tokenizer: tokenizer.New(tokenizer.Options{}),
		Embedder:  f.hashing,
		Traces:    f.traces,
		Events:    f.events,
		Metrics:   f.metrics,
		Search: config.SearchConfig{
			K1: 1.5, B: 0.75,
			VectorWeight: 0.6, BM25Weight: 0.4,
			DefaultTopK: 20, MaxTopK: 50, CandidateMultiplier: 2,
			SemanticTimeout: time.Second, LexicalTimeout: time.Second,
		},
		Tracing: config.TracingConfig{Enabled: true, SampleRate: 1},
	}
	for _, fn := range mutate {
		fn(&d)
	}
	return NewService(d)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().Search(context.Background(), "   ", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, 400, apperrors.HTTPStatusCode(err))
}

func TestSearchEmptyIndex(t *testing.T) {
	f := newFixture(t)
	resp, err := f.service().Search(context.Background(), "goroutine channels", 10)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.Degraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchQueriesTotal.WithLabelValues("zero_result")))
}

func TestSearchHybrid(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	svc := f.service()

	resp, err := svc.Search(context.Background(), "goroutine channels", 10)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Len(t, resp.Tokens, 2)
	assert.Empty(t, resp.Degraded)
	assert.NotEmpty(t, resp.TraceID)

	top := resp.Results[0]
	assert.Equal(t, f.ids["https://example.com/channels"], top.DocumentID)
	assert.Equal(t, "Goroutine channels", top.Title)
	assert.Equal(t, "https://example.com/channels", top.URL)
	assert.Greater(t, top.BM25Score, 0.0)
	assert.Contains(t, strings.ToLower(top.Snippet), "channels")
	for _, r := range resp.Results[1:] {
		assert.Zero(t, r.BM25Score, "only one document matches lexically")
		assert.LessOrEqual(t, r.Score, top.Score)
	}
	assert.Equal(t, 1, resp.LexicalHits)
	assert.Equal(t, len(corpus), resp.VectorHits)

	require.Len(t, f.traces.traces, 1)
	trace := f.traces.traces[0]
	assert.Equal(t, "goroutine channels", trace.Query)
	assert.Equal(t, resp.TraceID, trace.TraceID)
	require.NotNil(t, trace.Spans)
	assert.Len(t, trace.Spans.Children, 2)

	require.Len(t, f.events.events, 1)
	ev := f.events.events[0].(analytics.SearchEvent)
	assert.Equal(t, analytics.EventSearch, ev.Type)
	assert.Equal(t, len(resp.Results), ev.ResultCount)
}

func TestSearchTopKTruncates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	resp, err := f.service().Search(context.Background(), "goroutine channels", 2)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 2, resp.TopK)
}

func TestSearchDegradesToLexical(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	svc := f.service(func(d *Deps) { d.Vectors = failingVectors{} })

	resp, err := svc.Search(context.Background(), "autovacuum tuples", 10)
	require.NoError(t, err)
	assert.Equal(t, BranchSemantic, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, f.ids["https://example.com/vacuum"], resp.Results[0].DocumentID)
	assert.Zero(t, resp.Results[0].VectorScore)
	assert.InDelta(t, 0.4, resp.Results[0].Score, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchDegradedTotal.WithLabelValues(BranchSemantic)))
}

func TestSearchDegradesToSemantic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	svc := f.service(func(d *Deps) { d.Lexical = failingLexical{} })

	resp, err := svc.Search(context.Background(), "sourdough starter", 10)
	require.NoError(t, err)
	assert.Equal(t, BranchLexical, resp.Degraded)
	assert.Len(t, resp.Results, len(corpus))
	for _, r := range resp.Results {
		assert.Zero(t, r.BM25Score)
	}
}

func TestSearchFailsWhenBothBranchesFail(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	svc := f.service(func(d *Deps) {
		d.Lexical = failingLexical{}
		d.Vectors = failingVectors{}
	})
	_, err := svc.Search(context.Background(), "bread", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.ErrorIs(t, err, errVectorDown)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchQueriesTotal.WithLabelValues("error")))
	assert.Empty(t, f.traces.traces)
}

func TestSearchOpenBreakerSkipsSemantic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	breaker := NewSemanticBreaker(1, time.Hour, f.metrics)
	svc := f.service(func(d *Deps) {
		d.Vectors = failingVectors{}
		d.Breaker = breaker
	})

	_, err := svc.Search(context.Background(), "bread", 10)
	require.NoError(t, err)
	assert.Equal(t, resilience.StateOpen, breaker.GetState())
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(f.metrics.CircuitBreakerState.WithLabelValues(BranchSemantic)))

	resp, err := svc.Search(context.Background(), "bread", 10)
	require.NoError(t, err)
	assert.Equal(t, BranchSemantic, resp.Degraded)
	assert.NotEmpty(t, resp.Results)
}

func TestSearchSemanticTimeout(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	svc := f.service(func(d *Deps) {
		d.Embedder = slowEmbedder{}
		d.Search.SemanticTimeout = 10 * time.Millisecond
	})
	resp, err := svc.Search(context.Background(), "bread", 10)
	require.NoError(t, err)
	assert.Equal(t, BranchSemantic, resp.Degraded)
}

type slowEmbedder struct{}

func (slowEmbedder) EmbedText(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	return nil, ctx.Err()
}

func TestSearchCache(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	backend := &memoryBackend{values: map[string]string{}}
	qc := cache.New[Response](backend, time.Minute, f.metrics)
	svc := f.service(func(d *Deps) { d.Cache = qc })

	first, err := svc.Search(context.Background(), "Goroutine channels", 10)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := svc.Search(context.Background(), "goroutine   CHANNELS", 10)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheHitsTotal))

	_, err = qc.Invalidate(context.Background())
	require.NoError(t, err)
	third, err := svc.Search(context.Background(), "goroutine channels", 10)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
}

func TestSearchDoesNotCacheDegradedResponses(t *testing.T) {
	f := newFixture(t)
	f.seed(t, corpus...)
	backend := &memoryBackend{values: map[string]string{}}
	qc := cache.New[Response](backend, time.Minute, f.metrics)

	degraded := f.service(func(d *Deps) {
		d.Cache = qc
		d.Vectors = failingVectors{}
	})
	first, err := degraded.Search(context.Background(), "goroutine channels", 10)
	require.NoError(t, err)
	assert.Equal(t, BranchSemantic, first.Degraded)
	assert.False(t, first.CacheHit)

	healthy := f.service(func(d *Deps) { d.Cache = qc })
	second, err := healthy.Search(context.Background(), "goroutine channels", 10)
	require.NoError(t, err)
	assert.Empty(t, second.Degraded)
	assert.False(t, second.CacheHit)

	third, err := healthy.Search(context.Background(), "goroutine channels", 10)
	require.NoError(t, err)
	assert.True(t, third.CacheHit)
	assert.Empty(t, third.Degraded)
}

func TestClampTopK(t *testing.T) {
	svc := newFixture(t).service()
	assert.Equal(t, 20, svc.ClampTopK(0))
	assert.Equal(t, 20, svc.ClampTopK(-3))
	assert.Equal(t, 7, svc.ClampTopK(7))
	assert.Equal(t, 50, svc.ClampTopK(500))
}

func TestSearchByImage(t *testing.T) {
	f := newFixture(t)
	cat := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("tabby cat pixels ", 40)))
	dog := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("golden retriever ", 40)))
	f.seed(t,
		ingestion.IngestRequest{Title: "Cats", Content: "cats", URL: "https://example.com/cat", Images: []store.ImageRef{{Data: cat}}},
		ingestion.IngestRequest{Title: "Dogs", Content: "dogs", URL: "https://example.com/dog", Images: []store.ImageRef{{Data: dog}}},
	)

	_, err := f.service().SearchByImage(context.Background(), cat, 5)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	svc := f.service(func(d *Deps) { d.ImageEmbedder = f.hashing })
	resp, err := svc.SearchByImage(context.Background(), "data:image/png;base64,"+cat, 5)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, f.ids["https://example.com/cat"], resp.Results[0].DocumentID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.Equal(t, "Cats", resp.Results[0].Title)

	_, err = svc.SearchByImage(context.Background(), "%%%", 5)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSuggestions(t *testing.T) {
	f := newFixture(t)
	got, err := f.service().Suggestions(context.Background(), "go", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"go channels"}, got)

	got, err = f.service(func(d *Deps) { d.Traces = nil }).Suggestions(context.Background(), "go", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
