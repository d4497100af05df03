package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/indexer/stats"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/internal/searcher"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	query string
	topK  int
	err   error
}

func (f *fakeSearcher) Search(_ context.Context, query string, topK int) (*searcher.Response, error) {
	f.query, f.topK = query, topK
	if f.err != nil {
		return nil, f.err
	}
	return &searcher.Response{
		Query:   query,
		TopK:    topK,
		Results: []searcher.Result{{DocumentID: 7, Score: 0.9, Title: "Go"}},
	}, nil
}

func (f *fakeSearcher) SearchByImage(_ context.Context, image string, topK int) (*searcher.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &searcher.Response{TopK: topK, Results: []searcher.Result{{DocumentID: 3, Score: 1}}}, nil
}

func (f *fakeSearcher) Suggestions(_ context.Context, prefix string, limit int) ([]string, error) {
	return []string{prefix + "lang"}, nil
}

type fakeDocuments struct {
	docs    map[int64]*store.Document
	nextID  int64
	batches int
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: map[int64]*store.Document{}, nextID: 1}
}

func (f *fakeDocuments) Ingest(_ context.Context, req ingestion.IngestRequest) (indexer.IngestResult, error) {
	for id, d := range f.docs {
		if req.URL != "" && d.URL == req.URL {
			d.Content = req.Content
			return indexer.IngestResult{DocumentID: id}, nil
		}
	}
	id := f.nextID
	f.nextID++
	f.docs[id] = &store.Document{ID: id, Title: req.Title, Content: req.Content, URL: req.URL}
	return indexer.IngestResult{DocumentID: id, Created: true, Length: 2}, nil
}

func (f *fakeDocuments) IngestBatch(ctx context.Context, reqs []ingestion.IngestRequest) []ingestion.BatchItemResult {
	f.batches++
	out := make([]ingestion.BatchItemResult, len(reqs))
	for i, req := range reqs {
		res, _ := f.Ingest(ctx, req)
		out[i] = ingestion.BatchItemResult{Index: i, DocumentID: res.DocumentID, Status: ingestion.StatusCreated}
	}
	return out
}

func (f *fakeDocuments) Get(_ context.Context, id int64) (*store.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, apperrors.NotFound(id)
	}
	return d, nil
}

func (f *fakeDocuments) List(_ context.Context, page, pageSize int) ([]*store.Document, int64, error) {
	out := make([]*store.Document, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, int64(len(f.docs)), nil
}

func (f *fakeDocuments) Postings(ctx context.Context, id int64) ([]store.Posting, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return []store.Posting{{Term: "go", DocumentID: id, TermFrequency: 1, Positions: []int{0}}}, nil
}

func (f *fakeDocuments) Delete(_ context.Context, id int64) error {
	if _, ok := f.docs[id]; !ok {
		return apperrors.NotFound(id)
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeDocuments) Stats(context.Context) (store.DocStats, error) {
	return store.DocStats{TotalDocs: int64(len(f.docs)), AvgDocLength: 2}, nil
}

type fakeTraces struct {
	latest *analytics.SearchTrace
}

func (f *fakeTraces) Latest(context.Context) (*analytics.SearchTrace, bool, error) {
	return f.latest, f.latest != nil, nil
}

func (f *fakeTraces) History(_ context.Context, limit int) ([]analytics.HistoryItem, error) {
	return []analytics.HistoryItem{{Query: "go"}}, nil
}

func (f *fakeTraces) Keywords(_ context.Context, limit int) ([]analytics.Keyword, error) {
	return []analytics.Keyword{{Text: "go", Value: 3}}, nil
}

type fakeCache struct{ invalidated int }

func (f *fakeCache) Stats() (int64, int64) { return 3, 1 }

func (f *fakeCache) Invalidate(context.Context) (int64, error) {
	f.invalidated++
	return 4, nil
}

type fakeStatsJob struct{ err error }

func (f fakeStatsJob) Run(context.Context) (stats.Report, error) {
	return stats.Report{TermsUpdated: 10, TotalDocs: 2, Duration: time.Millisecond}, f.err
}

type env struct {
	mux      *http.ServeMux
	searcher *fakeSearcher
	docs     *fakeDocuments
	traces   *fakeTraces
	cache    *fakeCache
}

func newEnv(mutate ...func(*Deps)) *env {
	e := &env{
		mux:      http.NewServeMux(),
		searcher: &fakeSearcher{},
		docs:     newFakeDocuments(),
		traces:   &fakeTraces{},
		cache:    &fakeCache{},
	}
	d := Deps{
		Searcher:  e.searcher,
		Documents: e.docs,
		Traces:    e.traces,
		Cache:     e.cache,
		StatsJob:  fakeStatsJob{},
		Tokenizer: tokenizer.New(tokenizer.Options{}),
	}
	for _, fn := range mutate {
		fn(&d)
	}
	New(d).RegisterRoutes(e.mux)
	return e
}

func (e *env) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestSearch(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodGet, "/api/v1/search?q=golang+channels&top_k=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "golang channels", e.searcher.query)
	assert.Equal(t, 5, e.searcher.topK)

	var resp searcher.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 1)
	assert.EqualValues(t, 7, resp.Results[0].DocumentID)
}

func TestSearchBadParams(t *testing.T) {
	e := newEnv()
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/search", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/search?q=go&top_k=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/search?q=go&top_k=0", "").Code)
}

func TestSearchErrorMapping(t *testing.T) {
	e := newEnv()
	e.searcher.err = errors.Join(apperrors.ErrUnavailable, errors.New("both branches down"))
	rec := e.do(http.MethodGet, "/api/v1/search?q=go", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "search failed", decode(t, rec)["error"])

	e.searcher.err = apperrors.New(apperrors.ErrInvalidInput, 400, "query must not be empty")
	rec = e.do(http.MethodGet, "/api/v1/search?q=%20", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "query must not be empty", decode(t, rec)["error"])
}

func TestSearchImage(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodPost, "/api/v1/search/image", `{"image_base64":"aGVsbG8=","top_k":3}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/search/image", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/search/image", `{oops`).Code)
}

func TestSuggestions(t *testing.T) {
	rec := newEnv().do(http.MethodGet, "/api/v1/suggestions?prefix=go", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"golang"}, body["suggestions"])
}

func TestTraceRoutes(t *testing.T) {
	e := newEnv()
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/search/trace", "").Code)

	e.traces.latest = &analytics.SearchTrace{TraceID: "t-1", Query: "go"}
	rec := e.do(http.MethodGet, "/api/v1/search/trace", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t-1", decode(t, rec)["trace_id"])

	rec = e.do(http.MethodGet, "/api/v1/search/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["history"], 1)

	rec = e.do(http.MethodGet, "/api/v1/search/keywords", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["keywords"], 1)

	disabled := newEnv(func(d *Deps) { d.Traces = nil })
	assert.Equal(t, http.StatusServiceUnavailable, disabled.do(http.MethodGet, "/api/v1/search/trace", "").Code)
}

func TestDocumentLifecycle(t *testing.T) {
	e := newEnv()

	rec := e.do(http.MethodPost, "/api/v1/documents", `{"title":"Go","content":"gophers","url":"https://go.dev"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, ingestion.StatusCreated, body["status"])
	assert.EqualValues(t, 1, body["document_id"])

	rec = e.do(http.MethodPost, "/api/v1/documents", `{"title":"Go","content":"new","url":"https://go.dev"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ingestion.StatusUpdated, decode(t, rec)["status"])

	rec = e.do(http.MethodGet, "/api/v1/documents/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new", decode(t, rec)["content"])

	rec = e.do(http.MethodGet, "/api/v1/documents/1/postings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["postings"], 1)

	rec = e.do(http.MethodGet, "/api/v1/documents?page=1&page_size=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	assert.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/api/v1/documents/1", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/api/v1/documents/1", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/documents/1", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/documents/abc", "").Code)
}

func TestIngestValidation(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodPost, "/api/v1/documents", `{"url":"ftp://nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["fields"], "url")
	assert.Empty(t, e.docs.docs)

	rec = e.do(http.MethodPost, "/api/v1/documents/batch", `{"documents":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, e.docs.batches)
}

func TestIngestBatch(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodPost, "/api/v1/documents/batch",
		`{"documents":[{"title":"a","content":"x"},{"title":"b","content":"y"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["results"], 2)
	assert.EqualValues(t, 0, body["failed"])
	assert.Len(t, e.docs.docs, 2)
}

func TestTokenize(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodPost, "/api/v1/tokenize", `{"text":"Go go GO search","mode":"search"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"go", "search"}, body["tokens"])

	rec = e.do(http.MethodPost, "/api/v1/tokenize", `{"text":"go","mode":"fuzzy"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsRoutes(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["avg_doc_length"])

	rec = e.do(http.MethodPost, "/api/v1/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, decode(t, rec)["terms_updated"])

	busy := newEnv(func(d *Deps) { d.StatsJob = fakeStatsJob{err: apperrors.ErrStatsJobRunning} })
	assert.Equal(t, http.StatusConflict, busy.do(http.MethodPost, "/api/v1/admin/stats", "").Code)
}

func TestCacheRoutes(t *testing.T) {
	e := newEnv()
	rec := e.do(http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "75.0%", decode(t, rec)["hit_rate"])

	rec = e.do(http.MethodPost, "/api/v1/cache/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["keys_deleted"])
	assert.Equal(t, 1, e.cache.invalidated)

	disabled := newEnv(func(d *Deps) { d.Cache = nil })
	assert.Equal(t, http.StatusServiceUnavailable, disabled.do(http.MethodPost, "/api/v1/cache/invalidate", "").Code)
}
