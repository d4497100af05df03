// Package handler serves the searchd HTTP API: queries, traces, documents,
// tokenization and cache administration.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/indexer/stats"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion/validator"
	"github.com/XcloudFance/Verdant-Search/internal/searcher"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/logger"
)

const maxBodyBytes = 16 << 20

type Searcher interface {
	Search(ctx context.Context, query string, topK int) (*searcher.Response, error)
	SearchByImage(ctx context.Context, imageBase64 string, topK int) (*searcher.Response, error)
	Suggestions(ctx context.Context, prefix string, limit int) ([]string, error)
}

type Documents interface {
	Ingest(ctx context.Context, req ingestion.IngestRequest) (indexer.IngestResult, error)
	IngestBatch(ctx context.Context, reqs []ingestion.IngestRequest) []ingestion.BatchItemResult
	Get(ctx context.Context, id int64) (*store.Document, error)
	List(ctx context.Context, page, pageSize int) ([]*store.Document, int64, error)
	Postings(ctx context.Context, id int64) ([]store.Posting, error)
	Delete(ctx context.Context, id int64) error
	Stats(ctx context.Context) (store.DocStats, error)
}

type Traces interface {
	Latest(ctx context.Context) (*analytics.SearchTrace, bool, error)
	History(ctx context.Context, limit int) ([]analytics.HistoryItem, error)
	Keywords(ctx context.Context, limit int) ([]analytics.Keyword, error)
}

type Cache interface {
	Stats() (hits, misses int64)
	Invalidate(ctx context.Context) (int64, error)
}

type StatsJob interface {
	Run(ctx context.Context) (stats.Report, error)
}

type Tokenizer interface {
	Tokenize(text string, mode tokenizer.Mode) []string
}

// Deps wires the handler. Traces, Cache and StatsJob may be nil; their
// routes then answer 503.
type Deps struct {
	Searcher  Searcher
	Documents Documents
	Traces    Traces
	Cache     Cache
	StatsJob  StatsJob
	Tokenizer Tokenizer
}

type Handler struct {
	search    Searcher
	docs      Documents
	traces    Traces
	cache     Cache
	statsJob  StatsJob
	tokenizer Tokenizer
	logger    *slog.Logger
}

func New(d Deps) *Handler {
	return &Handler{
		search:    d.Searcher,
		docs:      d.Documents,
		traces:    d.Traces,
		cache:     d.Cache,
		statsJob:  d.StatsJob,
		tokenizer: d.Tokenizer,
		logger:    slog.Default().With("component", "search-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("POST /api/v1/search/image", h.SearchImage)
	mux.HandleFunc("GET /api/v1/suggestions", h.Suggestions)
	mux.HandleFunc("GET /api/v1/search/trace", h.LatestTrace)
	mux.HandleFunc("GET /api/v1/search/history", h.History)
	mux.HandleFunc("GET /api/v1/search/keywords", h.Keywords)

	mux.HandleFunc("POST /api/v1/documents", h.IngestDocument)
	mux.HandleFunc("POST /api/v1/documents/batch", h.IngestBatch)
	mux.HandleFunc("GET /api/v1/documents", h.ListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	mux.HandleFunc("GET /api/v1/documents/{id}/postings", h.DocumentPostings)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.DeleteDocument)

	mux.HandleFunc("POST /api/v1/tokenize", h.Tokenize)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("POST /api/v1/admin/stats", h.RecomputeStats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topK, ok := h.intParam(w, r, "top_k", 0)
	if !ok {
		return
	}
	if q.Get("q") == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	resp, err := h.search.Search(r.Context(), q.Get("q"), topK)
	if err != nil {
		h.fail(w, r, "search failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type imageSearchRequest struct {
	ImageBase64 string `json:"image_base64"`
	TopK        int    `json:"top_k"`
}

func (h *Handler) SearchImage(w http.ResponseWriter, r *http.Request) {
	var req imageSearchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ImageBase64 == "" {
		h.writeError(w, http.StatusBadRequest, "image_base64 is required")
		return
	}
	resp, err := h.search.SearchByImage(r.Context(), req.ImageBase64, req.TopK)
	if err != nil {
		h.fail(w, r, "image search failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", 10)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")
	suggestions, err := h.search.Suggestions(r.Context(), prefix, limit)
	if err != nil {
		h.fail(w, r, "suggestions failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "suggestions": suggestions})
}

func (h *Handler) LatestTrace(w http.ResponseWriter, r *http.Request) {
	if h.traces == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tracing is disabled")
		return
	}
	trace, ok, err := h.traces.Latest(r.Context())
	if err != nil {
		h.fail(w, r, "loading trace failed", err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "no search has been traced yet")
		return
	}
	h.writeJSON(w, http.StatusOK, trace)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.traces == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tracing is disabled")
		return
	}
	limit, ok := h.intParam(w, r, "limit", 20)
	if !ok {
		return
	}
	items, err := h.traces.History(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "loading history failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": items})
}

func (h *Handler) Keywords(w http.ResponseWriter, r *http.Request) {
	if h.traces == nil {
		h.writeError(w, http.StatusServiceUnavailable, "tracing is disabled")
		return
	}
	limit, ok := h.intParam(w, r, "limit", 20)
	if !ok {
		return
	}
	keywords, err := h.traces.Keywords(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "loading keywords failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"keywords": keywords})
}

func (h *Handler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestion.IngestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validator.ValidateIngestRequest(&req); err != nil {
		h.writeValidation(w, err)
		return
	}
	res, err := h.docs.Ingest(r.Context(), req)
	if err != nil {
		h.fail(w, r, "ingest failed", err)
		return
	}
	status, code := ingestion.StatusUpdated, http.StatusOK
	if res.Created {
		status, code = ingestion.StatusCreated, http.StatusCreated
	}
	h.writeJSON(w, code, map[string]any{
		"document_id":     res.DocumentID,
		"status":          status,
		"length":          res.Length,
		"distinct_terms":  res.DistinctTerms,
		"images_embedded": res.ImagesEmbedded,
	})
}

type batchRequest struct {
	Documents []ingestion.IngestRequest `json:"documents"`
}

func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validator.ValidateBatch(req.Documents); err != nil {
		h.writeValidation(w, err)
		return
	}
	results := h.docs.IngestBatch(r.Context(), req.Documents)
	failed := 0
	for _, res := range results {
		if res.Status == ingestion.StatusFailed {
			failed++
		}
	}
	logger.FromContext(r.Context()).Info("batch ingested", "documents", len(results), "failed", failed)
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results, "failed": failed})
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	page, ok := h.intParam(w, r, "page", 1)
	if !ok {
		return
	}
	pageSize, ok := h.intParam(w, r, "page_size", 20)
	if !ok {
		return
	}
	docs, total, err := h.docs.List(r.Context(), page, pageSize)
	if err != nil {
		h.fail(w, r, "listing documents failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.docs.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "loading document failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) DocumentPostings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	postings, err := h.docs.Postings(r.Context(), id)
	if err != nil {
		h.fail(w, r, "loading postings failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "postings": postings})
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.docs.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "status": "deleted"})
}

type tokenizeRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

func (h *Handler) Tokenize(w http.ResponseWriter, r *http.Request) {
	var req tokenizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	mode, err := tokenizer.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens := h.tokenizer.Tokenize(req.Text, mode)
	h.writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "tokens": tokens, "count": len(tokens)})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.docs.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "loading statistics failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) RecomputeStats(w http.ResponseWriter, r *http.Request) {
	if h.statsJob == nil {
		h.writeError(w, http.StatusServiceUnavailable, "statistics job is not configured")
		return
	}
	report, err := h.statsJob.Run(r.Context())
	if err != nil {
		h.fail(w, r, "statistics job failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	deleted, err := h.cache.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		h.writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return v, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		h.writeError(w, http.StatusBadRequest, "document id must be a positive integer")
		return 0, false
	}
	return id, true
}

// fail maps err to its HTTP status. Client errors carry their message;
// server errors are logged and answered with msg only.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status < http.StatusInternalServerError {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			msg = appErr.Message
		} else {
			msg = err.Error()
		}
		h.writeError(w, status, msg)
		return
	}
	logger.FromContext(r.Context()).Error(msg, "error", err, "status_code", status)
	h.writeError(w, status, msg)
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
