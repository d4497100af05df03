package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pkgredis "github.com/XcloudFance/Verdant-Search/pkg/redis"
	"github.com/XcloudFance/Verdant-Search/pkg/tracing"
)

const (
	latestTraceKey = "search:latest_trace"
	historyKey     = "search:history"
	keywordsKey    = "search:keywords"

	defaultHistorySize = 100
	suggestionPool     = 1000
)

// TraceStore is the subset of the Redis client the recorder needs.
type TraceStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	PushCapped(ctx context.Context, key string, value interface{}, maxLen int) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZIncrBy(ctx context.Context, key string, incr float64, member string) error
	ZTop(ctx context.Context, key string, n int64) ([]pkgredis.ScoredMember, error)
}

// TraceHit is one ranked result as recorded in a trace.
type TraceHit struct {
	DocumentID  int64   `json:"document_id"`
	Title       string  `json:"title,omitempty"`
	Score       float64 `json:"score"`
	BM25Score   float64 `json:"bm25_score"`
	VectorScore float64 `json:"vector_score"`
}

// SearchTrace describes one completed search end to end.
type SearchTrace struct {
	TraceID     string          `json:"trace_id"`
	Query       string          `json:"query"`
	Tokens      []string        `json:"tokens"`
	TopK        int             `json:"top_k"`
	LexicalHits int             `json:"lexical_hits"`
	VectorHits  int             `json:"vector_hits"`
	Degraded    string          `json:"degraded,omitempty"`
	CacheHit    bool            `json:"cache_hit"`
	LatencyMs   float64         `json:"latency_ms"`
	Timestamp   time.Time       `json:"timestamp"`
	Results     []TraceHit      `json:"final_results"`
	Spans       *tracing.Record `json:"spans,omitempty"`
}

// HistoryItem is the compact per-search entry kept in search:history.
type HistoryItem struct {
	Query        string    `json:"query"`
	Timestamp    time.Time `json:"timestamp"`
	TotalResults int       `json:"total_results"`
	TopScore     float64   `json:"top_score"`
}

// Keyword is a query with its popularity.
type Keyword struct {
	Text  string  `json:"text"`
	Value float64 `json:"value"`
}

// TraceRecorder keeps the latest trace, a capped search history and query
// popularity in Redis.
type TraceRecorder struct {
	store       TraceStore
	ttl         time.Duration
	historySize int
	logger      *slog.Logger
}

func NewTraceRecorder(store TraceStore, ttl time.Duration, historySize int) *TraceRecorder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &TraceRecorder{
		store:       store,
		ttl:         ttl,
		historySize: historySize,
		logger:      slog.Default().With("component", "trace-recorder"),
	}
}

// Record stores trace. Failures are logged, never returned: a search must
// not fail because its trace could not be written.
func (r *TraceRecorder) Record(ctx context.Context, trace SearchTrace) {
	data, err := json.Marshal(trace)
	if err != nil {
		r.logger.Error("encoding search trace", "error", err)
		return
	}
	if err := r.store.Set(ctx, latestTraceKey, data, r.ttl); err != nil {
		r.logger.Warn("storing latest trace failed", "error", err)
	}

	item := HistoryItem{
		Query:        trace.Query,
		Timestamp:    trace.Timestamp,
		TotalResults: len(trace.Results),
	}
	if len(trace.Results) > 0 {
		item.TopScore = trace.Results[0].Score
	}
	if data, err = json.Marshal(item); err == nil {
		if err := r.store.PushCapped(ctx, historyKey, data, r.historySize); err != nil {
			r.logger.Warn("appending search history failed", "error", err)
		}
	}

	if keyword := normalizeKeyword(trace.Query); keyword != "" {
		if err := r.store.ZIncrBy(ctx, keywordsKey, 1, keyword); err != nil {
			r.logger.Warn("counting keyword failed", "error", err)
		}
	}
}

// Latest returns the most recent trace; ok is false when none is stored or
// it has expired.
func (r *TraceRecorder) Latest(ctx context.Context) (trace *SearchTrace, ok bool, err error) {
	data, err := r.store.Get(ctx, latestTraceKey)
	if pkgredis.IsNilError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading latest trace: %w", err)
	}
	var t SearchTrace
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, false, fmt.Errorf("decoding latest trace: %w", err)
	}
	return &t, true, nil
}

// History returns up to limit recent searches, newest first. Undecodable
// entries are skipped.
func (r *TraceRecorder) History(ctx context.Context, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		return []HistoryItem{}, nil
	}
	raw, err := r.store.LRange(ctx, historyKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("reading search history: %w", err)
	}
	items := make([]HistoryItem, 0, len(raw))
	for _, s := range raw {
		var item HistoryItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Keywords returns the limit most searched queries.
func (r *TraceRecorder) Keywords(ctx context.Context, limit int) ([]Keyword, error) {
	top, err := r.store.ZTop(ctx, keywordsKey, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("reading keywords: %w", err)
	}
	out := make([]Keyword, 0, len(top))
	for _, m := range top {
		out = append(out, Keyword{Text: m.Member, Value: m.Score})
	}
	return out, nil
}

// Suggestions returns popular queries starting with prefix, matched case
// insensitively, most popular first.
func (r *TraceRecorder) Suggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	prefix = normalizeKeyword(prefix)
	if prefix == "" || limit <= 0 {
		return []string{}, nil
	}
	top, err := r.store.ZTop(ctx, keywordsKey, suggestionPool)
	if err != nil {
		return nil, fmt.Errorf("reading keywords: %w", err)
	}
	out := make([]string, 0, limit)
	for _, m := range top {
		if strings.HasPrefix(strings.ToLower(m.Member), prefix) {
			out = append(out, m.Member)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func normalizeKeyword(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
