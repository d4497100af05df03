// Package analytics tracks search and index activity. Events travel through
// a buffered Collector to Kafka and are folded into live statistics by the
// Aggregator; per-search traces, history and keyword popularity live in
// Redis behind TraceRecorder.
package analytics

import "time"

type EventType string

const (
	EventSearch      EventType = "search"
	EventImageSearch EventType = "image_search"
	EventIndexDoc    EventType = "index_document"
	EventDeleteDoc   EventType = "delete_document"
)

type SearchEvent struct {
	Type        EventType `json:"type"`
	Query       string    `json:"query"`
	Tokens      []string  `json:"tokens"`
	TopK        int       `json:"top_k"`
	ResultCount int       `json:"result_count"`
	LatencyMs   int64     `json:"latency_ms"`
	CacheHit    bool      `json:"cache_hit"`
	Degraded    string    `json:"degraded,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id,omitempty"`
}

type IndexEvent struct {
	Type       EventType `json:"type"`
	DocumentID int64     `json:"document_id"`
	Operation  string    `json:"operation"`
	TokenCount int       `json:"token_count"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// envelope is decoded first to pick the concrete event type.
type envelope struct {
	Type EventType `json:"type"`
}
