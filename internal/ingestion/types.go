// Package ingestion defines the request/response types and Kafka event schemas
// used by the document ingestion pipeline.
package ingestion

import (
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/store"
)

// IngestRequest is one document submitted for indexing. Documents with a
// URL are upserted by that URL.
type IngestRequest struct {
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	URL        string           `json:"url,omitempty"`
	SourceType string           `json:"source_type,omitempty"`
	Metadata   store.Metadata   `json:"metadata"`
	Images     []store.ImageRef `json:"images,omitempty"`
}

// Ingest outcomes.
const (
	StatusCreated  = "created"
	StatusUpdated  = "updated"
	StatusAccepted = "accepted"
	StatusFailed   = "failed"
)

// IngestResponse is returned to the caller after a document is indexed or
// accepted for asynchronous indexing.
type IngestResponse struct {
	DocumentID int64  `json:"document_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Status     string `json:"status"`
}

// BatchItemResult reports the outcome of one request of a batch.
type BatchItemResult struct {
	Index      int    `json:"index"`
	DocumentID int64  `json:"document_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// IngestEvent is the Kafka message produced by the ingestion front and
// consumed by the indexer.
type IngestEvent struct {
	EventID    string        `json:"event_id"`
	Request    IngestRequest `json:"request"`
	ReceivedAt time.Time     `json:"received_at"`
}

// IndexCompleteEvent is published by the indexer once an IngestEvent has
// been processed.
type IndexCompleteEvent struct {
	EventID     string    `json:"event_id"`
	DocumentID  int64     `json:"document_id,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Document change operations carried by CacheInvalidateEvent.
const (
	OpIndexed = "indexed"
	OpDeleted = "deleted"
	OpManual  = "manual"
)

// CacheInvalidateEvent tells query caches that indexed content changed.
type CacheInvalidateEvent struct {
	DocumentID int64     `json:"document_id,omitempty"`
	Operation  string    `json:"operation"`
	At         time.Time `json:"at"`
}
