// Package publisher hands accepted documents to the indexer over Kafka and
// broadcasts index changes to query caches.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/google/uuid"
)

// Publisher produces IngestEvents for asynchronous indexing.
type Publisher struct {
	producer kafka.Publisher
	logger   *slog.Logger
}

// New creates a Publisher writing to producer's topic.
func New(producer kafka.Publisher) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   slog.Default().With("component", "publisher"),
	}
}

// Ingest publishes the request and returns the event id the indexer will
// report back on the index-complete topic. Requests with the same URL share
// a partition key so their upserts are applied in order.
func (p *Publisher) Ingest(ctx context.Context, req *ingestion.IngestRequest) (*ingestion.IngestResponse, error) {
	eventID := uuid.NewString()
	key := req.URL
	if key == "" {
		key = eventID
	}
	event := kafka.Event{
		Key: key,
		Value: ingestion.IngestEvent{
			EventID:    eventID,
			Request:    *req,
			ReceivedAt: time.Now().UTC(),
		},
	}
	if err := p.producer.Publish(ctx, event); err != nil {
		return nil, fmt.Errorf("publishing ingest event: %w", err)
	}
	p.logger.Debug("ingest event published", "event_id", eventID, "url", req.URL)
	return &ingestion.IngestResponse{
		EventID: eventID,
		Status:  ingestion.StatusAccepted,
	}, nil
}

// Notifier publishes CacheInvalidateEvents.
type Notifier struct {
	producer kafka.Publisher
}

func NewNotifier(producer kafka.Publisher) *Notifier {
	return &Notifier{producer: producer}
}

// NotifyChange announces that documentID was indexed or deleted.
func (n *Notifier) NotifyChange(ctx context.Context, documentID int64, op string) error {
	return n.producer.Publish(ctx, kafka.Event{
		Key: strconv.FormatInt(documentID, 10),
		Value: ingestion.CacheInvalidateEvent{
			DocumentID: documentID,
			Operation:  op,
			At:         time.Now().UTC(),
		},
	})
}
