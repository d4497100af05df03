// Package consumer reads ingest events from Kafka, indexes them through the
// Index Service and reports each outcome on the index-complete topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion/validator"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/XcloudFance/Verdant-Search/pkg/resilience"
)

// Ingester is the part of the Index Service the consumer drives.
type Ingester interface {
	Ingest(ctx context.Context, req ingestion.IngestRequest) (indexer.IngestResult, error)
}

// IndexConsumer wraps a Kafka consumer to drive the indexing pipeline.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates an IndexConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}

// HandleMessage returns a MessageHandler that ingests every event, retrying
// transient failures with retry. Malformed and invalid events are reported
// as failed and never retried. completions may be nil.
//
// The handler returns nil once an outcome has been published so the offset
// is committed; it only returns an error when the outcome itself could not
// be published, which leaves the message for redelivery.
func HandleMessage(svc Ingester, completions kafka.Publisher, retry resilience.RetryConfig) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ingestion.IngestEvent](value)
		if err != nil {
			logger.Error("failed to decode ingest event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		logger.Debug("processing ingest event",
			"event_id", event.EventID,
			"url", event.Request.URL,
		)

		var result indexer.IngestResult
		err = validator.ValidateIngestRequest(&event.Request)
		if err == nil {
			err = resilience.Retry(ctx, "ingest", retry, func() error {
				var ingestErr error
				result, ingestErr = svc.Ingest(ctx, event.Request)
				if ingestErr != nil && !retryable(ingestErr) {
					return resilience.Permanent(ingestErr)
				}
				return ingestErr
			})
		}

		done := ingestion.IndexCompleteEvent{
			EventID:     event.EventID,
			CompletedAt: time.Now().UTC(),
		}
		switch {
		case err != nil:
			done.Status = ingestion.StatusFailed
			done.Error = err.Error()
			logger.Error("ingest event failed",
				"event_id", event.EventID,
				"error", err,
			)
		case result.Created:
			done.Status = ingestion.StatusCreated
			done.DocumentID = result.DocumentID
		default:
			done.Status = ingestion.StatusUpdated
			done.DocumentID = result.DocumentID
		}
		if err == nil {
			logger.Info("document indexed",
				"event_id", event.EventID,
				"doc_id", result.DocumentID,
				"status", done.Status,
			)
		}

		if completions == nil {
			return nil
		}
		msgKey := event.EventID
		if done.DocumentID != 0 {
			msgKey = strconv.FormatInt(done.DocumentID, 10)
		}
		if err := completions.Publish(ctx, kafka.Event{Key: msgKey, Value: done}); err != nil {
			return fmt.Errorf("publishing index-complete for event %s: %w", event.EventID, err)
		}
		return nil
	}
}

// retryable reports whether an ingest failure may succeed on a later
// attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ve *validator.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return !errors.Is(err, apperrors.ErrInvalidInput)
}
