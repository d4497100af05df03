package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
)

// BatchPublisher is the Kafka write side the Collector needs.
// *kafka.Producer implements it.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Collector buffers events and publishes them in batches from a single
// goroutine so request paths never wait on Kafka. A batch goes out when it
// reaches batchSize or when flushInterval passes, whichever comes first.
type Collector struct {
	producer      BatchPublisher
	eventCh       chan any
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
	once          sync.Once
}

func NewCollector(producer BatchPublisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producer:      producer,
		eventCh:       make(chan any, bufferSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		logger:        slog.Default().With("component", "analytics-collector"),
		done:          make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		batch := make([]kafka.Event, 0, c.batchSize)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					c.flush(context.Background(), batch)
					return
				}
				batch = append(batch, toKafkaEvent(event))
				if len(batch) >= c.batchSize {
					c.flush(ctx, batch)
					batch = batch[:0]
				}
			case <-ticker.C:
				c.flush(ctx, batch)
				batch = batch[:0]
			case <-ctx.Done():
				c.drainRemaining(batch)
				return
			}
		}
	}()
	c.logger.Info("analytics collector started",
		"buffer_size", cap(c.eventCh),
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Track enqueues event, dropping it when the buffer is full.
func (c *Collector) Track(event any) {
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for the buffer to drain. Track
// must not be called afterwards.
func (c *Collector) Close() {
	c.once.Do(func() { close(c.eventCh) })
	<-c.done
}

func (c *Collector) flush(ctx context.Context, batch []kafka.Event) {
	if len(batch) == 0 {
		return
	}
	if err := c.producer.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("failed to publish analytics events", "count", len(batch), "error", err)
	}
}

// drainRemaining publishes what is still buffered once the run context is
// gone, bounded by a short deadline of its own.
func (c *Collector) drainRemaining(batch []kafka.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				c.flush(ctx, batch)
				return
			}
			batch = append(batch, toKafkaEvent(event))
		default:
			c.flush(ctx, batch)
			return
		}
	}
}

func toKafkaEvent(event any) kafka.Event {
	return kafka.Event{Key: string(eventType(event)), Value: event}
}

func eventType(event any) EventType {
	switch e := event.(type) {
	case SearchEvent:
		return e.Type
	case IndexEvent:
		return e.Type
	default:
		return "unknown"
	}
}
