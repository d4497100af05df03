// Package cache stores search responses in Redis keyed by the normalized
// query, collapsing concurrent identical misses with singleflight.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	pkgredis "github.com/XcloudFance/Verdant-Search/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix             = "search:result:"
	defaultComputeTimeout = 30 * time.Second
)

// Backend is the subset of the Redis client the cache needs.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// QueryCache caches values of type T, usually a search response.
type QueryCache[T any] struct {
	client  Backend
	ttl     time.Duration
	group   singleflight.Group
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a cache whose entries live for ttl. m may be nil.
func New[T any](client Backend, ttl time.Duration, m *metrics.Metrics) *QueryCache[T] {
	return &QueryCache[T]{
		client:  client,
		ttl:     ttl,
		timeout: defaultComputeTimeout,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Key derives the cache key of a query from its search-mode tokens and
// top_k. A query without tokens is keyed by its folded raw text.
func Key(query string, tokens []string, topK int) string {
	normalized := strings.Join(tokens, " ")
	if normalized == "" {
		normalized = "raw:" + strings.ToLower(strings.Join(strings.Fields(query), " "))
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|k=%d", normalized, topK)))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

// Get returns the cached value for key. Redis and decoding failures count
// as misses.
func (c *QueryCache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return zero, false
	}
	var result T
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return zero, false
	}
	c.hit()
	c.logger.Debug("cache hit", "key", key)
	return result, true
}

func (c *QueryCache[T]) Set(ctx context.Context, key string, value T) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached value for key, or computes and returns
// it. Concurrent misses on one key share a single compute, which runs
// detached from the first caller's cancellation under its own deadline; each
// caller still returns when its own ctx ends. A computed value is stored
// only when cacheable is nil or reports true. hit is true only when the
// value came from Redis.
func (c *QueryCache[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error), cacheable func(T) bool) (value T, hit bool, err error) {
	if result, ok := c.Get(ctx, key); ok {
		return result, true, nil
	}
	ch := c.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		result, err := compute(shared)
		if err != nil {
			return nil, err
		}
		if cacheable == nil || cacheable(result) {
			c.Set(shared, key, result)
		}
		return result, nil
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		return res.Val.(T), false, nil
	}
}

// Invalidate drops every cached search response.
func (c *QueryCache[T]) Invalidate(ctx context.Context) (int64, error) {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return deleted, nil
}

func (c *QueryCache[T]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache[T]) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *QueryCache[T]) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// Invalidator is implemented by QueryCache of any type.
type Invalidator interface {
	Invalidate(ctx context.Context) (int64, error)
}

// HandleInvalidate returns a Kafka handler that flushes the cache whenever
// a document is indexed or deleted.
func HandleInvalidate(inv Invalidator) kafka.MessageHandler {
	logger := slog.Default().With("component", "cache-invalidator")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ingestion.CacheInvalidateEvent](value)
		if err != nil {
			logger.Error("failed to decode cache invalidate event", "error", err, "key", string(key))
			return nil
		}
		if _, err := inv.Invalidate(ctx); err != nil {
			return err
		}
		logger.Debug("cache flushed", "doc_id", event.DocumentID, "operation", event.Operation)
		return nil
	}
}
