package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/XcloudFance/Verdant-Search/pkg/config"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const defaultCallTimeout = 30 * time.Second

// Service fronts a Provider with a request rate limit, an in-memory LRU,
// an optional persistent cache and duplicate-call suppression. It
// implements Embedder and ImageEmbedder and is safe for concurrent use.
type Service struct {
	provider  Provider
	dimension int
	limiter   *rate.Limiter
	memory    *lru.Cache[string, []float32]
	disk      *DiskCache
	group     singleflight.Group
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds the provider selected by cfg and wraps it in a Service.
func New(cfg config.EmbeddingConfig, m *metrics.Metrics) (*Service, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		p, err = NewOpenAIProvider(cfg)
	case config.ProviderLocal:
		p, err = NewHashingProvider(cfg.Dimension)
	default:
		err = fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewService(p, cfg, m)
}

// NewService wraps p. A zero RequestsPerSecond disables rate limiting and
// an empty CacheDir disables the persistent cache.
func NewService(p Provider, cfg config.EmbeddingConfig, m *metrics.Metrics) (*Service, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	memory, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating embedding lru: %w", err)
	}
	s := &Service{
		provider:  p,
		dimension: cfg.Dimension,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		memory:    memory,
		timeout:   cfg.Timeout,
		metrics:   m,
		logger:    slog.Default().With("component", "embedding", "provider", p.Name()),
	}
	if s.timeout <= 0 {
		s.timeout = defaultCallTimeout
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.CacheDir != "" {
		s.disk, err = OpenDiskCache(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) Model() string { return s.provider.Model() }

func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, "text", text, func(ctx context.Context) ([]float32, error) {
		return s.provider.EmbedText(ctx, text)
	})
}

func (s *Service) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	sum := sha256.Sum256(image)
	return s.embed(ctx, "image", hex.EncodeToString(sum[:]), func(ctx context.Context) ([]float32, error) {
		return s.provider.EmbedImage(ctx, image)
	})
}

func (s *Service) embed(ctx context.Context, kind, input string, call func(context.Context) ([]float32, error)) ([]float32, error) {
	key := s.cacheKey(kind, input)
	if vec, ok := s.memory.Get(key); ok {
		return clone(vec), nil
	}

	// The call is shared by every caller waiting on key, so it runs detached
	// from the first caller's cancellation under its own deadline.
	ch := s.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		if s.disk != nil {
			vec, ok, err := s.disk.Get(key)
			if err != nil {
				s.logger.Warn("embedding cache read failed", "error", err)
			} else if ok {
				s.memory.Add(key, vec)
				return vec, nil
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for embedding quota: %w: %w", apperrors.ErrRateLimited, err)
		}
		start := time.Now()
		vec, err := call(ctx)
		s.metrics.EmbeddingLatency.WithLabelValues(s.provider.Name()).Observe(time.Since(start).Seconds())
		if err == nil && s.dimension > 0 && len(vec) != s.dimension {
			err = fmt.Errorf("got %d dimensions, want %d", len(vec), s.dimension)
		}
		if err != nil {
			s.metrics.EmbeddingRequests.WithLabelValues(s.provider.Name(), "error").Inc()
			return nil, embeddingError("embedding "+kind, err)
		}
		s.metrics.EmbeddingRequests.WithLabelValues(s.provider.Name(), "ok").Inc()

		vec = Normalize(vec)
		s.memory.Add(key, vec)
		if s.disk != nil {
			if err := s.disk.Put(key, vec); err != nil {
				s.logger.Warn("embedding cache write failed", "error", err)
			}
		}
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]float32)), nil
	}
}

// cacheKey is scoped by provider model.
func (s *Service) cacheKey(kind, input string) string {
	if kind == "text" {
		sum := sha256.Sum256([]byte(input))
		input = hex.EncodeToString(sum[:])
	}
	return s.provider.Model() + ":" + kind + ":" + input
}

// CacheLen reports the in-memory cache size.
func (s *Service) CacheLen() int {
	return s.memory.Len()
}

func (s *Service) Close() error {
	if s.disk != nil {
		return s.disk.Close()
	}
	return nil
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
