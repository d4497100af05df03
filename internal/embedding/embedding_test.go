package embedding

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/XcloudFance/Verdant-Search/pkg/config"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls atomic.Int32
	vec   []float32
	err   error
}

func (p *countingProvider) Name() string  { return "fake" }
func (p *countingProvider) Model() string { return "fake-model" }

func (p *countingProvider) EmbedText(context.Context, string) ([]float32, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return clone(p.vec), nil
}

func (p *countingProvider) EmbedImage(context.Context, []byte) ([]float32, error) {
	p.calls.Add(1)
	return clone(p.vec), nil
}

func newService(t *testing.T, p Provider, cfg config.EmbeddingConfig) *Service {
	t.Helper()
	s, err := NewService(p, cfg, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDocumentTextAndHash(t *testing.T) {
	assert.Equal(t, "Title. Body", DocumentText("Title", "Body"))
	assert.Equal(t, ContentHash("a", "b"), ContentHash("a", "b"))
	assert.NotEqual(t, ContentHash("a", "b"), ContentHash("a", "c"))
	assert.Len(t, ContentHash("", ""), 64)
}

func TestDecodeImage(t *testing.T) {
	raw := []byte("fake-png-bytes")
	enc := base64.StdEncoding.EncodeToString(raw)

	got, err := DecodeImage(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = DecodeImage("data:image/png;base64," + enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = DecodeImage("!!!")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = DecodeImage("")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCosineAndNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestHashingProviderSimilarity(t *testing.T) {
	p, err := NewHashingProvider(256)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.EmbedText(ctx, "distributed search engine with inverted index")
	require.NoError(t, err)
	b, err := p.EmbedText(ctx, "search engines use an inverted index")
	require.NoError(t, err)
	c, err := p.EmbedText(ctx, "banana bread recipe with walnuts")
	require.NoError(t, err)
	again, err := p.EmbedText(ctx, "distributed search engine with inverted index")
	require.NoError(t, err)

	assert.Len(t, a, 256)
	assert.Equal(t, a, again, "embedding is deterministic")
	assert.Greater(t, Cosine(a, b), Cosine(a, c))

	img, err := p.EmbedImage(ctx, []byte("\x89PNG\r\n\x1a\nsome image payload"))
	require.NoError(t, err)
	assert.Len(t, img, 256)
	_, err = p.EmbedImage(ctx, nil)
	assert.Error(t, err)

	_, err = NewHashingProvider(0)
	assert.Error(t, err)
}

func TestServiceCachesInMemory(t *testing.T) {
	p := &countingProvider{vec: []float32{3, 4}}
	s := newService(t, p, config.EmbeddingConfig{Dimension: 2, CacheSize: 8})
	ctx := context.Background()

	first, err := s.EmbedText(ctx, "hello")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, first[0], 1e-6, "vectors are normalized")

	first[0] = 42
	second, err := s.EmbedText(ctx, "hello")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, second[0], 1e-6, "callers get copies")
	assert.EqualValues(t, 1, p.calls.Load())
	assert.Equal(t, 1, s.CacheLen())
}

func TestServiceCollapsesConcurrentCalls(t *testing.T) {
	p := &countingProvider{vec: []float32{1, 0}}
	s := newService(t, p, config.EmbeddingConfig{Dimension: 2})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EmbedText(context.Background(), "same")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.calls.Load(), int32(16))
	assert.GreaterOrEqual(t, p.calls.Load(), int32(1))
}

func TestServicePersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.EmbeddingConfig{Dimension: 2, CacheDir: dir}

	p1 := &countingProvider{vec: []float32{1, 1}}
	s1, err := NewService(p1, cfg, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	want, err := s1.EmbedText(context.Background(), "persist me")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	p2 := &countingProvider{vec: []float32{9, 9}}
	s2 := newService(t, p2, cfg)
	got, err := s2.EmbedText(context.Background(), "persist me")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, p2.calls.Load())
}

func TestServiceWrapsProviderErrors(t *testing.T) {
	p := &countingProvider{err: errors.New("boom")}
	s := newService(t, p, config.EmbeddingConfig{})

	_, err := s.EmbedText(context.Background(), "x")
	assert.ErrorIs(t, err, apperrors.ErrEmbedding)

	bad := &countingProvider{vec: []float32{1, 2, 3}}
	s = newService(t, bad, config.EmbeddingConfig{Dimension: 2})
	_, err = s.EmbedText(context.Background(), "x")
	assert.ErrorIs(t, err, apperrors.ErrEmbedding)
}

func TestServiceRateLimitHonoursDeadline(t *testing.T) {
	p := &countingProvider{vec: []float32{1}}
	s := newService(t, p, config.EmbeddingConfig{RequestsPerSecond: 0.001, Burst: 1, Timeout: 50 * time.Millisecond})

	_, err := s.EmbedText(context.Background(), "first")
	require.NoError(t, err)

	_, err = s.EmbedText(context.Background(), "second")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.EmbedText(ctx, "third")
	assert.Error(t, err)
	assert.EqualValues(t, 1, p.calls.Load())
}

type gatedProvider struct {
	countingProvider
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.countingProvider.EmbedText(ctx, text)
}

func TestServiceSharedCallSurvivesCancelledCaller(t *testing.T) {
	p := &gatedProvider{
		countingProvider: countingProvider{vec: []float32{0, 2}},
		started:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	s := newService(t, p, config.EmbeddingConfig{Dimension: 2})

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := s.EmbedText(ctx, "shared")
		leaderErr <- err
	}()
	<-p.started

	follower := make(chan []float32, 1)
	go func() {
		vec, err := s.EmbedText(context.Background(), "shared")
		assert.NoError(t, err)
		follower <- vec
	}()

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	close(p.release)

	assert.Equal(t, []float32{0, 1}, <-follower)
	assert.Equal(t, 1, s.CacheLen())
}

func TestNewSelectsProvider(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s, err := New(config.EmbeddingConfig{Provider: config.ProviderLocal, Dimension: 16}, m)
	require.NoError(t, err)
	assert.Equal(t, "hashing-16", s.Model())

	_, err = New(config.EmbeddingConfig{Provider: "nope"}, m)
	assert.Error(t, err)
}
