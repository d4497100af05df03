package embedding

import (
	"context"
	"fmt"

	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/cespare/xxhash/v2"
)

const (
	imageShingle   = 8
	imageStride    = 4
	imageSampleCap = 1 << 16
)

// HashingProvider embeds locally with signed feature hashing: every token
// and character trigram is hashed into one of Dimension buckets. Similar
// texts share features and therefore point in similar directions. It needs
// no model server and is deterministic, which makes it the default for
// single-node deployments and tests.
type HashingProvider struct {
	dim       int
	tokenizer *tokenizer.Tokenizer
}

func NewHashingProvider(dim int) (*HashingProvider, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("hashing embedder needs a positive dimension, got %d", dim)
	}
	return &HashingProvider{dim: dim, tokenizer: tokenizer.New(tokenizer.Options{})}, nil
}

func (p *HashingProvider) Name() string  { return config.ProviderLocal }
func (p *HashingProvider) Model() string { return fmt.Sprintf("hashing-%d", p.dim) }

func (p *HashingProvider) EmbedText(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, tok := range p.tokenizer.Tokenize(text, tokenizer.ModeIndex) {
		p.add(vec, xxhash.Sum64String(tok), 1)
		runes := []rune(tok)
		for i := 0; i+3 <= len(runes); i++ {
			p.add(vec, xxhash.Sum64String("#"+string(runes[i:i+3])), 0.5)
		}
	}
	return Normalize(vec), nil
}

func (p *HashingProvider) EmbedImage(_ context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	sample := image
	if len(sample) > imageSampleCap {
		sample = sample[:imageSampleCap]
	}
	vec := make([]float32, p.dim)
	if len(sample) < imageShingle {
		p.add(vec, xxhash.Sum64(sample), 1)
	}
	for i := 0; i+imageShingle <= len(sample); i += imageStride {
		p.add(vec, xxhash.Sum64(sample[i:i+imageShingle]), 1)
	}
	return Normalize(vec), nil
}

// add accumulates weight into the bucket picked by h; the top bit of h
// picks the sign.
func (p *HashingProvider) add(vec []float32, h uint64, weight float32) {
	idx := int(h % uint64(p.dim))
	if h>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
