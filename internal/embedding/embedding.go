// Package embedding turns document text, queries and images into vectors
// for the semantic side of hybrid search. Providers are wrapped by Service,
// which adds rate limiting, caching and metrics.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
)

// Embedder produces a fixed-length vector for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ImageEmbedder produces a vector for raw image bytes in the same space as
// text vectors.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// Provider is a concrete embedding backend.
type Provider interface {
	Embedder
	ImageEmbedder
	Name() string
	Model() string
}

// DocumentText is the text a document's embedding is computed from.
func DocumentText(title, content string) string {
	return title + ". " + content
}

// ContentHash fingerprints the embedded text of a document.
func ContentHash(title, content string) string {
	sum := sha256.Sum256([]byte(DocumentText(title, content)))
	return hex.EncodeToString(sum[:])
}

// DecodeImage decodes base64 image data, accepting an optional data URI
// header such as "data:image/png;base64,".
func DecodeImage(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "empty image data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "image is not valid base64: %v", err)
	}
	return data, nil
}

// Normalize scales v to unit length in place. The zero vector is left
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func embeddingError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrEmbedding, err)
}
