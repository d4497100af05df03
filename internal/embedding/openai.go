package embedding

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint. Images
// are sent as data URIs, which multimodal servers (CLIP deployments) embed
// into the text space.
type OpenAIProvider struct {
	embedder embeddings.Embedder
	model    string
	logger   *slog.Logger
}

func NewOpenAIProvider(cfg config.EmbeddingConfig) (*OpenAIProvider, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = cfg.Timeout

	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithHTTPClient(retryClient.StandardClient()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIProvider{
		embedder: embedder,
		model:    cfg.Model,
		logger:   slog.Default().With("component", "openai-embedder"),
	}, nil
}

func (p *OpenAIProvider) Name() string  { return config.ProviderOpenAI }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	p.logger.Debug("embedding text", "length", len(text))
	return p.embedOne(ctx, text)
}

func (p *OpenAIProvider) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	uri := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	p.logger.Debug("embedding image", "bytes", len(image))
	return p.embedOne(ctx, uri)
}

func (p *OpenAIProvider) embedOne(ctx context.Context, input string) ([]float32, error) {
	vectors, err := p.embedder.EmbedDocuments(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("provider returned no embedding")
	}
	return vectors[0], nil
}
