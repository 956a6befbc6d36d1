package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/retry"
)

// GeminiEmbedder generates embeddings with the Gemini API
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dim        int
	maxRetries int
	timeout    time.Duration
	logger     *zap.Logger
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int, logger *zap.Logger) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiEmbedder{
		client:     client,
		model:      model,
		dim:        dim,
		maxRetries: 3,
		timeout:    30 * time.Second,
		logger:     logger.With(zap.String("embedder", "gemini")),
	}, nil
}

func (g *GeminiEmbedder) Name() string   { return "gemini" }
func (g *GeminiEmbedder) Dimension() int { return g.dim }

func (g *GeminiEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = g.maxRetries
	policy.Retryable = func(err error) bool { return !apperr.Is(err, apperr.CodeDimensionMismatch) }

	vec, err := retry.DoWithResult(ctx, policy, g.logger, func(ctx context.Context) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		outputDim := int32(g.dim)
		result, err := g.client.Models.EmbedContent(ctx, g.model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{OutputDimensionality: &outputDim})
		if err != nil {
			return nil, fmt.Errorf("embedding generation failed: %w", err)
		}
		if result == nil || len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
			return nil, fmt.Errorf("no embedding returned from API")
		}
		values := result.Embeddings[0].Values
		if err := CheckDimension(values, g.dim); err != nil {
			return nil, err
		}
		return values, nil
	})
	if err != nil {
		if apperr.Is(err, apperr.CodeDimensionMismatch) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "embedding provider failed", err).
			WithProvider(g.Name()).WithRetryable(true)
	}
	return vec, nil
}
