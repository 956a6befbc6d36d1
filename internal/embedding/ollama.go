package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/retry"
)

// OllamaEmbedder generates embeddings using the Ollama API
type OllamaEmbedder struct {
	Client     *api.Client
	Model      string
	MaxRetries int
	Timeout    time.Duration
	Dim        int
	logger     *zap.Logger
}

// NewOllamaEmbedder creates an embedder. An empty host falls back to OLLAMA_HOST.
func NewOllamaEmbedder(host, model string, dim int, logger *zap.Logger) (*OllamaEmbedder, error) {
	hostURL := envconfig.Host()
	if host != "" {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ollama host: %w", err)
		}
		hostURL = u
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OllamaEmbedder{
		Client:     api.NewClient(hostURL, http.DefaultClient),
		Model:      model,
		MaxRetries: 3,
		Timeout:    30 * time.Second,
		Dim:        dim,
		logger:     logger.With(zap.String("embedder", "ollama")),
	}, nil
}

func (e *OllamaEmbedder) Name() string   { return "ollama" }
func (e *OllamaEmbedder) Dimension() int { return e.Dim }

// EmbedText generates an embedding for a text, retrying transient failures
func (e *OllamaEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	policy := retry.Policy{
		MaxRetries:   e.MaxRetries,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    func(err error) bool { return !apperr.Is(err, apperr.CodeDimensionMismatch) },
	}
	vec, err := retry.DoWithResult(ctx, policy, e.logger, func(ctx context.Context) ([]float32, error) {
		return e.createEmbedding(ctx, text)
	})
	if err != nil {
		if apperr.Is(err, apperr.CodeDimensionMismatch) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "embedding provider failed", err).
			WithProvider(e.Name()).WithRetryable(true)
	}
	return vec, nil
}

func (e *OllamaEmbedder) createEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	resp, err := e.Client.Embed(ctx, &api.EmbedRequest{
		Model: e.Model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("failed to create embedding: empty response")
	}

	vec := resp.Embeddings[0]
	if err := CheckDimension(vec, e.Dim); err != nil {
		return nil, err
	}
	return vec, nil
}
