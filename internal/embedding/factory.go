package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tn-legal-rag/internal/config"
)

// New builds the embedder the configuration names
func New(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	switch cfg.Provider {
	case "ollama", "":
		e, err := NewOllamaEmbedder(cfg.OllamaHost, cfg.Model, cfg.Dimension, logger)
		if err != nil {
			return nil, err
		}
		e.MaxRetries = cfg.MaxRetries
		if cfg.Timeout > 0 {
			e.Timeout = cfg.Timeout
		}
		return e, nil
	case "gemini":
		g, err := NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.Model, cfg.Dimension, logger)
		if err != nil {
			return nil, err
		}
		g.maxRetries = cfg.MaxRetries
		if cfg.Timeout > 0 {
			g.timeout = cfg.Timeout
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
