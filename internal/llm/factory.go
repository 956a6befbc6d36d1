package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/retry"
)

// NewFromConfig builds the providers in fallback order. A provider that cannot be
// constructed (missing key) is skipped with a warning; having none at all is an error.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, m *metrics.Collector, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var providers []Provider
	for _, name := range cfg.Providers {
		var (
			p   Provider
			err error
		)
		switch name {
		case "anthropic":
			p, err = NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		case "gemini":
			p, err = NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		case "ollama":
			p, err = NewOllamaProvider(cfg.OllamaHost, cfg.OllamaModel)
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn("llm provider disabled", zap.String("provider", name), zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no usable llm provider among %v", cfg.Providers)
	}
	return NewRouter(providers, retry.FromConfig(cfg.Retry), cfg.Timeout, m, logger), nil
}
