package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
)

// OllamaProvider handles interactions with a local Ollama server
type OllamaProvider struct {
	Client *api.Client
	Model  string
}

// NewOllamaProvider creates a provider. An empty host falls back to OLLAMA_HOST.
func NewOllamaProvider(host, model string) (*OllamaProvider, error) {
	hostURL := envconfig.Host()
	if host != "" {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ollama host: %w", err)
		}
		hostURL = u
	}
	return &OllamaProvider{
		Client: api.NewClient(hostURL, http.DefaultClient),
		Model:  model,
	}, nil
}

func (o *OllamaProvider) Name() string { return "ollama" }

func (o *OllamaProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	return o.Stream(ctx, req, nil)
}

// Stream generates a response, forwarding each token to onDelta
func (o *OllamaProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error) {
	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	chatReq := api.ChatRequest{
		Model:    o.Model,
		Messages: messages,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	var responseBuilder strings.Builder
	err := o.Client.Chat(ctx, &chatReq, func(resp api.ChatResponse) error {
		delta := resp.Message.Content
		if delta == "" {
			return nil
		}
		responseBuilder.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return fmt.Errorf("%w: %v", errStreamAborted, err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errStreamAborted) {
			return Completion{}, err
		}
		return Completion{}, o.wrap(err)
	}

	return Completion{Text: responseBuilder.String(), Provider: o.Name(), Model: o.Model}, nil
}

func (o *OllamaProvider) wrap(err error) error {
	pe := &ProviderError{Provider: o.Name(), Err: err}
	var se api.StatusError
	if errors.As(err, &se) {
		pe.StatusCode = se.StatusCode
	}
	return pe
}
