package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tn-legal-rag/internal/apperr"
)

// CrossEncoder scores (query, passage) pairs jointly. The result has one score per document,
// in input order.
type CrossEncoder interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
	Name() string
}

// JinaClient calls the Jina rerank API
type JinaClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewJinaClient creates a client; timeout bounds every call
func NewJinaClient(baseURL, apiKey, model string, timeout time.Duration) *JinaClient {
	if baseURL == "" {
		baseURL = "https://api.jina.ai"
	}
	if model == "" {
		model = "jina-reranker-v2-base-multilingual"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &JinaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *JinaClient) Name() string { return "jina-rerank" }

type jinaRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
}

type jinaRerankResponse struct {
	Model   string `json:"model"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score reranks documents and maps the scores back to input order
func (c *JinaClient) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(jinaRerankRequest{
		Query:     query,
		Documents: documents,
		Model:     c.model,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build rerank request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "jina rerank request failed", err).
			WithProvider(c.Name()).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.Newf(apperr.CodeProviderUnavailable,
			"jina rerank error: status=%d body=%s", resp.StatusCode, string(body)).
			WithProvider(c.Name()).WithRetryable(resp.StatusCode == 429 || resp.StatusCode >= 500)
	}

	var jResp jinaRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&jResp); err != nil {
		return nil, fmt.Errorf("failed to decode jina response: %w", err)
	}

	scores := make([]float64, len(documents))
	seen := make([]bool, len(documents))
	for _, r := range jResp.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("jina returned out-of-range index %d", r.Index)
		}
		scores[r.Index] = r.RelevanceScore
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("jina returned no score for document %d", i)
		}
	}
	return scores, nil
}
