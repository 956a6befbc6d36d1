package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search:
  vector_weight: 0.7
gate:
  min_similarity: 0.35
llm:
  providers: [gemini, ollama]
`), 0o600))

	t.Setenv("LEGALRAG_SEARCH_VECTOR_WEIGHT", "0.6")
	t.Setenv("LEGALRAG_PIPELINE_RETRY_BASE_DELAY", "30s")
	t.Setenv("JINA_API_KEY", "jina-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Search.VectorWeight)
	assert.Equal(t, 0.35, cfg.Gate.MinSimilarity)
	assert.Equal(t, []string{"gemini", "ollama"}, cfg.LLM.Providers)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.RetryBaseDelay)
	assert.Equal(t, "jina-key", cfg.Rerank.APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"vector weight of one drops lexical", "LEGALRAG_SEARCH_VECTOR_WEIGHT", "1"},
		{"unknown provider", "LEGALRAG_LLM_PROVIDERS", "openai"},
		{"unknown embedder", "LEGALRAG_EMBEDDING_PROVIDER", "cohere"},
		{"overlap larger than chunk", "LEGALRAG_PIPELINE_CHUNK_OVERLAP", "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestSliceEnvIsTrimmed(t *testing.T) {
	t.Setenv("LEGALRAG_LLM_PROVIDERS", " ollama , anthropic ,")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"ollama", "anthropic"}, cfg.LLM.Providers)
}
