package answer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/models"
)

func vec(sim, rerank float64) models.SearchResult {
	return models.SearchResult{Similarity: sim, RerankScore: rerank, HasVector: true}
}

func TestGateEvaluate(t *testing.T) {
	g := NewGate(config.Default().Gate)

	tests := []struct {
		name    string
		results []models.SearchResult
		abstain bool
	}{
		{"empty", nil, true},
		{"below threshold", []models.SearchResult{vec(0.25, 0.9), vec(0.1, 0.8)}, true},
		{"grey zone alone", []models.SearchResult{vec(0.35, 0.9)}, true},
		{"grey zone corroborated", []models.SearchResult{vec(0.35, 0.9), vec(0.32, 0.8)}, false},
		{"clear single source", []models.SearchResult{vec(0.55, 0.9)}, false},
		{"lexical only", []models.SearchResult{{LexicalScore: 1, RerankScore: 1, HasLexical: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Evaluate(tt.results)
			assert.Equal(t, tt.abstain, d.Abstain, d.Reason)
		})
	}
}

func TestGateConfidence(t *testing.T) {
	g := NewGate(config.Default().Gate)

	d := g.Evaluate([]models.SearchResult{vec(0.8, 0.9), vec(0.7, 0.6), vec(0.6, 0.3)})
	assert.InDelta(t, 0.6, d.Confidence, 1e-9)

	d = g.Evaluate([]models.SearchResult{vec(0.8, 0.9), vec(0.1, 0.6), vec(0.1, 0.3)})
	assert.InDelta(t, 0.2, d.Confidence, 1e-9)

	d = g.Evaluate([]models.SearchResult{vec(0.1, 0.9)})
	assert.Zero(t, d.Confidence)
}

// Lowering every similarity can never turn an abstention into an answer.
func TestGateAbstentionIsMonotone(t *testing.T) {
	g := NewGate(config.Default().Gate)
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		results := make([]models.SearchResult, n)
		for i := range results {
			results[i] = vec(rapid.Float64Range(0, 1).Draw(t, "sim"), rapid.Float64Range(0, 1).Draw(t, "rerank"))
		}
		if !g.Evaluate(results).Abstain {
			return
		}
		factor := rapid.Float64Range(0, 1).Draw(t, "factor")
		lowered := make([]models.SearchResult, n)
		for i, r := range results {
			r.Similarity *= factor
			lowered[i] = r
		}
		if !g.Evaluate(lowered).Abstain {
			t.Fatalf("lowered similarities answered: %+v", lowered)
		}
	})
}

func TestContextBuilderDropsLowestScored(t *testing.T) {
	b := &ContextBuilder{Budget: 250, MaxSources: 8, Count: func(string) int { return 100 }}
	results := []models.SearchResult{
		{DocumentID: "d1", ChunkID: "c1", Title: "Code des obligations", Content: "Article 242"},
		{DocumentID: "d2", ChunkID: "c2", Title: "مجلة الشغل", Content: "الفصل 14"},
		{DocumentID: "d3", ChunkID: "c3", Title: "Circulaire", Content: "texte"},
	}

	text, sources := b.Build(results)
	require.Len(t, sources, 2)
	assert.Equal(t, "[Source-1]", sources[0].Label)
	assert.Equal(t, "d2", sources[1].DocumentID)
	assert.Contains(t, text, "[Source-2] مجلة الشغل")
	assert.NotContains(t, text, "Circulaire")

	b.MaxSources = 1
	_, sources = b.Build(results)
	assert.Len(t, sources, 1)
}

func TestContextBuilderTruncatesOversizedFirstSource(t *testing.T) {
	b := &ContextBuilder{Budget: 40, MaxSources: 8, Count: ApproxTokens}
	results := []models.SearchResult{{DocumentID: "d1", Title: "Loi", Content: strings.Repeat("نص ", 400)}}

	text, sources := b.Build(results)
	require.Len(t, sources, 1)
	assert.LessOrEqual(t, ApproxTokens(text), 40)
	assert.Contains(t, text, "…")
}
