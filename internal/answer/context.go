package answer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/models"
)

const excerptRunes = 300

// TokenCounter counts prompt tokens
type TokenCounter func(text string) int

// ApproxTokens is the four-characters-per-token estimate used when no encoding is loaded
func ApproxTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// ContextBuilder turns reranked results into labelled context blocks under a token budget
type ContextBuilder struct {
	Budget     int
	MaxSources int
	Count      TokenCounter
}

// NewContextBuilder loads the configured tiktoken encoding, falling back to ApproxTokens
func NewContextBuilder(cfg config.AnswerConfig, logger *zap.Logger) *ContextBuilder {
	b := &ContextBuilder{Budget: cfg.ContextTokenBudget, MaxSources: cfg.MaxSources, Count: ApproxTokens}
	if cfg.Encoding == "" {
		return b
	}
	enc, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		if logger != nil {
			logger.Warn("token encoding unavailable, using estimate", zap.String("encoding", cfg.Encoding), zap.Error(err))
		}
		return b
	}
	b.Count = func(text string) int { return len(enc.Encode(text, nil, nil)) }
	return b
}

// Build walks results best first and keeps every block that still fits the budget, so the
// lowest-scored sources are the ones dropped. Labels are renumbered from 1 in kept order.
// A first block that alone exceeds the budget is truncated rather than dropped.
func (b *ContextBuilder) Build(results []models.SearchResult) (string, []models.ChatSource) {
	var (
		sb      strings.Builder
		sources []models.ChatSource
		used    int
	)
	for _, r := range results {
		if b.MaxSources > 0 && len(sources) >= b.MaxSources {
			break
		}
		label := fmt.Sprintf("[Source-%d]", len(sources)+1)
		block := formatBlock(label, r, r.Content)
		n := b.Count(block)
		if used+n > b.Budget {
			if len(sources) > 0 {
				continue
			}
			block, n = b.truncate(label, r)
			if n > b.Budget {
				continue
			}
		}
		used += n
		sb.WriteString(block)
		sources = append(sources, chatSource(label, r))
	}
	return sb.String(), sources
}

// truncate halves the content until the block fits
func (b *ContextBuilder) truncate(label string, r models.SearchResult) (string, int) {
	content := []rune(r.Content)
	for len(content) > 0 {
		content = content[:len(content)/2]
		block := formatBlock(label, r, string(content)+"…")
		if n := b.Count(block); n <= b.Budget {
			return block, n
		}
	}
	block := formatBlock(label, r, "")
	return block, b.Count(block)
}

func formatBlock(label string, r models.SearchResult, content string) string {
	header := r.Title
	if r.Category != "" {
		header += " (" + r.Category + ")"
	}
	if r.AbrogationStatus == models.AbrogationSuspected {
		header += " [abrogation suspected]"
	}
	return fmt.Sprintf("%s %s:\n%s\n\n", label, header, content)
}

func chatSource(label string, r models.SearchResult) models.ChatSource {
	return models.ChatSource{
		Label:       label,
		DocumentID:  r.DocumentID,
		ChunkID:     r.ChunkID,
		Title:       r.Title,
		Excerpt:     excerpt(r.Content),
		Category:    r.Category,
		NormLevel:   r.NormLevel,
		SourceURL:   r.SourceURL,
		Similarity:  r.Similarity,
		RerankScore: r.RerankScore,
	}
}

func excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptRunes {
		return s
	}
	return string(runes[:excerptRunes]) + "…"
}
