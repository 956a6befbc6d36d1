// Package expansion rewrites a user query before retrieval: legal synonyms, French/Arabic
// translation of key terms and condensation of long questions.
package expansion

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tn-legal-rag/internal/cache"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/llm"
	"tn-legal-rag/internal/models"
)

const cachePrefix = "query_expansion:"

// Completer condenses long queries; *llm.Router satisfies it
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// JSONCache is the subset of *cache.Manager used here
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Expansion is the rewritten query
type Expansion struct {
	Original string          `json:"original"`
	// Query is the text to embed: the condensed form when the question was long.
	Query    string          `json:"query"`
	Language models.Language `json:"language"`
	Variants []string        `json:"variants"`
}

// All returns Query followed by the variants, for lexical matching
func (e Expansion) All() []string {
	return append([]string{e.Query}, e.Variants...)
}

// Engine expands queries. cache and completer may be nil.
type Engine struct {
	cfg       config.ExpansionConfig
	cache     JSONCache
	completer Completer
	logger    *zap.Logger
}

func NewEngine(cfg config.ExpansionConfig, c JSONCache, completer Completer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		cache:     c,
		completer: completer,
		logger:    logger.With(zap.String("component", "query_expansion")),
	}
}

// Expand never fails: on any problem the original query is used unexpanded
func (e *Engine) Expand(ctx context.Context, query string) Expansion {
	query = strings.TrimSpace(query)
	out := Expansion{Original: query, Query: query, Language: lang.Detect(query)}
	if !e.cfg.Enabled || query == "" {
		return out
	}

	key := cachePrefix + strings.ToLower(query)
	if e.cache != nil {
		var cached Expansion
		err := e.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			return cached
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn("expansion cache read failed", zap.Error(err))
		}
	}

	if len(strings.Fields(query)) > e.cfg.CondenseWords {
		out.Query = e.condense(ctx, query)
	}

	var candidates []string
	candidates = append(candidates, Synonyms(out.Query, out.Language)...)
	if out.Language != models.LangMixed {
		candidates = append(candidates, Translations(out.Query, out.Language)...)
	}
	out.Variants = Rank(out.Query, candidates, e.cfg.MaxVariants)

	if e.cache != nil && len(out.Variants) > 0 {
		if err := e.cache.SetJSON(ctx, key, out, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("expansion cache write failed", zap.Error(err))
		}
	}
	return out
}

func (e *Engine) condense(ctx context.Context, query string) string {
	if e.completer == nil {
		return query
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CondenseTimeout)
	defer cancel()

	resp, err := e.completer.Complete(ctx, llm.Request{
		System: "Tu es un juriste tunisien. Reformule la question en une requête de recherche courte " +
			"contenant uniquement les termes juridiques essentiels, dans la même langue. " +
			"Réponds uniquement avec la requête.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: query}},
		Temperature: 0,
		MaxTokens:   120,
	})
	if err != nil {
		e.logger.Debug("condensation failed, using original query", zap.Error(err))
		return query
	}
	condensed := strings.TrimSpace(resp.Text)
	if condensed == "" {
		return query
	}
	return condensed
}

// Synonyms replaces each dictionary term found in query by each of its synonyms
func Synonyms(query string, l models.Language) []string {
	dict := synonymsFR
	if l == models.LangArabic {
		dict = synonymsAR
	}
	var out []string
	for _, term := range sortedKeys(dict) {
		if !containsFold(query, term) {
			continue
		}
		for _, syn := range dict[term] {
			if v := replaceFold(query, term, syn); v != query {
				out = append(out, v)
			}
		}
	}
	return out
}

// Translations swaps known legal terms between French and Arabic
func Translations(query string, l models.Language) []string {
	var out []string
	for _, fr := range sortedKeys(frToAR) {
		ar := frToAR[fr]
		switch l {
		case models.LangFrench:
			if containsFold(query, fr) {
				out = append(out, replaceFold(query, fr, ar))
			}
		case models.LangArabic:
			if strings.Contains(query, ar) {
				out = append(out, strings.ReplaceAll(query, ar, fr))
			}
		}
	}
	return out
}

// Rank de-duplicates case-insensitively, drops the original and keeps the max shortest variants
func Rank(original string, candidates []string, max int) []string {
	seen := map[string]bool{strings.ToLower(original): true}
	var unique []string
	for _, c := range candidates {
		k := strings.ToLower(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, c)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return len([]rune(unique[i])) < len([]rune(unique[j]))
	})
	if max > 0 && len(unique) > max {
		unique = unique[:max]
	}
	return unique
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func replaceFold(s, old, repl string) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(old))
	return re.ReplaceAllLiteralString(s, repl)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
