// Package search is the hybrid retrieval engine: vector similarity and full-text matches are
// fetched in parallel and merged into one ranked candidate list.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/cache"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/embedding"
	"tn-legal-rag/internal/expansion"
	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
)

// MaxQueryLength bounds the query in runes
const MaxQueryLength = 2000

var tracer = otel.Tracer("tn-legal-rag/internal/search")

// Store runs the two retrieval queries; *database.DB satisfies it
type Store interface {
	VectorSearch(ctx context.Context, embedding []float32, f models.Filters, limit int) ([]models.SearchResult, error)
	LexicalSearch(ctx context.Context, variants []string, f models.Filters, limit int) ([]models.SearchResult, error)
}

// Expander rewrites the query before retrieval
type Expander interface {
	Expand(ctx context.Context, query string) expansion.Expansion
}

// QueryLogger records searches; it must not block
type QueryLogger interface {
	Log(e models.QueryLogEntry)
}

// ResultCache is the subset of *cache.Manager used for explicitly requested caching
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Request is one search call
type Request struct {
	Query   string         `json:"query"`
	Filters models.Filters `json:"filters"`
	Limit   int            `json:"limit"`
	// UseCache allows a cached response for the same normalized query and filters.
	UseCache bool `json:"use_cache,omitempty"`
	// NoLog skips the query log; the answer path logs with the abstention outcome instead.
	NoLog bool `json:"-"`
}

// Response is the ranked result list
type Response struct {
	Results  []models.SearchResult `json:"results"`
	Degraded bool                  `json:"degraded,omitempty"`
	Language models.Language       `json:"language"`
	Query    string                `json:"query"`
	Variants []string              `json:"variants,omitempty"`
	Cached   bool                  `json:"cached,omitempty"`
}

// TopSimilarity is the best vector similarity in the response
func (r *Response) TopSimilarity() float64 {
	top := 0.0
	for _, res := range r.Results {
		if res.HasVector && res.Similarity > top {
			top = res.Similarity
		}
	}
	return top
}

// Engine runs hybrid searches
type Engine struct {
	store    Store
	embedder embedding.Embedder
	expander Expander
	qlog     QueryLogger
	cache    ResultCache
	cfg      config.SearchConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEngine wires the engine. expander, qlog and cache may be nil.
func NewEngine(store Store, embedder embedding.Embedder, expander Expander, qlog QueryLogger,
	c ResultCache, cfg config.SearchConfig, m *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		expander: expander,
		qlog:     qlog,
		cache:    c,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(zap.String("component", "search")),
	}
}

// Validate checks the request and applies the limit defaults
func (e *Engine) Validate(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return apperr.New(apperr.CodeInvalidRequest, "query is required")
	}
	if utf8.RuneCountInString(req.Query) > MaxQueryLength {
		return apperr.Newf(apperr.CodeInvalidRequest, "query exceeds %d characters", MaxQueryLength)
	}
	if req.Limit < 0 {
		return apperr.New(apperr.CodeInvalidRequest, "limit must be positive")
	}
	if req.Limit == 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	if req.Limit > e.cfg.MaxLimit {
		req.Limit = e.cfg.MaxLimit
	}
	if f := req.Filters; f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return apperr.New(apperr.CodeInvalidRequest, "date range is inverted")
	}
	if req.Filters.MinConfidence < 0 || req.Filters.MinConfidence > 1 {
		return apperr.New(apperr.CodeInvalidRequest, "minConfidence must be within [0,1]")
	}
	return nil
}

// Search embeds the query, runs vector and lexical retrieval in parallel and merges them.
// A vector failure with a lexical success returns lexical results flagged Degraded; both
// failing is SEARCH_UNAVAILABLE. A dimension mismatch is never degraded around.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if err := e.Validate(&req); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "search")
	defer span.End()
	start := time.Now()

	key := cacheKey(req)
	if req.UseCache && e.cache != nil {
		var cached Response
		if err := e.cache.GetJSON(ctx, key, &cached); err == nil {
			cached.Cached = true
			e.metrics.RecordSearch("cached", "success", len(cached.Results), time.Since(start))
			if !req.NoLog {
				e.Log(req, &cached, false)
			}
			return &cached, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn("search cache read failed", zap.Error(err))
		}
	}

	exp := expansion.Expansion{Original: req.Query, Query: req.Query, Language: lang.Detect(req.Query)}
	if e.expander != nil {
		exp = e.expander.Expand(ctx, req.Query)
	}
	span.SetAttributes(
		attribute.String("search.language", string(exp.Language)),
		attribute.Int("search.variants", len(exp.Variants)),
	)

	var (
		wg              sync.WaitGroup
		vector, lexical []models.SearchResult
		vecErr, lexErr  error
		candidates      = e.cfg.CandidateLimit
	)
	if candidates < req.Limit {
		candidates = req.Limit
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		vector, vecErr = e.vectorSearch(ctx, exp.Query, req.Filters, candidates)
	}()
	go func() {
		defer wg.Done()
		lexical, lexErr = e.store.LexicalSearch(ctx, exp.All(), req.Filters, candidates)
	}()
	wg.Wait()

	if apperr.Is(vecErr, apperr.CodeDimensionMismatch) {
		span.SetStatus(codes.Error, "dimension mismatch")
		e.logger.Error("embedding dimension mismatch", zap.Error(vecErr))
		e.metrics.RecordSearch("hybrid", "error", 0, time.Since(start))
		return nil, vecErr
	}
	if vecErr != nil && lexErr != nil {
		span.SetStatus(codes.Error, "search unavailable")
		e.logger.Error("vector and lexical search both failed",
			zap.NamedError("vector_error", vecErr), zap.NamedError("lexical_error", lexErr))
		e.metrics.RecordSearch("hybrid", "error", 0, time.Since(start))
		return nil, apperr.Wrap(apperr.CodeSearchUnavailable, "search is unavailable",
			errors.Join(vecErr, lexErr)).WithRetryable(true)
	}

	resp := &Response{Language: exp.Language, Query: exp.Query, Variants: exp.Variants}
	mode := "hybrid"
	if vecErr != nil {
		resp.Degraded = true
		mode = "degraded"
		e.logger.Warn("vector search failed, serving lexical results", zap.Error(vecErr))
	}
	if lexErr != nil {
		e.logger.Warn("lexical search failed, serving vector results", zap.Error(lexErr))
	}

	merged := Merge(vector, lexical, e.cfg.VectorWeight)
	if min := req.Filters.MinConfidence; min > 0 {
		kept := merged[:0]
		for _, r := range merged {
			if r.MergedScore >= min {
				kept = append(kept, r)
			}
		}
		merged = kept
	}
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	resp.Results = merged

	span.SetAttributes(attribute.Int("search.results", len(merged)), attribute.Bool("search.degraded", resp.Degraded))
	e.metrics.RecordSearch(mode, "success", len(merged), time.Since(start))

	if !req.NoLog {
		e.Log(req, resp, false)
	}
	if req.UseCache && e.cache != nil && !resp.Degraded {
		if err := e.cache.SetJSON(ctx, key, resp, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("search cache write failed", zap.Error(err))
		}
	}
	return resp, nil
}

// Log records the search in the query log. It never blocks and never fails.
func (e *Engine) Log(req Request, resp *Response, abstained bool) {
	if e.qlog == nil {
		return
	}
	entry := models.QueryLogEntry{
		Query:     req.Query,
		Filters:   req.Filters,
		Abstained: abstained,
	}
	if resp != nil {
		entry.Language = resp.Language
		entry.ResultCount = len(resp.Results)
		entry.TopScore = resp.TopSimilarity()
		entry.Degraded = resp.Degraded
	}
	entry.Domain = req.Filters.Domain
	if entry.Domain == "" {
		entry.Domain = lang.DetectDomain(req.Query)
	}
	e.qlog.Log(entry)
}

func (e *Engine) vectorSearch(ctx context.Context, query string, f models.Filters, limit int) ([]models.SearchResult, error) {
	vec, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := embedding.CheckDimension(vec, e.embedder.Dimension()); err != nil {
		return nil, err
	}
	return e.store.VectorSearch(ctx, vec, f, limit)
}

func cacheKey(req Request) string {
	filters, _ := json.Marshal(req.Filters)
	h := sha256.New()
	h.Write([]byte(lang.Normalize(req.Query)))
	h.Write([]byte{0})
	h.Write(filters)
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.Limit)))
	return "search:" + hex.EncodeToString(h.Sum(nil))
}
