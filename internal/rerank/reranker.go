// Package rerank reorders search candidates with a cross-encoder and deterministic
// legal boosts (precedent importance, freshness, abrogation suspicion).
package rerank

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
)

var tracer = otel.Tracer("tn-legal-rag/internal/rerank")

const hoursPerYear = 24 * 365.25

// Reranker applies the cross-encoder to the top-K candidates, then the boosts
type Reranker struct {
	cross   CrossEncoder
	cfg     config.RerankConfig
	now     func() time.Time
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewReranker builds a reranker; cross may be nil, in which case merged scores are used
func NewReranker(cross CrossEncoder, cfg config.RerankConfig, m *metrics.Collector, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{
		cross:   cross,
		cfg:     cfg,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(zap.String("component", "rerank")),
	}
}

// Rerank scores the first TopK candidates (already ordered by merged score) and returns the
// best topN by rerankScore. Ties are broken by document id, then chunk id. It never fails:
// when the cross-encoder is unavailable the merged score is the base score.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []models.SearchResult, topN int) []models.SearchResult {
	ctx, span := tracer.Start(ctx, "rerank")
	defer span.End()

	k := r.cfg.TopK
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	out := make([]models.SearchResult, k)
	copy(out, candidates[:k])

	base := r.crossScores(ctx, query, out)
	now := r.now()
	for i := range out {
		score := out[i].MergedScore
		if base != nil {
			score = base[i]
		}
		out[i].RerankScore = score * r.boost(&out[i], now)
	}

	Sort(out)
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	span.SetAttributes(attribute.Int("rerank.candidates", k), attribute.Bool("rerank.cross_encoder", base != nil))
	return out
}

func (r *Reranker) crossScores(ctx context.Context, query string, results []models.SearchResult) []float64 {
	if r.cross == nil || !r.cfg.Enabled || len(results) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Content
	}
	scores, err := r.cross.Score(ctx, query, docs)
	if err != nil || len(scores) != len(results) {
		r.metrics.RecordRerankFallback()
		r.logger.Warn("cross-encoder unavailable, using merged scores", zap.Error(err))
		return nil
	}
	return scores
}

// boost is the product of the enabled multiplicative adjustments
func (r *Reranker) boost(res *models.SearchResult, now time.Time) float64 {
	factor := 1.0
	if r.cfg.PrecedentBoost {
		factor *= 1 + r.cfg.PrecedentWeight*clamp01(res.PrecedentScore)
	}
	if r.cfg.FreshnessBoost {
		factor *= r.freshness(res, now)
	}
	if r.cfg.AbrogationPenalty && res.AbrogationStatus == models.AbrogationSuspected {
		factor *= r.cfg.SuspectedFactor
	}
	return factor
}

// freshness discounts superseded texts and decays old non-governing content. Current
// legislative texts are not decayed.
func (r *Reranker) freshness(res *models.SearchResult, now time.Time) float64 {
	if res.IsSuperseded {
		return r.cfg.SupersededPenalty
	}
	if res.NormLevel > models.NormUnknown || res.PublishedAt == nil {
		return 1
	}
	years := now.Sub(*res.PublishedAt).Hours() / hoursPerYear
	if years <= 0 {
		return 1
	}
	decay := math.Pow(0.5, years/r.cfg.FreshnessHalfLife)
	return math.Max(r.cfg.FreshnessFloor, decay)
}

// Sort orders by rerank score, then document id, then chunk id
func Sort(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkID < b.ChunkID
	})
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
