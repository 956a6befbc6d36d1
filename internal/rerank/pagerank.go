package rerank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tn-legal-rag/internal/models"
)

// PageRankOptions tunes the precedent computation
type PageRankOptions struct {
	Damping   float64
	MaxIter   int
	Tolerance float64
}

// DefaultPageRankOptions are the production settings
func DefaultPageRankOptions() PageRankOptions {
	return PageRankOptions{Damping: 0.85, MaxIter: 20, Tolerance: 1e-6}
}

// TribunalWeight boosts decisions by court hierarchy
func TribunalWeight(kind string) float64 {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "cassation") || strings.Contains(k, "تعقيب"):
		return 1.3
	case strings.Contains(k, "appel") || strings.Contains(k, "استئناف"):
		return 1.1
	case strings.Contains(k, "instance") || strings.Contains(k, "ابتدائي"):
		return 1.0
	case strings.Contains(k, "doctrine") || strings.Contains(k, "فقه"):
		return 0.9
	default:
		return 0.8
	}
}

// PageRank computes a precedent score per node from citation edges (source cites target),
// weighted by court hierarchy and normalized to [0,1]. nodes maps document id to its
// tribunal or doc type. Iteration is in sorted id order so results are reproducible.
func PageRank(nodes map[string]string, edges []models.Relation, opts PageRankOptions) map[string]float64 {
	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}
	ids := make([]string, 0, n)
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outDegree := make(map[string]int, n)
	citedBy := make(map[string][]string, n)
	for _, e := range edges {
		if e.Type != models.RelationCitation || e.SourceID == e.TargetID {
			continue
		}
		if _, ok := nodes[e.SourceID]; !ok {
			continue
		}
		if _, ok := nodes[e.TargetID]; !ok {
			continue
		}
		outDegree[e.SourceID]++
		citedBy[e.TargetID] = append(citedBy[e.TargetID], e.SourceID)
	}
	for _, id := range ids {
		sort.Strings(citedBy[id])
	}

	rank := make(map[string]float64, n)
	for _, id := range ids {
		rank[id] = 1 / float64(n)
	}
	for iter := 0; iter < opts.MaxIter; iter++ {
		next := make(map[string]float64, n)
		maxDiff := 0.0
		for _, id := range ids {
			sum := 0.0
			for _, src := range citedBy[id] {
				sum += rank[src] / float64(outDegree[src])
			}
			r := ((1-opts.Damping)/float64(n) + opts.Damping*sum) * TribunalWeight(nodes[id])
			next[id] = r
			maxDiff = math.Max(maxDiff, math.Abs(r-rank[id]))
		}
		rank = next
		if maxDiff < opts.Tolerance {
			break
		}
	}

	maxRank := 0.0
	for _, r := range rank {
		maxRank = math.Max(maxRank, r)
	}
	if maxRank > 0 {
		for id := range rank {
			rank[id] /= maxRank
		}
	}
	return rank
}

// PrecedentStore is the data the precedent job reads and writes; *database.DB satisfies it
type PrecedentStore interface {
	DocumentNodes(ctx context.Context) (map[string]string, error)
	ListRelations(ctx context.Context, relType models.RelationType) ([]models.Relation, error)
	UpdatePrecedentScores(ctx context.Context, scores map[string]float64) error
}

// PrecedentJob recomputes and persists precedent scores
type PrecedentJob struct {
	store  PrecedentStore
	opts   PageRankOptions
	logger *zap.Logger
}

func NewPrecedentJob(store PrecedentStore, logger *zap.Logger) *PrecedentJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrecedentJob{store: store, opts: DefaultPageRankOptions(), logger: logger.With(zap.String("job", "precedent"))}
}

// Run computes the scores over the whole citation graph
func (j *PrecedentJob) Run(ctx context.Context) error {
	nodes, err := j.store.DocumentNodes(ctx)
	if err != nil {
		return err
	}
	edges, err := j.store.ListRelations(ctx, models.RelationCitation)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	scores := PageRank(nodes, edges, j.opts)
	if err := j.store.UpdatePrecedentScores(ctx, scores); err != nil {
		return fmt.Errorf("failed to persist precedent scores: %w", err)
	}
	j.logger.Info("precedent scores updated", zap.Int("documents", len(scores)), zap.Int("edges", len(edges)))
	return nil
}
