package answer

import (
	"math"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/models"
)

// Decision is the outcome of the quality gate
type Decision struct {
	Abstain    bool    `json:"abstain"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
	// Passing counts sources whose vector similarity clears the minimum.
	Passing int     `json:"passing"`
	Best    float64 `json:"best"`
}

// Gate decides from the score distribution whether there is enough context to answer
type Gate struct {
	cfg config.GateConfig
}

func NewGate(cfg config.GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Evaluate abstains when fewer than MinSources results have a vector similarity of at least
// MinSimilarity, or when the best similarity sits in the grey zone without enough
// corroborating sources. Lexical-only results never count as passing. results are in
// rerank order.
func (g *Gate) Evaluate(results []models.SearchResult) Decision {
	var d Decision
	for _, r := range results {
		if !r.HasVector {
			continue
		}
		if r.Similarity > d.Best {
			d.Best = r.Similarity
		}
		if r.Similarity >= g.cfg.MinSimilarity {
			d.Passing++
		}
	}
	d.Confidence = g.confidence(results, d.Passing)

	switch {
	case d.Passing == 0:
		d.Abstain, d.Reason = true, "no source clears the similarity threshold"
	case d.Passing < g.cfg.MinSources:
		d.Abstain, d.Reason = true, "too few sources clear the similarity threshold"
	case d.Best < g.cfg.GreyZoneUpper && d.Passing < g.cfg.GreyZoneMinSources:
		d.Abstain, d.Reason = true, "best source is in the grey zone without corroboration"
	}
	return d
}

// confidence is the mean rerank score of the top N, scaled by how many sources pass
func (g *Gate) confidence(results []models.SearchResult, passing int) float64 {
	n := g.cfg.TopN
	if n <= 0 {
		n = 3
	}
	if len(results) == 0 || passing == 0 {
		return 0
	}
	top := results
	if len(top) > n {
		top = top[:n]
	}
	sum := 0.0
	for _, r := range top {
		sum += r.RerankScore
	}
	mean := sum / float64(len(top))
	weight := math.Min(1, float64(passing)/float64(n))
	return math.Max(0, math.Min(1, mean*weight))
}
