package gaps

import (
	"context"

	"go.uber.org/zap"

	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/search"
)

// samplesPerGap is how many sample questions must clear the gate before a gap is resolved
const samplesPerGap = 3

// VerifyResult summarizes one resolution check
type VerifyResult struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Errors   int `json:"errors"`
}

// VerifyResolutions re-runs the sample questions of every active gap against live search and
// marks the gap resolved only when each of them clears the quality gate. Degraded searches
// never resolve a gap. The check stops between gaps when ctx is cancelled.
func (a *Analyzer) VerifyResolutions(ctx context.Context) (VerifyResult, error) {
	var res VerifyResult
	active, err := a.store.ListGaps(ctx, models.GapActive)
	if err != nil {
		return res, err
	}

	for i := range active {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		g := active[i]
		res.Checked++

		ok, err := a.clearsGate(ctx, &g)
		if err != nil {
			res.Errors++
			a.logger.Warn("resolution check failed", zap.String("gap_id", g.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		now := a.now()
		g.Status = models.GapResolved
		g.ResolvedAt = &now
		if err := a.store.SaveGap(ctx, &g); err != nil {
			res.Errors++
			a.logger.Warn("failed to mark gap resolved", zap.String("gap_id", g.ID), zap.Error(err))
			continue
		}
		res.Resolved++
		a.logger.Info("gap resolved", zap.String("gap_id", g.ID), zap.String("topic", g.Topic))
	}
	a.refreshActiveCount(ctx)
	return res, nil
}

// clearsGate reports whether retrieval for the gap's questions now clears the gate
func (a *Analyzer) clearsGate(ctx context.Context, g *models.KnowledgeGap) (bool, error) {
	queries := g.SampleQueries
	if len(queries) == 0 && g.Topic != "" {
		queries = []string{g.Topic}
	}
	if len(queries) == 0 {
		return false, nil
	}
	if len(queries) > samplesPerGap {
		queries = queries[:samplesPerGap]
	}

	for _, q := range queries {
		resp, err := a.searcher.Search(ctx, search.Request{Query: q, NoLog: true})
		if err != nil {
			return false, err
		}
		if resp.Degraded {
			return false, nil
		}
		if d := a.gate.Evaluate(resp.Results); d.Abstain {
			return false, nil
		}
	}
	return true, nil
}
