package gaps

import (
	"context"

	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/models"
)

// List returns gaps by descending priority, optionally filtered by status
func (a *Analyzer) List(ctx context.Context, status models.GapStatus) ([]models.KnowledgeGap, error) {
	if status != "" && !validStatus(status) {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "unknown gap status %q", status)
	}
	gaps, err := a.store.ListGaps(ctx, status)
	if err != nil {
		return nil, err
	}
	if gaps == nil {
		gaps = []models.KnowledgeGap{}
	}
	return gaps, nil
}

// SetStatus lets an operator resolve, ignore or re-activate a gap
func (a *Analyzer) SetStatus(ctx context.Context, actor models.Actor, id string, status models.GapStatus) (*models.KnowledgeGap, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.CodeForbidden, "managing gaps requires an admin")
	}
	if !validStatus(status) {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "unknown gap status %q", status)
	}
	g, err := a.store.GetGap(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == status {
		return g, nil
	}

	g.Status = status
	switch status {
	case models.GapResolved:
		now := a.now()
		g.ResolvedAt = &now
	case models.GapActive:
		g.ResolvedAt = nil
	}
	if err := a.store.SaveGap(ctx, g); err != nil {
		return nil, err
	}
	a.logger.Info("gap status changed",
		zap.String("gap_id", id),
		zap.String("status", string(status)),
		zap.String("actor", actor.ID))
	a.refreshActiveCount(ctx)
	return g, nil
}

func validStatus(s models.GapStatus) bool {
	switch s {
	case models.GapActive, models.GapResolved, models.GapIgnored:
		return true
	}
	return false
}
