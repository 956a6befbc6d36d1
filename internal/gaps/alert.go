package gaps

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tn-legal-rag/internal/models"
)

func cooldownKey(id string) string { return "gap_alert:" + id }

// alert notifies operators of active gaps at or above the alert threshold. Each gap is
// alerted at most once per cooldown: the persisted last-alert time is checked first and the
// shared cooldown key guards against concurrent runs. A failed delivery releases the keys so
// the next run tries again.
func (a *Analyzer) alert(ctx context.Context, gaps []models.KnowledgeGap, now time.Time) int {
	if a.notifier == nil {
		return 0
	}

	var due []models.KnowledgeGap
	var keys []string
	for _, g := range gaps {
		if g.Status != models.GapActive || g.PriorityScore < a.cfg.AlertThreshold {
			continue
		}
		if g.LastAlertedAt != nil && now.Sub(*g.LastAlertedAt) < a.cfg.AlertCooldown {
			continue
		}
		if a.cooldown != nil {
			key := cooldownKey(g.ID)
			ok, err := a.cooldown.SetNX(ctx, key, now.Format(time.RFC3339), a.cfg.AlertCooldown)
			if err != nil {
				a.logger.Warn("alert cooldown unavailable, skipping gap", zap.String("gap_id", g.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			keys = append(keys, key)
		}
		due = append(due, g)
	}
	if len(due) == 0 {
		return 0
	}

	if err := a.notifier.NotifyGaps(ctx, due); err != nil {
		a.logger.Error("failed to send gap alert", zap.Int("gaps", len(due)), zap.Error(err))
		if a.cooldown != nil && len(keys) > 0 {
			if err := a.cooldown.Delete(ctx, keys...); err != nil {
				a.logger.Warn("failed to release alert cooldown", zap.Error(err))
			}
		}
		return 0
	}

	for i := range due {
		g := due[i]
		g.LastAlertedAt = &now
		if err := a.store.SaveGap(ctx, &g); err != nil {
			a.logger.Warn("failed to record alert time", zap.String("gap_id", g.ID), zap.Error(err))
		}
		a.metrics.RecordGapAlert()
	}
	a.logger.Info("gap alert sent", zap.Int("gaps", len(due)))
	return len(due)
}
