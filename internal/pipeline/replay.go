package pipeline

import (
	"context"

	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/database"
	"tn-legal-rag/internal/models"
)

// ReplayStage re-runs the action that produced the document's current stage and writes a
// same-stage audit record. Only classified, quality_scored and chunked_embedded carry an
// action. The document does not move; replaying chunked_embedded replaces its chunks.
func (s *Service) ReplayStage(ctx context.Context, actor models.Actor, id string, opts Options) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.CodeForbidden, "replaying a stage requires an admin")
	}
	doc, err := s.load(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	stage := doc.PipelineStage
	switch stage {
	case models.StageClassified, models.StageQualityScored, models.StageChunkedEmbedded:
	default:
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "stage %s has no action to replay", stage)
	}

	work := *doc
	work.PipelineStage = models.StageOrder[stage.Index()-1]
	p, err := s.prepare(ctx, &work, stage)
	if err != nil {
		return nil, err
	}

	notes := "replayed " + string(stage)
	if opts.Notes != "" {
		notes += ": " + opts.Notes
	}
	res, err := s.store.ApplyTransition(ctx, database.Transition{
		DocumentID:      id,
		ExpectedStage:   stage,
		ExpectedVersion: doc.Version,
		ReplaceChunks:   p.replaceChunks,
		Chunks:          p.chunks,
		Relations:       p.relations,
		Mutate: func(d *models.Document) error {
			p.apply(d)
			count := d.ChunkCount
			if p.replaceChunks {
				count = len(p.chunks)
			}
			return checkPrerequisites(d, stage, count)
		},
		Record: &models.PipelineExecutionRecord{ActorID: actor.ID, Notes: notes},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("stage replayed",
		zap.String("document_id", id),
		zap.String("stage", string(stage)),
		zap.String("actor", actor.ID))
	return res.Document, nil
}

// AutoAdvanceResult lists the stages a document entered and where it stopped
type AutoAdvanceResult struct {
	DocumentID string         `json:"document_id"`
	Advanced   []models.Stage `json:"advanced"`
	StoppedAt  models.Stage   `json:"stopped_at"`
	Code       string         `json:"code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// AutoAdvance moves a document forward one stage at a time while each stage's action and
// prerequisites succeed. It stops at pending_review: approval is always a human decision.
// A failed step ends the run and is reported in the result, not returned as an error.
func (s *Service) AutoAdvance(ctx context.Context, actor models.Actor, id string) (*AutoAdvanceResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &AutoAdvanceResult{DocumentID: id, Advanced: []models.Stage{}, StoppedAt: doc.PipelineStage}
	for i := doc.PipelineStage.Index(); i >= 0 && i < models.StagePendingReview.Index(); i = doc.PipelineStage.Index() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next, err := s.AdvanceStage(ctx, actor, id, Options{
			ExpectedStage: doc.PipelineStage,
			Notes:         "automatic advance",
		})
		if err != nil {
			res.Code, res.Reason = string(apperr.CodeOf(err)), apperr.PublicMessage(err)
			s.logger.Info("automatic advance stopped",
				zap.String("document_id", id),
				zap.String("stage", string(doc.PipelineStage)),
				zap.Error(err))
			if cur, gerr := s.store.GetDocument(ctx, id); gerr == nil {
				res.StoppedAt = cur.PipelineStage
			}
			break
		}
		doc = next
		res.Advanced = append(res.Advanced, doc.PipelineStage)
		res.StoppedAt = doc.PipelineStage
	}
	return res, nil
}
