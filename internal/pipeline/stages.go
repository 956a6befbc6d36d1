package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/embedding"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/processor"
)

// plan holds the data produced by stage actions. It is computed before the row lock is
// taken so that slow work such as embedding never runs inside the transaction.
type plan struct {
	classification *processor.Classification
	quality        *processor.QualityReport
	chunks         []models.Chunk
	relations      []models.Relation
	replaceChunks  bool
}

// crosses reports whether moving from -> to passes through stage
func crosses(from, to, stage models.Stage) bool {
	return from.Index() < stage.Index() && to.Index() >= stage.Index()
}

// prepare runs the stage actions for every stage entered on the way from the document's
// current stage to target.
func (s *Service) prepare(ctx context.Context, doc *models.Document, target models.Stage) (*plan, error) {
	from := doc.PipelineStage
	p := &plan{}
	work := *doc

	if crosses(from, target, models.StageClassified) {
		if work.FullText == "" {
			return nil, apperr.Newf(apperr.CodeInvalidTransition,
				"document %s has no text to classify", doc.ID)
		}
		c := processor.Classify(work.Title, work.FullText)
		p.classification = &c
		c.Apply(&work)
	}
	if crosses(from, target, models.StageQualityScored) {
		q := processor.ScoreQuality(work.FullText)
		p.quality = &q
	}
	if crosses(from, target, models.StageChunkedEmbedded) {
		if work.QualityScore == nil && p.quality == nil {
			return nil, apperr.Newf(apperr.CodeInvalidTransition,
				"document %s cannot reach %s without a quality score", doc.ID, models.StageChunkedEmbedded)
		}
		chunks := s.chunker.Chunk(&work)
		if len(chunks) == 0 {
			return nil, apperr.Newf(apperr.CodeInvalidTransition, "document %s produced no chunks", doc.ID)
		}
		embedded, err := embedding.EmbedChunks(ctx, s.embedder, chunks, s.embedConcurrency, nil)
		if err != nil {
			return nil, &embedError{err: err}
		}
		p.chunks, p.replaceChunks = embedded, true
		p.relations = s.resolveCitations(ctx, &work)
	}
	return p, nil
}

// apply copies the plan onto the locked document
func (p *plan) apply(d *models.Document) {
	if p.classification != nil {
		p.classification.Apply(d)
	}
	if p.quality != nil {
		score := p.quality.Score
		d.QualityScore = &score
	}
	if p.replaceChunks {
		d.IsIndexed = true
		d.EmbedAttempts = 0
		d.NextRetryAt = nil
		d.LastError = ""
	}
}

// checkPrerequisites enforces the data a document must carry to sit at stage
func checkPrerequisites(d *models.Document, stage models.Stage, chunkCount int) error {
	switch stage {
	case models.StageClassified:
		if d.FullText == "" || d.Category == "" {
			return apperr.Newf(apperr.CodeInvalidTransition, "%s requires a classified document", stage)
		}
	case models.StageQualityScored:
		if d.Category == "" || d.QualityScore == nil {
			return apperr.Newf(apperr.CodeInvalidTransition, "%s requires a quality score", stage)
		}
	case models.StageChunkedEmbedded, models.StagePendingReview, models.StageApproved:
		if d.QualityScore == nil {
			return apperr.Newf(apperr.CodeInvalidTransition, "%s requires a quality score", stage)
		}
		if chunkCount == 0 || !d.IsIndexed {
			return apperr.Newf(apperr.CodeInvalidTransition, "%s requires embedded chunks", stage)
		}
	}
	return nil
}

// resolveCitations links the document to the known documents it cites. Lookup failures
// are logged and skipped.
func (s *Service) resolveCitations(ctx context.Context, doc *models.Document) []models.Relation {
	var rels []models.Relation
	for _, ref := range processor.References(processor.ExtractCitations(doc.FullText)) {
		id, found, err := s.store.FindDocumentByReference(ctx, ref)
		if err != nil {
			s.logger.Warn("citation lookup failed", zap.String("document_id", doc.ID), zap.String("ref", ref), zap.Error(err))
			continue
		}
		if !found || id == doc.ID {
			continue
		}
		rels = append(rels, models.Relation{SourceID: doc.ID, TargetID: id, Type: models.RelationCitation})
	}
	return rels
}

// embedError marks a failure of the chunk/embed action, which is retried with backoff
type embedError struct {
	err error
}

func (e *embedError) Error() string { return fmt.Sprintf("embedding failed: %v", e.err) }
func (e *embedError) Unwrap() error { return e.err }

// skippedStages lists the stages strictly between from and to, in traversal order
func skippedStages(from, to models.Stage) []models.Stage {
	fi, ti := from.Index(), to.Index()
	var out []models.Stage
	if fi < ti {
		for i := fi + 1; i < ti; i++ {
			out = append(out, models.StageOrder[i])
		}
		return out
	}
	for i := fi - 1; i > ti; i-- {
		out = append(out, models.StageOrder[i])
	}
	return out
}
