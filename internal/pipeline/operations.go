package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/database"
	"tn-legal-rag/internal/models"
)

// Reject moves a document to rejected and soft-deletes it. Rejecting an already rejected
// document changes nothing and writes no record. Approved documents must be reopened first.
func (s *Service) Reject(ctx context.Context, actor models.Actor, id, reason string, opts Options) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "a rejection reason is required")
	}

	now := s.now()
	var from models.Stage
	res, err := s.store.ApplyTransition(ctx, database.Transition{
		DocumentID:      id,
		ExpectedStage:   opts.ExpectedStage,
		ExpectedVersion: opts.ExpectedVersion,
		ToStage:         models.StageRejected,
		Mutate: func(d *models.Document) error {
			from = d.PipelineStage
			switch d.PipelineStage {
			case models.StageRejected:
				return database.ErrNoChange
			case models.StageApproved:
				return apperr.Newf(apperr.CodeInvalidTransition,
					"document %s is approved; reopen it before rejecting", d.ID)
			}
			d.RejectionReason = reason
			d.IsActive = false
			d.NextRetryAt = nil
			d.DeletedAt = &now
			return nil
		},
		Record: &models.PipelineExecutionRecord{ActorID: actor.ID, Notes: reason},
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.metrics.RecordTransition(string(from), string(models.StageRejected))
		s.logger.Info("document rejected", zap.String("document_id", id), zap.String("actor", actor.ID))
	}
	return res.Document, nil
}

// BulkItem is the outcome for one document of a bulk operation
type BulkItem struct {
	DocumentID string `json:"document_id"`
	OK         bool   `json:"ok"`
	Unchanged  bool   `json:"unchanged,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BulkResult reports per-document success and failure
type BulkResult struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Items     []BulkItem `json:"items"`
}

// BulkReject rejects up to BulkLimit documents. Already rejected documents are reported
// as unchanged.
func (s *Service) BulkReject(ctx context.Context, actor models.Actor, ids []string, reason string) (*BulkResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "a rejection reason is required")
	}
	return s.runBulk(ctx, actor, "reject", ids, func(id string) (bool, error) {
		before, _ := s.store.GetDocument(ctx, id)
		if _, err := s.Reject(ctx, actor, id, reason, Options{}); err != nil {
			return false, err
		}
		return before != nil && before.PipelineStage == models.StageRejected, nil
	})
}

// BulkAdvance moves each document one stage forward, running that stage's action
func (s *Service) BulkAdvance(ctx context.Context, actor models.Actor, ids []string, notes string) (*BulkResult, error) {
	return s.runBulk(ctx, actor, "advance", ids, func(id string) (bool, error) {
		_, err := s.AdvanceStage(ctx, actor, id, Options{Notes: notes})
		return false, err
	})
}

// BulkReclassify sets the category and subcategory of each document through
// EditDocumentAtStage, so approved documents are refused and the edit is audited.
func (s *Service) BulkReclassify(ctx context.Context, actor models.Actor, ids []string, category, subcategory string) (*BulkResult, error) {
	category, subcategory = strings.TrimSpace(category), strings.TrimSpace(subcategory)
	if category == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "a category is required")
	}
	edit := Edit{Category: &category, Subcategory: &subcategory}
	return s.runBulk(ctx, actor, "reclassify", ids, func(id string) (bool, error) {
		before, err := s.store.GetDocument(ctx, id)
		if err != nil {
			return false, err
		}
		if _, err := s.EditDocumentAtStage(ctx, actor, id, edit, Options{Notes: "reclassified as " + category}); err != nil {
			return false, err
		}
		return before.Category == category && before.Subcategory == subcategory, nil
	})
}

// runBulk applies op to up to BulkLimit de-duplicated ids. One failure does not abort the
// batch; cancellation stops it between documents and marks the rest as failed.
func (s *Service) runBulk(ctx context.Context, actor models.Actor, name string, ids []string,
	op func(id string) (unchanged bool, err error)) (*BulkResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "no document ids given")
	}
	if len(ids) > s.cfg.BulkLimit {
		return nil, apperr.Newf(apperr.CodeInvalidRequest,
			"bulk %s accepts at most %d documents, got %d", name, s.cfg.BulkLimit, len(ids))
	}

	result := &BulkResult{Items: make([]BulkItem, 0, len(ids))}
	for _, id := range ids {
		item := BulkItem{DocumentID: id}
		if err := ctx.Err(); err != nil {
			item.Code, item.Error = string(apperr.CodeInternal), "cancelled"
		} else if unchanged, err := op(id); err != nil {
			item.Code, item.Error = string(apperr.CodeOf(err)), apperr.PublicMessage(err)
		} else {
			item.OK, item.Unchanged = true, unchanged
		}
		if item.OK {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, item)
	}
	s.logger.Info("bulk operation finished",
		zap.String("operation", name),
		zap.String("actor", actor.ID),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Edit changes document fields. Nil fields are left alone.
type Edit struct {
	Title            *string                  `json:"title,omitempty"`
	FullText         *string                  `json:"full_text,omitempty"`
	Category         *string                  `json:"category,omitempty"`
	Subcategory      *string                  `json:"subcategory,omitempty"`
	Domain           *string                  `json:"domain,omitempty"`
	DocType          *string                  `json:"doc_type,omitempty"`
	NormLevel        *models.NormLevel        `json:"norm_level,omitempty"`
	Tribunal         *string                  `json:"tribunal,omitempty"`
	SourceURL        *string                  `json:"source_url,omitempty"`
	AbrogationStatus *models.AbrogationStatus `json:"abrogation_status,omitempty"`
}

// contentChanged reports whether the edit touches the text that chunks are built from
func (e Edit) contentChanged(d *models.Document) bool {
	return (e.FullText != nil && *e.FullText != d.FullText) || (e.Title != nil && *e.Title != d.Title)
}

func (e Edit) apply(d *models.Document) bool {
	changed := false
	set := func(dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}
	set(&d.Title, e.Title)
	set(&d.FullText, e.FullText)
	set(&d.Category, e.Category)
	set(&d.Subcategory, e.Subcategory)
	set(&d.Domain, e.Domain)
	set(&d.DocType, e.DocType)
	set(&d.Tribunal, e.Tribunal)
	set(&d.SourceURL, e.SourceURL)
	if e.NormLevel != nil && d.NormLevel != *e.NormLevel {
		d.NormLevel = *e.NormLevel
		changed = true
	}
	if e.AbrogationStatus != nil && d.AbrogationStatus != *e.AbrogationStatus {
		d.AbrogationStatus = *e.AbrogationStatus
		changed = true
	}
	return changed
}

func (e Edit) validate() error {
	if e.Title != nil && strings.TrimSpace(*e.Title) == "" {
		return apperr.New(apperr.CodeInvalidRequest, "title cannot be empty")
	}
	if e.FullText != nil && strings.TrimSpace(*e.FullText) == "" {
		return apperr.New(apperr.CodeInvalidRequest, "full_text cannot be empty")
	}
	if e.AbrogationStatus != nil {
		switch *e.AbrogationStatus {
		case models.AbrogationActive, models.AbrogationSuspected, models.AbrogationConfirmed:
		default:
			return apperr.Newf(apperr.CodeInvalidRequest, "unknown abrogation status %q", *e.AbrogationStatus)
		}
	}
	return nil
}

// EditDocumentAtStage edits a document that is not approved. Changing the text of a
// document that already has a quality score sends it back to classified: its chunks are
// deleted and its score cleared, so it is re-scored and re-embedded from the new text.
func (s *Service) EditDocumentAtStage(ctx context.Context, actor models.Actor, id string, edit Edit, opts Options) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := edit.validate(); err != nil {
		return nil, err
	}
	doc, err := s.load(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if doc.PipelineStage == models.StageApproved {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"document %s is approved and immutable; reopen it first", id)
	}

	reset := edit.contentChanged(doc) && doc.PipelineStage.Index() >= models.StageQualityScored.Index()
	rec := &models.PipelineExecutionRecord{ActorID: actor.ID, Notes: "edited"}
	if opts.Notes != "" {
		rec.Notes = "edited: " + opts.Notes
	}
	t := database.Transition{
		DocumentID:      id,
		ExpectedVersion: doc.Version,
		ReplaceChunks:   reset,
		Mutate: func(d *models.Document) error {
			if !edit.apply(d) {
				return database.ErrNoChange
			}
			if reset {
				d.PipelineStage = models.StageClassified
				d.QualityScore = nil
				d.IsIndexed = false
				d.EmbedAttempts = 0
				d.NextRetryAt = nil
				d.LastError = ""
			}
			return nil
		},
		Record: rec,
	}
	if reset {
		rec.SkippedStages = skippedStages(doc.PipelineStage, models.StageClassified)
	}

	res, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}
	if res.Changed && reset {
		s.metrics.RecordTransition(string(doc.PipelineStage), string(models.StageClassified))
		s.logger.Info("content edit reset document to classified", zap.String("document_id", id))
	}
	return res.Document, nil
}

// Reopen moves an approved document back to pending_review and takes it out of retrieval
func (s *Service) Reopen(ctx context.Context, actor models.Actor, id string, opts Options) (*models.Document, error) {
	return s.simpleMove(ctx, actor, id, opts, models.StageApproved, models.StagePendingReview,
		func(d *models.Document) {
			d.IsActive = false
		})
}

// Resubmit sends a rejected document back to discovered with its derived data cleared
func (s *Service) Resubmit(ctx context.Context, actor models.Actor, id string, opts Options) (*models.Document, error) {
	return s.simpleMove(ctx, actor, id, opts, models.StageRejected, models.StageDiscovered,
		func(d *models.Document) {
			d.DeletedAt = nil
			d.RejectionReason = ""
			d.QualityScore = nil
			d.IsIndexed = false
			d.IsActive = false
			d.EmbedAttempts = 0
			d.NextRetryAt = nil
			d.LastError = ""
		})
}

func (s *Service) simpleMove(ctx context.Context, actor models.Actor, id string, opts Options,
	from, to models.Stage, mutate func(d *models.Document)) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, apperr.Newf(apperr.CodeForbidden, "moving %s to %s requires an admin", from, to)
	}
	res, err := s.store.ApplyTransition(ctx, database.Transition{
		DocumentID:      id,
		ExpectedStage:   opts.ExpectedStage,
		ExpectedVersion: opts.ExpectedVersion,
		ToStage:         to,
		ReplaceChunks:   to.Index() >= 0 && to.Index() < models.StageChunkedEmbedded.Index(),
		Mutate: func(d *models.Document) error {
			if d.PipelineStage != from {
				return apperr.Newf(apperr.CodeInvalidTransition,
					"document %s is %s; only %s documents can move to %s", d.ID, d.PipelineStage, from, to)
			}
			mutate(d)
			return nil
		},
		Record: &models.PipelineExecutionRecord{ActorID: actor.ID, Notes: opts.Notes},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(from), string(to))
	s.logger.Info("stage transition",
		zap.String("document_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.ID))
	return res.Document, nil
}

// SweepResult summarizes one retry sweep
type SweepResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetrySweep re-attempts chunking and embedding for documents whose retry time has come,
// then auto-advances them when configured. It stops between documents when ctx is cancelled.
func (s *Service) RetrySweep(ctx context.Context) (SweepResult, error) {
	var r SweepResult
	docs, err := s.store.DueForRetry(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return r, err
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Attempted++
		_, err := s.AdvanceStage(ctx, models.SystemActor, doc.ID, Options{
			ExpectedStage: models.StageQualityScored,
			Notes:         "automatic embedding retry",
		})
		if err != nil {
			r.Failed++
			s.logger.Warn("retry failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		r.Succeeded++
		if s.cfg.AutoAdvance {
			if _, err := s.AutoAdvance(ctx, models.SystemActor, doc.ID); err != nil {
				return r, err
			}
		}
	}
	return r, nil
}
