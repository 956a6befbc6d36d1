// Package pipeline moves documents through discovered → classified → quality_scored →
// chunked_embedded → pending_review → approved | rejected. Every stage change is one
// atomic transition with an audit record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/database"
	"tn-legal-rag/internal/embedding"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/processor"
	"tn-legal-rag/internal/retry"
)

const maxErrorLength = 500

// Store persists documents and their audit trail; *database.DB satisfies it
type Store interface {
	CreateDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ApplyTransition(ctx context.Context, t database.Transition) (*database.TransitionResult, error)
	History(ctx context.Context, documentID string) ([]models.PipelineExecutionRecord, error)
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.Document, error)
	FindDocumentByReference(ctx context.Context, ref string) (string, bool, error)
}

// Service runs pipeline operations
type Service struct {
	store            Store
	embedder         embedding.Embedder
	chunker          *processor.Chunker
	cfg              config.PipelineConfig
	embedConcurrency int
	backoff          retry.Policy
	now              func() time.Time
	metrics          *metrics.Collector
	logger           *zap.Logger
}

func NewService(store Store, embedder embedding.Embedder, cfg config.PipelineConfig, embedConcurrency int,
	m *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:            store,
		embedder:         embedder,
		chunker:          processor.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:              cfg,
		embedConcurrency: embedConcurrency,
		backoff: retry.Policy{
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2,
		},
		now:     func() time.Time { return time.Now().UTC() },
		metrics: m,
		logger:  logger.With(zap.String("component", "pipeline")),
	}
}

// NewDocument is an upload or a crawled page entering the pipeline
type NewDocument struct {
	Title       string          `json:"title" validate:"required,max=1000"`
	FullText    string          `json:"full_text" validate:"required"`
	SourceURL   string          `json:"source_url,omitempty" validate:"omitempty,url"`
	WebSourceID string          `json:"web_source_id,omitempty"`
	Category    string          `json:"category,omitempty"`
	Language    models.Language `json:"language,omitempty" validate:"omitempty,oneof=ar fr mixed"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// Options carry the optimistic expectations and audit notes of an operation
type Options struct {
	ExpectedStage   models.Stage `json:"expected_stage,omitempty"`
	ExpectedVersion int          `json:"expected_version,omitempty"`
	Notes           string       `json:"notes,omitempty"`
}

func requireActor(actor models.Actor) error {
	if actor.ID == "" {
		return apperr.New(apperr.CodeUnauthorized, "an authenticated actor is required")
	}
	return nil
}

// CreateDocument stores a new document at the discovered stage. It is not retrievable
// until approved.
func (s *Service) CreateDocument(ctx context.Context, actor models.Actor, in NewDocument) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	in.Title, in.FullText = strings.TrimSpace(in.Title), strings.TrimSpace(in.FullText)
	if in.Title == "" || in.FullText == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "title and full_text are required")
	}

	doc := &models.Document{
		ID:               uuid.NewString(),
		Title:            in.Title,
		FullText:         in.FullText,
		SourceURL:        in.SourceURL,
		WebSourceID:      in.WebSourceID,
		Category:         in.Category,
		Language:         in.Language,
		PublishedAt:      in.PublishedAt,
		AbrogationStatus: models.AbrogationActive,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	res, err := s.store.ApplyTransition(ctx, database.Transition{
		DocumentID: doc.ID,
		Record:     &models.PipelineExecutionRecord{ActorID: actor.ID, Notes: "document created"},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("document created", zap.String("document_id", doc.ID), zap.String("actor", actor.ID))
	return res.Document, nil
}

// GetDocument loads one document
func (s *Service) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// History returns the audit trail of a document, oldest first
func (s *Service) History(ctx context.Context, id string) ([]models.PipelineExecutionRecord, error) {
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// AdvanceStage moves a document exactly one stage forward, running that stage's action.
func (s *Service) AdvanceStage(ctx context.Context, actor models.Actor, id string, opts Options) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	doc, err := s.load(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if doc.PipelineStage.Terminal() {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"document %s is %s, which is terminal", id, doc.PipelineStage)
	}
	target, _ := doc.PipelineStage.Next()
	if target == models.StageApproved && !actor.IsAdmin() {
		return nil, apperr.New(apperr.CodeForbidden, "approval requires an admin")
	}
	return s.move(ctx, actor, doc, target, opts)
}

// AdvanceToStage jumps a document to any pipeline stage. Only super admins may do this.
// Forward jumps run the actions of the stages entered; backward jumps clear the data of
// the stages left. The audit record lists the skipped stages.
func (s *Service) AdvanceToStage(ctx context.Context, actor models.Actor, id string, target models.Stage, opts Options) (*models.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != models.RoleSuperAdmin {
		return nil, apperr.New(apperr.CodeForbidden, "explicit stage jumps require a super admin")
	}
	if target.Index() < 0 {
		return nil, apperr.Newf(apperr.CodeInvalidTransition,
			"cannot jump to %q; use reject for rejection", target)
	}
	doc, err := s.load(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if doc.PipelineStage == models.StageRejected {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "document %s is rejected; resubmit it first", id)
	}
	if doc.PipelineStage == target {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "document %s is already %s", id, target)
	}
	return s.move(ctx, actor, doc, target, opts)
}

func (s *Service) load(ctx context.Context, id string, opts Options) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := database.CheckExpectations(doc, database.Transition{
		ExpectedStage:   opts.ExpectedStage,
		ExpectedVersion: opts.ExpectedVersion,
	}); err != nil {
		return nil, err
	}
	return doc, nil
}

// move transitions doc to target, forward or backward
func (s *Service) move(ctx context.Context, actor models.Actor, doc *models.Document, target models.Stage, opts Options) (*models.Document, error) {
	from := doc.PipelineStage
	forward := target.Index() > from.Index()

	t := database.Transition{
		DocumentID:      doc.ID,
		ExpectedStage:   from,
		ExpectedVersion: doc.Version,
		ToStage:         target,
		Record: &models.PipelineExecutionRecord{
			ActorID:       actor.ID,
			Notes:         opts.Notes,
			SkippedStages: skippedStages(from, target),
		},
	}

	if forward {
		p, err := s.prepare(ctx, doc, target)
		if err != nil {
			var ee *embedError
			if errors.As(err, &ee) && from == models.StageQualityScored {
				return nil, s.recordEmbedFailure(ctx, doc, ee.err)
			}
			return nil, err
		}
		t.ReplaceChunks, t.Chunks, t.Relations = p.replaceChunks, p.chunks, p.relations
		t.Mutate = func(d *models.Document) error {
			p.apply(d)
			count := d.ChunkCount
			if p.replaceChunks {
				count = len(p.chunks)
			}
			if err := checkPrerequisites(d, target, count); err != nil {
				return err
			}
			if target == models.StageApproved {
				d.IsActive = true
			}
			return nil
		}
	} else {
		t.ReplaceChunks = target.Index() < models.StageChunkedEmbedded.Index()
		t.Mutate = func(d *models.Document) error {
			d.IsActive = false
			if t.ReplaceChunks {
				d.IsIndexed = false
			}
			if target.Index() < models.StageQualityScored.Index() {
				d.QualityScore = nil
			}
			return nil
		}
	}

	res, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(from), string(target))
	s.logger.Info("stage transition",
		zap.String("document_id", doc.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor", actor.ID),
		zap.Int("skipped", len(t.Record.SkippedStages)))
	return res.Document, nil
}

// recordEmbedFailure counts a failed embedding attempt and schedules the next one with
// exponential backoff. A dimension mismatch, or reaching the attempt cap, rejects the
// document with an automated reason instead. The original failure is returned.
func (s *Service) recordEmbedFailure(ctx context.Context, doc *models.Document, cause error) error {
	fatal := apperr.Is(cause, apperr.CodeDimensionMismatch)
	msg := truncateError(cause.Error())

	var rejected bool
	now := s.now()
	rec := &models.PipelineExecutionRecord{ActorID: models.SystemActorID}
	t := database.Transition{
		DocumentID:    doc.ID,
		ExpectedStage: models.StageQualityScored,
		Mutate: func(d *models.Document) error {
			d.EmbedAttempts++
			d.LastError = msg
			if fatal || d.EmbedAttempts >= s.cfg.MaxEmbedAttempts {
				rejected = true
				d.PipelineStage = models.StageRejected
				d.RejectionReason = automatedReason(d.EmbedAttempts, fatal, msg)
				d.IsActive = false
				d.NextRetryAt = nil
				d.DeletedAt = &now
				rec.Notes = d.RejectionReason
				return nil
			}
			next := now.Add(s.backoff.Backoff(d.EmbedAttempts))
			d.NextRetryAt = &next
			rec.Notes = fmt.Sprintf("embedding attempt %d failed, next retry at %s", d.EmbedAttempts, next.Format(time.RFC3339))
			return nil
		},
		Record: rec,
	}
	res, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		s.logger.Error("failed to record embedding failure", zap.String("document_id", doc.ID), zap.Error(err))
		return cause
	}

	s.metrics.RecordEmbedFailure(!rejected)
	if rejected {
		s.metrics.RecordTransition(string(models.StageQualityScored), string(models.StageRejected))
		s.logger.Warn("document rejected after embedding failures",
			zap.String("document_id", doc.ID),
			zap.Int("attempts", res.Document.EmbedAttempts),
			zap.Error(cause))
	} else {
		s.logger.Warn("embedding failed, retry scheduled",
			zap.String("document_id", doc.ID),
			zap.Int("attempts", res.Document.EmbedAttempts),
			zap.Timep("next_retry_at", res.Document.NextRetryAt),
			zap.Error(cause))
	}
	return cause
}

func automatedReason(attempts int, fatal bool, msg string) string {
	if fatal {
		return "automated: embedding dimension mismatch: " + msg
	}
	return fmt.Sprintf("automated: embedding failed after %d attempts: %s", attempts, msg)
}

// truncateError caps msg at maxErrorLength bytes without splitting a rune and drops any
// invalid UTF-8 the provider returned.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "")
	if len(msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
