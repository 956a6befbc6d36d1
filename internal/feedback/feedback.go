// Package feedback validates and stores user ratings of answers. Stored feedback is mined
// by the gap analyzer.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/models"
)

// Store persists feedback; *database.DB satisfies it
type Store interface {
	InsertFeedback(ctx context.Context, f *models.Feedback) error
}

// Input is a feedback submission as received from a client
type Input struct {
	ConversationID string                `json:"conversation_id" validate:"required,max=100"`
	MessageID      string                `json:"message_id" validate:"required,max=100"`
	Rating         int                   `json:"rating" validate:"min=1,max=5"`
	FeedbackTypes  []models.FeedbackType `json:"feedback_type,omitempty" validate:"max=4,dive,oneof=hallucination missing_info irrelevant other"`
	Comment        string                `json:"comment,omitempty" validate:"max=2000"`
	Domain         string                `json:"domain,omitempty" validate:"max=50"`
	Question       string                `json:"question,omitempty" validate:"max=2000"`
	RAGConfidence  *float64              `json:"rag_confidence,omitempty" validate:"omitempty,min=0,max=1"`
	ResponseTimeMs *int64                `json:"response_time_ms,omitempty" validate:"omitempty,min=0"`
}

// Service handles feedback submissions
type Service struct {
	store    Store
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(zap.String("component", "feedback")),
	}
}

// Submit validates and stores feedback verbatim. A message can be rated once; a second
// submission returns CONFLICT and leaves the first untouched. A missing domain is inferred
// from the question.
func (s *Service) Submit(ctx context.Context, actor models.Actor, in Input) (*models.Feedback, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.MessageID = strings.TrimSpace(in.MessageID)
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, describe(err), err)
	}
	if in.Domain != "" && !knownDomain(in.Domain) {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "unknown domain %q", in.Domain)
	}

	f := &models.Feedback{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		MessageID:      in.MessageID,
		Rating:         in.Rating,
		FeedbackTypes:  dedupeTypes(in.FeedbackTypes),
		Comment:        strings.TrimSpace(in.Comment),
		Domain:         in.Domain,
		Question:       strings.TrimSpace(in.Question),
		RAGConfidence:  in.RAGConfidence,
		ResponseTimeMs: in.ResponseTimeMs,
		ActorID:        actor.ID,
		CreatedAt:      s.now(),
	}
	if f.Domain == "" && f.Question != "" {
		f.Domain = lang.DetectDomain(f.Question)
	}

	if err := s.store.InsertFeedback(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Info("feedback recorded",
		zap.String("message_id", f.MessageID),
		zap.Int("rating", f.Rating),
		zap.Bool("negative", f.Negative()),
		zap.String("domain", f.Domain))
	return f, nil
}

func knownDomain(d string) bool {
	if d == lang.DomainGeneral {
		return true
	}
	for _, known := range lang.Domains() {
		if d == known {
			return true
		}
	}
	return false
}

func dedupeTypes(types []models.FeedbackType) []models.FeedbackType {
	if len(types) == 0 {
		return nil
	}
	seen := make(map[models.FeedbackType]bool, len(types))
	out := make([]models.FeedbackType, 0, len(types))
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// describe turns validator errors into a client-facing message naming the fields
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid feedback"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "invalid feedback: " + strings.Join(fields, ", ")
}
