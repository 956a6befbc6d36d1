package database

import (
	"context"
	"fmt"
	"time"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/models"
)

// InsertFeedback stores feedback verbatim. A second submission for the same message is a
// conflict and leaves the first one untouched.
func (db *DB) InsertFeedback(ctx context.Context, f *models.Feedback) error {
	types := make([]string, len(f.FeedbackTypes))
	for i, t := range f.FeedbackTypes {
		types[i] = string(t)
	}
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO feedback (id, conversation_id, message_id, rating, feedback_types, comment,
			domain, question, rag_confidence, response_time_ms, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (message_id) DO NOTHING
	`, f.ID, f.ConversationID, f.MessageID, f.Rating, types, f.Comment, f.Domain, f.Question,
		f.RAGConfidence, f.ResponseTimeMs, f.ActorID, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.CodeConflict, "feedback for message %s already recorded", f.MessageID)
	}
	return nil
}

// FeedbackSince returns feedback created at or after since
func (db *DB) FeedbackSince(ctx context.Context, since time.Time) ([]models.Feedback, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, conversation_id, message_id, rating, feedback_types, comment, domain,
			question, rag_confidence, response_time_ms, actor_id, created_at
		FROM feedback
		WHERE created_at >= $1
		ORDER BY created_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var (
			f     models.Feedback
			types []string
		)
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.MessageID, &f.Rating, &types,
			&f.Comment, &f.Domain, &f.Question, &f.RAGConfidence, &f.ResponseTimeMs,
			&f.ActorID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for _, t := range types {
			f.FeedbackTypes = append(f.FeedbackTypes, models.FeedbackType(t))
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
