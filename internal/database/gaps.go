package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/models"
)

const gapColumns = `id, topic, topic_key, domain, keywords, sample_queries, occurrence_count,
	negative_feedback_count, avg_rating, priority_score, status, first_seen_at, last_seen_at,
	resolved_at, last_alerted_at, updated_at`

func scanGap(row pgx.Row) (*models.KnowledgeGap, error) {
	var g models.KnowledgeGap
	if err := row.Scan(&g.ID, &g.Topic, &g.TopicKey, &g.Domain, &g.Keywords, &g.SampleQueries,
		&g.OccurrenceCount, &g.NegativeFeedbackCount, &g.AvgRating, &g.PriorityScore, &g.Status,
		&g.FirstSeenAt, &g.LastSeenAt, &g.ResolvedAt, &g.LastAlertedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGaps returns gaps by descending priority; an empty status lists all of them
func (db *DB) ListGaps(ctx context.Context, status models.GapStatus) ([]models.KnowledgeGap, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+gapColumns+`
		FROM knowledge_gaps
		WHERE $1 = '' OR status = $1
		ORDER BY priority_score DESC, id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query gaps: %w", err)
	}
	defer rows.Close()

	var gaps []models.KnowledgeGap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		gaps = append(gaps, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return gaps, nil
}

// GetGap loads one gap
func (db *DB) GetGap(ctx context.Context, id string) (*models.KnowledgeGap, error) {
	g, err := scanGap(db.Pool.QueryRow(ctx, `SELECT `+gapColumns+` FROM knowledge_gaps WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "gap %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gap: %w", err)
	}
	return g, nil
}

// SaveGap inserts or updates a gap keyed by topic_key
func (db *DB) SaveGap(ctx context.Context, g *models.KnowledgeGap) error {
	g.UpdatedAt = time.Now().UTC()
	if g.Keywords == nil {
		g.Keywords = []string{}
	}
	if g.SampleQueries == nil {
		g.SampleQueries = []string{}
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO knowledge_gaps (id, topic, topic_key, domain, keywords, sample_queries,
			occurrence_count, negative_feedback_count, avg_rating, priority_score, status,
			first_seen_at, last_seen_at, resolved_at, last_alerted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (topic_key) DO UPDATE SET
			topic = EXCLUDED.topic,
			domain = EXCLUDED.domain,
			keywords = EXCLUDED.keywords,
			sample_queries = EXCLUDED.sample_queries,
			occurrence_count = EXCLUDED.occurrence_count,
			negative_feedback_count = EXCLUDED.negative_feedback_count,
			avg_rating = EXCLUDED.avg_rating,
			priority_score = EXCLUDED.priority_score,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			resolved_at = EXCLUDED.resolved_at,
			last_alerted_at = EXCLUDED.last_alerted_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, first_seen_at
	`, g.ID, g.Topic, g.TopicKey, g.Domain, g.Keywords, g.SampleQueries, g.OccurrenceCount,
		g.NegativeFeedbackCount, g.AvgRating, g.PriorityScore, g.Status, g.FirstSeenAt,
		g.LastSeenAt, g.ResolvedAt, g.LastAlertedAt, g.UpdatedAt).Scan(&g.ID, &g.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("failed to save gap: %w", err)
	}
	return nil
}
