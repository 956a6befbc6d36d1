package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tn-legal-rag/internal/models"
)

// InsertQueryLog stores one search log entry
func (db *DB) InsertQueryLog(ctx context.Context, e models.QueryLogEntry) error {
	filters, err := json.Marshal(e.Filters)
	if err != nil {
		return fmt.Errorf("failed to encode filters: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO query_log (id, query, language, domain, filters, result_count, top_score,
			degraded, abstained, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.Query, e.Language, e.Domain, filters, e.ResultCount, e.TopScore,
		e.Degraded, e.Abstained, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert query log: %w", err)
	}
	return nil
}

// QueryLogSince returns the log entries created at or after since
func (db *DB) QueryLogSince(ctx context.Context, since time.Time) ([]models.QueryLogEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, query, language, domain, filters, result_count, top_score, degraded,
			abstained, created_at
		FROM query_log
		WHERE created_at >= $1
		ORDER BY created_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var entries []models.QueryLogEntry
	for rows.Next() {
		var (
			e       models.QueryLogEntry
			filters []byte
		)
		if err := rows.Scan(&e.ID, &e.Query, &e.Language, &e.Domain, &filters, &e.ResultCount,
			&e.TopScore, &e.Degraded, &e.Abstained, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if len(filters) > 0 {
			_ = json.Unmarshal(filters, &e.Filters)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}
