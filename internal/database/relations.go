package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tn-legal-rag/internal/models"
)

// ListRelations returns every edge of the given type
func (db *DB) ListRelations(ctx context.Context, relType models.RelationType) ([]models.Relation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT source_id, target_id, relation_type, created_at
		FROM document_relations
		WHERE relation_type = $1
		ORDER BY source_id, target_id
	`, relType)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var rels []models.Relation
	for rows.Next() {
		var r models.Relation
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return rels, nil
}

// DocumentNodes returns the id and tribunal/doc type of every live document, the
// vertex set of the precedent graph.
func (db *DB) DocumentNodes(ctx context.Context) (map[string]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, CASE WHEN tribunal <> '' THEN tribunal ELSE doc_type END
		FROM documents
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]string)
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		nodes[id] = kind
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return nodes, nil
}

// UpdatePrecedentScores writes the offline precedent scores in one batch
func (db *DB) UpdatePrecedentScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, score := range scores {
		batch.Queue(`UPDATE documents SET precedent_score = $2 WHERE id = $1`, id, score)
	}
	if err := db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to update precedent scores: %w", err)
	}
	return nil
}

// FindDocumentByReference resolves a legal reference such as "Loi n° 2016-36" to a
// known document by title.
func (db *DB) FindDocumentByReference(ctx context.Context, ref string) (string, bool, error) {
	var id string
	err := db.Pool.QueryRow(ctx, `
		SELECT id FROM documents
		WHERE deleted_at IS NULL AND title ILIKE '%' || $1 || '%'
		ORDER BY norm_level DESC, updated_at DESC
		LIMIT 1
	`, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve reference: %w", err)
	}
	return id, true, nil
}
