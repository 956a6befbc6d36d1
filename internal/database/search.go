package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"tn-legal-rag/internal/models"
)

// retrievable restricts results to indexed, active, non-abrogated documents
const retrievable = `d.is_indexed AND d.is_active AND d.deleted_at IS NULL
	AND d.abrogation_status <> 'confirmed'`

const resultColumns = `c.id, c.document_id, c.chunk_index, c.content,
	d.title, d.category, d.domain, d.doc_type, d.norm_level, d.language, d.tribunal,
	d.source_url, d.abrogation_status, d.precedent_score, d.is_superseded,
	d.published_at, d.updated_at`

// filterClause appends the optional filter predicates and their arguments
func filterClause(f models.Filters, args []any) (string, []any) {
	var sb strings.Builder
	add := func(cond string, v any) {
		args = append(args, v)
		sb.WriteString(" AND ")
		sb.WriteString(strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.Category != "" {
		add("d.category = ?", f.Category)
	}
	if f.Domain != "" {
		add("d.domain = ?", f.Domain)
	}
	if f.Tribunal != "" {
		add("d.tribunal = ?", f.Tribunal)
	}
	if f.Language != "" {
		add("(c.language = ? OR d.language = ?)", string(f.Language))
	}
	if f.DateFrom != nil {
		add("d.published_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("d.published_at <= ?", *f.DateTo)
	}
	return sb.String(), args
}

func scanResults(rows pgx.Rows, score func(r *models.SearchResult) any) ([]models.SearchResult, error) {
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(
			&r.ChunkID, &r.DocumentID, &r.ChunkIndex, &r.Content,
			&r.Title, &r.Category, &r.Domain, &r.DocType, &r.NormLevel, &r.Language, &r.Tribunal,
			&r.SourceURL, &r.AbrogationStatus, &r.PrecedentScore, &r.IsSuperseded,
			&r.PublishedAt, &r.UpdatedAt, score(&r)); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

// VectorSearch finds chunks by cosine similarity to the query embedding
func (db *DB) VectorSearch(ctx context.Context, embedding []float32, f models.Filters, limit int) ([]models.SearchResult, error) {
	args := []any{pgvector.NewVector(embedding)}
	where, args := filterClause(f, args)
	args = append(args, limit)

	rows, err := db.Pool.Query(ctx, `
		SELECT `+resultColumns+`, 1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE `+retrievable+` AND c.embedding IS NOT NULL`+where+`
		ORDER BY c.embedding <=> $1
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar chunks: %w", err)
	}
	return scanResults(rows, func(r *models.SearchResult) any {
		r.HasVector = true
		return &r.Similarity
	})
}

// LexicalSearch ranks chunks by full-text match against any of the query variants.
// Each chunk is matched with its own text search configuration (arabic, french or simple).
func (db *DB) LexicalSearch(ctx context.Context, variants []string, f models.Filters, limit int) ([]models.SearchResult, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(variants)+8)
	parts := make([]string, len(variants))
	for i, v := range variants {
		args = append(args, v)
		parts[i] = fmt.Sprintf("websearch_to_tsquery(c.ts_config, $%d)", i+1)
	}
	where, args := filterClause(f, args)
	args = append(args, limit)

	rows, err := db.Pool.Query(ctx, `
		SELECT `+resultColumns+`, ts_rank_cd(c.tsv, tq.q) AS lexical_score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		CROSS JOIN LATERAL (SELECT (`+strings.Join(parts, " || ")+`) AS q) tq
		WHERE `+retrievable+` AND c.tsv @@ tq.q`+where+`
		ORDER BY lexical_score DESC, c.id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lexical chunks: %w", err)
	}
	return scanResults(rows, func(r *models.SearchResult) any {
		r.HasLexical = true
		return &r.LexicalScore
	})
}
