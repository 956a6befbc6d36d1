package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/models"
)

// ErrNoChange is returned by a Transition's Mutate to signal that the document is already
// in the requested state. ApplyTransition then commits nothing and reports Changed=false.
var ErrNoChange = errors.New("no change")

const documentColumns = `
	id, title, category, subcategory, domain, doc_type, norm_level, language, tribunal,
	full_text, source_url, web_source_id, is_indexed, is_active, quality_score,
	abrogation_status, pipeline_stage, version, precedent_score, is_superseded,
	published_at, chunk_count, embed_attempts, next_retry_at, last_error,
	rejection_reason, deleted_at, created_at, updated_at`

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	err := row.Scan(
		&d.ID, &d.Title, &d.Category, &d.Subcategory, &d.Domain, &d.DocType, &d.NormLevel,
		&d.Language, &d.Tribunal, &d.FullText, &d.SourceURL, &d.WebSourceID, &d.IsIndexed,
		&d.IsActive, &d.QualityScore, &d.AbrogationStatus, &d.PipelineStage, &d.Version,
		&d.PrecedentScore, &d.IsSuperseded, &d.PublishedAt, &d.ChunkCount, &d.EmbedAttempts,
		&d.NextRetryAt, &d.LastError, &d.RejectionReason, &d.DeletedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDocument inserts a new document at the discovered stage
func (db *DB) CreateDocument(ctx context.Context, d *models.Document) error {
	now := time.Now().UTC()
	d.PipelineStage = models.StageDiscovered
	d.Version = 1
	if d.AbrogationStatus == "" {
		d.AbrogationStatus = models.AbrogationActive
	}
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO documents (
			id, title, category, subcategory, domain, doc_type, norm_level, language, tribunal,
			full_text, source_url, web_source_id, abrogation_status, pipeline_stage, version,
			published_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`,
		d.ID, d.Title, d.Category, d.Subcategory, d.Domain, d.DocType, d.NormLevel, d.Language,
		d.Tribunal, d.FullText, d.SourceURL, d.WebSourceID, d.AbrogationStatus, d.PipelineStage,
		d.Version, d.PublishedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Newf(apperr.CodeConflict, "document %s already exists", d.ID)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document, including soft-deleted ones
func (db *DB) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanDocument(db.Pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "document %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return d, nil
}

// DueForRetry lists documents whose embedding failed and whose retry time has come
func (db *DB) DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.Document, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE pipeline_stage = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		  AND deleted_at IS NULL
		ORDER BY next_retry_at
		LIMIT $3
	`, models.StageQualityScored, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry candidates: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return docs, nil
}

// Transition is one atomic change to a document. The row is locked, the expectations are
// checked, Mutate runs against the locked copy, and the update, chunk replacement,
// relations and audit record are committed together or not at all.
type Transition struct {
	DocumentID      string
	ExpectedStage   models.Stage
	ExpectedVersion int
	// ToStage is left empty for bookkeeping updates that do not move the document.
	ToStage models.Stage
	Mutate  func(d *models.Document) error
	// Record is written when set; DocumentID, FromStage, ToStage and CreatedAt are filled in.
	Record *models.PipelineExecutionRecord
	// ReplaceChunks deletes existing chunks and inserts Chunks.
	ReplaceChunks bool
	Chunks        []models.Chunk
	Relations     []models.Relation
}

// TransitionResult is the committed state
type TransitionResult struct {
	Document *models.Document
	Record   *models.PipelineExecutionRecord
	Changed  bool
}

// ApplyTransition executes t in a single transaction
func (db *DB) ApplyTransition(ctx context.Context, t Transition) (*TransitionResult, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := scanDocument(tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, t.DocumentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "document %s not found", t.DocumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock document: %w", err)
	}

	if err := CheckExpectations(doc, t); err != nil {
		return nil, err
	}

	from := doc.PipelineStage
	if t.Mutate != nil {
		if err := t.Mutate(doc); err != nil {
			if errors.Is(err, ErrNoChange) {
				return &TransitionResult{Document: doc}, nil
			}
			return nil, err
		}
	}
	if t.ToStage != "" {
		doc.PipelineStage = t.ToStage
	}
	if t.ReplaceChunks {
		doc.ChunkCount = len(t.Chunks)
	}
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()

	if t.ReplaceChunks {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
			return nil, fmt.Errorf("failed to delete chunks: %w", err)
		}
		if err := insertChunks(ctx, tx, t.Chunks); err != nil {
			return nil, err
		}
	}

	if err := updateDocument(ctx, tx, doc); err != nil {
		return nil, err
	}

	for _, rel := range t.Relations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_relations (source_id, target_id, relation_type)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, rel.SourceID, rel.TargetID, rel.Type); err != nil {
			return nil, fmt.Errorf("failed to insert relation: %w", err)
		}
	}

	var rec *models.PipelineExecutionRecord
	if t.Record != nil {
		rec = t.Record
		rec.DocumentID = doc.ID
		rec.FromStage = from
		rec.ToStage = doc.PipelineStage
		if rec.SkippedStages == nil {
			rec.SkippedStages = []models.Stage{}
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO pipeline_execution_records
				(document_id, from_stage, to_stage, actor_id, notes, skipped_stages)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at
		`, rec.DocumentID, rec.FromStage, rec.ToStage, rec.ActorID, rec.Notes,
			stageStrings(rec.SkippedStages)).Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert pipeline record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return &TransitionResult{Document: doc, Record: rec, Changed: true}, nil
}

// CheckExpectations rejects a transition whose optimistic expectations are stale
func CheckExpectations(doc *models.Document, t Transition) error {
	if t.ExpectedStage != "" && doc.PipelineStage != t.ExpectedStage {
		return apperr.Newf(apperr.CodeStaleVersion,
			"document %s is at stage %s, expected %s", doc.ID, doc.PipelineStage, t.ExpectedStage)
	}
	if t.ExpectedVersion != 0 && doc.Version != t.ExpectedVersion {
		return apperr.Newf(apperr.CodeStaleVersion,
			"document %s is at version %d, expected %d", doc.ID, doc.Version, t.ExpectedVersion)
	}
	return nil
}

func updateDocument(ctx context.Context, tx pgx.Tx, d *models.Document) error {
	_, err := tx.Exec(ctx, `
		UPDATE documents SET
			title = $2, category = $3, subcategory = $4, domain = $5, doc_type = $6,
			norm_level = $7, language = $8, tribunal = $9, full_text = $10, source_url = $11,
			is_indexed = $12, is_active = $13, quality_score = $14, abrogation_status = $15,
			pipeline_stage = $16, version = $17, precedent_score = $18, is_superseded = $19,
			published_at = $20, chunk_count = $21, embed_attempts = $22, next_retry_at = $23,
			last_error = $24, rejection_reason = $25, deleted_at = $26, updated_at = $27
		WHERE id = $1
	`,
		d.ID, d.Title, d.Category, d.Subcategory, d.Domain, d.DocType, d.NormLevel, d.Language,
		d.Tribunal, d.FullText, d.SourceURL, d.IsIndexed, d.IsActive, d.QualityScore,
		d.AbrogationStatus, d.PipelineStage, d.Version, d.PrecedentScore, d.IsSuperseded,
		d.PublishedAt, d.ChunkCount, d.EmbedAttempts, d.NextRetryAt, d.LastError,
		d.RejectionReason, d.DeletedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func insertChunks(ctx context.Context, tx pgx.Tx, chunks []models.Chunk) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return apperr.Newf(apperr.CodeMissingEmbedding,
				"chunk %d of document %s has no embedding", c.Index, c.DocumentID)
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, chunk_index, content, language, ts_config, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6::regconfig, $7, $8)
		`, c.ID, c.DocumentID, c.Index, c.Content, c.Metadata.Language,
			lang.TSConfig(c.Metadata.Language), meta, pgvector.NewVector(c.Embedding))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

// History returns the audit trail of a document, oldest first
func (db *DB) History(ctx context.Context, documentID string) ([]models.PipelineExecutionRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, document_id, from_stage, to_stage, actor_id, notes, skipped_stages, created_at
		FROM pipeline_execution_records
		WHERE document_id = $1
		ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline history: %w", err)
	}
	defer rows.Close()

	var records []models.PipelineExecutionRecord
	for rows.Next() {
		var (
			r       models.PipelineExecutionRecord
			skipped []string
		)
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.FromStage, &r.ToStage, &r.ActorID,
			&r.Notes, &skipped, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for _, s := range skipped {
			r.SkippedStages = append(r.SkippedStages, models.Stage(s))
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

func stageStrings(stages []models.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
