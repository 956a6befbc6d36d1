package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/database"
	"tn-legal-rag/internal/models"
)

// memStore mirrors the transactional behaviour of database.DB.ApplyTransition in memory
type memStore struct {
	mu        sync.Mutex
	docs      map[string]*models.Document
	chunks    map[string][]models.Chunk
	records   []models.PipelineExecutionRecord
	relations []models.Relation
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		docs:   make(map[string]*models.Document),
		chunks: make(map[string][]models.Chunk),
	}
}

func (m *memStore) CreateDocument(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[d.ID]; ok {
		return apperr.Newf(apperr.CodeConflict, "document %s already exists", d.ID)
	}
	d.PipelineStage = models.StageDiscovered
	d.Version = 1
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

// put stores a document as-is, bypassing the pipeline
func (m *memStore) put(d models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = &d
}

func (m *memStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "document %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ApplyTransition(_ context.Context, t database.Transition) (*database.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.docs[t.DocumentID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "document %s not found", t.DocumentID)
	}
	doc := *stored
	if err := database.CheckExpectations(&doc, t); err != nil {
		return nil, err
	}

	from := doc.PipelineStage
	if t.Mutate != nil {
		if err := t.Mutate(&doc); err != nil {
			if errors.Is(err, database.ErrNoChange) {
				cp := *stored
				return &database.TransitionResult{Document: &cp}, nil
			}
			return nil, err
		}
	}
	if t.ToStage != "" {
		doc.PipelineStage = t.ToStage
	}
	if t.ReplaceChunks {
		for _, c := range t.Chunks {
			if len(c.Embedding) == 0 {
				return nil, apperr.Newf(apperr.CodeMissingEmbedding, "chunk %d has no embedding", c.Index)
			}
		}
		doc.ChunkCount = len(t.Chunks)
		m.chunks[doc.ID] = append([]models.Chunk(nil), t.Chunks...)
	}
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	m.docs[doc.ID] = &doc
	m.relations = append(m.relations, t.Relations...)

	var rec *models.PipelineExecutionRecord
	if t.Record != nil {
		m.nextID++
		rec = t.Record
		rec.ID = m.nextID
		rec.DocumentID = doc.ID
		rec.FromStage = from
		rec.ToStage = doc.PipelineStage
		rec.CreatedAt = doc.UpdatedAt
		m.records = append(m.records, *rec)
	}
	cp := doc
	return &database.TransitionResult{Document: &cp, Record: rec, Changed: true}, nil
}

func (m *memStore) History(_ context.Context, documentID string) ([]models.PipelineExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PipelineExecutionRecord
	for _, r := range m.records {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) DueForRetry(_ context.Context, now time.Time, limit int) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, d := range m.docs {
		if d.PipelineStage == models.StageQualityScored && d.NextRetryAt != nil &&
			!d.NextRetryAt.After(now) && d.DeletedAt == nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) FindDocumentByReference(_ context.Context, ref string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.DeletedAt == nil && strings.Contains(strings.ToLower(d.Title), strings.ToLower(ref)) {
			return d.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) chunkCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[id])
}
