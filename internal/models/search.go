package models

import "time"

// Filters restrict a search
type Filters struct {
	Category      string     `json:"category,omitempty"`
	Domain        string     `json:"domain,omitempty"`
	Tribunal      string     `json:"tribunal,omitempty"`
	Language      Language   `json:"language,omitempty"`
	DateFrom      *time.Time `json:"date_from,omitempty"`
	DateTo        *time.Time `json:"date_to,omitempty"`
	MinConfidence float64    `json:"min_confidence,omitempty"`
}

// SearchResult is one ranked chunk. It is never persisted.
type SearchResult struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	ChunkIndex   int     `json:"chunk_index"`
	Content      string  `json:"content"`
	Similarity   float64 `json:"similarity"`
	LexicalScore float64 `json:"lexical_score"`
	MergedScore  float64 `json:"merged_score"`
	RerankScore  float64 `json:"rerank_score"`
	HasVector    bool    `json:"-"`
	HasLexical   bool    `json:"-"`

	Title            string           `json:"title"`
	Category         string           `json:"category,omitempty"`
	Domain           string           `json:"domain,omitempty"`
	DocType          string           `json:"doc_type,omitempty"`
	NormLevel        NormLevel        `json:"norm_level"`
	Language         Language         `json:"language,omitempty"`
	Tribunal         string           `json:"tribunal,omitempty"`
	SourceURL        string           `json:"source_url,omitempty"`
	AbrogationStatus AbrogationStatus `json:"abrogation_status,omitempty"`
	PrecedentScore   float64          `json:"precedent_score,omitempty"`
	IsSuperseded     bool             `json:"is_superseded,omitempty"`
	PublishedAt      *time.Time       `json:"published_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// QueryLogEntry records one search for later gap analysis
type QueryLogEntry struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	Language    Language  `json:"language"`
	Domain      string    `json:"domain,omitempty"`
	Filters     Filters   `json:"filters"`
	ResultCount int       `json:"result_count"`
	TopScore    float64   `json:"top_score"`
	Degraded    bool      `json:"degraded"`
	Abstained   bool      `json:"abstained"`
	CreatedAt   time.Time `json:"created_at"`
}
