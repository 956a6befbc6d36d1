package models

import "time"

// Language of a query, chunk or document
type Language string

const (
	LangArabic  Language = "ar"
	LangFrench  Language = "fr"
	LangMixed   Language = "mixed"
	LangUnknown Language = ""
)

// AbrogationStatus tracks whether a legal text has been repealed
type AbrogationStatus string

const (
	AbrogationActive    AbrogationStatus = "active"
	AbrogationSuspected AbrogationStatus = "suspected"
	AbrogationConfirmed AbrogationStatus = "confirmed"
)

// NormLevel is the tier of a text in the legal hierarchy. Higher values carry more authority.
type NormLevel int

const (
	NormUnknown NormLevel = iota
	NormCirculaire
	NormArrete
	NormDecret
	NormDecretLoi
	NormLoiOrdinaire
	NormLoiOrganique
	NormTraite
	NormConstitution
)

var normLevelNames = map[NormLevel]string{
	NormUnknown:      "unknown",
	NormCirculaire:   "circulaire",
	NormArrete:       "arrete",
	NormDecret:       "decret",
	NormDecretLoi:    "decret_loi",
	NormLoiOrdinaire: "loi_ordinaire",
	NormLoiOrganique: "loi_organique",
	NormTraite:       "traite_international",
	NormConstitution: "constitution",
}

func (n NormLevel) String() string {
	if s, ok := normLevelNames[n]; ok {
		return s
	}
	return "unknown"
}

// ParseNormLevel maps a stored name back to its level
func ParseNormLevel(s string) NormLevel {
	for level, name := range normLevelNames {
		if name == s {
			return level
		}
	}
	return NormUnknown
}

// Document represents one ingested legal text or crawled page
type Document struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Category         string           `json:"category"`
	Subcategory      string           `json:"subcategory,omitempty"`
	Domain           string           `json:"domain,omitempty"`
	DocType          string           `json:"doc_type,omitempty"`
	NormLevel        NormLevel        `json:"norm_level"`
	Language         Language         `json:"language"`
	Tribunal         string           `json:"tribunal,omitempty"`
	FullText         string           `json:"full_text,omitempty"`
	SourceURL        string           `json:"source_url,omitempty"`
	WebSourceID      string           `json:"web_source_id,omitempty"`
	IsIndexed        bool             `json:"is_indexed"`
	IsActive         bool             `json:"is_active"`
	QualityScore     *float64         `json:"quality_score,omitempty"`
	AbrogationStatus AbrogationStatus `json:"abrogation_status"`
	PipelineStage    Stage            `json:"pipeline_stage"`
	Version          int              `json:"version"`
	PrecedentScore   float64          `json:"precedent_score"`
	IsSuperseded     bool             `json:"is_superseded"`
	PublishedAt      *time.Time       `json:"published_at,omitempty"`
	ChunkCount       int              `json:"chunk_count"`
	EmbedAttempts    int              `json:"embed_attempts"`
	NextRetryAt      *time.Time       `json:"next_retry_at,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
	DeletedAt        *time.Time       `json:"deleted_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Retrievable reports whether the document may be returned by search
func (d *Document) Retrievable() bool {
	return d.IsIndexed && d.IsActive && d.DeletedAt == nil && d.AbrogationStatus != AbrogationConfirmed
}

// Chunk is a fragment of a document with its embedding
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Metadata   Metadata  `json:"metadata"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Metadata contains information about the chunk
type Metadata struct {
	Language  Language `json:"language"`
	Section   string   `json:"section,omitempty"`
	Title     string   `json:"title,omitempty"`
	Hierarchy string   `json:"hierarchy,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// RelationType is the kind of a directed edge between documents
type RelationType string

const (
	RelationCitation      RelationType = "citation"
	RelationSupersedes    RelationType = "supersedes"
	RelationDuplicate     RelationType = "duplicate"
	RelationContradiction RelationType = "contradiction"
)

// Relation is a directed edge from SourceID to TargetID
type Relation struct {
	SourceID  string       `json:"source_id"`
	TargetID  string       `json:"target_id"`
	Type      RelationType `json:"relation_type"`
	CreatedAt time.Time    `json:"created_at"`
}

// Role of an authenticated actor
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// SystemActorID identifies automated transitions in the audit trail
const SystemActorID = "system"

// Actor is the identity recorded on every mutation
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used by background jobs
var SystemActor = Actor{ID: SystemActorID, Role: RoleSuperAdmin}

// IsAdmin reports whether the actor may run pipeline operations
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin
}
