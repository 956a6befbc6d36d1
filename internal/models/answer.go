package models

// Stance steers the answer towards one side of a case
type Stance string

const (
	StanceNeutral Stance = "neutral"
	StanceDefense Stance = "defense"
	StanceAttack  Stance = "attack"
)

// ChatSource is a source supplied to the model and returned to the caller
type ChatSource struct {
	Label       string    `json:"label"`
	DocumentID  string    `json:"document_id"`
	ChunkID     string    `json:"chunk_id"`
	Title       string    `json:"title"`
	Excerpt     string    `json:"excerpt"`
	Category    string    `json:"category,omitempty"`
	NormLevel   NormLevel `json:"norm_level"`
	SourceURL   string    `json:"source_url,omitempty"`
	Similarity  float64   `json:"similarity"`
	RerankScore float64   `json:"rerank_score"`
}

// Answer is the outcome of answering a question
type Answer struct {
	Answer           string       `json:"answer"`
	Sources          []ChatSource `json:"sources"`
	Confidence       float64      `json:"confidence"`
	Abstained        bool         `json:"abstained"`
	Degraded         bool         `json:"degraded,omitempty"`
	Language         Language     `json:"language"`
	Provider         string       `json:"provider,omitempty"`
	Model            string       `json:"model,omitempty"`
	RemovedCitations []string     `json:"removed_citations,omitempty"`
	ResponseTimeMs   int64        `json:"response_time_ms"`
}

// EventType names a streaming frame
type EventType string

const (
	EventProgress EventType = "progress"
	EventMetadata EventType = "metadata"
	EventChunk    EventType = "chunk"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StreamEvent is one frame of a streamed answer
type StreamEvent struct {
	Type       EventType    `json:"type"`
	Stage      string       `json:"stage,omitempty"`
	Text       string       `json:"text,omitempty"`
	Sources    []ChatSource `json:"sources,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
	Answer     *Answer      `json:"answer,omitempty"`
	Code       string       `json:"code,omitempty"`
	Message    string       `json:"message,omitempty"`
}
